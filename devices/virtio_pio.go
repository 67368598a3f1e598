package devices

import (
	"encoding/binary"
	"fmt"
	"sync"

	"vmcore/virtio"
)

// Legacy virtio register window, one per device, laid out over a port I/O
// range. The config window starts at virtioRegConfig and is decoded through
// virtio.ConfigOffset so the MSI-X and high-features adjustments stay in one
// place even though this transport enables neither.
const (
	virtioRegHostFeatures  = 0x00 // u32, read
	virtioRegGuestFeatures = 0x04 // u32, write
	virtioRegQueuePFN      = 0x08 // u32, read/write
	virtioRegQueueSize     = 0x0C // u16, read
	virtioRegQueueSelect   = 0x0E // u16, write
	virtioRegQueueNotify   = 0x10 // u16, write
	virtioRegStatus        = 0x12 // u8, read/write
	virtioRegISR           = 0x13 // u8, read clears
	virtioRegConfig        = 0x14
)

// Device status bits the transport cares about.
const (
	VirtioStatusDriverOK byte = 0x04
)

const (
	guestPageShift = 12
	guestPageSize  = 1 << guestPageShift

	virtioISRQueue byte = 0x01
)

// virtioTransport is the shared register-window state behind each virtio
// device: feature negotiation, queue placement, the notify doorbell, and the
// ISR/IRQ completion path. The concrete device plugs in its config window
// and notify handler.
type virtioTransport struct {
	mu   sync.Mutex
	base uint16
	mem  virtio.GuestMemory
	irq  InterruptRaiser
	line uint8

	hostFeatures  uint32
	guestFeatures uint32
	queueSize     uint16
	queues        []*virtio.Queue
	queueSel      uint16
	status        byte
	isr           byte

	config        func(offset uint32, direction uint8, data []byte)
	notify        func(queue int) error
	statusChanged func(status byte)
}

func (t *virtioTransport) init(base uint16, mem virtio.GuestMemory, irq InterruptRaiser, line uint8, numQueues int, queueSize uint16, hostFeatures uint32) {
	t.base = base
	t.mem = mem
	t.irq = irq
	t.line = line
	t.queueSize = queueSize
	t.hostFeatures = hostFeatures
	t.queues = make([]*virtio.Queue, numQueues)
}

// queue returns the ring for index i, or nil if the guest has not placed it
// yet.
func (t *virtioTransport) queue(i int) *virtio.Queue {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.queues) {
		return nil
	}
	return t.queues[i]
}

// signal latches the queue-interrupt ISR bit and asserts the device's IRQ
// line. Called by the device after ShouldSignal says the guest wants the
// completion.
func (t *virtioTransport) signal() {
	t.mu.Lock()
	t.isr |= virtioISRQueue
	irq, line := t.irq, t.line
	t.mu.Unlock()
	if irq != nil {
		irq.RaiseIRQ(line)
	}
}

// HandleIO serves the register window. Notify is dispatched outside the
// transport lock: the device's queue processing calls back into signal.
func (t *virtioTransport) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	offset := uint32(port - t.base)

	if offset >= virtioRegConfig {
		if t.config == nil {
			return fmt.Errorf("virtio: device has no config window (port %#x)", port)
		}
		_, configOff := virtio.ConfigOffset(offset-virtioRegConfig, false, false)
		t.config(configOff, direction, data)
		return nil
	}

	var notifyQueue = -1
	t.mu.Lock()
	switch offset {
	case virtioRegHostFeatures:
		if direction == IODirectionIn {
			putLE(data, t.hostFeatures)
		}
	case virtioRegGuestFeatures:
		if direction == IODirectionOut {
			t.guestFeatures = getLE(data)
		}
	case virtioRegQueuePFN:
		if direction == IODirectionOut {
			if err := t.placeQueue(getLE(data)); err != nil {
				t.mu.Unlock()
				return err
			}
		} else {
			putLE(data, 0)
		}
	case virtioRegQueueSize:
		if direction == IODirectionIn {
			putLE(data, uint32(t.queueSize))
		}
	case virtioRegQueueSelect:
		if direction == IODirectionOut {
			t.queueSel = uint16(getLE(data))
		}
	case virtioRegQueueNotify:
		if direction == IODirectionOut {
			notifyQueue = int(uint16(getLE(data)))
		}
	case virtioRegStatus:
		if direction == IODirectionOut {
			t.status = data[0]
			if t.statusChanged != nil {
				cb, status := t.statusChanged, t.status
				t.mu.Unlock()
				cb(status)
				t.mu.Lock()
			}
		} else {
			data[0] = t.status
		}
	case virtioRegISR:
		if direction == IODirectionIn {
			data[0] = t.isr
			t.isr = 0
		}
	default:
		t.mu.Unlock()
		return fmt.Errorf("virtio: unhandled register offset %#x", offset)
	}
	t.mu.Unlock()

	if notifyQueue >= 0 && t.notify != nil {
		return t.notify(notifyQueue)
	}
	return nil
}

// placeQueue builds the selected ring at the guest-written page frame
// number, using the legacy contiguous layout: descriptor table, then the
// available ring, then the used ring aligned up to the next guest page.
// Writing PFN 0 tears the ring down.
func (t *virtioTransport) placeQueue(pfn uint32) error {
	sel := int(t.queueSel)
	if sel >= len(t.queues) {
		return fmt.Errorf("virtio: queue select %d out of range", sel)
	}
	if pfn == 0 {
		t.queues[sel] = nil
		return nil
	}
	n := uint64(t.queueSize)
	desc := uint64(pfn) << guestPageShift
	avail := desc + 16*n
	used := (avail + 6 + 2*n + guestPageSize - 1) &^ uint64(guestPageSize-1)
	q, err := virtio.NewQueue(t.mem, desc, avail, used, t.queueSize)
	if err != nil {
		return fmt.Errorf("virtio: place queue %d: %w", sel, err)
	}
	t.queues[sel] = q
	return nil
}

// getLE and putLE tolerate the 1-, 2-, and 4-byte access widths guests use
// against the register window.
func getLE(data []byte) uint32 {
	switch len(data) {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(data))
	default:
		return binary.LittleEndian.Uint32(data[:4])
	}
}

func putLE(data []byte, v uint32) {
	switch len(data) {
	case 1:
		data[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(v))
	default:
		binary.LittleEndian.PutUint32(data[:4], v)
	}
}
