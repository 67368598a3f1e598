package devices

import (
	"fmt"
	"sync"
	"time"

	"vmcore/virtio"
	"vmcore/vmlog"
)

// Port window and IRQ line for the paravirtual NIC.
const (
	VirtioNetBasePort  uint16 = 0xC200
	VirtioNetPortRange uint16 = 0x3F

	VirtioNetIRQ uint8 = 9

	virtioNetQueueSize uint16 = 128
	virtioNetFeatMAC   uint32 = 1 << 5
	virtioNetHdrLen           = 10
)

// DefaultMAC is a locally administered address handed to guests that do not
// configure their own.
var DefaultMAC = [6]byte{0x02, 0x00, 0x56, 0x4D, 0x43, 0x00}

// NetBackend is the host side of the NIC: a TAP device in production, an
// in-process pair in tests.
type NetBackend interface {
	ReadPacket() ([]byte, error)
	WritePacket(packet []byte) error
}

// VirtioNet bridges a two-queue virtio-net device (queue 0 receive, queue 1
// transmit) to a host packet backend. Each frame on the wire carries the
// 10-byte legacy virtio-net header, which this device writes as zeros on
// receive and skips on transmit.
type VirtioNet struct {
	transport virtioTransport
	backend   NetBackend
	log       *vmlog.Logger
	mac       [6]byte

	rxOnce sync.Once
	stop   chan struct{}
}

// NewVirtioNet wires a packet backend to a fresh device at the given port
// base. The receive pump starts when the guest driver sets DRIVER_OK.
func NewVirtioNet(base uint16, backend NetBackend, mem virtio.GuestMemory, irq InterruptRaiser, mac [6]byte) *VirtioNet {
	d := &VirtioNet{
		backend: backend,
		log:     vmlog.New("virtio-net"),
		mac:     mac,
		stop:    make(chan struct{}),
	}
	d.transport.init(base, mem, irq, VirtioNetIRQ, 2, virtioNetQueueSize, virtioNetFeatMAC)
	d.transport.config = d.handleConfig
	d.transport.notify = d.notify
	d.transport.statusChanged = d.statusChanged
	return d
}

// HandleIO forwards the port access to the shared virtio transport.
func (d *VirtioNet) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	return d.transport.HandleIO(port, direction, size, data)
}

func (d *VirtioNet) handleConfig(offset uint32, direction uint8, data []byte) {
	if direction != IODirectionIn {
		return
	}
	for i := range data {
		off := offset + uint32(i)
		if off < uint32(len(d.mac)) {
			data[i] = d.mac[off]
		} else {
			data[i] = 0
		}
	}
}

func (d *VirtioNet) statusChanged(status byte) {
	if status&VirtioStatusDriverOK != 0 {
		d.rxOnce.Do(func() { go d.rxLoop() })
	}
}

// Close stops the receive pump. The backend itself is closed by its owner.
func (d *VirtioNet) Close() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
}

func (d *VirtioNet) notify(queue int) error {
	if queue != 1 {
		return nil // receive queue refills are consumed by the rx pump
	}
	q := d.transport.queue(1)
	if q == nil {
		return fmt.Errorf("virtio-net: transmit notify before queue placement")
	}
	for {
		head, ok, err := q.Pop()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		chain, err := q.GetChain(head)
		if err != nil {
			d.log.Printf("dropping malformed transmit chain at head %d: %v", head, err)
			continue
		}
		d.transmit(chain)
		if err := q.Publish(virtio.UsedElement{HeadID: uint32(head)}); err != nil {
			return err
		}
		sig, err := q.ShouldSignal()
		if err != nil {
			return err
		}
		if sig {
			d.transport.signal()
		}
	}
}

// transmit gathers the chain's outbound bytes, strips the virtio-net
// header, and hands the frame to the backend. A backend write failure drops
// the frame, as a real NIC would.
func (d *VirtioNet) transmit(chain virtio.Chain) {
	var frame []byte
	for _, v := range chain.Out {
		frame = append(frame, v...)
	}
	if len(frame) <= virtioNetHdrLen {
		return
	}
	if err := d.backend.WritePacket(frame[virtioNetHdrLen:]); err != nil {
		d.log.Printf("transmit: %v", err)
	}
}

// rxLoop pumps frames from the backend into the receive queue. A frame that
// arrives while the guest has no receive buffers posted is dropped.
func (d *VirtioNet) rxLoop() {
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		pkt, err := d.backend.ReadPacket()
		if err != nil {
			d.log.Printf("receive pump stopped: %v", err)
			return
		}
		if pkt == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		d.receive(pkt)
	}
}

func (d *VirtioNet) receive(pkt []byte) {
	q := d.transport.queue(0)
	if q == nil {
		return
	}
	head, ok, err := q.Pop()
	if err != nil || !ok {
		return // no posted buffer: drop
	}
	chain, err := q.GetChain(head)
	if err != nil {
		d.log.Printf("dropping malformed receive chain at head %d: %v", head, err)
		return
	}

	hdr := make([]byte, virtioNetHdrLen)
	written := scatter(chain.In, hdr, pkt)
	if err := q.Publish(virtio.UsedElement{HeadID: uint32(head), BytesWritten: written}); err != nil {
		d.log.Printf("publish receive completion: %v", err)
		return
	}
	sig, err := q.ShouldSignal()
	if err == nil && sig {
		d.transport.signal()
	}
}

// scatter copies the concatenation of srcs across the inbound iovecs in
// order, returning the byte count placed.
func scatter(iov []virtio.IOVec, srcs ...[]byte) uint32 {
	var written uint32
	for _, src := range srcs {
		for len(src) > 0 && len(iov) > 0 {
			n := copy(iov[0], src)
			src = src[n:]
			written += uint32(n)
			if n == len(iov[0]) {
				iov = iov[1:]
			} else {
				iov[0] = iov[0][n:]
			}
		}
	}
	return written
}
