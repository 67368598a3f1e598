package devices

import (
	"bytes"
	"encoding/binary"
	"testing"

	"vmcore/virtio"
)

// captureBackend records transmitted frames and never produces input.
type captureBackend struct {
	frames [][]byte
}

func (c *captureBackend) ReadPacket() ([]byte, error) { select {} }
func (c *captureBackend) WritePacket(p []byte) error {
	c.frames = append(c.frames, append([]byte(nil), p...))
	return nil
}

// TestVirtioNetTransmit pushes one frame through the transmit queue and
// expects the backend to see it with the virtio-net header stripped.
func TestVirtioNetTransmit(t *testing.T) {
	mem := &guestRAM{ram: make([]byte, 1 << 16)}
	backend := &captureBackend{}
	dev := NewVirtioNet(VirtioNetBasePort, backend, mem, nil, DefaultMAC)
	base := VirtioNetBasePort

	guestOut(t, dev, base+virtioRegQueueSelect, 2, 1) // transmit queue
	guestOut(t, dev, base+virtioRegQueuePFN, 4, testRingPFN)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02}
	frameAddr := uint64(testDataBase)
	// 10-byte header then the Ethernet payload, in a single descriptor.
	copy(mem.ram[frameAddr+virtioNetHdrLen:], payload)
	writeDesc(mem.ram, 0, frameAddr, virtioNetHdrLen+uint32(len(payload)), 0, 0)
	pushAvail(mem.ram, 0, 0)

	guestOut(t, dev, base+virtioRegQueueNotify, 2, 1)

	if len(backend.frames) != 1 {
		t.Fatalf("backend saw %d frames, want 1", len(backend.frames))
	}
	if !bytes.Equal(backend.frames[0], payload) {
		t.Fatalf("frame = %x, want %x", backend.frames[0], payload)
	}
	if usedIdx := binary.LittleEndian.Uint16(mem.ram[testUsedBase+2:]); usedIdx != 1 {
		t.Fatalf("used.idx = %d, want 1", usedIdx)
	}
}

func TestVirtioNetConfigMAC(t *testing.T) {
	mem := &guestRAM{ram: make([]byte, 1 << 16)}
	dev := NewVirtioNet(VirtioNetBasePort, &captureBackend{}, mem, nil, DefaultMAC)

	got := make([]byte, 6)
	for i := range got {
		buf := []byte{0}
		if err := dev.HandleIO(VirtioNetBasePort+virtioRegConfig+uint16(i), IODirectionIn, 1, buf); err != nil {
			t.Fatalf("config byte %d: %v", i, err)
		}
		got[i] = buf[0]
	}
	if !bytes.Equal(got, DefaultMAC[:]) {
		t.Fatalf("MAC = %x, want %x", got, DefaultMAC)
	}
}

func TestScatterSpansIovecs(t *testing.T) {
	a := make([]byte, 4)
	b := make([]byte, 8)
	n := scatter([]virtio.IOVec{a, b}, []byte{1, 2, 3}, []byte{4, 5, 6, 7})
	if n != 7 {
		t.Fatalf("scatter placed %d bytes, want 7", n)
	}
	if !bytes.Equal(a, []byte{1, 2, 3, 4}) {
		t.Fatalf("first iovec = %v", a)
	}
	if !bytes.Equal(b[:3], []byte{5, 6, 7}) {
		t.Fatalf("second iovec prefix = %v", b[:3])
	}
}
