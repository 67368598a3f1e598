package virtio

import "fmt"

// fakeMemory is an in-process flat byte-slice stand-in for the memory
// manager, so the queue engine's descriptor-walk and ring-publish logic
// can be exercised without a live KVM guest mapping.
type fakeMemory struct {
	ram []byte
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{ram: make([]byte, size)}
}

func (f *fakeMemory) GuestSlice(guestPhys uint64, length uint64) ([]byte, error) {
	end := guestPhys + length
	if end < guestPhys || end > uint64(len(f.ram)) {
		return nil, fmt.Errorf("guest range [%#x,%#x) out of range", guestPhys, end)
	}
	return f.ram[guestPhys:end], nil
}

func (f *fakeMemory) writeDescriptor(table uint64, index uint16, d Descriptor) {
	off := table + uint64(index)*descriptorSize
	putLEU64(f.ram[off:off+8], d.Addr)
	putLE32(f.ram[off+8:off+12], d.Len)
	putLE16(f.ram[off+12:off+14], d.Flags)
	putLE16(f.ram[off+14:off+16], d.Next)
}

func putLEU64(b []byte, v uint64) {
	putLE32(b[0:4], uint32(v))
	putLE32(b[4:8], uint32(v>>32))
}
