package memory

import "testing"

// TestRamBaseAddr verifies the flat-region base address helper does not
// panic on an empty slice and returns a non-zero address for backed memory.
func TestRamBaseAddr(t *testing.T) {
	if got := ramBaseAddr(nil); got != 0 {
		t.Fatalf("ramBaseAddr(nil) = %#x, want 0", got)
	}

	ram := make([]byte, 4096)
	base := ramBaseAddr(ram)
	if base == 0 {
		t.Fatalf("ramBaseAddr returned 0 for backed slice")
	}
}

// TestManagerGuestSliceBounds exercises guest-physical bounds checking
// without requiring a live /dev/kvm handle.
func TestManagerGuestSliceBounds(t *testing.T) {
	m := &Manager{ram: make([]byte, 1<<16)}

	b, err := m.GuestSlice(0x1000, 16)
	if err != nil {
		t.Fatalf("GuestSlice in range: %v", err)
	}
	if len(b) != 16 {
		t.Fatalf("GuestSlice length = %d, want 16", len(b))
	}

	if _, err := m.GuestSlice(uint64(len(m.ram))-8, 16); err == nil {
		t.Fatalf("GuestSlice expected out-of-range error")
	}
}

func TestHostPtrInRAM(t *testing.T) {
	ram := make([]byte, 4096)
	m := &Manager{ram: ram}
	base := uintptr(ramBaseAddr(ram))

	if !m.HostPtrInRAM(base) {
		t.Fatalf("expected base pointer to be in RAM")
	}
	if m.HostPtrInRAM(base + uintptr(len(ram)) + 1) {
		t.Fatalf("expected out-of-range pointer to be rejected")
	}
}
