package vmcore

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vmcore/vmconfig"
)

// syncBuffer captures serial output written from a VCPU goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// guestPayload is a flat 32-bit protected-mode binary: it writes "OK" to the
// COM1 data port, then parks in a hlt loop.
var guestPayload = []byte{
	0xBA, 0xF8, 0x03, 0x00, 0x00, // mov edx, 0x3F8
	0xB0, 'O', // mov al, 'O'
	0xEE,      // out dx, al
	0xB0, 'K', // mov al, 'K'
	0xEE,       // out dx, al
	0xF4,       // hlt
	0xEB, 0xFD, // jmp back to hlt
}

// TestProtectedModeBoot boots a real VM through the whole stack — platform
// gate, memory manager, bootloader, VCPU run loop, serial device — and
// watches the guest's console output arrive. Skipped where /dev/kvm is
// unavailable.
func TestProtectedModeBoot(t *testing.T) {
	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("KVM not available: %v", err)
	}

	kernel := filepath.Join(t.TempDir(), "guest.bin")
	if err := os.WriteFile(kernel, guestPayload, 0o644); err != nil {
		t.Fatalf("write guest payload: %v", err)
	}

	out := &syncBuffer{}
	cfg := &vmconfig.Config{
		MemSizeBytes: 16 << 20,
		NumVCPUs:     1,
		KVMDevice:    "/dev/kvm",
		KernelPath:   kernel,
		TapName:      "vmcore-test-tap",
		SerialOutput: out,
	}
	vm, err := New(cfg)
	if err != nil {
		t.Skipf("cannot create VM on this host: %v", err)
	}
	defer vm.Close()

	done := make(chan error, 1)
	go func() { done <- vm.Run() }()

	deadline := time.After(10 * time.Second)
	for !bytes.Contains(out.Bytes(), []byte("OK")) {
		select {
		case err := <-done:
			t.Fatalf("VM exited before producing output: %v", err)
		case <-deadline:
			t.Fatalf("timed out waiting for guest output, got %q", out.Bytes())
		case <-time.After(10 * time.Millisecond):
		}
	}

	vm.Stop()
	if err := <-done; err != nil {
		t.Fatalf("VM run: %v", err)
	}
}
