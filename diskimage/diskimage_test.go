package diskimage

import (
	"os"
	"path/filepath"
	"testing"
)

// TestRawFileRoundTrip opens a 1MiB zero-filled file
// read-write, write a 16-byte pattern at sector 3 via a two-iovec chain,
// re-read at sector 3 into a single buffer, expect the exact pattern.
func TestRawFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 1<<20), 0o644); err != nil {
		t.Fatalf("create fixture: %v", err)
	}

	img, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	pattern := []byte("ABCDEFGHIJKLMNOP")
	n, err := img.WriteSectorIOV(3, [][]byte{pattern[:8], pattern[8:]})
	if err != nil {
		t.Fatalf("WriteSectorIOV: %v", err)
	}
	if n != int64(len(pattern)) {
		t.Fatalf("WriteSectorIOV wrote %d bytes, want %d", n, len(pattern))
	}

	got := make([]byte, 16)
	if err := img.ReadSector(3, got); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if string(got) != string(pattern) {
		t.Fatalf("ReadSector = %q, want %q", got, pattern)
	}
}

// TestReadOnlyMmapIsolation checks that writes to a read-only COW mapping
// are visible within the same mapping's lifetime but never persisted to
// disk.
func TestReadOnlyMmapIsolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 1<<20), 0o644); err != nil {
		t.Fatalf("create fixture: %v", err)
	}

	img, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open read-only: %v", err)
	}
	if err := img.WriteSector(0, []byte("XYZ")); err != nil {
		t.Fatalf("WriteSector (in-memory COW write): %v", err)
	}
	got := make([]byte, 3)
	if err := img.ReadSector(0, got); err != nil {
		t.Fatalf("ReadSector after write: %v", err)
	}
	if string(got) != "XYZ" {
		t.Fatalf("COW write not visible within mapping lifetime: got %q", got)
	}
	if err := img.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	img2, err := Open(path, true)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer img2.Close()
	got2 := make([]byte, 3)
	if err := img2.ReadSector(0, got2); err != nil {
		t.Fatalf("ReadSector on reopen: %v", err)
	}
	for _, b := range got2 {
		if b != 0 {
			t.Fatalf("expected original zeros after reopen, got %v", got2)
		}
	}
}

// TestWriteSectorBoundsCheck verifies the strict bounds check (not wrap) on
// buffer-backed writes.
func TestWriteSectorBoundsCheck(t *testing.T) {
	r := &rawROMmap{data: make([]byte, SectorSize)}
	err := r.WriteSectorBuf(0, make([]byte, SectorSize+1))
	if err == nil {
		t.Fatalf("expected out-of-range error for oversized write")
	}
}

func TestQCOW2HeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, qcow2HeaderSize)
	if _, err := parseQCOW2Header(buf); err == nil {
		t.Fatalf("expected error for zeroed (non-qcow2) header")
	}
}
