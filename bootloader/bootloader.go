// Package bootloader is the thin kernel-image loading handshake: try the
// architecture-specific bzImage loader, fall back to a flat binary, and
// sanity-check an initrd's magic before handing it to either loader.
package bootloader

import (
	"bytes"
	"fmt"
	"os"
)

// LoadKernel loads the kernel image at path into dst (a guest-RAM-backed
// slice starting at the kernel's expected guest load address), trying the
// bzImage loader first and the flat-binary loader on failure. A failure of
// both loaders is fatal to the caller.
func LoadKernel(path string, dst []byte) (entryOffset int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read kernel image %s: %w", path, err)
	}

	if off, ok := tryLoadBzImage(data, dst); ok {
		return off, nil
	}
	if off, ok := tryLoadFlatBinary(data, dst); ok {
		return off, nil
	}
	return 0, fmt.Errorf("%s is neither a recognized bzImage nor a flat binary", path)
}

// bzImage boot sector signature: "HdrS" at offset 0x202, per the Linux
// boot protocol.
var bzImageMagic = []byte("HdrS")

const bzImageMagicOffset = 0x202

func tryLoadBzImage(data []byte, dst []byte) (int, bool) {
	if len(data) < bzImageMagicOffset+4 {
		return 0, false
	}
	if !bytes.Equal(data[bzImageMagicOffset:bzImageMagicOffset+4], bzImageMagic) {
		return 0, false
	}
	if len(data) > len(dst) {
		return 0, false
	}
	copy(dst, data)
	return 0, true
}

// tryLoadFlatBinary is the fallback loader for a raw flat binary image with
// no header: it is always "recognized" as long as it fits.
func tryLoadFlatBinary(data []byte, dst []byte) (int, bool) {
	if len(data) > len(dst) {
		return 0, false
	}
	copy(dst, data)
	return 0, true
}

// gzip and cpio newc-format magic bytes.
var (
	gzipMagic = []byte{0x1f, 0x8b}
	cpioMagic = []byte("0707")
)

// CheckInitrd sanity-checks an initrd file for a gzip or cpio magic at
// offset 0. The magic is read with ReadAt, so the file offset is left where
// it was (offset 0 for a freshly opened file) and the real loader can still
// consume it from the start.
func CheckInitrd(f *os.File) error {
	var buf [4]byte
	n, err := f.ReadAt(buf[:], 0)
	if err != nil && n < 2 {
		return fmt.Errorf("read initrd magic: %w", err)
	}
	if bytes.Equal(buf[:2], gzipMagic) || bytes.Equal(buf[:4], cpioMagic) {
		return nil
	}
	return fmt.Errorf("initrd has neither a gzip nor cpio magic")
}
