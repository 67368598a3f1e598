// Package diskimage implements the polymorphic block-device backend that
// plugs into the virtio block device: raw file vectored I/O, raw file
// read-only copy-on-write mmap, block-device read-only mmap, and qcow2
// sparse images.
package diskimage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// SectorShift and SectorSize are the fixed 512-byte disk addressing unit
// used everywhere in this package.
const (
	SectorShift = 9
	SectorSize  = 1 << SectorShift
)

// IovecBackend is implemented by backends that perform vectored positional
// I/O directly against a file descriptor (the raw read-write backend).
// A backend implements exactly one of IovecBackend or BufferBackend — the
// disk-image capability is unrepresentable rather than null-checked, unlike
// the C vtable this replaces.
type IovecBackend interface {
	ReadSectorIOV(sector uint64, iov [][]byte) (int64, error)
	WriteSectorIOV(sector uint64, iov [][]byte) (int64, error)
}

// BufferBackend is implemented by backends that only support single-buffer
// I/O against an in-process mapping (the two mmap backends).
type BufferBackend interface {
	ReadSectorBuf(sector uint64, dst []byte) error
	WriteSectorBuf(sector uint64, src []byte) error
}

// closer is implemented by backends that hold resources beyond the shared
// file descriptor (mmap-backed backends).
type closer interface {
	Close() error
}

// Image is a handle over an open disk image: the shared file descriptor,
// its logical size (always a multiple of SectorSize), and the concrete
// backend implementing I/O.
type Image struct {
	fd      int
	size    uint64
	backend any
}

// Size returns the logical size of the image in bytes.
func (img *Image) Size() uint64 { return img.size }

// Iovec returns the IovecBackend view of this image, and whether the
// backend supports it.
func (img *Image) Iovec() (IovecBackend, bool) {
	b, ok := img.backend.(IovecBackend)
	return b, ok
}

// Buffer returns the BufferBackend view of this image, and whether the
// backend supports it.
func (img *Image) Buffer() (BufferBackend, bool) {
	b, ok := img.backend.(BufferBackend)
	return b, ok
}

// ReadSector reads into dst, draining an iovec backend into a contiguous
// buffer when talking to a vectored-only backend, or calling straight
// through to a buffer backend.
func (img *Image) ReadSector(sector uint64, dst []byte) error {
	if b, ok := img.Buffer(); ok {
		return b.ReadSectorBuf(sector, dst)
	}
	if b, ok := img.Iovec(); ok {
		n, err := b.ReadSectorIOV(sector, [][]byte{dst})
		if err != nil {
			return err
		}
		if n != int64(len(dst)) {
			return fmt.Errorf("short read: got %d want %d", n, len(dst))
		}
		return nil
	}
	return fmt.Errorf("disk image backend supports neither iovec nor buffer I/O")
}

// WriteSector writes src, symmetric to ReadSector.
func (img *Image) WriteSector(sector uint64, src []byte) error {
	if b, ok := img.Buffer(); ok {
		return b.WriteSectorBuf(sector, src)
	}
	if b, ok := img.Iovec(); ok {
		n, err := b.WriteSectorIOV(sector, [][]byte{src})
		if err != nil {
			return err
		}
		if n != int64(len(src)) {
			return fmt.Errorf("short write: got %d want %d", n, len(src))
		}
		return nil
	}
	return fmt.Errorf("disk image backend supports neither iovec nor buffer I/O")
}

// ReadSectorIOV reads via a multi-buffer scatter list, valid only against an
// IovecBackend.
func (img *Image) ReadSectorIOV(sector uint64, iov [][]byte) (int64, error) {
	b, ok := img.Iovec()
	if !ok {
		return 0, fmt.Errorf("disk image backend does not support vectored I/O")
	}
	return b.ReadSectorIOV(sector, iov)
}

// WriteSectorIOV writes via a multi-buffer gather list, valid only against
// an IovecBackend.
func (img *Image) WriteSectorIOV(sector uint64, iov [][]byte) (int64, error) {
	b, ok := img.Iovec()
	if !ok {
		return 0, fmt.Errorf("disk image backend does not support vectored I/O")
	}
	return b.WriteSectorIOV(sector, iov)
}

// Open probes filename and returns an Image backed by one of the four
// concrete backends, following the probe order: block device, qcow2 magic,
// raw file (RO mmap or RW vectored).
func Open(filename string, readonly bool) (*Image, error) {
	st, err := os.Stat(filename)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", filename, err)
	}

	if st.Mode()&os.ModeDevice != 0 && st.Mode()&os.ModeCharDevice == 0 {
		img, err := probeBlockDevice(filename)
		if err == nil {
			return img, nil
		}
		// fall through: not every block-special stat succeeds the ioctl probe
	}

	flags := unix.O_RDWR
	if readonly {
		flags = unix.O_RDONLY
	}
	fd, err := unix.Open(filename, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}

	if img, err := probeQCOW2(fd, uint64(st.Size())); err == nil {
		return img, nil
	}

	img, err := probeRaw(fd, uint64(st.Size()), readonly)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("no disk image backend recognized %s: %w", filename, err)
	}
	return img, nil
}

// Close dispatches to the backend's optional Close (releasing mmap-backed
// state), then closes the backend fd. A close failure is logged by the
// caller but never aborts the process.
func (img *Image) Close() error {
	var backendErr error
	if c, ok := img.backend.(closer); ok {
		backendErr = c.Close()
	}
	fdErr := unix.Close(img.fd)
	if backendErr != nil {
		return backendErr
	}
	return fdErr
}
