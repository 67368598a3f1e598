package diskimage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// rawRW is the raw-file, read-write backend: vectored positional I/O
// directly against the fd.
type rawRW struct {
	fd int
}

func probeRaw(fd int, size uint64, readonly bool) (*Image, error) {
	if readonly {
		ram, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_NORESERVE)
		if err != nil {
			return nil, fmt.Errorf("mmap raw image read-only: %w", err)
		}
		return &Image{fd: fd, size: size, backend: &rawROMmap{data: ram}}, nil
	}
	return &Image{fd: fd, size: size, backend: &rawRW{fd: fd}}, nil
}

// preadvFull retries a vectored positional read until the byte count
// matches the iovec sum, EOF, or error.
func preadvFull(fd int, iov [][]byte, offset int64) (int64, error) {
	var total int64
	want := iovecLen(iov)
	for total < want {
		n, err := unix.Preadv(fd, trimIovec(iov, total), offset+total)
		if n > 0 {
			total += int64(n)
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break // EOF
		}
	}
	return total, nil
}

func pwritevFull(fd int, iov [][]byte, offset int64) (int64, error) {
	var total int64
	want := iovecLen(iov)
	for total < want {
		n, err := unix.Pwritev(fd, trimIovec(iov, total), offset+total)
		if n > 0 {
			total += int64(n)
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func iovecLen(iov [][]byte) int64 {
	var n int64
	for _, b := range iov {
		n += int64(len(b))
	}
	return n
}

// trimIovec skips the first `done` bytes across the iovec list, for resuming
// a short vectored transfer at the correct offset.
func trimIovec(iov [][]byte, done int64) [][]byte {
	if done == 0 {
		return iov
	}
	out := make([][]byte, 0, len(iov))
	skip := done
	for _, b := range iov {
		if skip >= int64(len(b)) {
			skip -= int64(len(b))
			continue
		}
		out = append(out, b[skip:])
		skip = 0
	}
	return out
}

func (r *rawRW) ReadSectorIOV(sector uint64, iov [][]byte) (int64, error) {
	offset := int64(sector << SectorShift)
	return preadvFull(r.fd, iov, offset)
}

func (r *rawRW) WriteSectorIOV(sector uint64, iov [][]byte) (int64, error) {
	offset := int64(sector << SectorShift)
	return pwritevFull(r.fd, iov, offset)
}

// rawROMmap is the raw-file read-only backend and the block-device
// read-only backend: both are a MAP_PRIVATE|PROT_READ|PROT_WRITE mapping
// over the whole image, so writes land in anonymous host pages and are
// never written back — visible for the mapping's lifetime, discarded on
// close. Does not hold on 32-bit hosts, where the whole image may not fit
// in the address space.
type rawROMmap struct {
	data []byte
}

func (r *rawROMmap) ReadSectorBuf(sector uint64, dst []byte) error {
	offset := sector << SectorShift
	if offset+uint64(len(dst)) > uint64(len(r.data)) {
		return fmt.Errorf("read sector %d: out of range", sector)
	}
	copy(dst, r.data[offset:offset+uint64(len(dst))])
	return nil
}

func (r *rawROMmap) WriteSectorBuf(sector uint64, src []byte) error {
	offset := sector << SectorShift
	if offset+uint64(len(src)) > uint64(len(r.data)) {
		return fmt.Errorf("write sector %d: out of range", sector)
	}
	copy(r.data[offset:offset+uint64(len(src))], src)
	return nil
}

func (r *rawROMmap) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}

// probeBlockDevice sizes a block-special file via BLKGETSIZE64 and maps it
// read-only.
func probeBlockDevice(filename string) (*Image, error) {
	fd, err := unix.Open(filename, unix.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	size, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("BLKGETSIZE64: %w", err)
	}
	ram, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap block device: %w", err)
	}
	return &Image{fd: fd, size: uint64(size), backend: &rawROMmap{data: ram}}, nil
}
