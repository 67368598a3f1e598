package diskimage

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// qcow2 version-2 header layout; all on-disk integers are big-endian.
const qcow2Magic = 0x514649fb // "QFI\xfb"

type qcow2Header struct {
	Magic                 uint32
	Version               uint32
	BackingFileOffset     uint64
	BackingFileSize       uint32
	ClusterBits           uint32
	Size                  uint64
	CryptMethod           uint32
	L1Size                uint32
	L1TableOffset         uint64
	RefcountTableOffset   uint64
	RefcountTableClusters uint32
	NbSnapshots           uint32
	SnapshotsOffset       uint64
}

const qcow2HeaderSize = 72

func parseQCOW2Header(buf []byte) (qcow2Header, error) {
	if len(buf) < qcow2HeaderSize {
		return qcow2Header{}, fmt.Errorf("qcow2 header truncated")
	}
	var h qcow2Header
	be := binary.BigEndian
	h.Magic = be.Uint32(buf[0:4])
	h.Version = be.Uint32(buf[4:8])
	h.BackingFileOffset = be.Uint64(buf[8:16])
	h.BackingFileSize = be.Uint32(buf[16:20])
	h.ClusterBits = be.Uint32(buf[20:24])
	h.Size = be.Uint64(buf[24:32])
	h.CryptMethod = be.Uint32(buf[32:36])
	h.L1Size = be.Uint32(buf[36:40])
	h.L1TableOffset = be.Uint64(buf[40:48])
	h.RefcountTableOffset = be.Uint64(buf[48:56])
	h.RefcountTableClusters = be.Uint32(buf[56:60])
	h.NbSnapshots = be.Uint32(buf[60:64])
	h.SnapshotsOffset = be.Uint64(buf[64:72])
	if h.Magic != qcow2Magic {
		return qcow2Header{}, fmt.Errorf("not a qcow2 image")
	}
	return h, nil
}

// qcow2Image is a read-only sparse-cluster backend: the L1 table is
// decoded up front, L2 tables on demand, and clusters are read through the
// host fd. A subset sufficient to back a boot disk, not a full qcow2
// writer.
type qcow2Image struct {
	fd          int
	header      qcow2Header
	clusterSize uint64
	l1Table     []uint64
	l2Cache     map[uint64][]uint64
}

func probeQCOW2(fd int, fileSize uint64) (*Image, error) {
	hdrBuf := make([]byte, qcow2HeaderSize)
	n, err := unix.Pread(fd, hdrBuf, 0)
	if err != nil || n < qcow2HeaderSize {
		return nil, fmt.Errorf("qcow2 probe: short header")
	}
	h, err := parseQCOW2Header(hdrBuf)
	if err != nil {
		return nil, err
	}
	if h.ClusterBits < 9 || h.ClusterBits > 21 {
		return nil, fmt.Errorf("qcow2 probe: implausible cluster_bits %d", h.ClusterBits)
	}

	q := &qcow2Image{
		fd:          fd,
		header:      h,
		clusterSize: 1 << h.ClusterBits,
		l2Cache:     make(map[uint64][]uint64),
	}
	if err := q.loadL1Table(); err != nil {
		return nil, fmt.Errorf("qcow2 load L1 table: %w", err)
	}
	return &Image{fd: fd, size: h.Size, backend: q}, nil
}

func (q *qcow2Image) loadL1Table() error {
	buf := make([]byte, uint64(q.header.L1Size)*8)
	if len(buf) == 0 {
		return nil
	}
	n, err := unix.Pread(q.fd, buf, int64(q.header.L1TableOffset))
	if err != nil || n != len(buf) {
		return fmt.Errorf("short L1 table read")
	}
	q.l1Table = make([]uint64, q.header.L1Size)
	for i := range q.l1Table {
		q.l1Table[i] = binary.BigEndian.Uint64(buf[i*8:])
	}
	return nil
}

const qcow2OflagsCopied = uint64(1) << 63

func (q *qcow2Image) l2Entries() uint64 { return q.clusterSize / 8 }

func (q *qcow2Image) l2Table(l2Offset uint64) ([]uint64, error) {
	if l2, ok := q.l2Cache[l2Offset]; ok {
		return l2, nil
	}
	entries := q.l2Entries()
	buf := make([]byte, entries*8)
	n, err := unix.Pread(q.fd, buf, int64(l2Offset))
	if err != nil || uint64(n) != entries*8 {
		return nil, fmt.Errorf("short L2 table read")
	}
	l2 := make([]uint64, entries)
	for i := range l2 {
		l2[i] = binary.BigEndian.Uint64(buf[i*8:])
	}
	q.l2Cache[l2Offset] = l2
	return l2, nil
}

// clusterOffset resolves a byte offset within the virtual disk to a host
// file offset, or ok=false for an unallocated (sparse, reads-as-zero)
// cluster.
func (q *qcow2Image) clusterOffset(virtualOffset uint64) (uint64, bool, error) {
	l2Entries := q.l2Entries()
	clusterIndex := virtualOffset / q.clusterSize
	l1Index := clusterIndex / l2Entries
	l2Index := clusterIndex % l2Entries

	if l1Index >= uint64(len(q.l1Table)) {
		return 0, false, nil
	}
	l2Offset := q.l1Table[l1Index] &^ qcow2OflagsCopied
	if l2Offset == 0 {
		return 0, false, nil
	}
	l2, err := q.l2Table(l2Offset)
	if err != nil {
		return 0, false, err
	}
	if l2Index >= uint64(len(l2)) {
		return 0, false, nil
	}
	clusterHostOffset := l2[l2Index] &^ qcow2OflagsCopied
	if clusterHostOffset == 0 {
		return 0, false, nil
	}
	return clusterHostOffset + (virtualOffset % q.clusterSize), true, nil
}

func (q *qcow2Image) ReadSectorIOV(sector uint64, iov [][]byte) (int64, error) {
	offset := sector << SectorShift
	var total int64
	for _, buf := range iov {
		n, err := q.readAt(offset, buf)
		total += int64(n)
		offset += uint64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (q *qcow2Image) readAt(offset uint64, dst []byte) (int, error) {
	remaining := dst
	pos := offset
	read := 0
	for len(remaining) > 0 {
		hostOff, allocated, err := q.clusterOffset(pos)
		if err != nil {
			return read, err
		}
		chunk := int(q.clusterSize - pos%q.clusterSize)
		if chunk > len(remaining) {
			chunk = len(remaining)
		}
		if !allocated {
			for i := 0; i < chunk; i++ {
				remaining[i] = 0
			}
		} else {
			n, err := unix.Pread(q.fd, remaining[:chunk], int64(hostOff))
			if err != nil {
				return read, err
			}
			if n != chunk {
				return read + n, fmt.Errorf("short cluster read")
			}
		}
		read += chunk
		pos += uint64(chunk)
		remaining = remaining[chunk:]
	}
	return read, nil
}

// WriteSectorIOV is unsupported: this backend is read-only, with no
// cluster allocation or refcount maintenance.
func (q *qcow2Image) WriteSectorIOV(sector uint64, iov [][]byte) (int64, error) {
	return 0, fmt.Errorf("qcow2 backend is read-only in this build")
}

func (q *qcow2Image) Close() error {
	return nil
}
