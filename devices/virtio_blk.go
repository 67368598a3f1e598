package devices

import (
	"encoding/binary"
	"fmt"

	"vmcore/diskimage"
	"vmcore/virtio"
	"vmcore/vmlog"
)

// Port window placement for virtio block devices: one 0x40-port window per
// disk, and the IRQ line they share.
const (
	virtioBlockBase      uint16 = 0xC100
	virtioBlockWindow    uint16 = 0x40
	VirtioBlockPortRange uint16 = virtioBlockWindow - 1

	VirtioBlockIRQ uint8 = 5

	virtioBlockQueueSize uint16 = 128
)

// VirtioBlockBasePort returns the register-window base for the i-th disk.
func VirtioBlockBasePort(i int) uint16 {
	return virtioBlockBase + uint16(i)*virtioBlockWindow
}

// virtio-blk request types and completion status codes.
const (
	virtioBlkTypeIn  uint32 = 0
	virtioBlkTypeOut uint32 = 1

	virtioBlkStatusOK          byte = 0
	virtioBlkStatusIOErr       byte = 1
	virtioBlkStatusUnsupported byte = 2
)

const virtioBlkReqHeaderLen = 16

// VirtioBlock bridges one guest virtio-blk queue to a disk image backend.
// Each request is a descriptor chain: a 16-byte header (type, reserved,
// sector), the data buffers, and a trailing guest-writable status byte. A
// per-request I/O failure is reported through that status byte and the
// used-ring length; it never takes the hypervisor down.
type VirtioBlock struct {
	transport virtioTransport
	img       *diskimage.Image
	log       *vmlog.Logger
	config    [8]byte // capacity in sectors, little-endian
}

// NewVirtioBlock wires a disk image to a fresh device at the given port
// base.
func NewVirtioBlock(base uint16, img *diskimage.Image, mem virtio.GuestMemory, irq InterruptRaiser) *VirtioBlock {
	d := &VirtioBlock{
		img: img,
		log: vmlog.New("virtio-blk"),
	}
	binary.LittleEndian.PutUint64(d.config[:], img.Size()/diskimage.SectorSize)
	d.transport.init(base, mem, irq, VirtioBlockIRQ, 1, virtioBlockQueueSize, 0)
	d.transport.config = d.handleConfig
	d.transport.notify = d.processQueue
	return d
}

// HandleIO forwards the port access to the shared virtio transport.
func (d *VirtioBlock) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	return d.transport.HandleIO(port, direction, size, data)
}

func (d *VirtioBlock) handleConfig(offset uint32, direction uint8, data []byte) {
	for i := range data {
		off := offset + uint32(i)
		if direction == IODirectionIn {
			if off < uint32(len(d.config)) {
				data[i] = d.config[off]
			} else {
				data[i] = 0
			}
		}
		// capacity is read-only; config writes are dropped
	}
}

// processQueue drains the request queue on a guest notify. A chain the
// engine refuses (out-of-range address, over-long chain) is dropped without
// a used-ring entry rather than crashing; a well-formed request that fails
// I/O completes with an error status.
func (d *VirtioBlock) processQueue(int) error {
	q := d.transport.queue(0)
	if q == nil {
		return fmt.Errorf("virtio-blk: notify before queue placement")
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
			d.log.Printf("dropping malformed request at head %d: %v", head, err)
			continue
		}
		written := d.execute(chain)
		if err := q.Publish(virtio.UsedElement{HeadID: uint32(head), BytesWritten: written}); err != nil {
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

// execute runs one request and returns the used-ring byte count (inbound
// data plus the status byte).
func (d *VirtioBlock) execute(chain virtio.Chain) uint32 {
	if len(chain.Out) == 0 || len(chain.Out[0]) < virtioBlkReqHeaderLen || len(chain.In) == 0 {
		return d.complete(chain, virtioBlkStatusUnsupported, 0)
	}
	hdr := chain.Out[0]
	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	switch reqType {
	case virtioBlkTypeIn:
		data := chain.In[:len(chain.In)-1]
		n, err := d.read(sector, data)
		if err != nil {
			d.log.Printf("read sector %d: %v", sector, err)
			return d.complete(chain, virtioBlkStatusIOErr, 0)
		}
		return d.complete(chain, virtioBlkStatusOK, n)
	case virtioBlkTypeOut:
		if err := d.write(sector, chain.Out[1:]); err != nil {
			d.log.Printf("write sector %d: %v", sector, err)
			return d.complete(chain, virtioBlkStatusIOErr, 0)
		}
		return d.complete(chain, virtioBlkStatusOK, 0)
	default:
		return d.complete(chain, virtioBlkStatusUnsupported, 0)
	}
}

// complete stores the status into the chain's trailing status byte and
// returns the total inbound byte count for the used ring.
func (d *VirtioBlock) complete(chain virtio.Chain, status byte, dataBytes uint32) uint32 {
	if len(chain.In) == 0 {
		return 0
	}
	statusIov := chain.In[len(chain.In)-1]
	if len(statusIov) == 0 {
		return dataBytes
	}
	statusIov[len(statusIov)-1] = status
	return dataBytes + 1
}

func iovTotal(iov []virtio.IOVec) uint64 {
	var n uint64
	for _, v := range iov {
		n += uint64(len(v))
	}
	return n
}

// read fills the inbound iovecs from the image, passing the scatter list
// through to a vectored backend or draining a buffer-only backend through a
// contiguous bounce buffer.
func (d *VirtioBlock) read(sector uint64, iov []virtio.IOVec) (uint32, error) {
	total := iovTotal(iov)
	if sector*diskimage.SectorSize+total > d.img.Size() {
		return 0, fmt.Errorf("request beyond end of image")
	}
	if b, ok := d.img.Iovec(); ok {
		bufs := make([][]byte, len(iov))
		for i, v := range iov {
			bufs[i] = v
		}
		n, err := b.ReadSectorIOV(sector, bufs)
		if err != nil {
			return 0, err
		}
		if uint64(n) != total {
			return 0, fmt.Errorf("short read: %d of %d bytes", n, total)
		}
		return uint32(total), nil
	}
	tmp := make([]byte, total)
	if err := d.img.ReadSector(sector, tmp); err != nil {
		return 0, err
	}
	for _, v := range iov {
		copy(v, tmp)
		tmp = tmp[len(v):]
	}
	return uint32(total), nil
}

// write is the gather-side mirror of read.
func (d *VirtioBlock) write(sector uint64, iov []virtio.IOVec) error {
	total := iovTotal(iov)
	if sector*diskimage.SectorSize+total > d.img.Size() {
		return fmt.Errorf("request beyond end of image")
	}
	if b, ok := d.img.Iovec(); ok {
		bufs := make([][]byte, len(iov))
		for i, v := range iov {
			bufs[i] = v
		}
		n, err := b.WriteSectorIOV(sector, bufs)
		if err != nil {
			return err
		}
		if uint64(n) != total {
			return fmt.Errorf("short write: %d of %d bytes", n, total)
		}
		return nil
	}
	tmp := make([]byte, 0, total)
	for _, v := range iov {
		tmp = append(tmp, v...)
	}
	return d.img.WriteSector(sector, tmp)
}
