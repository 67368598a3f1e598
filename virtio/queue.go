// Package virtio implements the split-ring v1.0 protocol engine: descriptor
// chain walking, available-ring consumption, used-ring production with
// event-index signaling, and device-config byte-offset decoding.
package virtio

import (
	"fmt"
	"sync/atomic"
)

var fenceCounter uint32

// Descriptor flags.
const (
	DescFNext     uint16 = 1
	DescFWrite    uint16 = 2
	DescFIndirect uint16 = 4
)

// Descriptor is one 16-byte entry of the descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const descriptorSize = 16

// GuestMemory is the minimal surface the queue engine needs from the memory
// manager: translating a guest-physical descriptor address into a host
// byte slice. Implemented by *memory.Manager; kept as an interface here so
// the queue engine can be tested without a real guest-RAM mapping.
type GuestMemory interface {
	GuestSlice(guestPhys uint64, length uint64) ([]byte, error)
}

// Queue is a handle over one guest-resident split virtio ring.
//
// Invariants: the ring lives in guest RAM; the engine never writes to the
// descriptor table or available ring, only to the used ring; 16-bit
// indices wrap modulo 2^16 but the ring slot index is idx mod N.
type Queue struct {
	mem GuestMemory

	descTableAddr uint64
	availAddr     uint64
	usedAddr      uint64
	num           uint16 // N, power of two <= 32768

	lastAvailIdx     uint16
	lastUsedSignaled uint16
}

// NewQueue constructs a queue handle over guest-resident ring memory at the
// given addresses. num must be a power of two no greater than 32768.
func NewQueue(mem GuestMemory, descTableAddr, availAddr, usedAddr uint64, num uint16) (*Queue, error) {
	if num == 0 || num&(num-1) != 0 || num > 32768 {
		return nil, fmt.Errorf("invalid virtqueue size %d: must be a power of two <= 32768", num)
	}
	return &Queue{
		mem:           mem,
		descTableAddr: descTableAddr,
		availAddr:     availAddr,
		usedAddr:      usedAddr,
		num:           num,
	}, nil
}

// Ring layout byte offsets: the descriptor table is N*16 bytes; the
// available ring is flags(2) idx(2) ring[N](2 each) used_event(2); used
// ring is flags(2) idx(2) ring[N](8 each) avail_event(2).
const (
	availFlagsOff = 0
	availIdxOff   = 2
	availRingOff  = 4

	usedFlagsOff = 0
	usedIdxOff   = 2
	usedRingOff  = 4
	usedElemSize = 8
)

func (q *Queue) availUsedEventOffset() uint64 {
	return availRingOff + uint64(q.num)*2
}

func (q *Queue) usedAvailEventOffset() uint64 {
	return usedRingOff + uint64(q.num)*usedElemSize
}

func (q *Queue) readDescriptor(index uint16) (Descriptor, error) {
	off := uint64(index) * descriptorSize
	buf, err := q.mem.GuestSlice(q.descTableAddr+off, descriptorSize)
	if err != nil {
		return Descriptor{}, fmt.Errorf("descriptor %d: %w", index, err)
	}
	return Descriptor{
		Addr:  leUint64(buf[0:8]),
		Len:   leUint32(buf[8:12]),
		Flags: leUint16(buf[12:14]),
		Next:  leUint16(buf[14:16]),
	}, nil
}

// Pop reads avail.idx, comparing against the cached last_avail_idx; if
// equal the queue is empty. Otherwise the head descriptor index is read
// from avail.ring[last_avail_idx mod N] and last_avail_idx is incremented
// (16-bit, wrapping).
func (q *Queue) Pop() (headIdx uint16, ok bool, err error) {
	idxBuf, err := q.mem.GuestSlice(q.availAddr+availIdxOff, 2)
	if err != nil {
		return 0, false, err
	}
	availIdx := leUint16(idxBuf)
	if availIdx == q.lastAvailIdx {
		return 0, false, nil
	}

	slot := q.lastAvailIdx % q.num
	headBuf, err := q.mem.GuestSlice(q.availAddr+availRingOff+uint64(slot)*2, 2)
	if err != nil {
		return 0, false, err
	}
	head := leUint16(headBuf)
	q.lastAvailIdx++
	return head, true, nil
}

// IOVec is a single host-addressable buffer produced from translating one
// descriptor's guest address.
type IOVec []byte

// Chain is the result of walking one descriptor chain: outbound
// (guest-readable, no WRITE flag) and inbound (host-writable, WRITE flag
// set) iovecs, in chain order.
type Chain struct {
	HeadIndex uint16
	Out       []IOVec
	In        []IOVec
}

// BytesWritten sums the lengths of the inbound iovecs, for producing a
// UsedElement.
func (c Chain) BytesWritten() uint32 {
	var n uint32
	for _, v := range c.In {
		n += uint32(len(v))
	}
	return n
}

// GetChain walks the descriptor chain starting at head, translating each
// descriptor's guest address via the memory manager and partitioning the
// chain into outbound and inbound iovecs in a packed layout. Chain
// termination: a descriptor without NEXT ends the chain. A chain may not
// exceed the ring size; guest misbehavior producing a longer chain (a
// descriptor loop) is refused rather than followed forever.
func (q *Queue) GetChain(head uint16) (Chain, error) {
	chain := Chain{HeadIndex: head}
	index := head
	for steps := uint16(0); ; steps++ {
		if steps >= q.num {
			return Chain{}, fmt.Errorf("descriptor chain exceeds ring size %d (possible loop)", q.num)
		}
		desc, err := q.readDescriptor(index)
		if err != nil {
			return Chain{}, err
		}
		if desc.Flags&DescFIndirect != 0 {
			return Chain{}, fmt.Errorf("indirect descriptors are not supported")
		}
		buf, err := q.mem.GuestSlice(desc.Addr, uint64(desc.Len))
		if err != nil {
			return Chain{}, fmt.Errorf("descriptor %d address: %w", index, err)
		}
		if desc.Flags&DescFWrite != 0 {
			chain.In = append(chain.In, buf)
		} else {
			chain.Out = append(chain.Out, buf)
		}
		if desc.Flags&DescFNext == 0 {
			break
		}
		index = desc.Next
	}
	return chain, nil
}

// GetChainSplit is the split placement policy: it writes into
// caller-supplied inIov/outIov slices independently instead of returning a
// packed struct.
func (q *Queue) GetChainSplit(head uint16, outIov, inIov [][]byte) (out, in int, err error) {
	chain, err := q.GetChain(head)
	if err != nil {
		return 0, 0, err
	}
	if len(chain.Out) > len(outIov) || len(chain.In) > len(inIov) {
		return 0, 0, fmt.Errorf("caller-supplied iovec arrays too small")
	}
	for i, v := range chain.Out {
		outIov[i] = v
	}
	for i, v := range chain.In {
		inIov[i] = v
	}
	return len(chain.Out), len(chain.In), nil
}

// UsedElement is written into used.ring[used.idx mod N] when a request
// completes.
type UsedElement struct {
	HeadID       uint32
	BytesWritten uint32
}

// Publish implements the four-step used-ring producer protocol:
//  1. write used.ring[used.idx mod N] = {head, bytes}
//  2. write fence (pairs with the guest reading the used ring)
//  3. increment used.idx
//  4. write fence (pairs with the guest's signal check)
//
// Go has no portable inline store-store fence. The ring fields are written
// with plain stores; each fence point is a storeFence call, an atomic
// read-modify-write on a package counter.
func (q *Queue) Publish(elem UsedElement) error {
	usedIdxBuf, err := q.mem.GuestSlice(q.usedAddr+usedIdxOff, 2)
	if err != nil {
		return err
	}
	usedIdx := leUint16(usedIdxBuf)
	slot := uint64(usedIdx % q.num)

	elemBuf, err := q.mem.GuestSlice(q.usedAddr+usedRingOff+slot*usedElemSize, usedElemSize)
	if err != nil {
		return err
	}
	putLE32(elemBuf[0:4], elem.HeadID)
	putLE32(elemBuf[4:8], elem.BytesWritten)
	storeFence()

	putLE16(usedIdxBuf, usedIdx+1)
	storeFence()
	return nil
}

// ShouldSignal implements the event-index convention: signal iff
// (u16)(new - event - 1) < (u16)(new - old). If signaling,
// last_used_signalled is updated to new.
func (q *Queue) ShouldSignal() (bool, error) {
	usedIdxBuf, err := q.mem.GuestSlice(q.usedAddr+usedIdxOff, 2)
	if err != nil {
		return false, err
	}
	newIdx := leUint16(usedIdxBuf)

	eventBuf, err := q.mem.GuestSlice(q.availAddr+q.availUsedEventOffset(), 2)
	if err != nil {
		return false, err
	}
	event := leUint16(eventBuf)

	old := q.lastUsedSignaled
	signal := uint16(newIdx-event-1) < uint16(newIdx-old)
	if signal {
		q.lastUsedSignaled = newIdx
	}
	return signal, nil
}

// storeFence marks the two required store-store fence points from the
// publish protocol. Go has no portable inline fence primitive; each call
// site is annotated so the ordering requirement stays visible even though
// runtime.KeepAlive-style no-ops compile to nothing. On amd64/arm64, plain
// stores to guest memory are not reordered with each other by the CPU, so
// the compiler barrier this call provides (preventing the Go compiler,
// not the CPU, from reordering the surrounding writes) is sufficient in
// practice; a genuinely weakly-ordered target would need a real barrier
// here instead.
func storeFence() {
	atomic.AddUint32(&fenceCounter, 1)
}

func putLE16(buf []byte, v uint16) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
}

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func leUint64(b []byte) uint64 {
	return uint64(leUint32(b[0:4])) | uint64(leUint32(b[4:8]))<<32
}
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
