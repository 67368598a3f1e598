package virtio

import "testing"

const (
	testDescTableAddr = 0
	testAvailAddr     = 256
	testUsedAddr      = 512
	testDataAddr      = 1024
	testRingSize      = 8
)

func newTestQueue(t *testing.T) (*Queue, *fakeMemory) {
	t.Helper()
	mem := newFakeMemory(4096)
	q, err := NewQueue(mem, testDescTableAddr, testAvailAddr, testUsedAddr, testRingSize)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	return q, mem
}

// TestDescriptorChainPartition walks a ring with three descriptors
// head->mid->tail, flags {NEXT, WRITE|NEXT, WRITE} (terminator), expects
// out=1, in=2, iovecs in order head, mid, tail.
func TestDescriptorChainPartition(t *testing.T) {
	q, mem := newTestQueue(t)

	mem.writeDescriptor(testDescTableAddr, 0, Descriptor{Addr: testDataAddr + 0, Len: 4, Flags: DescFNext, Next: 1})
	mem.writeDescriptor(testDescTableAddr, 1, Descriptor{Addr: testDataAddr + 16, Len: 4, Flags: DescFWrite | DescFNext, Next: 2})
	mem.writeDescriptor(testDescTableAddr, 2, Descriptor{Addr: testDataAddr + 32, Len: 4, Flags: DescFWrite})

	chain, err := q.GetChain(0)
	if err != nil {
		t.Fatalf("GetChain: %v", err)
	}
	if len(chain.Out) != 1 || len(chain.In) != 2 {
		t.Fatalf("partition = out:%d in:%d, want out:1 in:2", len(chain.Out), len(chain.In))
	}
	if &mem.ram[testDataAddr] != &chain.Out[0][0] {
		t.Fatalf("outbound iovec does not point at the head descriptor's buffer")
	}
	if &mem.ram[testDataAddr+16] != &chain.In[0][0] {
		t.Fatalf("first inbound iovec does not point at the mid descriptor's buffer")
	}
	if &mem.ram[testDataAddr+32] != &chain.In[1][0] {
		t.Fatalf("second inbound iovec does not point at the tail descriptor's buffer")
	}
}

// TestChainExceedingRingSizeIsRefused covers the loop-prevention invariant:
// a chain longer than N descriptors must be refused, not followed forever.
func TestChainExceedingRingSizeIsRefused(t *testing.T) {
	q, mem := newTestQueue(t)
	for i := uint16(0); i < testRingSize+1; i++ {
		next := i + 1
		mem.writeDescriptor(testDescTableAddr, i, Descriptor{Addr: testDataAddr, Len: 1, Flags: DescFNext, Next: next})
	}
	if _, err := q.GetChain(0); err == nil {
		t.Fatalf("expected error for a chain exceeding the ring size")
	}
}

// TestAvailPop exercises the available-ring consumer: empty when
// avail.idx == last_avail_idx, otherwise returns the head index and
// advances.
func TestAvailPop(t *testing.T) {
	q, mem := newTestQueue(t)

	if _, ok, err := q.Pop(); err != nil || ok {
		t.Fatalf("Pop on empty queue: ok=%v err=%v, want ok=false", ok, err)
	}

	putLE16(mem.ram[testAvailAddr+availRingOff:], 7) // avail.ring[0] = head 7
	putLE16(mem.ram[testAvailAddr+availIdxOff:], 1)  // avail.idx = 1

	head, ok, err := q.Pop()
	if err != nil || !ok {
		t.Fatalf("Pop: ok=%v err=%v, want ok=true", ok, err)
	}
	if head != 7 {
		t.Fatalf("Pop head = %d, want 7", head)
	}
	if _, ok, _ := q.Pop(); ok {
		t.Fatalf("Pop should be empty again after draining the single entry")
	}
}

// TestPublishMonotonicUsedIdx covers the invariant: used.idx is monotonic
// modulo 2^16, and the number of published elements equals the idx delta.
func TestPublishMonotonicUsedIdx(t *testing.T) {
	q, _ := newTestQueue(t)

	for i := 0; i < 5; i++ {
		if err := q.Publish(UsedElement{HeadID: uint32(i), BytesWritten: 4}); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	idxBuf, err := q.mem.GuestSlice(q.usedAddr+usedIdxOff, 2)
	if err != nil {
		t.Fatalf("read used.idx: %v", err)
	}
	if got := leUint16(idxBuf); got != 5 {
		t.Fatalf("used.idx = %d, want 5", got)
	}
}

// TestEventIndexSignaling checks interrupt suppression: with last_used_signalled=10,
// used_event=15, publishing entries that move used.idx from 12 to 16:
// should_signal returns true exactly when used.idx first reaches 16;
// subsequent calls before further publishes return false.
func TestEventIndexSignaling(t *testing.T) {
	q, mem := newTestQueue(t)
	q.lastUsedSignaled = 10
	putLE16(mem.ram[testAvailAddr+q.availUsedEventOffset():], 15) // used_event = 15

	for idx := uint16(12); idx <= 16; idx++ {
		putLE16(mem.ram[testUsedAddr+usedIdxOff:], idx)
		signal, err := q.ShouldSignal()
		if err != nil {
			t.Fatalf("ShouldSignal at idx=%d: %v", idx, err)
		}
		want := idx == 16
		if signal != want {
			t.Fatalf("ShouldSignal at idx=%d = %v, want %v", idx, signal, want)
		}
	}
	if q.lastUsedSignaled != 16 {
		t.Fatalf("lastUsedSignaled = %d, want 16 after signaling", q.lastUsedSignaled)
	}

	// No further publish: idx unchanged, must not signal again.
	signal, err := q.ShouldSignal()
	if err != nil {
		t.Fatalf("ShouldSignal (no new publish): %v", err)
	}
	if signal {
		t.Fatalf("ShouldSignal returned true with no new published entries")
	}
}

func TestConfigOffsetDecode(t *testing.T) {
	cases := []struct {
		offset              uint32
		msix, featuresHigh  bool
		wantRegion          ConfigRegion
		wantOffset          uint32
	}{
		{offset: 9, msix: true, featuresHigh: true, wantRegion: RegionDeviceConfig, wantOffset: 1},
		{offset: 2, msix: true, featuresHigh: true, wantRegion: RegionMSIX, wantOffset: 2},
		{offset: 6, msix: true, featuresHigh: true, wantRegion: RegionFeaturesHi, wantOffset: 2},
	}
	for _, c := range cases {
		region, off := ConfigOffset(c.offset, c.msix, c.featuresHigh)
		if region != c.wantRegion || off != c.wantOffset {
			t.Fatalf("ConfigOffset(%d) = (%v,%d), want (%v,%d)", c.offset, region, off, c.wantRegion, c.wantOffset)
		}
	}
}
