// Package memory owns the guest physical address space: host-backed RAM
// allocation, kernel memory-slot registration, and guest-physical to
// host-virtual translation.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"

	"vmcore/hypervisor"
)

// ramBaseAddr returns the host virtual address of the first byte of ram.
// Guest RAM is always allocated non-empty by Init, so ram[0] is addressable
// whenever this is called from within this package.
func ramBaseAddr(ram []byte) uint64 {
	if len(ram) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&ram[0])))
}

// hugeTLBFSMagic is the f_type reported by statfs(2) for a hugetlbfs mount,
// used to verify a caller-supplied hugepage path before trusting it.
const hugeTLBFSMagic = 0x958458f6

// Slot is a registered guest-physical memory region. Once registered a slot
// is never resized or moved.
type Slot struct {
	ID            uint32
	GuestPhysAddr uint64
	Size          uint64
	HostAddr      uint64
}

// Manager owns guest RAM and the slot table for one VM.
type Manager struct {
	vmFD     int
	ram      []byte
	ramBase  uint64
	slots    []Slot
	nextSlot uint32
}

// Init allocates guest RAM. If hugetlbfsPath is non-empty it must reference
// a directory mounted on hugetlbfs (verified by filesystem magic); a
// uniquely named backing file is created there, truncated to size, mapped
// MAP_PRIVATE, and immediately unlinked so it cannot outlive the process.
// Otherwise an anonymous private mapping is used. Allocation failure is
// fatal to the caller: the VM cannot start with partial memory.
func Init(vmFD int, size uint64, hugetlbfsPath string) (*Manager, error) {
	var (
		ram []byte
		err error
	)
	if hugetlbfsPath != "" {
		ram, err = allocHugePages(hugetlbfsPath, size)
	} else {
		ram, err = unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	}
	if err != nil {
		return nil, fmt.Errorf("allocate guest RAM: %w", err)
	}
	return &Manager{
		vmFD:    vmFD,
		ram:     ram,
		ramBase: ramBaseAddr(ram),
	}, nil
}

func allocHugePages(dir string, size uint64) ([]byte, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return nil, fmt.Errorf("statfs hugetlbfs path: %w", err)
	}
	if int64(st.Type) != hugeTLBFSMagic {
		return nil, fmt.Errorf("%s is not a hugetlbfs mount", dir)
	}

	f, err := os.CreateTemp(dir, "vmcore-ram-*")
	if err != nil {
		return nil, fmt.Errorf("create hugepage backing file: %w", err)
	}
	name := f.Name()
	// Unlink immediately: the mapping keeps the inode alive for the life of
	// the process.
	defer os.Remove(name)

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate hugepage backing file: %w", err)
	}

	ram, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("mmap hugepage file: %w", err)
	}
	return ram, nil
}

// RAM returns the host-backed guest RAM slice for the flat single-region
// model.
func (m *Manager) RAM() []byte { return m.ram }

// RegisterMem assigns the next dense slot id and submits the region to the
// kernel. The caller is responsible for ensuring regions do not overlap;
// the kernel does not check.
func (m *Manager) RegisterMem(guestPhysAddr uint64, size uint64, hostAddr uint64) (Slot, error) {
	slot := Slot{
		ID:            m.nextSlot,
		GuestPhysAddr: guestPhysAddr,
		Size:          size,
		HostAddr:      hostAddr,
	}
	if err := hypervisor.SetUserMemoryRegion(m.vmFD, slot.ID, guestPhysAddr, size, hostAddr); err != nil {
		return Slot{}, fmt.Errorf("register memory slot %d: %w", slot.ID, err)
	}
	m.nextSlot++
	m.slots = append(m.slots, slot)
	return slot, nil
}

// RegisterRAM registers the whole guest-RAM allocation as a single slot
// starting at guest-physical address 0 — the flat single-region model the
// rest of this package's translation functions assume.
func (m *Manager) RegisterRAM() (Slot, error) {
	if len(m.ram) == 0 {
		return Slot{}, fmt.Errorf("no RAM allocated")
	}
	return m.RegisterMem(0, uint64(len(m.ram)), m.ramBase)
}

// Slots returns the registered slot table.
func (m *Manager) Slots() []Slot { return m.slots }

// GuestFlatToHost translates a guest physical address into a host virtual
// pointer by adding the RAM base.
func (m *Manager) GuestFlatToHost(guestPhys uint64) (uintptr, error) {
	if guestPhys >= uint64(len(m.ram)) {
		return 0, fmt.Errorf("guest address %#x out of range (RAM size %#x)", guestPhys, len(m.ram))
	}
	return uintptr(ramBaseAddr(m.ram)) + uintptr(guestPhys), nil
}

// GuestSlice returns a host-addressable byte slice backing [guestPhys,
// guestPhys+length) of guest RAM, bounds-checked against the flat region.
func (m *Manager) GuestSlice(guestPhys uint64, length uint64) ([]byte, error) {
	end := guestPhys + length
	if end < guestPhys || end > uint64(len(m.ram)) {
		return nil, fmt.Errorf("guest range [%#x,%#x) out of range", guestPhys, end)
	}
	return m.ram[guestPhys:end], nil
}

// HostPtrInRAM is the predicate for safe dereference of a host pointer
// previously produced by GuestFlatToHost.
func (m *Manager) HostPtrInRAM(ptr uintptr) bool {
	base := uintptr(ramBaseAddr(m.ram))
	return ptr >= base && ptr < base+uintptr(len(m.ram))
}

// Close unmaps guest RAM.
func (m *Manager) Close() error {
	if m.ram == nil {
		return nil
	}
	err := unix.Munmap(m.ram)
	m.ram = nil
	return err
}

// VerifyHugeTLBFSPath is exposed for callers that want to validate a
// hugepage path (e.g. in CLI flag validation) before calling Init.
func VerifyHugeTLBFSPath(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	var st unix.Statfs_t
	if err := unix.Statfs(abs, &st); err != nil {
		return err
	}
	if int64(st.Type) != hugeTLBFSMagic {
		return fmt.Errorf("%s is not mounted on hugetlbfs", abs)
	}
	return nil
}
