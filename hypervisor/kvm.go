// Package hypervisor wraps the raw KVM ioctl surface: VM/VCPU creation,
// register access, and memory-region registration.
package hypervisor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl direction/size encoding, mirroring linux/asm-generic/ioctl.h's
// _IO/_IOR/_IOW macros. KVM's ioctl numbers are derived from these rather
// than hand-picked, so a struct-size mistake here is caught by a failing
// ioctl at runtime instead of silently addressing the wrong command.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	kvmioType = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (kvmioType << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func ioNoArg(nr uintptr) uintptr        { return ioc(iocNone, nr, 0) }
func ioRead(nr, size uintptr) uintptr   { return ioc(iocRead, nr, size) }
func ioWrite(nr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }

// KVM ioctl numbers, derived as in linux/kvm.h.
var (
	kvmGetAPIVersion      = ioNoArg(0x00)
	kvmCreateVM           = ioNoArg(0x01)
	kvmCheckExtension     = ioNoArg(0x03)
	kvmGetVCPUMmapSize    = ioNoArg(0x04)
	kvmCreateVCPU         = ioNoArg(0x41)
	kvmRun                = ioNoArg(0x80)
	kvmGetRegs            = ioRead(0x81, unsafe.Sizeof(KvmRegs{}))
	kvmSetRegs            = ioWrite(0x82, unsafe.Sizeof(KvmRegs{}))
	kvmGetSregs           = ioRead(0x83, unsafe.Sizeof(KvmSregs{}))
	kvmSetSregs           = ioWrite(0x84, unsafe.Sizeof(KvmSregs{}))
	kvmSetUserMemRegion   = ioWrite(0x46, unsafe.Sizeof(KvmUserspaceMemoryRegion{}))
	kvmInterrupt          = ioWrite(0x86, unsafe.Sizeof(KvmIrq{}))
)

// KVM_API_VERSION is the ABI version this module is compiled against.
const KVMAPIVersion = 12

// KVM exit reasons (linux/kvm.h).
const (
	ExitUnknown    = 0
	ExitException  = 1
	ExitIO         = 2
	ExitHypercall  = 3
	ExitDebug      = 4
	ExitHLT        = 5
	ExitMMIO       = 6
	ExitIRQWindow  = 7
	ExitShutdown   = 8
	ExitFailEntry  = 9
	ExitIntr       = 10
	ExitInternalError = 17
)

const (
	ExitIODirIn  uint8 = 0
	ExitIODirOut uint8 = 1
)

// KvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type KvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// KvmRegs mirrors the x86_64 struct kvm_regs general-purpose register file.
type KvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// KvmSegment mirrors struct kvm_segment.
type KvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// KvmDtable mirrors struct kvm_dtable (GDTR/IDTR).
type KvmDtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// KvmSregs mirrors struct kvm_sregs.
type KvmSregs struct {
	CS, DS, ES, FS, GS, SS KvmSegment
	TR, LDT                KvmSegment
	GDT, IDT               KvmDtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(256 + 63) / 64]uint64
}

// KvmIrq mirrors struct kvm_interrupt.
type KvmIrq struct {
	Irq uint32
}

// KvmRunIO mirrors the `io` member of the kvm_run exit-reason union.
type KvmRunIO struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// KvmRunMMIO mirrors the `mmio` member of the kvm_run exit-reason union.
type KvmRunMMIO struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
	_        [3]uint8
}

// KvmRun mirrors the fixed header of struct kvm_run; the exit-reason union
// starts at UnionData (byte offset 32) and is reinterpreted per ExitReason
// by the caller, matching how the kernel itself treats the mmap'd page. For
// hardware exits (unknown/fail-entry) the union's first quadword is the
// hardware exit reason.
type KvmRun struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64
	UnionData                  [256]byte
}

// HardwareReason returns the union's hardware exit reason quadword, valid
// for the unknown and fail-entry exit reasons.
func (r *KvmRun) HardwareReason() uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(r.UnionData[i]) << (8 * i)
	}
	return v
}

func ioctl(fd int, cmd uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), cmd, arg)
	if errno != 0 {
		return r, errno
	}
	return r, nil
}

// OpenKVM opens the virtualization control device.
func OpenKVM(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", path, err)
	}
	return fd, nil
}

// GetAPIVersion returns the kernel's KVM API version.
func GetAPIVersion(kvmFD int) (int, error) {
	v, err := ioctl(kvmFD, kvmGetAPIVersion, 0)
	if err != nil {
		return 0, err
	}
	return int(int32(v)), nil
}

// CheckExtension queries support for a KVM capability. Negative/zero means
// unsupported; a positive value may carry a capability-specific magnitude.
func CheckExtension(fd int, extension uintptr) (int, error) {
	v, err := ioctl(fd, kvmCheckExtension, extension)
	if err != nil {
		return 0, err
	}
	return int(int32(v)), nil
}

// CreateVM creates a new VM handle from the system handle.
func CreateVM(kvmFD int) (int, error) {
	fd, err := ioctl(kvmFD, kvmCreateVM, 0)
	if err != nil {
		return -1, err
	}
	return int(fd), nil
}

// CreateVCPU creates a new VCPU handle under the given VM handle.
func CreateVCPU(vmFD int, id int) (int, error) {
	fd, err := ioctl(vmFD, kvmCreateVCPU, uintptr(id))
	if err != nil {
		return -1, err
	}
	return int(fd), nil
}

// GetVCPUMmapSize returns the size of the kvm_run shared-memory page, queried
// against the system handle (not the vcpu or vm handle).
func GetVCPUMmapSize(kvmFD int) (int, error) {
	sz, err := ioctl(kvmFD, kvmGetVCPUMmapSize, 0)
	if err != nil {
		return 0, err
	}
	return int(sz), nil
}

// SetUserMemoryRegion registers a guest-physical memory slot.
func SetUserMemoryRegion(vmFD int, slot uint32, guestPhysAddr, size, userspaceAddr uint64) error {
	region := KvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    size,
		UserspaceAddr: userspaceAddr,
	}
	_, err := ioctl(vmFD, kvmSetUserMemRegion, uintptr(unsafe.Pointer(&region)))
	return err
}

// Run re-enters guest execution for one VM exit.
func Run(vcpuFD int) error {
	_, err := ioctl(vcpuFD, kvmRun, 0)
	return err
}

// GetRegs reads the VCPU's general-purpose registers.
func GetRegs(vcpuFD int) (*KvmRegs, error) {
	var regs KvmRegs
	if _, err := ioctl(vcpuFD, kvmGetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return nil, err
	}
	return &regs, nil
}

// SetRegs writes the VCPU's general-purpose registers.
func SetRegs(vcpuFD int, regs *KvmRegs) error {
	_, err := ioctl(vcpuFD, kvmSetRegs, uintptr(unsafe.Pointer(regs)))
	return err
}

// GetSregs reads the VCPU's special/segment registers.
func GetSregs(vcpuFD int) (*KvmSregs, error) {
	var sregs KvmSregs
	if _, err := ioctl(vcpuFD, kvmGetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return nil, err
	}
	return &sregs, nil
}

// SetSregs writes the VCPU's special/segment registers.
func SetSregs(vcpuFD int, sregs *KvmSregs) error {
	_, err := ioctl(vcpuFD, kvmSetSregs, uintptr(unsafe.Pointer(sregs)))
	return err
}

// InjectInterrupt delivers a legacy (non-APIC) interrupt vector to the VCPU.
// KVM_INTERRUPT only applies outside in-kernel local APIC emulation; this
// module uses it because it does not emulate an in-kernel APIC.
func InjectInterrupt(vcpuFD int, vector uint32) error {
	irq := KvmIrq{Irq: vector}
	_, err := ioctl(vcpuFD, kvmInterrupt, uintptr(unsafe.Pointer(&irq)))
	return err
}
