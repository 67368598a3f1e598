package vmcore

import (
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"vmcore/hypervisor"
	"vmcore/vmlog"
)

// Selectors into the GDT built by buildGDT, and the initial stack placed
// below the kernel load address.
const (
	selectorCode = 0x08
	selectorData = 0x10

	initialStackPointer = 0x9000
)

// VCPU owns one guest execution thread: the vcpu fd, its mmap'd kvm_run
// page, and the run loop that services VM exits. The run loop must stay on
// one OS thread for the lifetime of the fd.
type VCPU struct {
	id      int
	fd      int
	vm      *VirtualMachine
	log     *vmlog.Logger
	runData []byte
}

// NewVCPU creates the vcpu fd, maps its kvm_run page, and places the VCPU
// in protected mode at the kernel entry point.
func NewVCPU(vm *VirtualMachine, id int) (*VCPU, error) {
	fd, err := hypervisor.CreateVCPU(vm.vmFD, id)
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VCPU: %w", err)
	}
	size, err := hypervisor.GetVCPUMmapSize(vm.platform.FD())
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	runData, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap kvm_run: %w", err)
	}
	vcpu := &VCPU{
		id:      id,
		fd:      fd,
		vm:      vm,
		log:     vmlog.New(fmt.Sprintf("vcpu%d", id)).WithDebug(vm.Debug),
		runData: runData,
	}
	if err := vcpu.initRegisters(); err != nil {
		vcpu.Close()
		return nil, err
	}
	return vcpu, nil
}

func (v *VCPU) kvmRun() *hypervisor.KvmRun {
	return (*hypervisor.KvmRun)(unsafe.Pointer(&v.runData[0]))
}

// initRegisters enters 32-bit protected mode directly: flat code and data
// segments out of the VMM-built GDT, paging off, execution starting at the
// kernel load address.
func (v *VCPU) initRegisters() error {
	sregs, err := hypervisor.GetSregs(v.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_SREGS: %w", err)
	}

	code := hypervisor.KvmSegment{
		Base:     0,
		Limit:    0xFFFFFFFF,
		Selector: selectorCode,
		Type:     0x0B, // execute/read, accessed
		Present:  1,
		S:        1,
		DB:       1,
		G:        1,
	}
	data := code
	data.Selector = selectorData
	data.Type = 0x03 // read/write, accessed

	sregs.CS = code
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data
	sregs.GDT = hypervisor.KvmDtable{Base: gdtBaseAddress, Limit: 3*8 - 1}
	sregs.CR0 |= 1 // PE

	if err := hypervisor.SetSregs(v.fd, sregs); err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w", err)
	}

	regs := &hypervisor.KvmRegs{
		RFLAGS: 0x2,
		RIP:    kernelLoadAddress,
		RSP:    initialStackPointer,
	}
	if err := hypervisor.SetRegs(v.fd, regs); err != nil {
		return fmt.Errorf("KVM_SET_REGS: %w", err)
	}
	return nil
}

// Run executes the guest until the VM stops or the guest dies. Each loop
// iteration first drains a pending pause request, then re-enters the kernel
// run call and services the resulting exit.
func (v *VCPU) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	v.log.Debugf("entering run loop")
	for {
		select {
		case <-v.vm.pause.RequestChan(v.id):
			v.vm.pause.Parked(v.id)
			continue
		case <-v.vm.stop:
			return nil
		default:
		}

		v.vm.CheckForPendingInterrupts(v.id)

		if err := hypervisor.Run(v.fd); err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return fmt.Errorf("KVM_RUN on VCPU %d: %w", v.id, err)
		}

		run := v.kvmRun()
		switch run.ExitReason {
		case hypervisor.ExitIO:
			v.handleIOExit(run)
		case hypervisor.ExitHLT:
			// Halted with nothing deliverable: back off instead of
			// re-entering the guest in a tight loop.
			if !v.vm.pic.HasPendingInterrupts() {
				time.Sleep(time.Millisecond)
			}
		case hypervisor.ExitIntr, hypervisor.ExitIRQWindow:
			// run again
		case hypervisor.ExitMMIO:
			mmio := (*hypervisor.KvmRunMMIO)(unsafe.Pointer(&run.UnionData[0]))
			v.log.Debugf("unhandled MMIO %s at %#x len %d",
				mmioDir(mmio.IsWrite), mmio.PhysAddr, mmio.Len)
		case hypervisor.ExitShutdown:
			return fmt.Errorf("VCPU %d: guest shutdown (triple fault)", v.id)
		case hypervisor.ExitFailEntry:
			return fmt.Errorf("VCPU %d: entry failure, hardware reason %#x", v.id, run.HardwareReason())
		case hypervisor.ExitInternalError:
			return fmt.Errorf("VCPU %d: KVM internal error", v.id)
		case hypervisor.ExitUnknown:
			return fmt.Errorf("VCPU %d: unknown exit, hardware reason %#x", v.id, run.HardwareReason())
		default:
			v.log.Printf("unhandled exit reason %d", run.ExitReason)
		}
	}
}

// handleIOExit dispatches a (possibly repeated string-I/O) port exit to the
// I/O bus. An access nobody claims floats the bus: reads return all-ones,
// writes vanish — a guest probing absent hardware is not an error.
func (v *VCPU) handleIOExit(run *hypervisor.KvmRun) {
	io := (*hypervisor.KvmRunIO)(unsafe.Pointer(&run.UnionData[0]))
	offset := io.DataOffset
	chunk := uint64(io.Size)
	for i := uint32(0); i < io.Count; i++ {
		data := v.runData[offset : offset+chunk]
		if err := v.vm.HandleIO(io.Port, io.Direction, io.Size, data); err != nil {
			v.log.Debugf("port %#x: %v", io.Port, err)
			if io.Direction == hypervisor.ExitIODirIn {
				for j := range data {
					data[j] = 0xFF
				}
			}
		}
		offset += chunk
	}
}

func mmioDir(isWrite uint8) string {
	if isWrite != 0 {
		return "write"
	}
	return "read"
}

// InjectInterrupt delivers a vector acknowledged from the PIC into the
// guest.
func (v *VCPU) InjectInterrupt(vector uint8) error {
	return hypervisor.InjectInterrupt(v.fd, uint32(vector))
}

// Close unmaps the kvm_run page and releases the vcpu fd.
func (v *VCPU) Close() {
	if v.runData != nil {
		if err := unix.Munmap(v.runData); err != nil {
			v.log.Printf("munmap kvm_run: %v", err)
		}
		v.runData = nil
	}
	if v.fd > 0 {
		unix.Close(v.fd)
		v.fd = -1
	}
}
