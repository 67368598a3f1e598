// Package vmcore is the VM control plane: it wires the platform gate, the
// memory manager, the virtio queue engine, and the disk-image layer into one
// running guest.
package vmcore

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"vmcore/bootloader"
	"vmcore/control"
	"vmcore/devices"
	"vmcore/diskimage"
	"vmcore/hypervisor"
	"vmcore/memory"
	"vmcore/network"
	"vmcore/vmconfig"
	"vmcore/vmlog"
)

// Fixed guest-physical addresses for the VMM-constructed GDT, the
// identity-mapped page directory, and the kernel image.
const (
	gdtBaseAddress           = 0x500
	pageDirectoryBaseAddress = 0x1000
	kernelLoadAddress        = 0x10000
)

// timerPeriod drives the PIT and RTC periodic outputs.
const timerPeriod = 10 * time.Millisecond

// VirtualMachine is the explicit VM context passed to every subsystem: one
// struct, constructed once, no package-level VM state.
type VirtualMachine struct {
	log *vmlog.Logger

	platform *hypervisor.Platform
	vmFD     int
	mem      *memory.Manager

	ioBus    *devices.IOBus
	pic      *devices.PIC
	pit      *devices.PIT
	serial   *devices.SerialPort
	rtc      *devices.RTC
	keyboard *devices.Keyboard
	netDev   *devices.VirtioNet
	tap      *network.TapDevice

	disks     []*diskimage.Image
	blockDevs []*devices.VirtioBlock

	vcpus []*VCPU
	pause *control.PauseController
	stop  chan struct{}

	ctl *control.Server

	NumVCPUs int
	Debug    bool
}

// New creates and initializes a virtual machine from a parsed configuration:
// opens the platform gate, allocates and registers guest RAM, loads the
// kernel and optional disk images, constructs the device models, and
// creates (but does not start) one VCPU per configured core.
func New(cfg *vmconfig.Config) (*VirtualMachine, error) {
	log := vmlog.New("vm").WithDebug(cfg.Debug)

	platform, err := hypervisor.OpenPlatform(cfg.KVMDevice)
	if err != nil {
		return nil, fmt.Errorf("open platform gate: %w", err)
	}
	if err := platform.CheckExtensions(); err != nil {
		platform.Close()
		return nil, err
	}

	vmFD, err := platform.CreateVM()
	if err != nil {
		platform.Close()
		return nil, fmt.Errorf("create VM: %w", err)
	}

	numVCPUs := cfg.NumVCPUs
	if numVCPUs <= 0 {
		numVCPUs = platform.RecommendedVCPUs()
	}
	if max := platform.MaxVCPUs(); numVCPUs > max {
		numVCPUs = max
	}

	mem, err := memory.Init(vmFD, cfg.MemSizeBytes, cfg.HugeTLBFSPath)
	if err != nil {
		unix.Close(vmFD)
		platform.Close()
		return nil, err
	}
	if _, err := mem.RegisterRAM(); err != nil {
		mem.Close()
		unix.Close(vmFD)
		platform.Close()
		return nil, err
	}

	vm := &VirtualMachine{
		log:      log,
		platform: platform,
		vmFD:     vmFD,
		mem:      mem,
		NumVCPUs: numVCPUs,
		Debug:    cfg.Debug,
		pause:    control.NewPauseController(numVCPUs),
		stop:     make(chan struct{}),
	}

	vm.attachDevices(cfg)
	if err := vm.attachDisks(cfg); err != nil {
		vm.Close()
		return nil, err
	}
	if err := vm.loadGuestImage(cfg); err != nil {
		vm.Close()
		return nil, err
	}

	for i := 0; i < numVCPUs; i++ {
		vcpu, err := NewVCPU(vm, i)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("create VCPU %d: %w", i, err)
		}
		vm.vcpus = append(vm.vcpus, vcpu)
	}

	if cfg.InstanceName != "" {
		srv, err := control.Listen(cfg.ControlDir, cfg.InstanceName)
		if err != nil {
			vm.Close()
			return nil, err
		}
		vm.ctl = srv
		go srv.Serve()
	}

	return vm, nil
}

// attachDevices builds the PIC/PIT/serial/RTC/keyboard port-I/O models and,
// when the host grants a TAP interface, the paravirtual NIC.
func (vm *VirtualMachine) attachDevices(cfg *vmconfig.Config) {
	serialOut := cfg.SerialOutput
	if serialOut == nil {
		serialOut = os.Stdout
	}

	vm.ioBus = devices.NewIOBus()
	vm.pic = devices.NewPIC()
	vm.pit = devices.NewPIT(vm.pic)
	vm.serial = devices.NewSerialPort(serialOut, vm.pic)
	vm.rtc = devices.NewRTC(vm.pic)
	vm.keyboard = devices.NewKeyboard()

	vm.ioBus.RegisterDevice(devices.PICMasterCmdPort, devices.PICMasterDataPort, vm.pic)
	vm.ioBus.RegisterDevice(devices.PICSlaveCmdPort, devices.PICSlaveDataPort, vm.pic)
	vm.ioBus.RegisterDevice(devices.PITCounter0Port, devices.PITCommandPort, vm.pit)
	vm.ioBus.RegisterDevice(devices.PITControlPortB, devices.PITControlPortB, vm.pit)
	vm.ioBus.RegisterDevice(devices.COM1PortBase, devices.COM1PortEnd, vm.serial)
	vm.ioBus.RegisterDevice(devices.RTCIndexPort, devices.RTCDataPort, vm.rtc)
	vm.ioBus.RegisterDevice(devices.KeyboardDataPort, devices.KeyboardDataPort, vm.keyboard)
	vm.ioBus.RegisterDevice(devices.KeyboardStatusPort, devices.KeyboardStatusPort, vm.keyboard)

	tap, err := network.NewTapDevice(cfg.TapName)
	if err != nil {
		vm.log.Debugf("network: no TAP device, NIC left unattached: %v", err)
		return
	}
	vm.tap = tap
	vm.netDev = devices.NewVirtioNet(devices.VirtioNetBasePort, tap, vm.mem, vm.pic, devices.DefaultMAC)
	vm.ioBus.RegisterDevice(devices.VirtioNetBasePort, devices.VirtioNetBasePort+devices.VirtioNetPortRange, vm.netDev)
}

// attachDisks opens every configured disk image through the polymorphic
// diskimage backend and wires each one to a virtio block device on the I/O
// bus.
func (vm *VirtualMachine) attachDisks(cfg *vmconfig.Config) error {
	for i, path := range cfg.DiskPaths {
		img, err := diskimage.Open(path, cfg.ReadOnly)
		if err != nil {
			return fmt.Errorf("open disk image %s: %w", path, err)
		}
		vm.disks = append(vm.disks, img)

		base := devices.VirtioBlockBasePort(i)
		blk := devices.NewVirtioBlock(base, img, vm.mem, vm.pic)
		vm.blockDevs = append(vm.blockDevs, blk)
		vm.ioBus.RegisterDevice(base, base+devices.VirtioBlockPortRange, blk)
	}
	return nil
}

// loadGuestImage loads the kernel (bzImage with flat-binary fallback),
// checks any initrd magic, and constructs the protected-mode GDT and an
// identity-mapped page directory directly into guest RAM.
func (vm *VirtualMachine) loadGuestImage(cfg *vmconfig.Config) error {
	ram := vm.mem.RAM()

	if cfg.InitrdPath != "" {
		f, err := os.Open(cfg.InitrdPath)
		if err != nil {
			return fmt.Errorf("open initrd %s: %w", cfg.InitrdPath, err)
		}
		err = bootloader.CheckInitrd(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("initrd %s: %w", cfg.InitrdPath, err)
		}
	}

	if kernelLoadAddress >= len(ram) {
		return fmt.Errorf("guest RAM too small for kernel load address")
	}
	if _, err := bootloader.LoadKernel(cfg.KernelPath, ram[kernelLoadAddress:]); err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}
	vm.log.Debugf("loaded kernel %s at %#x", cfg.KernelPath, kernelLoadAddress)

	if err := vm.buildGDT(ram); err != nil {
		return err
	}
	return vm.buildPageDirectory(ram)
}

// buildGDT writes a minimal flat null/code/data GDT into guest RAM.
func (vm *VirtualMachine) buildGDT(ram []byte) error {
	gdt := []hypervisor.GDTEntry{
		hypervisor.NewGDTEntry(0, 0, 0, 0),
		hypervisor.NewGDTEntry(0, 0xFFFFF, 0x9A, 0xCF), // flat 32-bit code
		hypervisor.NewGDTEntry(0, 0xFFFFF, 0x92, 0xCF), // flat 32-bit data
	}
	if gdtBaseAddress+len(gdt)*8 > len(ram) {
		return fmt.Errorf("GDT does not fit in guest RAM")
	}
	for i, e := range gdt {
		e.Encode(ram[gdtBaseAddress+i*8:])
	}
	vm.log.Debugf("GDT loaded at %#x (%d entries)", gdtBaseAddress, len(gdt))
	return nil
}

// buildPageDirectory identity-maps the first 4MB of guest physical memory
// with a single 4MB page, available to a guest that turns paging on.
func (vm *VirtualMachine) buildPageDirectory(ram []byte) error {
	if pageDirectoryBaseAddress+4 > len(ram) {
		return fmt.Errorf("page directory does not fit in guest RAM")
	}
	pde := hypervisor.NewPDE4MB(0, hypervisor.PTEPresent|hypervisor.PTEReadWrite|hypervisor.PTEUser)
	ram[pageDirectoryBaseAddress+0] = byte(pde)
	ram[pageDirectoryBaseAddress+1] = byte(pde >> 8)
	ram[pageDirectoryBaseAddress+2] = byte(pde >> 16)
	ram[pageDirectoryBaseAddress+3] = byte(pde >> 24)
	return nil
}

// Run starts the periodic timer and every VCPU's run loop, blocking until
// all VCPUs exit.
func (vm *VirtualMachine) Run() error {
	go vm.runTimer()

	errs := make(chan error, len(vm.vcpus))
	for _, vcpu := range vm.vcpus {
		go func(v *VCPU) { errs <- v.Run() }(vcpu)
	}
	var firstErr error
	for range vm.vcpus {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// runTimer is the periodic interrupt source: it drives the PIT channel-0
// output and the RTC periodic flag until the VM stops.
func (vm *VirtualMachine) runTimer() {
	t := time.NewTicker(timerPeriod)
	defer t.Stop()
	for {
		select {
		case <-vm.stop:
			return
		case <-t.C:
			vm.pit.Tick()
			vm.rtc.Tick()
		}
	}
}

// Stop asks every VCPU run loop and the timer to exit.
func (vm *VirtualMachine) Stop() {
	select {
	case <-vm.stop:
	default:
		close(vm.stop)
	}
}

// Pause stops every VCPU at its next VM exit and waits for all of them to
// park.
func (vm *VirtualMachine) Pause() { vm.pause.Pause() }

// Continue resumes every VCPU parked by the most recent Pause.
func (vm *VirtualMachine) Continue() { vm.pause.Continue() }

// HandleIO dispatches one port I/O exit to the registered device.
func (vm *VirtualMachine) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	return vm.ioBus.HandleIO(port, direction, size, data)
}

// CheckForPendingInterrupts lets VCPU 0 poll the PIC and inject its highest
// pending vector. Only one VCPU services the PIC: this module emulates no
// APIC, so interrupt routing is single-threaded by construction.
func (vm *VirtualMachine) CheckForPendingInterrupts(vcpuID int) {
	if vcpuID != 0 || !vm.pic.HasPendingInterrupts() {
		return
	}
	vector := vm.pic.GetInterruptVector()
	if vector == 0 {
		return
	}
	if err := vm.vcpus[vcpuID].InjectInterrupt(vector); err != nil {
		vm.log.Debugf("inject vector %#x into VCPU %d: %v", vector, vcpuID, err)
	}
}

// Close tears down every resource the VM owns in reverse acquisition order.
// A disk close failure is logged, not fatal.
func (vm *VirtualMachine) Close() {
	vm.Stop()
	if vm.ctl != nil {
		vm.ctl.Close()
		vm.ctl = nil
	}
	for _, vcpu := range vm.vcpus {
		vcpu.Close()
	}
	for _, img := range vm.disks {
		if err := img.Close(); err != nil {
			vm.log.Printf("close disk image: %v", err)
		}
	}
	if vm.netDev != nil {
		vm.netDev.Close()
		vm.netDev = nil
	}
	if vm.tap != nil {
		if err := vm.tap.Close(); err != nil {
			vm.log.Printf("close TAP device: %v", err)
		}
		vm.tap = nil
	}
	if vm.mem != nil {
		vm.mem.Close()
		vm.mem = nil
	}
	if vm.vmFD > 0 {
		unix.Close(vm.vmFD)
		vm.vmFD = -1
	}
	if vm.platform != nil {
		vm.platform.Close()
		vm.platform = nil
	}
}
