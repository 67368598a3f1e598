// Package vmconfig collects every VM parameter into a single Config
// struct, populated by flag parsing in cmd/vmcore.
package vmconfig

import (
	"flag"
	"fmt"
	"io"
)

const (
	defaultMemSizeBytes = 128 * 1024 * 1024
	defaultNumVCPUs     = 1
	defaultKVMDevice    = "/dev/kvm"
	defaultSockDir      = "/run/vmcore"
)

// Config holds every parameter needed to construct and run one VM. There
// is exactly one Config per process: one process hosts one VM.
type Config struct {
	MemSizeBytes uint64
	NumVCPUs     int
	KVMDevice    string

	KernelPath string
	InitrdPath string
	DiskPaths  []string
	ReadOnly   bool

	InstanceName  string
	ControlDir    string
	HugeTLBFSPath string
	TapName       string

	// SerialOutput overrides where guest console output goes; nil means
	// stdout. Not a flag — set programmatically (tests capture it here).
	SerialOutput io.Writer

	Debug bool
}

// Parse populates a Config from command-line flags.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("vmcore", flag.ContinueOnError)
	cfg := &Config{}
	var memMB uint64
	var disks diskFlag

	fs.Uint64Var(&memMB, "mem", defaultMemSizeBytes/(1024*1024), "guest RAM size in MiB")
	fs.IntVar(&cfg.NumVCPUs, "cpus", defaultNumVCPUs, "number of VCPUs")
	fs.StringVar(&cfg.KVMDevice, "kvm-device", defaultKVMDevice, "path to the KVM control device")
	fs.StringVar(&cfg.KernelPath, "kernel", "", "path to the guest kernel image (bzImage or flat binary)")
	fs.StringVar(&cfg.InitrdPath, "initrd", "", "path to the initrd image (optional)")
	fs.Var(&disks, "disk", "path to a disk image (repeatable)")
	fs.BoolVar(&cfg.ReadOnly, "readonly", false, "open disk images read-only")
	fs.StringVar(&cfg.InstanceName, "name", "", "instance name, used to name the control socket")
	fs.StringVar(&cfg.ControlDir, "control-dir", defaultSockDir, "directory holding per-instance control sockets")
	fs.StringVar(&cfg.HugeTLBFSPath, "hugetlbfs", "", "optional hugetlbfs mount point to back guest RAM")
	fs.StringVar(&cfg.TapName, "tap", "tap0", "host TAP interface backing the paravirtual NIC")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable verbose tracing")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.MemSizeBytes = memMB * 1024 * 1024
	cfg.DiskPaths = disks

	if cfg.KernelPath == "" {
		return nil, fmt.Errorf("-kernel is required")
	}
	if cfg.InstanceName == "" {
		return nil, fmt.Errorf("-name is required")
	}
	if cfg.NumVCPUs <= 0 {
		return nil, fmt.Errorf("-cpus must be positive")
	}
	return cfg, nil
}

// diskFlag collects repeated -disk flags into a slice.
type diskFlag []string

func (d *diskFlag) String() string {
	if d == nil {
		return ""
	}
	return fmt.Sprint([]string(*d))
}

func (d *diskFlag) Set(value string) error {
	*d = append(*d, value)
	return nil
}
