package hypervisor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// KVM capability codes used by CheckExtensions. Values from linux/kvm.h.
const (
	CapNrVCPUs   = 9
	CapMaxVCPUs  = 66
	CapUserMem   = 3
	CapSetTSSAddr = 4
	CapExtCPUID  = 7
)

// requiredExtensions is the statically declared capability list the
// platform gate refuses to start without.
var requiredExtensions = []uintptr{CapUserMem}

const defaultRecommendedVCPUs = 4

// Platform represents an opened KVM system handle with a validated API
// version and capability set. It is created once at process startup.
type Platform struct {
	fd int
}

// OpenPlatform opens the virtualization control device and validates the
// compiled-against API version exactly; any mismatch is fatal.
func OpenPlatform(devicePath string) (*Platform, error) {
	fd, err := OpenKVM(devicePath)
	if err != nil {
		return nil, err
	}
	version, err := GetAPIVersion(fd)
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_API_VERSION: %w", err)
	}
	if version != KVMAPIVersion {
		return nil, fmt.Errorf("unsupported KVM API version %d (want %d)", version, KVMAPIVersion)
	}
	return &Platform{fd: fd}, nil
}

// FD returns the underlying system handle.
func (p *Platform) FD() int { return p.fd }

// Supports is a capability query with non-negative-return semantics: a
// negative or zero result means unsupported.
func (p *Platform) Supports(extension uintptr) bool {
	v, err := CheckExtension(p.fd, extension)
	return err == nil && v > 0
}

// CheckExtensions iterates the statically declared required capability list,
// failing startup if any is unsupported.
func (p *Platform) CheckExtensions() error {
	for _, ext := range requiredExtensions {
		if !p.Supports(ext) {
			return fmt.Errorf("required KVM extension %d is not supported", ext)
		}
	}
	return nil
}

// RecommendedVCPUs queries KVM_CAP_NR_VCPUS, defaulting to 4 when the
// capability itself is unsupported.
func (p *Platform) RecommendedVCPUs() int {
	v, err := CheckExtension(p.fd, CapNrVCPUs)
	if err != nil || v <= 0 {
		return defaultRecommendedVCPUs
	}
	return v
}

// MaxVCPUs queries KVM_CAP_MAX_VCPUS, defaulting to RecommendedVCPUs when
// the capability itself is unsupported.
func (p *Platform) MaxVCPUs() int {
	v, err := CheckExtension(p.fd, CapMaxVCPUs)
	if err != nil || v <= 0 {
		return p.RecommendedVCPUs()
	}
	return v
}

// CreateVM creates the VM handle bound to this platform.
func (p *Platform) CreateVM() (int, error) {
	return CreateVM(p.fd)
}

// Close releases the system handle.
func (p *Platform) Close() error {
	return unix.Close(p.fd)
}
