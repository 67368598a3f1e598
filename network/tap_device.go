// Package network provides the host-side TAP backend the paravirtual NIC
// drains into.
package network

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const tunDevice = "/dev/net/tun"

// maxFrameSize bounds a single read: an Ethernet frame plus headroom.
const maxFrameSize = 2048

// TapDevice is an open Linux TAP interface carrying raw Ethernet frames
// (IFF_NO_PI, so no packet-info prefix).
type TapDevice struct {
	fd   int
	name string
}

// NewTapDevice opens the TUN clone device and attaches it to the named TAP
// interface. The interface must already exist or the caller must have the
// privilege to create it.
func NewTapDevice(name string) (*TapDevice, error) {
	fd, err := unix.Open(tunDevice, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tunDevice, err)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap interface name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %s: %w", name, err)
	}
	return &TapDevice{fd: fd, name: name}, nil
}

// Name returns the host interface name.
func (t *TapDevice) Name() string { return t.name }

// ReadPacket blocks for the next Ethernet frame. A nil frame with nil error
// means no data was available on a non-blocking descriptor.
func (t *TapDevice) ReadPacket() ([]byte, error) {
	buf := make([]byte, maxFrameSize)
	n, err := unix.Read(t.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", t.name, err)
	}
	return buf[:n], nil
}

// WritePacket injects one Ethernet frame into the host interface.
func (t *TapDevice) WritePacket(packet []byte) error {
	if _, err := unix.Write(t.fd, packet); err != nil {
		return fmt.Errorf("write %s: %w", t.name, err)
	}
	return nil
}

// Close releases the interface descriptor.
func (t *TapDevice) Close() error {
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}
