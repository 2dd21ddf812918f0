// Package vmm wires a machine to the host terminal and runs it.
package vmm

import (
	"errors"
	"fmt"
	"log"
	"os"

	"golang.org/x/sys/unix"

	"github.com/xelatex/kvmtool/machine"
)

const (
	maxCPUs = 255

	ConsoleSerial = "serial"
	ConsoleVirtio = "virtio"

	NetworkNone   = "none"
	NetworkVirtio = "virtio"
)

var (
	ErrBadCPUCount   = errors.New("number of cpus must be in range 1..255")
	ErrBadConsole    = errors.New("console must be serial or virtio")
	ErrBadNetwork    = errors.New("network must be none or virtio")
	ErrKernelMissing = errors.New("no kernel image and no bootable host kernel found")
)

// Config collects everything a guest needs to boot.
type Config struct {
	Dev         string // KVM device node
	Kernel      string
	Initrd      string
	Params      string // appended to the built-in command line
	Disk        string
	Readonly    bool
	CPUs        int
	MemSizeMiB  int
	Console     string
	Network     string
	TapIfName   string
	HostIP      string // CIDR for the host side of the tap link
	TraceCount  int
	IOPortDebug bool
}

// Validate normalizes the config and fills defaults. A missing kernel
// falls back to the image the host itself booted from.
func (c *Config) Validate() error {
	if c.Dev == "" {
		c.Dev = machine.DefaultKVMPath
	}
	if c.CPUs < 1 || c.CPUs > maxCPUs {
		return fmt.Errorf("%w: %d", ErrBadCPUCount, c.CPUs)
	}
	if c.CPUs > 1 {
		// SMP needs a local APIC model this monitor does not have.
		log.Printf("%d cpus requested, falling back to uniprocessor", c.CPUs)
		c.CPUs = 1
	}
	if c.MemSizeMiB<<20 < machine.MinMemSize {
		return fmt.Errorf("%d MiB:%w", c.MemSizeMiB, machine.ErrMemTooSmall)
	}

	switch c.Console {
	case "":
		c.Console = ConsoleSerial
	case ConsoleSerial, ConsoleVirtio:
	default:
		return fmt.Errorf("%w: %q", ErrBadConsole, c.Console)
	}

	switch c.Network {
	case "":
		c.Network = NetworkNone
	case NetworkNone, NetworkVirtio:
	default:
		return fmt.Errorf("%w: %q", ErrBadNetwork, c.Network)
	}
	if c.Network == NetworkVirtio && c.TapIfName == "" {
		c.TapIfName = "tap0"
	}

	if c.Kernel == "" {
		kernel, err := hostKernelImage()
		if err != nil {
			return err
		}
		log.Printf("no kernel image given, using %s", kernel)
		c.Kernel = kernel
	}
	return nil
}

// hostKernelImage locates the kernel the host is running, the same
// image a guest without an explicit -kernel gets.
func hostKernelImage() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}

	release := unix.ByteSliceToString(uts.Release[:])
	path := "/boot/vmlinuz-" + release
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: tried %s", ErrKernelMissing, path)
	}
	return path, nil
}
