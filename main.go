// kvmtool boots a Linux guest on top of /dev/kvm with a small legacy
// device model: a 16550A serial console and virtio block, net and
// console devices.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pkg/profile"

	"github.com/xelatex/kvmtool/initramfs"
	"github.com/xelatex/kvmtool/machine"
	"github.com/xelatex/kvmtool/vmm"
)

// version is set by go build's -X main.version= option.
var version = "unknown"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := &vmm.Config{}

	flag.StringVar(&cfg.Dev, "dev", machine.DefaultKVMPath, "path to the KVM device node")
	flag.StringVar(&cfg.Kernel, "kernel", "", "kernel image to boot (default: the running host kernel)")
	flag.StringVar(&cfg.Initrd, "initrd", "", "initrd image, or a directory to pack on the fly")
	flag.StringVar(&cfg.Params, "params", "", "additional kernel command line arguments")
	flag.StringVar(&cfg.Disk, "disk", "", "raw disk image for /dev/vda")
	flag.BoolVar(&cfg.Readonly, "rodisk", false, "attach the disk image read-only")
	flag.IntVar(&cfg.CPUs, "cpus", 1, "number of vCPUs")
	flag.IntVar(&cfg.MemSizeMiB, "mem", 448, "guest memory in MiB")
	flag.StringVar(&cfg.Console, "console", vmm.ConsoleSerial, "console type: serial or virtio")
	flag.StringVar(&cfg.Network, "network", vmm.NetworkNone, "network mode: none or virtio")
	flag.StringVar(&cfg.TapIfName, "tap", "", "tap interface name for virtio networking")
	flag.StringVar(&cfg.HostIP, "host-ip", "", "host-side address (CIDR) for the tap link")
	flag.IntVar(&cfg.TraceCount, "trace", 0, "single-step and report every nth instruction")
	flag.BoolVar(&cfg.IOPortDebug, "ioport-debug", false, "log every I/O port access")

	var (
		debug       = flag.Bool("debug", false, "verbose machine tracing")
		cpuProfile  = flag.Bool("cpuprofile", false, "write a CPU profile next to the binary")
		showVersion = flag.Bool("version", false, "print the version and exit")
		probeCaps   = flag.Bool("probe-caps", false, "print KVM capabilities and exit")
		mkInitramfs = flag.String("mkinitramfs", "", "pack this directory into the -initrd file and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return 0
	}
	if *probeCaps {
		if err := machine.KVMCapabilities(cfg.Dev); err != nil {
			log.Printf("probing capabilities: %v", err)
			return 1
		}
		return 0
	}
	if *debug {
		machine.SetDebug(true)
	}
	if *mkInitramfs != "" {
		if cfg.Initrd == "" {
			log.Print("-mkinitramfs needs -initrd for the output path")
			return 1
		}
		if err := initramfs.BuildFile(*mkInitramfs, cfg.Initrd); err != nil {
			log.Printf("building initramfs: %v", err)
			return 1
		}
		return 0
	}
	if *cpuProfile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	v := vmm.New(cfg)
	if err := v.Init(); err != nil {
		log.Printf("%v", err)
		return 1
	}
	if err := v.Boot(); err != nil {
		log.Printf("%v", err)
		return 1
	}
	return 0
}
