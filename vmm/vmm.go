package vmm

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/xelatex/kvmtool/initramfs"
	"github.com/xelatex/kvmtool/machine"
)

// Injecting guest timer interrupts from a host ticker is coarse but
// good enough to keep the serial console and clock moving.
const tickInterval = 10 * time.Millisecond

// The sysrq delivered on SIGQUIT; 'p' dumps registers in the guest.
const sysrqKey = 'p'

type VMM struct {
	cfg *Config
	m   *machine.Machine

	// Host console input, os.Stdin outside of tests.
	stdin io.Reader
}

func New(cfg *Config) *VMM {
	return &VMM{cfg: cfg, stdin: os.Stdin}
}

// Init validates the configuration, creates the machine and loads the
// kernel so that Boot only has to start the vCPUs.
func (v *VMM) Init() error {
	cfg := v.cfg

	if err := cfg.Validate(); err != nil {
		return err
	}

	m, err := machine.New(cfg.Dev, cfg.CPUs, cfg.MemSizeMiB<<20)
	if err != nil {
		return err
	}
	v.m = m

	if cfg.IOPortDebug {
		m.SetIOPortDebug(true)
	}
	if cfg.Disk != "" {
		if err := m.AttachDisk(cfg.Disk, cfg.Readonly); err != nil {
			m.Shutdown()
			return err
		}
	}
	if cfg.Network == NetworkVirtio {
		if err := m.AddTapIf(cfg.TapIfName, "tap", cfg.HostIP); err != nil {
			m.Shutdown()
			return err
		}
	}
	if cfg.Console == ConsoleVirtio {
		m.AddConsole()
	}

	kernel, err := os.Open(cfg.Kernel)
	if err != nil {
		m.Shutdown()
		return err
	}
	defer kernel.Close()

	initrd, closeInitrd, err := openInitrd(cfg.Initrd)
	if err != nil {
		m.Shutdown()
		return err
	}
	defer closeInitrd()

	cmdline := machine.ComposeCmdline(cfg.Params)
	if err := m.LoadLinux(kernel, initrd, cmdline); err != nil {
		m.Shutdown()
		return err
	}
	return nil
}

// Boot starts the vCPUs and blocks until the guest halts or dies. A
// nil return means every vCPU halted cleanly.
func (v *VMM) Boot() error {
	m := v.m
	defer m.Shutdown()

	if v.cfg.TraceCount > 0 {
		if err := m.SingleStep(true); err != nil {
			return err
		}
	}

	// Helper goroutines live until the last vCPU returns.
	done := make(chan struct{})
	defer close(done)

	// Host timer tick drives guest interrupt delivery.
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := m.InjectTimerInterrupts(); err != nil {
					log.Printf("timer interrupt: %v", err)
				}
			}
		}
	}()

	sysrq := make(chan os.Signal, 1)
	signal.Notify(sysrq, unix.SIGQUIT)
	defer signal.Stop(sysrq)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-sysrq:
				if err := m.InjectSysrq(sysrqKey); err != nil {
					log.Printf("sysrq: %v", err)
				}
			}
		}
	}()

	restore := func() {}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		state, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("console raw mode: %w", err)
		}
		restore = func() {
			if err := term.Restore(int(os.Stdin.Fd()), state); err != nil {
				log.Printf("restoring terminal: %v", err)
			}
		}
	}
	defer restore()

	go v.consoleInput(done, restore)

	var g errgroup.Group
	for cpu := 0; cpu < v.cfg.CPUs; cpu++ {
		cpu := cpu
		g.Go(func() error {
			return m.VCPU(cpu, v.cfg.TraceCount)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	restore()
	fmt.Printf("\n  # KVM session ended normally.\n")
	return nil
}

// openInitrd resolves the -initrd argument. A regular file is used as
// is; a directory is packed into a newc cpio archive in memory.
func openInitrd(path string) (io.ReaderAt, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}

	if fi.IsDir() {
		var buf bytes.Buffer
		if err := initramfs.Build(path, &buf); err != nil {
			return nil, nil, fmt.Errorf("packing initramfs from %s: %w", path, err)
		}
		return bytes.NewReader(buf.Bytes()), func() {}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

// consoleInput pumps host console input into whichever console device
// the guest uses until EOF, the detach sequence (Ctrl-A x) or done.
func (v *VMM) consoleInput(done <-chan struct{}, restore func()) {
	input := make(chan byte)
	go func() {
		defer close(input)
		in := bufio.NewReader(v.stdin)
		for {
			b, err := in.ReadByte()
			if err != nil {
				return
			}
			select {
			case input <- b:
			case <-done:
				return
			}
		}
	}()

	var deliver func(byte)
	if v.cfg.Console == ConsoleVirtio {
		deliver = func(b byte) {
			v.m.GetConsole().QueueInput([]byte{b})
		}
	} else {
		serialIn := v.m.GetInputChan()
		deliver = func(b byte) {
			serialIn <- b
			if err := v.m.InjectSerialIRQ(); err != nil {
				log.Printf("serial irq: %v", err)
			}
		}
	}

	var before byte
	for {
		select {
		case <-done:
			return
		case b, ok := <-input:
			if !ok {
				return
			}
			deliver(b)
			if before == 0x1 && b == 'x' {
				restore()
				return
			}
			before = b
		}
	}
}
