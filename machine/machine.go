package machine

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"reflect"
	"runtime"
	"sync"
	"syscall"
)

const (
	bootParamAddr = 0x10000
	cmdlineAddr   = 0x20000

	initrdAddr  = 0xf000000
	highMemBase = 0x100000

	pageTableBase = 0x30_000

	// Anything smaller cannot hold the boot protocol fixtures plus a
	// kernel worth booting.
	MinMemSize = 64 << 20
)

const (
	CR0xPE = 1
	CR0xMP = (1 << 1)
	CR0xEM = (1 << 2)
	CR0xTS = (1 << 3)
	CR0xET = (1 << 4)
	CR0xNE = (1 << 5)
	CR0xWP = (1 << 16)
	CR0xAM = (1 << 18)
	CR0xNW = (1 << 29)
	CR0xCD = (1 << 30)
	CR0xPG = (1 << 31)

	CR4xPAE = (1 << 5)

	EFERxSCE = 1
	EFERxLME = (1 << 8)
	EFERxLMA = (1 << 10)
	EFERxNXE = (1 << 11)
)

var debug bool

// SetDebug turns on tracing output for the whole package.
func SetDebug(on bool) {
	debug = on
}

func DebugEnabled() bool {
	return debug
}

// Machine is one guest: its memory, vCPUs and device model.
type Machine struct {
	phyMem  *PhysMemory
	kvm     *KVM
	pci     *PCI
	serial  *Serial
	console *Console
	disk    *DiskImage
	tap     *If
	devices []Device
	ports   IOPortMap

	shutdownOnce sync.Once
}

// New allocates guest memory and creates the VM with its vCPUs. The
// memory size is checked up front so that an undersized request fails
// before any KVM resource exists.
func New(devPath string, cpus int, memSize int) (*Machine, error) {
	if memSize < MinMemSize {
		return nil, fmt.Errorf("memory size %d:%w", memSize, ErrMemTooSmall)
	}

	phyMem, err := NewPhysMemory(memSize)
	if err != nil {
		return nil, fmt.Errorf("guest memory: %w", err)
	}

	m := &Machine{
		phyMem: phyMem,
	}
	m.pci = NewPCI(NewBridge())

	m.kvm, err = NewKVM(devPath, cpus)
	if err != nil {
		m.phyMem.Free()
		return nil, fmt.Errorf("new kvm error: %w", err)
	}

	if err := m.kvm.Init(m.phyMem); err != nil {
		m.kvm.Close()
		m.phyMem.Free()
		return nil, fmt.Errorf("init kvm error: %w", err)
	}
	return m, nil
}

// AddTapIf attaches a virtio network device backed by a host tap (or
// tun) interface. When hostCIDR is non-empty the host side of the link
// is configured and brought up.
func (m *Machine) AddTapIf(ifName, net, hostCIDR string) error {
	netTypes := map[string]uint16{
		"tap": syscall.IFF_TAP,
		"tun": syscall.IFF_TUN,
	}
	ioIf, err := NewIf(ifName, netTypes[net])
	if err != nil {
		return err
	}
	if hostCIDR != "" {
		if err := ioIf.ConfigureHost(hostCIDR); err != nil {
			return err
		}
	}

	m.tap = ioIf
	v := NewNet(VirtioNetIRQ, m, ioIf, m.phyMem)
	go v.TxThreadEntry()
	go v.RxThreadEntry()
	m.pci.Devices = append(m.pci.Devices, v)
	return nil
}

// AttachDisk adds a virtio block device backed by a raw image. Only
// one disk may be attached.
func (m *Machine) AttachDisk(diskPath string, readonly bool) error {
	if m.disk != nil {
		return ErrDiskAttached
	}

	disk, err := OpenDiskImage(diskPath, readonly)
	if err != nil {
		return err
	}

	m.disk = disk
	v := NewBlk(disk, VirtioBlkIRQ, m, m.phyMem)
	go v.IOThreadEntry()
	m.pci.Devices = append(m.pci.Devices, v)
	return nil
}

// AddConsole attaches a virtio console next to the 16550A.
func (m *Machine) AddConsole() *Console {
	v := NewConsole(VirtioConsoleIRQ, m, m.phyMem)
	go v.TxThreadEntry()
	m.pci.Devices = append(m.pci.Devices, v)
	m.console = v
	return v
}

// SetIOPortDebug logs every dispatched port access.
func (m *Machine) SetIOPortDebug(on bool) {
	m.ports.SetIODebug(on)
}

func (m *Machine) AddDevice(dev Device) {
	m.devices = append(m.devices, dev)
}

func (m *Machine) GetSerial() *Serial {
	return m.serial
}

func (m *Machine) GetConsole() *Console {
	return m.console
}

func (m *Machine) GetInputChan() chan<- byte {
	return m.serial.GetInputChan()
}

func (m *Machine) SetupRegs(rip, bp uint64, amd64 bool) error {
	for _, cpu := range m.kvm.vCpuFdList() {
		if err := m.initRegs(cpu, rip, bp); err != nil {
			return err
		}
		if err := m.initSregs(cpu, amd64); err != nil {
			return err
		}
	}
	return nil
}

// LoadLinux prepares the guest for a Linux boot: BIOS fixtures, boot
// parameters, command line, the kernel image itself and an optional
// initrd. The kernel may be a bzImage or a plain ELF.
func (m *Machine) LoadLinux(kernel, initrd io.ReaderAt, params string) error {
	var (
		kernelAddr = uint64(highMemBase)
		err        error
	)

	if err := m.setupBIOS(); err != nil {
		return err
	}

	var initrdSize int
	if initrd != nil {
		initrdSize, err = m.phyMem.ReadImage(initrd, initrdAddr, 0)
		if err != nil {
			return fmt.Errorf("initrd: %w", err)
		}
	}

	m.phyMem.CopyStart(cmdlineAddr, []byte(params))
	m.phyMem.SetZero(cmdlineAddr + len(params))

	var isElfFile bool

	k, err := elf.NewFile(kernel)
	if err == nil {
		isElfFile = true
	}

	kp := &KernParam{}

	if !isElfFile {
		kp, err = NewKernParam(kernel)
		if err != nil {
			return err
		}
	}

	kp.AddE820Entry(
		RealModeIvtBegin,
		EBDAStart-RealModeIvtBegin,
		E820Ram,
	)
	kp.AddE820Entry(
		EBDAStart,
		VGARAMBegin-EBDAStart,
		E820Reserved,
	)
	kp.AddE820Entry(
		MBBIOSBegin,
		MBBIOSEnd-MBBIOSBegin,
		E820Reserved,
	)
	kp.AddE820Entry(
		highMemBase,
		m.phyMem.Len()-highMemBase,
		E820Ram,
	)

	kp.Hdr.VidMode = 0xFFFF
	kp.Hdr.TypeOfLoader = 0xFF
	kp.Hdr.RamdiskImage = initrdAddr
	kp.Hdr.RamdiskSize = uint32(initrdSize)
	kp.Hdr.LoadFlags |= CanUseHeap | LoadedHigh | KeepSegments
	kp.Hdr.HeapEndPtr = 0xFE00
	kp.Hdr.ExtLoaderVer = 0
	kp.Hdr.CmdlinePtr = cmdlineAddr
	kp.Hdr.CmdlineSize = uint32(len(params) + 1)

	bpBytes, err := kp.Bytes()
	if err != nil {
		return err
	}
	m.phyMem.CopyStart(bootParamAddr, bpBytes)

	var (
		amd64    bool
		kernSize int
	)

	switch isElfFile {
	case false:
		setupSz := int(kp.Hdr.SetupSects+1) * 512
		kernSize, err = m.phyMem.ReadImage(kernel, kernelAddr, int64(setupSz))
		if err != nil {
			return fmt.Errorf("kernel: %w", err)
		}
	case true:
		if k.Class == elf.ELFCLASS64 {
			amd64 = true
		}
		kernelAddr = k.Entry

		for i, p := range k.Progs {
			if p.Type != elf.PT_LOAD {
				continue
			}
			if debug {
				log.Printf("Load elf segment @%#x from file %#x %#x bytes\n", p.Paddr, p.Off, p.Filesz)
			}
			if p.Paddr+p.Filesz > m.phyMem.Len() {
				return fmt.Errorf("ELF prog %d@%#x, %#x bytes: %w", i, p.Paddr, p.Filesz, ErrImageTooLarge)
			}
			n, err := p.ReadAt(m.phyMem.GetFromStart(p.Paddr), 0)
			if !errors.Is(err, io.EOF) || uint64(n) != p.Filesz {
				return fmt.Errorf("reading ELF prog %d@%#x: %d/%d bytes, err %w", i, p.Paddr, n, p.Filesz, err)
			}
			kernSize += n
		}
	}

	if kernSize == 0 {
		return ErrZeroSizeKernel
	}
	if err := m.SetupRegs(kernelAddr, bootParamAddr, amd64); err != nil {
		return err
	}
	if m.serial, err = NewSerial(m); err != nil {
		return err
	}
	m.AddDevice(NewCMOS(m.phyMem.Len(), 0))
	return m.setupLegacyIO()
}

// setupBIOS writes the EBDA pointer and the MP tables so the guest can
// find its processors.
func (m *Machine) setupBIOS() error {
	ebdaBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(ebdaBytes, uint32(EBDAStart>>4))
	m.phyMem.CopyStart(EBDAPointer, ebdaBytes)

	ebda, err := NewEBDA(m.kvm.vCpuLen())
	if err != nil {
		return err
	}
	eb, err := ebda.Bytes()
	if err != nil {
		return err
	}
	m.phyMem.CopyStart(EBDAStart, eb)
	return nil
}

func (m *Machine) initRegs(vCpuFd P, rip, bp uint64) error {
	regs, err := GetRegs(vCpuFd)
	if err != nil {
		return err
	}

	regs.RFLAGS = 2
	regs.RIP = rip
	regs.RSI = bp
	return SetRegs(vCpuFd, regs)
}

func (m *Machine) initSregs(vCpuFd P, amd64 bool) error {
	sregs, err := GetSregs(vCpuFd)
	if err != nil {
		return err
	}

	if !amd64 {
		// 32-bit flat protected mode
		sregs.CS.Base, sregs.CS.Limit, sregs.CS.G = 0, 0xFFFFFFFF, 1
		sregs.DS.Base, sregs.DS.Limit, sregs.DS.G = 0, 0xFFFFFFFF, 1
		sregs.FS.Base, sregs.FS.Limit, sregs.FS.G = 0, 0xFFFFFFFF, 1
		sregs.GS.Base, sregs.GS.Limit, sregs.GS.G = 0, 0xFFFFFFFF, 1
		sregs.ES.Base, sregs.ES.Limit, sregs.ES.G = 0, 0xFFFFFFFF, 1
		sregs.SS.Base, sregs.SS.Limit, sregs.SS.G = 0, 0xFFFFFFFF, 1

		sregs.CS.DB, sregs.SS.DB = 1, 1
		sregs.CR0 |= 1

		return SetSregs(vCpuFd, sregs)
	}

	// 64-bit entry: identity-map the first 4 GiB with 2 MiB pages.
	high64k := m.phyMem.Get(pageTableBase, pageTableBase+0x6000)
	for i := range high64k {
		high64k[i] = 0
	}
	copy(high64k, []byte{
		0x03,
		0x10 | uint8((pageTableBase>>8)&0xff),
		uint8((pageTableBase >> 16) & 0xff),
		uint8((pageTableBase >> 24) & 0xff), 0, 0, 0, 0,
	})
	for i := uint64(0); i < 4; i++ {
		ptb := pageTableBase + (i+2)*0x1000
		copy(high64k[int(i*8)+0x1000:],
			[]byte{
				0x63,
				uint8((ptb >> 8) & 0xff),
				uint8((ptb >> 16) & 0xff),
				uint8((ptb >> 24) & 0xff), 0, 0, 0, 0,
			})
	}
	for i := uint64(0); i < 0x1_0000_0000; i += 0x2_00_000 {
		ptb := i | 0xe3
		ix := int((i/0x2_00_000)*8 + 0x2000)
		copy(high64k[ix:], []byte{
			uint8(ptb),
			uint8((ptb >> 8) & 0xff),
			uint8((ptb >> 16) & 0xff),
			uint8((ptb >> 24) & 0xff), 0, 0, 0, 0,
		})
	}

	sregs.CR3 = uint64(pageTableBase)
	sregs.CR4 = CR4xPAE
	sregs.CR0 = CR0xPE | CR0xMP | CR0xET | CR0xNE | CR0xWP | CR0xAM | CR0xPG
	sregs.EFER = EFERxLME | EFERxLMA

	seg := Segment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: 1 << 3,
		Typ:      11,
		Present:  1,
		DPL:      0,
		DB:       0,
		S:        1,
		L:        1,
		G:        1,
		AVL:      0,
	}

	sregs.CS = seg
	seg.Typ = 3
	seg.Selector = 2 << 3
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = seg, seg, seg, seg, seg

	return SetSregs(vCpuFd, sregs)
}

// setupLegacyIO registers every port handler. Ranges must be disjoint;
// a clash is a bug in the device model, not a runtime condition.
func (m *Machine) setupLegacyIO() error {
	// keyboard controller, DMA page registers, io delay port, the
	// unused COM2-4 windows, MDA/VGA, PCI config mechanism 1 with the
	// reset control register wedged between its two halves, and COM1.
	legacy := []struct {
		port uint64
		size uint64
		io   PortIO
	}{
		{0x60, 0x10, &portIOPS2{}},
		{0x80, 0x20, &PortIONoop{}},
		{0xed, 0x1, &PortIONoop{}},
		{0x2e8, 0x8, &PortIONoop{}},
		{0x2f8, 0x8, &PortIONoop{}},
		{0x3b4, 0x2, &PortIONoop{}},
		{0x3c0, 0x1b, &PortIONoop{}},
		{0x3e8, 0x8, &PortIONoop{}},
		{0xcf8, 0x1, m.pci},
		{0xcf9, 0x1, &portIOCF9{}},
		{0xcfa, 0x2, &PortIONoop{}},
		{0xcfc, 0x4, &PCIConf{m.pci}},
		{0xc000, 0x1000, &PortIONoop{}},
		{COM1Addr, com1PortSize, m.serial},
	}

	for _, r := range legacy {
		if err := m.ports.Register(r.port, r.size, r.io); err != nil {
			return err
		}
	}

	for _, dev := range m.devices {
		if err := m.ports.Register(dev.IOPort(), dev.Size(), dev); err != nil {
			return err
		}
	}
	for _, dev := range m.pci.Devices {
		if dev.Size() == 0 {
			continue
		}
		if err := m.ports.Register(dev.IOPort(), dev.Size(), dev); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) GetRegs(cpu int) (*Regs, error) {
	fd, err := m.kvm.CPUToFD(cpu)
	if err != nil {
		return nil, err
	}
	return GetRegs(fd)
}

func (m *Machine) GetSRegs(cpu int) (*Sregs, error) {
	fd, err := m.kvm.CPUToFD(cpu)
	if err != nil {
		return nil, err
	}
	return GetSregs(fd)
}

func (m *Machine) SetRegs(cpu int, r *Regs) error {
	fd, err := m.kvm.CPUToFD(cpu)
	if err != nil {
		return err
	}
	return SetRegs(fd, r)
}

func (m *Machine) SetSRegs(cpu int, s *Sregs) error {
	fd, err := m.kvm.CPUToFD(cpu)
	if err != nil {
		return err
	}
	return SetSregs(fd, s)
}

func (m *Machine) SingleStep(onOff bool) error {
	for cpu := 0; cpu < m.kvm.vCpuLen(); cpu++ {
		if err := m.kvm.SingleStep(cpu, onOff); err != nil {
			return fmt.Errorf("single step %d:%w", cpu, err)
		}
	}
	return nil
}

// RunInfiniteLoop drives one vCPU until it halts or fails. KVM requires
// that the thread entering KVM_RUN never changes.
func (m *Machine) RunInfiniteLoop(cpu int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		isContinue, err := m.RunOnce(cpu)
		if isContinue {
			if err != nil {
				fmt.Printf("%v\r\n", err)
			}
			continue
		}
		return err
	}
}

// RunOnce enters the guest once and services the resulting exit. The
// bool result tells the caller whether to re-enter.
func (m *Machine) RunOnce(cpu int) (bool, error) {
	fd, err := m.kvm.CPUToFD(cpu)
	if err != nil {
		return false, err
	}

	_ = Run(fd)
	exit := m.kvm.GetExitReasonByCpu(cpu)

	switch exit {
	case EXITHLT, EXITSHUTDOWN:
		return false, err
	case EXITIO:
		direction, size, port, count, offset := m.kvm.GetIOByCpu(cpu)
		b := (*(*[100]byte)(Ptr(P(Ptr(m.kvm.RunDataByCpu(cpu))) + P(offset))))[0:size]

		for i := 0; i < int(count); i++ {
			if err := m.ports.Dispatch(direction, port, b); err != nil {
				return false, err
			}
		}
		return true, err
	case EXITINTR, EXITIRQWINDOWOPEN:
		return true, nil
	case EXITDEBUG:
		return false, ErrDebug
	case EXITUNKNOWN:
		return false, fmt.Errorf("%w: %s, hardware exit reason %#x",
			ErrUnexpectedExitReason, exit.String(),
			m.kvm.RunDataByCpu(cpu).HardwareExitReason())
	default:
		if err != nil {
			return false, err
		}
		return false, fmt.Errorf("%w: %s", ErrUnexpectedExitReason, exit.String())
	}
}

// VCPU runs one vCPU to completion. Failures other than a debug exit
// are returned together with a register and code dump so the operator
// can see where the guest died.
func (m *Machine) VCPU(cpu, traceCount int) error {
	trace := traceCount > 0

	for tc := 0; ; tc++ {
		err := m.RunInfiniteLoop(cpu)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDebug) {
			return m.dumpFailure(cpu, err)
		}
		if err := m.SingleStep(trace); err != nil {
			return fmt.Errorf("setting trace to %v:%v", trace, err)
		}
		if tc%traceCount != 0 {
			continue
		}
		_, r, s, err := m.Inst(cpu)
		if err != nil {
			return fmt.Errorf("disassembling after debug exit:%v", err)
		}
		return fmt.Errorf("%#x:%s\r\n", r.RIP, s)
	}
}

// dumpFailure renders the vCPU state around a fatal exit and releases
// the disk so the image is consistent on the host.
func (m *Machine) dumpFailure(cpu int, cause error) error {
	out := fmt.Sprintf("CPU %d: %v\r\n", cpu, cause)

	r, rerr := m.GetRegs(cpu)
	s, serr := m.GetSRegs(cpu)
	if rerr == nil && serr == nil {
		out += "registers:\r\n" + show("\t", r, s)
	}

	if _, _, asm, err := m.Inst(cpu); err == nil {
		out += fmt.Sprintf("code: %s\r\n", asm)
		if rerr == nil {
			if pa, err := m.VtoP(cpu, r.RIP); err == nil {
				out += fmt.Sprintf("rip %#x maps to phys %#x\r\n", r.RIP, pa)
			}
		}
	}

	if m.disk != nil {
		if err := m.disk.Close(); err != nil {
			log.Printf("closing disk image: %v", err)
		}
	}
	return fmt.Errorf("%s: %w", out, cause)
}

func (m *Machine) pulseIRQ(irq uint32) error {
	if err := IRQLineStatus(m.kvm.GetVmFd(), irq, 0); err != nil {
		return err
	}
	return IRQLineStatus(m.kvm.GetVmFd(), irq, 1)
}

func (m *Machine) InjectSerialIRQ() error {
	return m.pulseIRQ(SerialIRQ)
}

func (m *Machine) InjectVirtioNetIRQ() error {
	return m.pulseIRQ(VirtioNetIRQ)
}

func (m *Machine) InjectVirtioBlkIRQ() error {
	return m.pulseIRQ(VirtioBlkIRQ)
}

func (m *Machine) InjectVirtioConsoleIRQ() error {
	return m.pulseIRQ(VirtioConsoleIRQ)
}

// InjectTimerInterrupts is called from the run loop's ticker and
// delivers whatever console input has accumulated since the last tick.
func (m *Machine) InjectTimerInterrupts() error {
	if m.serial != nil && m.serial.InterruptPending() {
		if err := m.InjectSerialIRQ(); err != nil {
			return err
		}
	}
	if m.console != nil && m.console.InterruptPending() {
		err := m.console.Rx()
		if err != nil && !errors.Is(err, ErrNoRxBuf) &&
			!errors.Is(err, ErrVQNotInit) && !errors.Is(err, ErrNoPendingInput) {
			return err
		}
	}
	return nil
}

// InjectSysrq queues a magic sysrq key for the serial console.
func (m *Machine) InjectSysrq(b byte) error {
	m.serial.Sysrq(b)
	return m.InjectSerialIRQ()
}

// Shutdown releases guest memory, the KVM file descriptors and any
// attached backends. Safe to call more than once.
func (m *Machine) Shutdown() {
	m.shutdownOnce.Do(func() {
		if m.disk != nil {
			if err := m.disk.Close(); err != nil {
				log.Printf("closing disk image: %v", err)
			}
		}
		if m.tap != nil {
			if err := m.tap.Close(); err != nil {
				log.Printf("closing tap: %v", err)
			}
		}
		if err := m.kvm.Close(); err != nil {
			log.Printf("closing kvm: %v", err)
		}
		m.phyMem.Free()
	})
}

func showOne(indent string, in interface{}) string {
	var ret string

	s := reflect.ValueOf(in).Elem()
	typeOfT := s.Type()

	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		if f.Kind() == reflect.String {
			ret += fmt.Sprintf(indent+"%s %s = %s\n", typeOfT.Field(i).Name, f.Type(), f.Interface())
		} else {
			ret += fmt.Sprintf(indent+"%s %s = %#x\n", typeOfT.Field(i).Name, f.Type(), f.Interface())
		}
	}
	return ret
}

func show(indent string, l ...interface{}) string {
	var ret string
	for _, i := range l {
		ret += showOne(indent, i)
	}
	return ret
}
