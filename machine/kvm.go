package machine

import (
	"fmt"
	"log"
	"os"
	"syscall"
	"unsafe"
)

const (
	kvmGetAPIVersion     = 0x00
	kvmCreateVM          = 0x01
	kvmCheckExtension    = 0x03
	kvmGetVCPUMMapSize   = 0x04
	kvmGetSupportedCPUID = 0x05

	kvmCreateVCPU          = 0x41
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48

	kvmCreateIRQChip = 0x60
	kvmIRQLineStatus = 0x67

	kvmCreatePIT2 = 0x77

	kvmRun       = 0x80
	kvmGetRegs   = 0x81
	kvmSetRegs   = 0x82
	kvmGetSregs  = 0x83
	kvmSetSregs  = 0x84
	kvmTranslate = 0x85

	kvmSetCPUID2     = 0x90
	kvmSetGuestDebug = 0x9b
)

const (
	numInterrupts   = 0x100
	CPUIDFeatures   = 0x40000001
	CPUIDSignature  = 0x40000000
	CPUIDFuncPerMon = 0x0A

	apiVersion = 12
)

// DefaultKVMPath is the well-known device node consumed when no
// override is configured.
const DefaultKVMPath = "/dev/kvm"

// KVM owns the virtualization handle: the device node, the VM fd and
// one vCPU fd plus mmap'd run-state descriptor per CPU. It is created
// once and released exactly once through Close.
type KVM struct {
	dev     *os.File
	vmFd    P
	vCpuFds []P
	runs    []*RunData
	mmaps   [][]byte
}

func NewKVM(devPath string, cpus int) (*KVM, error) {
	if devPath == "" {
		devPath = DefaultKVMPath
	}

	devKVM, err := os.OpenFile(devPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("kvm dev %s: %w", devPath, err)
	}

	fd := P(devKVM.Fd())

	if v, err := GetAPIVersion(fd); err != nil || v != apiVersion {
		devKVM.Close()
		if err != nil {
			return nil, fmt.Errorf("GetAPIVersion: %w", err)
		}
		return nil, fmt.Errorf("api version %d: %w", v, ErrBadAPIVersion)
	}

	for _, c := range []Cap{CapUserMemory, CapIRQChip, CapPIT2, CapSetTSSAddr} {
		res, err := CheckExtension(fd, c)
		if err != nil || res == 0 {
			devKVM.Close()
			return nil, fmt.Errorf("%s: %w", c, ErrMissingCapability)
		}
	}

	vmFd, err := CreateVM(fd)
	if err != nil {
		devKVM.Close()
		return nil, fmt.Errorf("CreateVM: %w", err)
	}

	k := &KVM{
		dev:     devKVM,
		vmFd:    vmFd,
		vCpuFds: make([]P, cpus),
		runs:    make([]*RunData, cpus),
		mmaps:   make([][]byte, cpus),
	}

	if err := SetTSSAddr(vmFd, KVMTSSStart); err != nil {
		k.Close()
		return nil, fmt.Errorf("SetTSSAddr: %w", err)
	}
	if err := SetIdentityMapAddr(vmFd, KVMIdentityMapStart); err != nil {
		k.Close()
		return nil, fmt.Errorf("SetIdentityMapAddr: %w", err)
	}
	if err := CreateIRQChip(vmFd); err != nil {
		k.Close()
		return nil, fmt.Errorf("CreateIRQChip: %w", err)
	}
	if err := CreatePIT2(vmFd); err != nil {
		k.Close()
		return nil, fmt.Errorf("CreatePIT2: %w", err)
	}

	mMapSize, err := GetVCPUMMmapSize(fd)
	if err != nil {
		k.Close()
		return nil, err
	}

	for cpu := 0; cpu < cpus; cpu++ {
		k.vCpuFds[cpu], err = CreateVCPU(vmFd, cpu)
		if err != nil {
			k.Close()
			return nil, fmt.Errorf("CreateVCPU %d: %w", cpu, err)
		}
		r, err := syscall.Mmap(int(k.vCpuFds[cpu]), 0, int(mMapSize),
			syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			k.Close()
			return nil, fmt.Errorf("mmap vcpu %d: %w", cpu, err)
		}
		k.mmaps[cpu] = r
		k.runs[cpu] = (*RunData)(Ptr(&r[0]))
	}

	return k, nil
}

// Init configures supported CPUID per vCPU and hands the guest address
// space to the kernel subsystem.
func (k *KVM) Init(m *PhysMemory) error {
	for cpuNr := range k.runs {
		if err := k.initCPUid(cpuNr); err != nil {
			return fmt.Errorf("initCPUid: %w", err)
		}
	}
	if debug {
		log.Printf("guest memory size: %d", m.size)
	}
	err := SetUserMemoryRegion(k.vmFd, &UserspaceMemoryRegion{
		Slot: 0, Flags: 0, GuestPhysAddr: 0, MemorySize: uint64(m.size),
		UserspaceAddr: uint64(P(m.GetRamPtr(0))),
	})
	if err != nil {
		return fmt.Errorf("SetUserMemoryRegion: %w", err)
	}
	return nil
}

func (k *KVM) initCPUid(cpu int) error {
	cpuid := CPUID{
		Nent:    100,
		Entries: make([]CPUIDEntry2, 100),
	}

	if err := GetSupportedCPUID(P(k.dev.Fd()), &cpuid); err != nil {
		return err
	}

	for i := 0; i < int(cpuid.Nent); i++ {
		switch cpuid.Entries[i].Function {
		case CPUIDFuncPerMon:
			cpuid.Entries[i].Eax = 0
		case CPUIDSignature:
			cpuid.Entries[i].Eax = CPUIDFeatures
			cpuid.Entries[i].Ebx = 0x4b4d564b
			cpuid.Entries[i].Ecx = 0x564b4d56
			cpuid.Entries[i].Edx = 0x4d
		default:
			continue
		}
	}
	if err := SetCPUID2(k.vCpuFds[cpu], &cpuid); err != nil {
		return err
	}
	return nil
}

// Close releases every kernel-side resource the handle owns. Safe to
// call on a partially constructed handle.
func (k *KVM) Close() error {
	for i, m := range k.mmaps {
		if m != nil {
			_ = syscall.Munmap(m)
			k.mmaps[i] = nil
			k.runs[i] = nil
		}
	}
	for i, fd := range k.vCpuFds {
		if fd != 0 {
			_ = syscall.Close(int(fd))
			k.vCpuFds[i] = 0
		}
	}
	if k.vmFd != 0 {
		_ = syscall.Close(int(k.vmFd))
		k.vmFd = 0
	}
	if k.dev != nil {
		err := k.dev.Close()
		k.dev = nil
		return err
	}
	return nil
}

func (k *KVM) CPUToFD(cpu int) (P, error) {
	if cpu < 0 || cpu >= len(k.vCpuFds) {
		return 0, fmt.Errorf("cpu %d out of range 0-%d:%w", cpu, len(k.vCpuFds), ErrBadCPU)
	}
	return k.vCpuFds[cpu], nil
}

func (k *KVM) RunDataByCpu(cpu int) *RunData {
	return k.runs[cpu]
}

func (k *KVM) vCpuFdList() []P {
	return k.vCpuFds
}

func (k *KVM) vCpuLen() int {
	return len(k.vCpuFds)
}

func (k *KVM) GetExitReasonByCpu(cpu int) Exit {
	return Exit(k.runs[cpu].ExitReason)
}

func (k *KVM) GetIOByCpu(cpu int) (uint64, uint64, uint64, uint64, uint64) {
	return k.runs[cpu].IO()
}

func (k *KVM) GetVmFd() P {
	return k.vmFd
}

type debugControl struct {
	Control  uint32
	_        uint32
	DebugReg [8]uint64
}

func (k *KVM) SingleStep(cpu int, onOff bool) error {
	const (
		Enable     = 1
		SingleStep = 2
	)

	var dc [unsafe.Sizeof(debugControl{})]byte

	if onOff {
		dc[2] = 0x0002
		dc[0] = Enable | SingleStep
	}
	_, err := Ioctl(k.vCpuFds[cpu],
		IIOW(kvmSetGuestDebug, P(unsafe.Sizeof(debugControl{}))), P(Ptr(&dc[0])))
	return err
}

// RunData mirrors the mmap'd struct kvm_run. Exclusively owned by the
// single OS thread driving its vCPU; asynchronous injection never
// touches it.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

func (r *RunData) IO() (uint64, uint64, uint64, uint64, uint64) {
	direction := r.Data[0] & 0xFF
	size := (r.Data[0] >> 8) & 0xFF
	port := (r.Data[0] >> 16) & 0xFFFF
	count := (r.Data[0] >> 32) & 0xFFFFFFFF
	offset := r.Data[1]
	return direction, size, port, count, offset
}

// HardwareExitReason reports the hardware-specific sub-code attached to
// an EXITUNKNOWN exit.
func (r *RunData) HardwareExitReason() uint64 {
	return r.Data[0]
}

func GetAPIVersion(kvmFd P) (P, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), P(0))
}

func CreateVM(kvmFd P) (P, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), P(0))
}

func CreateVCPU(vmFd P, vCpuID int) (P, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), P(vCpuID))
}

func Run(vCpuFd P) error {
	_, err := Ioctl(vCpuFd, IIO(kvmRun), P(0))
	if err != nil {
		// A signal delivered to the vCPU thread interrupts the run
		// ioctl; the loop just resumes.
		if err == syscall.EAGAIN || err == syscall.EINTR {
			return nil
		}
	}
	return err
}

func GetVCPUMMmapSize(kvmFd P) (P, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), P(0))
}
