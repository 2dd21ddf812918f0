package machine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	RealModeIvtBegin = 0x0000_0000
	EBDAPointer      = 0x40e
	EBDAStart        = 0x0009_fc00
	VGARAMBegin      = 0x000a_0000
	MBBIOSBegin      = 0x000f_0000
	MBBIOSEnd        = 0x000f_ffff

	KVMTSSStart         = 0xfffb_d000
	KVMIdentityMapStart = 0xfffb_c000
)

// PhysMemory is the guest physical address space, an anonymous shared
// mapping registered with KVM as memory slot 0. Immutable in size after
// creation.
type PhysMemory struct {
	mem  []byte
	size int
}

func NewPhysMemory(size int) (*PhysMemory, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("guest memory mmap (%d bytes): %w", size, err)
	}
	return &PhysMemory{mem: mem, size: size}, nil
}

func (p *PhysMemory) Len() uint64 {
	return uint64(len(p.mem))
}

func (p *PhysMemory) GetRamPtr(addr uint32) Ptr {
	return Ptr(&p.mem[addr])
}

func (p *PhysMemory) Get(start, end uint64) []byte {
	return p.mem[start:end]
}

func (p *PhysMemory) GetFromStart(pos uint64) []byte {
	return p.mem[pos:]
}

func (p *PhysMemory) CopyStart(start uint64, data []byte) {
	copy(p.mem[start:], data)
}

func (p *PhysMemory) SetZero(pos int) {
	p.mem[pos] = 0
}

// ReadImage copies r (starting at fileOff) into guest memory at addr.
// An image that does not fit in the remaining memory is an error, not
// a silent truncation the guest would then try to execute.
func (p *PhysMemory) ReadImage(r io.ReaderAt, addr uint64, fileOff int64) (int, error) {
	if addr >= p.Len() {
		return 0, fmt.Errorf("load address %#x beyond guest memory %#x: %w",
			addr, p.Len(), ErrImageTooLarge)
	}

	dest := p.mem[addr:]
	n, err := r.ReadAt(dest, fileOff)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}

	if n == len(dest) {
		var spill [1]byte
		if m, _ := r.ReadAt(spill[:], fileOff+int64(n)); m > 0 {
			return n, fmt.Errorf("image at %#x over %d remaining bytes: %w",
				addr, len(dest), ErrImageTooLarge)
		}
	}
	return n, nil
}

func (p *PhysMemory) ReadAt(b []byte, off int64) (int, error) {
	mem := bytes.NewReader(p.mem)
	return mem.ReadAt(b, off)
}

func (p *PhysMemory) WriteAt(b []byte, off int64) (int, error) {
	if off > int64(len(p.mem)) {
		return 0, unix.EFBIG
	}
	n := copy(p.mem[off:], b)
	return n, nil
}

func (p *PhysMemory) Free() {
	if p.mem != nil && p.size > 0 {
		_ = unix.Munmap(p.mem)
		p.mem = nil
	}
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func SetUserMemoryRegion(vmFd P, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetUserMemoryRegion, P(unsafe.Sizeof(UserspaceMemoryRegion{}))),
		P(Ptr(region)))
	return err
}

func SetTSSAddr(vmFd P, addr uint32) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), P(addr))
	return err
}

func SetIdentityMapAddr(vmFd P, addr uint32) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, 8), P(Ptr(&addr)))
	return err
}

// Translation mirrors struct kvm_translation, used for the page-table
// dump on a failed vCPU.
type Translation struct {
	LinearAddress   uint64
	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

func Translate(vCpuFd P, t *Translation) error {
	_, err := Ioctl(vCpuFd,
		IIOWR(kvmTranslate, P(unsafe.Sizeof(Translation{}))), P(Ptr(t)))
	return err
}
