package machine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"unsafe"
)

// Linux/x86 boot protocol, as laid out in a bzImage and rebuilt at
// bootParamAddr for the guest.
const (
	MagicSignature = 0x53726448

	LoadedHigh   = uint8(1 << 0)
	KeepSegments = uint8(1 << 6)
	CanUseHeap   = uint8(1 << 7)

	EddMbrSigMax = 16
	E820Max      = 128
	E820Ram      = 1
	E820Reserved = 2

	// The guest kernel only looks this far into the command line.
	CmdlineMax = 2048
)

type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

type KernParam struct {
	Padding             [0x1e8]uint8
	E820Entries         uint8
	EddbufEntries       uint8
	EddMbrSigBufEntries uint8
	KdbStatus           uint8
	Padding2            [5]uint8
	Hdr                 SetupHeader
	Padding3            [0x290 - 0x1f1 - unsafe.Sizeof(SetupHeader{})]uint8
	Padding4            [0x3d]uint8
	EddMbrSigBuffer     [EddMbrSigMax]uint8
	E820Map             [E820Max]E820Entry
}

type SetupHeader struct {
	SetupSects          uint8
	RootFlags           uint16
	SysSize             uint32
	RAMSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	Header              uint32
	Version             uint16
	ReadModeSwitch      uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	LoadFlags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdlinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XloadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

// NewKernParam reads the setup header out of a bzImage. The header
// starts at offset 0x1f1 of the image.
func NewKernParam(r io.ReaderAt) (*KernParam, error) {
	k := &KernParam{}

	reader := io.NewSectionReader(r, 0x1f1, 0x1000)
	if err := binary.Read(reader, binary.LittleEndian, &(k.Hdr)); err != nil {
		return k, err
	}
	if err := k.isValid(); err != nil {
		return k, err
	}
	return k, nil
}

func (k *KernParam) isValid() error {
	if k.Hdr.Header != MagicSignature {
		return ErrSignatureNotMatch
	}
	if k.Hdr.Version < 0x0206 {
		return fmt.Errorf("%w: 0x%x", ErrOldProtocolVersion, k.Hdr.Version)
	}
	return nil
}

func (k *KernParam) AddE820Entry(addr, size uint64, typ uint32) {
	i := k.E820Entries
	k.E820Map[i] = E820Entry{
		Addr: addr,
		Size: size,
		Type: typ,
	}
	k.E820Entries = i + 1
}

func (k *KernParam) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, k); err != nil {
		return []byte{}, err
	}
	return buf.Bytes(), nil
}

// ComposeCmdline builds the guest command line: disable the hardware
// this monitor does not emulate, route the console to COM1, and point
// the root at the virtio disk unless the caller already names one.
// Anything past CmdlineMax bytes is dropped.
func ComposeCmdline(userParams string) string {
	var b strings.Builder

	b.WriteString("notsc nolapic noacpi pci=conf1 console=ttyS0 ")
	if !strings.Contains(userParams, "root=") {
		b.WriteString("root=/dev/vda rw ")
	}
	b.WriteString(userParams)

	cmdline := b.String()
	if len(cmdline) > CmdlineMax {
		cmdline = cmdline[:CmdlineMax]
	}
	return cmdline
}
