package machine

import (
	"unsafe"
)

// Guest interrupt lines owned by the emulated devices.
const (
	SerialIRQ        = 4
	VirtioNetIRQ     = 9
	VirtioBlkIRQ     = 10
	VirtioConsoleIRQ = 11
)

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLineStatus asserts or clears a GSI on the in-kernel interrupt
// controller. The ioctl is atomic at the kernel level and is the only
// injection primitive used from asynchronous context.
func IRQLineStatus(vmFd P, irq, level uint32) error {
	irqLev := irqLevel{
		IRQ:   irq,
		Level: level,
	}
	_, err := Ioctl(vmFd,
		IIOWR(kvmIRQLineStatus, P(unsafe.Sizeof(irqLevel{}))), P(Ptr(&irqLev)))
	return err
}

func CreateIRQChip(vmFd P) error {
	_, err := Ioctl(vmFd, IIO(kvmCreateIRQChip), 0)
	return err
}

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

func CreatePIT2(vmFd P) error {
	pit := pitConfig{
		Flags: 0,
	}
	_, err := Ioctl(vmFd,
		IIOW(kvmCreatePIT2, P(unsafe.Sizeof(pitConfig{}))), P(Ptr(&pit)))
	return err
}
