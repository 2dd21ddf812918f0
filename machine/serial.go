package machine

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

const (
	COM1Addr     = 0x03f8
	com1PortSize = 8

	lsrTHREmpty   = 0x20
	lsrTransEmpty = 0x40
	lsrDataReady  = 0x01
	lsrBreakIRQ   = 0x10
)

type SerialIRQInjector interface {
	InjectSerialIRQ() error
}

// Serial is a 16550A subset at COM1. Guest-side access arrives on a
// vCPU thread through the port dispatcher; host input and the sysrq
// trigger arrive asynchronously, so the cross-thread state is a
// buffered channel and one atomic word.
type Serial struct {
	IER byte
	LCR byte

	inputChan chan byte

	// Pending sysrq byte, 0x100|char when armed. Written from signal
	// context, consumed on the vCPU thread; must stay lock-free.
	sysrq atomic.Uint32

	out         io.Writer
	irqInjector SerialIRQInjector
}

func NewSerial(irqInjector SerialIRQInjector) (*Serial, error) {
	s := &Serial{
		IER: 0, LCR: 0,
		inputChan:   make(chan byte, 10000),
		out:         os.Stdout,
		irqInjector: irqInjector,
	}
	return s, nil
}

func (s *Serial) GetInputChan() chan<- byte {
	return s.inputChan
}

// Sysrq arms a system-request injection, emulating a terminal break
// followed by the request character. Non-blocking and reentrant; safe
// from signal context.
func (s *Serial) Sysrq(b byte) {
	s.sysrq.Store(0x100 | uint32(b))
}

// InterruptPending reports whether the periodic tick should pulse the
// serial line.
func (s *Serial) InterruptPending() bool {
	return len(s.inputChan) > 0 || s.sysrq.Load() != 0
}

func (s *Serial) dlab() bool {
	return s.LCR&0x80 != 0
}

func (s *Serial) In(port uint64, values []byte) error {
	port -= COM1Addr

	switch {
	case port == 0 && !s.dlab():
		// RBR; a pending sysrq outranks buffered input.
		if v := s.sysrq.Swap(0); v != 0 {
			values[0] = byte(v)
			break
		}
		if len(s.inputChan) > 0 {
			values[0] = <-s.inputChan
		}
	case port == 0 && s.dlab():
		values[0] = 0xc // baud rate 9600
	case port == 1 && !s.dlab():
		values[0] = s.IER
	case port == 1 && s.dlab():
		values[0] = 0x0
	case port == 2:
	case port == 3:
		values[0] = s.LCR
	case port == 4:
	case port == 5:
		values[0] = lsrTHREmpty | lsrTransEmpty
		if len(s.inputChan) > 0 {
			values[0] |= lsrDataReady
		}
		if s.sysrq.Load() != 0 {
			values[0] |= lsrDataReady | lsrBreakIRQ
		}
	case port == 6:
		break
	}
	return nil
}

func (s *Serial) Out(port uint64, values []byte) error {
	port -= COM1Addr

	var err error

	switch {
	case port == 0 && !s.dlab():
		fmt.Fprintf(s.out, "%c", values[0])
	case port == 0 && s.dlab():
	case port == 1 && !s.dlab():
		s.IER = values[0]
		if s.IER != 0 {
			err = s.irqInjector.InjectSerialIRQ()
		}
	case port == 1 && s.dlab():
	case port == 2:
	case port == 3:
		s.LCR = values[0]
	case port == 4:
	default:
		break
	}
	return err
}
