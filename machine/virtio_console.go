package machine

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
)

const (
	ConsoleIOPortStart = 0x6400
	ConsoleIOPortSize  = 0x100
)

type consoleHdr struct {
	commonHeader commonHeader
	_            consoleHeader
}

type consoleHeader struct {
	cols     uint16
	rows     uint16
	maxPorts uint32
}

// Console is a legacy virtio console with one port. Queue 0 carries
// guest input, queue 1 carries guest output. Host input is queued
// through QueueInput and drained into guest rx buffers when the guest
// has posted some; a timer tick injects the IRQ for delivered input.
type Console struct {
	Hdr          consoleHdr
	Queues       [2]*VirtualQueue
	PhyMem       *PhysMemory
	LastAvailIdx [2]uint16
	txKick       chan interface{}
	in           chan byte
	out          io.Writer
	irq          uint8
	IRQInjector  IRQInjector
}

func (h consoleHdr) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}
	return buf.Bytes(), nil
}

func NewConsole(irq uint8, irqInjector IRQInjector, m *PhysMemory) *Console {
	return &Console{
		Hdr: consoleHdr{
			commonHeader: commonHeader{
				queueNUM: QueueSize,
				isr:      0x0,
			},
		},
		irq:          irq,
		IRQInjector:  irqInjector,
		txKick:       make(chan interface{}),
		in:           make(chan byte, 10000),
		out:          os.Stdout,
		PhyMem:       m,
		Queues:       [2]*VirtualQueue{},
		LastAvailIdx: [2]uint16{0, 0},
	}
}

func (v *Console) GetDeviceHeader() DeviceHeader {
	return DeviceHeader{
		DeviceID:    0x1003,
		VendorID:    0x1AF4,
		HeaderType:  0,
		SubsystemID: 3,
		Command:     1,
		BAR: [6]uint32{
			ConsoleIOPortStart | 0x1,
		},
		InterruptPin:  1,
		InterruptLine: v.irq,
	}
}

// QueueInput buffers host keyboard input for the guest. It never
// blocks; input arriving while the buffer is full is dropped.
func (v *Console) QueueInput(b []byte) {
	for _, c := range b {
		select {
		case v.in <- c:
		default:
		}
	}
}

// InterruptPending reports whether buffered input is waiting for
// delivery into guest rx buffers.
func (v *Console) InterruptPending() bool {
	return len(v.in) > 0
}

// Rx copies one batch of buffered input into a guest receive buffer.
func (v *Console) Rx() error {
	sel := 0

	if v.Queues[sel] == nil {
		return ErrVQNotInit
	}
	if len(v.in) == 0 {
		return ErrNoPendingInput
	}

	availRing := &v.Queues[sel].AvailRing
	usedRing := &v.Queues[sel].UsedRing

	if v.LastAvailIdx[sel] == availRing.Idx {
		return ErrNoRxBuf
	}

	descID := availRing.Ring[v.LastAvailIdx[sel]%QueueSize]
	desc := &v.Queues[sel].DescTable[descID]
	buf := v.PhyMem.Get(desc.Addr, desc.Addr+uint64(desc.Len))

	n := 0
	for n < len(buf) && len(v.in) > 0 {
		buf[n] = <-v.in
		n++
	}

	usedRing.Ring[usedRing.Idx%QueueSize].Idx = uint32(descID)
	usedRing.Ring[usedRing.Idx%QueueSize].Len = uint32(n)
	usedRing.Idx++
	v.LastAvailIdx[sel]++

	v.Hdr.commonHeader.isr = 0x1
	return v.IRQInjector.InjectVirtioConsoleIRQ()
}

func (v *Console) TxThreadEntry() {
	for range v.txKick {
		for v.Tx() == nil {
		}
	}
}

func (v *Console) Tx() error {
	sel := int(v.Hdr.commonHeader.queueSEL)
	if sel != 1 {
		return ErrInvalidSel
	}
	if v.Queues[sel] == nil {
		return ErrVQNotInit
	}

	availRing := &v.Queues[sel].AvailRing
	usedRing := &v.Queues[sel].UsedRing

	if v.LastAvailIdx[sel] == availRing.Idx {
		return ErrNoTxPacket
	}

	for v.LastAvailIdx[sel] != availRing.Idx {
		descID := availRing.Ring[v.LastAvailIdx[sel]%QueueSize]

		usedRing.Ring[usedRing.Idx%QueueSize].Idx = uint32(descID)
		usedRing.Ring[usedRing.Idx%QueueSize].Len = 0

		for {
			desc := v.Queues[sel].DescTable[descID]
			b := v.PhyMem.Get(desc.Addr, desc.Addr+uint64(desc.Len))

			if _, err := v.out.Write(b); err != nil {
				return err
			}
			usedRing.Ring[usedRing.Idx%QueueSize].Len += desc.Len

			if desc.Flags&0x1 != 0 {
				descID = desc.Next
			} else {
				break
			}
		}

		usedRing.Idx++
		v.LastAvailIdx[sel]++
	}

	v.Hdr.commonHeader.isr = 0x1
	return v.IRQInjector.InjectVirtioConsoleIRQ()
}

func (v *Console) In(port uint64, bytes []byte) error {
	offset := int(port - ConsoleIOPortStart)

	b, err := v.Hdr.Bytes()
	if err != nil {
		return err
	}

	readHeader(bytes, b, offset)
	return nil
}

func (v *Console) Out(port uint64, bytes []byte) error {
	offset := int(port - ConsoleIOPortStart)

	switch offset {
	case 8:
		physAddr := uint32(BytesToNum(bytes) * 4096)
		v.Queues[v.Hdr.commonHeader.queueSEL] = (*VirtualQueue)(v.PhyMem.GetRamPtr(physAddr))
	case 14:
		v.Hdr.commonHeader.queueSEL = uint16(BytesToNum(bytes))
	case 16:
		v.Hdr.commonHeader.isr = 0x0
		v.txKick <- true
	case 19:
	default:
	}
	return nil
}

func (v *Console) IOPort() uint64 {
	return ConsoleIOPortStart
}

func (v *Console) Size() uint64 {
	return ConsoleIOPortSize
}
