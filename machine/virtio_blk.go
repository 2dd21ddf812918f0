package machine

import (
	"bytes"
	"encoding/binary"
)

const (
	BlkIOPortStart = 0x6300
	BlkIOPortSize  = 0x100

	SectorSize = 512

	blkStatusOK    = 0
	blkStatusIOErr = 1
)

type Blk struct {
	disk         *DiskImage
	Hdr          blkHdr
	Queues       [1]*VirtualQueue
	PhyMem       *PhysMemory
	LastAvailIdx [1]uint16
	kick         chan interface{}
	irq          uint8
	IRQInjector  IRQInjector
}

type blkHdr struct {
	commonHeader commonHeader
	blkHeader    blkHeader
}

type blkHeader struct {
	capacity uint64
}

type BlkReq struct {
	Type   uint32
	_      uint32
	Sector uint64
}

func NewBlk(disk *DiskImage, irq uint8, irqInjector IRQInjector, m *PhysMemory) *Blk {
	return &Blk{
		Hdr: blkHdr{
			commonHeader: commonHeader{
				queueNUM: QueueSize,
				isr:      0x0,
			},
			blkHeader: blkHeader{
				capacity: uint64(disk.Size()) / SectorSize,
			},
		},
		disk:         disk,
		irq:          irq,
		IRQInjector:  irqInjector,
		kick:         make(chan interface{}),
		PhyMem:       m,
		Queues:       [1]*VirtualQueue{},
		LastAvailIdx: [1]uint16{0},
	}
}

func (h blkHdr) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}
	return buf.Bytes(), nil
}

func (v *Blk) GetDeviceHeader() DeviceHeader {
	return DeviceHeader{
		DeviceID:    0x1001,
		VendorID:    0x1AF4,
		HeaderType:  0,
		SubsystemID: 2,
		Command:     1,
		BAR: [6]uint32{
			BlkIOPortStart | 0x1,
		},
		InterruptPin:  1,
		InterruptLine: v.irq,
	}
}

func (v *Blk) IOThreadEntry() {
	for range v.kick {
		for v.IO() == nil {
		}
	}
}

// IO walks the avail ring and services one batch of requests. Each
// request is a three-descriptor chain: header, data buffer, status
// byte. Errors are reported to the guest via the status byte; only
// transport-level problems abort the loop.
func (v *Blk) IO() error {
	sel := uint16(0)
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

		var buf [3][]byte

		for i := 0; i < 3; i++ {
			desc := v.Queues[sel].DescTable[descID]
			buf[i] = v.PhyMem.Get(desc.Addr, desc.Addr+uint64(desc.Len))

			usedRing.Ring[usedRing.Idx%QueueSize].Len += desc.Len
			descID = desc.Next
		}

		blkReq := *((*BlkReq)(Ptr(&buf[0][0])))
		data := buf[1]

		var err error
		if blkReq.Type&0x1 == 0x1 {
			_, err = v.disk.WriteAt(data, int64(blkReq.Sector*SectorSize))
			if err == nil {
				err = v.disk.Sync()
			}
		} else {
			_, err = v.disk.ReadAt(data, int64(blkReq.Sector*SectorSize))
		}

		if err != nil {
			buf[2][0] = blkStatusIOErr
		} else {
			buf[2][0] = blkStatusOK
		}

		usedRing.Idx++
		v.LastAvailIdx[sel]++
	}

	v.Hdr.commonHeader.isr = 0x1
	if err := v.IRQInjector.InjectVirtioBlkIRQ(); err != nil {
		return err
	}
	return nil
}

func (v *Blk) In(port uint64, bytes []byte) error {
	offset := int(port - BlkIOPortStart)

	b, err := v.Hdr.Bytes()
	if err != nil {
		return err
	}

	readHeader(bytes, b, offset)
	return nil
}

func (v *Blk) Out(port uint64, bytes []byte) error {
	offset := int(port - BlkIOPortStart)

	switch offset {
	case 8:
		physAddr := uint32(BytesToNum(bytes) * 4096)
		v.Queues[v.Hdr.commonHeader.queueSEL] = (*VirtualQueue)(v.PhyMem.GetRamPtr(physAddr))
	case 14:
		v.Hdr.commonHeader.queueSEL = uint16(BytesToNum(bytes))
	case 16:
		v.Hdr.commonHeader.isr = 0x0
		v.kick <- true
	case 19:
	default:
	}
	return nil
}

func (v *Blk) IOPort() uint64 {
	return BlkIOPortStart
}

func (v *Blk) Size() uint64 {
	return BlkIOPortSize
}
