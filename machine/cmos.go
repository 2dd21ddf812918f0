package machine

import (
	"time"
)

const (
	cmosIndexMask = uint8(0x7F)
	cmosIndexPort = uint64(0x70)
	cmosDataPort  = uint64(0x71)
	cmosDataLen   = uint64(128)
)

// CMOS emulates the RTC and its battery-backed scratch RAM. Time
// registers are synthesized from the host clock in BCD.
type CMOS struct {
	Index uint8
	Data  []uint8
}

// NewCMOS seeds the memory size registers: 0x34/0x35 hold RAM above
// 16MiB in 64KiB units, 0x5b-0x5d hold RAM above 4GiB.
func NewCMOS(memBelow4G, memAbove4G uint64) *CMOS {
	cmos := &CMOS{
		Index: 0,
		Data:  make([]uint8, cmosDataLen),
	}

	var extMem uint16
	if memBelow4G > 16<<20 {
		extMem = uint16((memBelow4G - 16<<20) >> 16)
	}
	highMem := memAbove4G >> 16

	cmos.Data[0x34] = uint8(extMem)
	cmos.Data[0x35] = uint8(extMem >> 8)
	cmos.Data[0x5b] = uint8(highMem)
	cmos.Data[0x5c] = uint8(highMem >> 8)
	cmos.Data[0x5d] = uint8(highMem >> 16)
	return cmos
}

func (c *CMOS) In(base uint64, data []byte) error {
	if len(data) != 1 {
		return ErrDataLenInvalid
	}

	var d uint8

	switch base {
	case cmosIndexPort:
		data[0] = c.Index
	case cmosDataPort:
		dt := time.Now()

		switch c.Index {
		case 0x00:
			d = toBCD(uint8(dt.Second()))
		case 0x02:
			d = toBCD(uint8(dt.Minute()))
		case 0x04:
			d = toBCD(uint8(dt.Hour()))
		case 0x06:
			d = toBCD(uint8(dt.Weekday()))
		case 0x07:
			d = toBCD(uint8(dt.Day()))
		case 0x08:
			d = toBCD(uint8(dt.Month()))
		case 0x09:
			d = toBCD(uint8(dt.Year() % 100))
		case 0x0A:
			d = 1<<5 | 0<<7
		case 0x0D:
			d = 1 << 7
		case 0x32:
			d = toBCD(uint8(dt.Year() / 100))
		default:
			d = c.Data[c.Index&cmosIndexMask]
		}
		data[0] = d
	}
	return nil
}

func (c *CMOS) Out(base uint64, data []byte) error {
	if len(data) != 1 {
		return ErrDataLenInvalid
	}

	switch base {
	case cmosIndexPort:
		c.Index = data[0]
	case cmosDataPort:
		if c.Index == 0x8F && data[0] == 0 {
			// shutdown status byte, ignored
		} else {
			c.Data[c.Index&cmosIndexMask] = data[0]
		}
	}
	return nil
}

func toBCD(v uint8) uint8 {
	return ((v / 10) << 4) | (v % 10)
}

func (c *CMOS) IOPort() uint64 {
	return 0x70
}

func (c *CMOS) Size() uint64 {
	return 0x2
}
