package machine

// Legacy (pre-1.0) virtio over PCI I/O ports. Each device exposes the
// common header below in its BAR0 window, followed by device-specific
// configuration.
const QueueSize = 32

type commonHeader struct {
	_        uint32
	_        uint32
	_        uint32
	queueNUM uint16
	queueSEL uint16
	_        uint16
	_        uint8
	isr      uint8
}

type VirtualQueue struct {
	DescTable [QueueSize]struct {
		Addr  uint64
		Len   uint32
		Flags uint16
		Next  uint16
	}

	AvailRing struct {
		Flags     uint16
		Idx       uint16
		Ring      [QueueSize]uint16
		UsedEvent uint16
	}

	// padding for 4096 alignment
	_ [4096 - ((16*QueueSize + 6 + 2*QueueSize) % 4096)]uint8

	UsedRing struct {
		Flags uint16
		Idx   uint16
		Ring  [QueueSize]struct {
			Idx uint32
			Len uint32
		}
		AvailEvent uint16
	}
}

// readHeader serves a guest register read out of a serialized device
// header. The BAR window is larger than the header, so reads past its
// end return zeros instead of indexing off the slice.
func readHeader(dst, hdr []byte, offset int) {
	for i := range dst {
		dst[i] = 0
	}
	if offset >= 0 && offset < len(hdr) {
		copy(dst, hdr[offset:])
	}
}

// IRQInjector delivers a level-triggered interrupt pulse for a device.
type IRQInjector interface {
	InjectVirtioBlkIRQ() error
	InjectVirtioNetIRQ() error
	InjectVirtioConsoleIRQ() error
}
