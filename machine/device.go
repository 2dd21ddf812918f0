package machine

import (
	"fmt"
	"log"
)

const portRange = 0x10000

// PortIO is the guest-facing half of a device: synchronous port reads
// and writes issued from the vCPU thread that took the exit.
type PortIO interface {
	In(uint64, []byte) error
	Out(uint64, []byte) error
}

// Device is a PortIO handler that owns a fixed port window.
type Device interface {
	PortIO
	IOPort() uint64
	Size() uint64
}

// IOPortMap routes port-I/O exits to the owning device. Ranges are
// claimed exactly once; overlap is a configuration bug and fails
// registration before any vCPU starts. A port nobody claimed resolves
// to nil and the caller treats the access as a logged no-op.
type IOPortMap struct {
	ports   [portRange]PortIO
	ioDebug bool
}

func (p *IOPortMap) Register(start, size uint64, io PortIO) error {
	if start+size > portRange {
		return fmt.Errorf("port range [0x%x, 0x%x): %w", start, start+size, ErrPortRangeOverlap)
	}
	for i := start; i < start+size; i++ {
		if p.ports[i] != nil {
			return fmt.Errorf("port 0x%x in range [0x%x, 0x%x): %w",
				i, start, start+size, ErrPortRangeOverlap)
		}
	}
	for i := start; i < start+size; i++ {
		p.ports[i] = io
	}
	return nil
}

func (p *IOPortMap) Resolve(port uint64) PortIO {
	if port >= portRange {
		return nil
	}
	return p.ports[port]
}

// SetIODebug turns on per-access dispatch logging.
func (p *IOPortMap) SetIODebug(on bool) {
	p.ioDebug = on
}

// Dispatch resolves one guest port access and runs the handler on the
// calling thread. Unclaimed ports are never fatal: guests probe for
// hardware that is not there.
func (p *IOPortMap) Dispatch(direction, port uint64, data []byte) error {
	io := p.Resolve(port)
	if io == nil {
		log.Printf("ignored %s on unregistered port 0x%x (%d bytes)",
			directionName(direction), port, len(data))
		return nil
	}

	if p.ioDebug {
		log.Printf("%s port 0x%x data %#x", directionName(direction), port, data)
	}

	if direction == EXITIOIN {
		return io.In(port, data)
	}
	return io.Out(port, data)
}

func directionName(direction uint64) string {
	if direction == EXITIOIN {
		return "in"
	}
	return "out"
}
