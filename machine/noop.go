package machine

import (
	"fmt"
)

type PortIONoop struct {
}

func (r *PortIONoop) In(port uint64, data []byte) error  { return nil }
func (r *PortIONoop) Out(port uint64, data []byte) error { return nil }

type portIOCF9 struct {
}

func (p *portIOCF9) In(port uint64, bytes []byte) error { return nil }

// A hard-reset request through the reset control register stops the
// machine; anything else written here is ignored.
func (p *portIOCF9) Out(port uint64, bytes []byte) error {
	if len(bytes) == 1 && bytes[0] == 0xe {
		return fmt.Errorf("write 0xe to cf9: %w", ErrWriteToCF9)
	}
	return nil
}

type portIOPS2 struct {
}

// The guest polls the PS/2 status register during boot; without this
// stub the probe loops forever on some kernels.
func (p *portIOPS2) In(port uint64, bytes []byte) error {
	bytes[0] = 0x20
	return nil
}

func (p *portIOPS2) Out(port uint64, bytes []byte) error { return nil }
