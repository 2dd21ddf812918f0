package machine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPortIO struct {
	ins  int
	outs int
}

func (r *recordingPortIO) In(port uint64, data []byte) error {
	r.ins++
	return nil
}

func (r *recordingPortIO) Out(port uint64, data []byte) error {
	r.outs++
	return nil
}

func TestIOPortMapRegisterAndResolve(t *testing.T) {
	var m IOPortMap
	dev := &recordingPortIO{}

	require.NoError(t, m.Register(0x3f8, 8, dev))

	assert.Equal(t, PortIO(dev), m.Resolve(0x3f8))
	assert.Equal(t, PortIO(dev), m.Resolve(0x3ff))
	assert.Nil(t, m.Resolve(0x400))
	assert.Nil(t, m.Resolve(0x3f7))
}

func TestIOPortMapRejectsOverlap(t *testing.T) {
	var m IOPortMap

	require.NoError(t, m.Register(0xcf8, 1, &PortIONoop{}))

	err := m.Register(0xcf0, 0x10, &PortIONoop{})
	assert.ErrorIs(t, err, ErrPortRangeOverlap)

	// the failed registration must not claim anything
	assert.Nil(t, m.Resolve(0xcf0))
}

func TestIOPortMapRejectsOutOfRange(t *testing.T) {
	var m IOPortMap

	err := m.Register(0xffff, 2, &PortIONoop{})
	assert.ErrorIs(t, err, ErrPortRangeOverlap)
}

func TestDispatchUnregisteredPortIsNoop(t *testing.T) {
	var m IOPortMap

	err := m.Dispatch(EXITIOIN, 0x510, make([]byte, 4))
	assert.NoError(t, err)
}

func TestDispatchRoutesByDirection(t *testing.T) {
	var m IOPortMap
	dev := &recordingPortIO{}

	require.NoError(t, m.Register(0x70, 2, dev))

	require.NoError(t, m.Dispatch(EXITIOIN, 0x70, make([]byte, 1)))
	require.NoError(t, m.Dispatch(EXITIOOUT, 0x71, make([]byte, 1)))

	assert.Equal(t, 1, dev.ins)
	assert.Equal(t, 1, dev.outs)
}
