package machine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetDeviceHeader(t *testing.T) {
	v := NewNet(VirtioNetIRQ, &fakeVirtioInjector{}, nil, nil)

	hdr := v.GetDeviceHeader()
	assert.EqualValues(t, 0x1000, hdr.DeviceID)
	assert.EqualValues(t, NetIOPortStart|0x1, hdr.BAR[0])
	assert.EqualValues(t, VirtioNetIRQ, hdr.InterruptLine)
}

func TestNetHeaderReadPastEnd(t *testing.T) {
	v := NewNet(VirtioNetIRQ, &fakeVirtioInjector{}, nil, nil)

	hdr, err := v.Hdr.Bytes()
	require.NoError(t, err)

	for _, off := range []uint64{uint64(len(hdr)), NetIOPortSize - 4} {
		got := []byte{0xa5, 0xa5, 0xa5, 0xa5}
		require.NoError(t, v.In(NetIOPortStart+off, got))
		assert.Equal(t, []byte{0, 0, 0, 0}, got, "offset %#x", off)
	}
}
