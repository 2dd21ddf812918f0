package machine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// confAddr builds a type-1 configuration address for bus 0.
func confAddr(slot, offset uint32) []byte {
	return NumToBytes(uint32(1<<31 | slot<<11 | offset))
}

func TestSizeToBits(t *testing.T) {
	assert.EqualValues(t, 0xffffff00, SizeToBits(0x100))
	assert.EqualValues(t, 0, SizeToBits(0))
}

func TestBytesToNumRoundTrip(t *testing.T) {
	assert.EqualValues(t, 0x6300, BytesToNum(NumToBytes(uint32(0x6300))))
	assert.EqualValues(t, 0xfeed, BytesToNum(NumToBytes(uint16(0xfeed))))
	assert.Len(t, NumToBytes(uint64(1)), 8)
	assert.Empty(t, NumToBytes("not a number"))
}

func TestPCIAddressDecoding(t *testing.T) {
	a := address(0x80001808 | 0x3)

	assert.EqualValues(t, 0x08, a.getRegisterOffset())
	assert.EqualValues(t, 3, a.getDeviceNumber())
	assert.EqualValues(t, 0, a.getBusNumber())
	assert.True(t, a.isEnable())
}

func TestPCIConfigReadsDeviceHeader(t *testing.T) {
	p := NewPCI(NewBridge())

	require.NoError(t, p.Out(0xcf8, confAddr(0, 0)))

	conf := &PCIConf{p}
	got := make([]byte, 4)
	require.NoError(t, conf.In(0xcfc, got))

	// vendor 0x8086, device 0x0d57
	assert.EqualValues(t, 0x8086, BytesToNum(got[0:2]))
	assert.EqualValues(t, 0x0d57, BytesToNum(got[2:4]))
}

func TestPCIBar0SizeProbe(t *testing.T) {
	mem, err := NewPhysMemory(1 << 21)
	require.NoError(t, err)
	t.Cleanup(mem.Free)

	disk, err := OpenDiskImage(tempImage(t, make([]byte, SectorSize)), false)
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })

	blk := NewBlk(disk, VirtioBlkIRQ, &fakeVirtioInjector{}, mem)
	p := NewPCI(blk)
	conf := &PCIConf{p}

	// writing all ones to BAR0 arms the size probe
	require.NoError(t, p.Out(0xcf8, confAddr(0, 0x10)))
	require.NoError(t, conf.Out(0xcfc, NumToBytes(uint32(0xffffffff))))

	got := make([]byte, 4)
	require.NoError(t, conf.In(0xcfc, got))
	assert.EqualValues(t, SizeToBits(BlkIOPortSize), BytesToNum(got))

	// a second read returns the BAR itself again
	require.NoError(t, conf.In(0xcfc, got))
	assert.EqualValues(t, BlkIOPortStart|0x1, BytesToNum(got))
}

func TestPCIConfigReadPastHeader(t *testing.T) {
	p := NewPCI(NewBridge())
	conf := &PCIConf{p}

	// capability area and beyond: not part of the serialized header
	for _, off := range []uint32{0x40, 0xfc} {
		require.NoError(t, p.Out(0xcf8, confAddr(0, off)))

		got := []byte{0xa5, 0xa5, 0xa5, 0xa5}
		require.NoError(t, conf.In(0xcfc, got))
		assert.Equal(t, []byte{0, 0, 0, 0}, got, "offset %#x", off)
	}
}

func TestPCIAddressReadback(t *testing.T) {
	p := NewPCI()

	addr := confAddr(2, 0x04)
	require.NoError(t, p.Out(0xcf8, addr))

	got := make([]byte, 4)
	require.NoError(t, p.In(0xcf8, got))
	assert.Equal(t, addr, got)
}

func TestBridgeRejectsPortIO(t *testing.T) {
	br := NewBridge()

	assert.ErrorIs(t, br.In(0, nil), ErrBridgeNotPermit)
	assert.ErrorIs(t, br.Out(0, nil), ErrBridgeNotPermit)
}
