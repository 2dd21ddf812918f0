package machine

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func consoleFixture(t *testing.T) (*Console, *PhysMemory, *fakeVirtioInjector) {
	t.Helper()

	mem, err := NewPhysMemory(1 << 22)
	require.NoError(t, err)
	t.Cleanup(mem.Free)

	inj := &fakeVirtioInjector{}
	v := NewConsole(VirtioConsoleIRQ, inj, mem)
	return v, mem, inj
}

func placeQueue(mem *PhysMemory, addr uint64) *VirtualQueue {
	return (*VirtualQueue)(unsafe.Pointer(&mem.Get(addr, addr+0x4000)[0]))
}

func TestConsoleQueueInputNeverBlocks(t *testing.T) {
	v, _, _ := consoleFixture(t)

	big := make([]byte, 20000)
	v.QueueInput(big) // over buffer capacity, the rest is dropped

	assert.True(t, v.InterruptPending())
}

func TestConsoleRxDeliversInput(t *testing.T) {
	v, mem, inj := consoleFixture(t)

	q := placeQueue(mem, testQueueAddr)
	v.Queues[0] = q

	q.DescTable[0].Addr = testDataAddr
	q.DescTable[0].Len = 64
	q.AvailRing.Ring[0] = 0
	q.AvailRing.Idx = 1

	v.QueueInput([]byte("input line"))
	require.NoError(t, v.Rx())

	got := mem.Get(testDataAddr, testDataAddr+10)
	assert.Equal(t, "input line", string(got))
	assert.EqualValues(t, 10, q.UsedRing.Ring[0].Len)
	assert.Equal(t, 1, inj.console)

	assert.ErrorIs(t, v.Rx(), ErrNoPendingInput)
}

func TestConsoleRxWithoutBuffers(t *testing.T) {
	v, mem, _ := consoleFixture(t)

	v.Queues[0] = placeQueue(mem, testQueueAddr)
	v.QueueInput([]byte{'a'})

	assert.ErrorIs(t, v.Rx(), ErrNoRxBuf)
}

func TestConsoleTxWritesOutput(t *testing.T) {
	v, mem, inj := consoleFixture(t)

	out := &bytes.Buffer{}
	v.out = out

	q := placeQueue(mem, testQueueAddr)
	v.Queues[1] = q
	v.Hdr.commonHeader.queueSEL = 1

	mem.CopyStart(testDataAddr, []byte("guest says hi"))
	q.DescTable[0].Addr = testDataAddr
	q.DescTable[0].Len = 13
	q.AvailRing.Ring[0] = 0
	q.AvailRing.Idx = 1

	require.NoError(t, v.Tx())

	assert.Equal(t, "guest says hi", out.String())
	assert.EqualValues(t, 1, q.UsedRing.Idx)
	assert.Equal(t, 1, inj.console)
}

func TestConsoleHeaderReadPastEnd(t *testing.T) {
	v, _, _ := consoleFixture(t)

	hdr, err := v.Hdr.Bytes()
	require.NoError(t, err)

	got := []byte{0xa5, 0xa5, 0xa5, 0xa5}
	require.NoError(t, v.In(ConsoleIOPortStart+uint64(len(hdr)), got))
	assert.Equal(t, []byte{0, 0, 0, 0}, got)

	got = []byte{0xa5, 0xa5}
	require.NoError(t, v.In(ConsoleIOPortStart+ConsoleIOPortSize-2, got))
	assert.Equal(t, []byte{0, 0}, got)
}

func TestConsoleDeviceHeader(t *testing.T) {
	v, _, _ := consoleFixture(t)

	hdr := v.GetDeviceHeader()
	assert.EqualValues(t, 0x1003, hdr.DeviceID)
	assert.EqualValues(t, 3, hdr.SubsystemID)
	assert.EqualValues(t, ConsoleIOPortStart|0x1, hdr.BAR[0])
	assert.EqualValues(t, VirtioConsoleIRQ, hdr.InterruptLine)
}
