package machine

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSerialInjector struct {
	pulses int
}

func (f *fakeSerialInjector) InjectSerialIRQ() error {
	f.pulses++
	return nil
}

func newTestSerial(t *testing.T) (*Serial, *fakeSerialInjector, *bytes.Buffer) {
	t.Helper()

	inj := &fakeSerialInjector{}
	s, err := NewSerial(inj)
	require.NoError(t, err)

	out := &bytes.Buffer{}
	s.out = out
	return s, inj, out
}

func TestSerialTHRWritesToOutput(t *testing.T) {
	s, _, out := newTestSerial(t)

	for _, b := range []byte("ok\n") {
		require.NoError(t, s.Out(COM1Addr, []byte{b}))
	}
	assert.Equal(t, "ok\n", out.String())
}

func TestSerialIERWriteTriggersIRQ(t *testing.T) {
	s, inj, _ := newTestSerial(t)

	require.NoError(t, s.Out(COM1Addr+1, []byte{0x1}))
	assert.Equal(t, 1, inj.pulses)

	// clearing IER must not pulse
	require.NoError(t, s.Out(COM1Addr+1, []byte{0x0}))
	assert.Equal(t, 1, inj.pulses)
}

func TestSerialLSRReflectsInput(t *testing.T) {
	s, _, _ := newTestSerial(t)

	v := make([]byte, 1)
	require.NoError(t, s.In(COM1Addr+5, v))
	assert.EqualValues(t, lsrTHREmpty|lsrTransEmpty, v[0])

	s.GetInputChan() <- 'a'
	require.NoError(t, s.In(COM1Addr+5, v))
	assert.EqualValues(t, byte(lsrDataReady), v[0]&lsrDataReady)
}

func TestSerialReadsBufferedInput(t *testing.T) {
	s, _, _ := newTestSerial(t)

	s.GetInputChan() <- 'x'
	require.True(t, s.InterruptPending())

	v := make([]byte, 1)
	require.NoError(t, s.In(COM1Addr, v))
	assert.EqualValues(t, 'x', v[0])
	assert.False(t, s.InterruptPending())
}

func TestSerialSysrqOutranksInput(t *testing.T) {
	s, _, _ := newTestSerial(t)

	s.GetInputChan() <- 'q'
	s.Sysrq('p')

	v := make([]byte, 1)
	require.NoError(t, s.In(COM1Addr+5, v))
	assert.EqualValues(t, byte(lsrBreakIRQ), v[0]&lsrBreakIRQ)

	require.NoError(t, s.In(COM1Addr, v))
	assert.EqualValues(t, 'p', v[0])

	// sysrq is one-shot; the buffered byte follows
	require.NoError(t, s.In(COM1Addr, v))
	assert.EqualValues(t, 'q', v[0])
}

func TestSerialDLABSelectsDivisor(t *testing.T) {
	s, _, _ := newTestSerial(t)

	require.NoError(t, s.Out(COM1Addr+3, []byte{0x80}))

	v := make([]byte, 1)
	require.NoError(t, s.In(COM1Addr, v))
	assert.EqualValues(t, 0xc, v[0])
}
