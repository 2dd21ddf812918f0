package machine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsSmallMemoryBeforeTouchingKVM(t *testing.T) {
	// with an impossible device path, only the size check can fail first
	_, err := New("/dev/does-not-exist", 1, MinMemSize-1)
	assert.ErrorIs(t, err, ErrMemTooSmall)
}

func TestNewFailsOnMissingDevice(t *testing.T) {
	_, err := New("/dev/does-not-exist", 1, MinMemSize)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrMemTooSmall)
}

func TestNewEBDA(t *testing.T) {
	e, err := NewEBDA(1)
	require.NoError(t, err)

	b, err := e.Bytes()
	require.NoError(t, err)

	// floating pointer signature "_MP_" at the mpfIntel offset
	assert.Equal(t, "_MP_", string(b[16*3:16*3+4]))
}

func TestNewEBDATooManyCPUs(t *testing.T) {
	_, err := NewEBDA(maxVCPUs + 1)
	assert.ErrorIs(t, err, ErrBadCPU)
}

func TestCMOSTimeIsBCD(t *testing.T) {
	c := NewCMOS(0xC000_0000, 0)

	sel := []byte{0x09} // year within century
	require.NoError(t, c.Out(0x70, sel))

	v := make([]byte, 1)
	require.NoError(t, c.In(0x71, v))

	// both nibbles must be decimal digits
	assert.Less(t, v[0]&0x0f, uint8(10))
	assert.Less(t, v[0]>>4, uint8(10))
}

func TestCMOSScratchRAM(t *testing.T) {
	c := NewCMOS(0xC000_0000, 0)

	require.NoError(t, c.Out(0x70, []byte{0x40}))
	require.NoError(t, c.Out(0x71, []byte{0x5a}))

	require.NoError(t, c.Out(0x70, []byte{0x40}))
	v := make([]byte, 1)
	require.NoError(t, c.In(0x71, v))
	assert.EqualValues(t, 0x5a, v[0])

	assert.ErrorIs(t, c.In(0x71, make([]byte, 2)), ErrDataLenInvalid)
}

func TestCMOSExtendedMemory(t *testing.T) {
	// 448 MiB: (448-16) MiB in 64 KiB units is 0x1b00
	c := NewCMOS(448<<20, 0)

	v := make([]byte, 1)
	require.NoError(t, c.Out(0x70, []byte{0x34}))
	require.NoError(t, c.In(0x71, v))
	assert.EqualValues(t, 0x00, v[0])

	require.NoError(t, c.Out(0x70, []byte{0x35}))
	require.NoError(t, c.In(0x71, v))
	assert.EqualValues(t, 0x1b, v[0])
}

// TestBootHostKernel creates a real VM and loads the host kernel. It
// only runs where /dev/kvm is usable.
func TestBootHostKernel(t *testing.T) {
	if _, err := os.Stat(DefaultKVMPath); err != nil {
		t.Skipf("no %s: %v", DefaultKVMPath, err)
	}

	m, err := New(DefaultKVMPath, 1, MinMemSize)
	if err != nil {
		t.Skipf("cannot create VM: %v", err)
	}
	defer m.Shutdown()

	candidates, _ := filepath.Glob("/boot/vmlinuz*")
	if len(candidates) == 0 {
		t.Skip("no host kernel image to load")
	}
	kernPath := candidates[0]

	kern, err := os.Open(kernPath)
	require.NoError(t, err)
	defer kern.Close()

	err = m.LoadLinux(kern, nil, ComposeCmdline(""))
	if errors.Is(err, ErrSignatureNotMatch) {
		t.Skipf("%s is not a bzImage", kernPath)
	}
	require.NoError(t, err)
}
