package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelatex/kvmtool/machine"
)

func validConfig() *Config {
	return &Config{
		Kernel:     "/boot/vmlinuz-test",
		CPUs:       1,
		MemSizeMiB: 448,
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, machine.DefaultKVMPath, cfg.Dev)
	assert.Equal(t, ConsoleSerial, cfg.Console)
	assert.Equal(t, NetworkNone, cfg.Network)
}

func TestValidateRejectsBadCPUCount(t *testing.T) {
	for _, cpus := range []int{0, -1, 256} {
		cfg := validConfig()
		cfg.CPUs = cpus

		assert.ErrorIs(t, cfg.Validate(), ErrBadCPUCount, "cpus=%d", cpus)
	}
}

func TestValidateDegradesSMPToUniprocessor(t *testing.T) {
	cfg := validConfig()
	cfg.CPUs = 4

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.CPUs)
}

func TestValidateRejectsSmallMemory(t *testing.T) {
	cfg := validConfig()
	cfg.MemSizeMiB = 32

	assert.ErrorIs(t, cfg.Validate(), machine.ErrMemTooSmall)
}

func TestValidateMinimumMemoryIsAccepted(t *testing.T) {
	cfg := validConfig()
	cfg.MemSizeMiB = 64

	assert.NoError(t, cfg.Validate())
}

func TestValidateConsole(t *testing.T) {
	cfg := validConfig()
	cfg.Console = ConsoleVirtio
	require.NoError(t, cfg.Validate())

	cfg = validConfig()
	cfg.Console = "vga"
	assert.ErrorIs(t, cfg.Validate(), ErrBadConsole)
}

func TestValidateNetwork(t *testing.T) {
	cfg := validConfig()
	cfg.Network = NetworkVirtio
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "tap0", cfg.TapIfName)

	cfg = validConfig()
	cfg.Network = "bridged"
	assert.ErrorIs(t, cfg.Validate(), ErrBadNetwork)
}
