package machine

import (
	"errors"
)

var (
	ErrInvalidSel           = errors.New("queue sel is invalid")
	ErrNoTxPacket           = errors.New("no packet for tx")
	ErrNoRxPacket           = errors.New("no packet for rx")
	ErrVQNotInit            = errors.New("vq not initialized")
	ErrNoRxBuf              = errors.New("no buffer found for rx")
	ErrNoPendingInput       = errors.New("no pending console input")
	ErrZeroSizeKernel       = errors.New("kernel is 0 bytes")
	ErrImageTooLarge        = errors.New("image does not fit in guest memory")
	ErrBadVA                = errors.New("bad virtual address")
	ErrBadCPU               = errors.New("bad cpu number")
	ErrMemTooSmall          = errors.New("guest memory below the 64 MiB minimum")
	ErrBridgeNotPermit      = errors.New("IO is not permitted for PCI bridge")
	ErrSignatureNotMatch    = errors.New("signature not match in bzImage")
	ErrOldProtocolVersion   = errors.New("old protocol version")
	ErrDataLenInvalid       = errors.New("invalid data size on port")
	ErrWriteToCF9           = errors.New("power cycle via 0xcf9")
	ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")
	ErrDebug                = errors.New("debug exit")
	ErrPortRangeOverlap     = errors.New("io port range already registered")
	ErrDiskAttached         = errors.New("disk image already attached")
	ErrDiskReadonly         = errors.New("disk image is readonly")
	ErrDiskClosed           = errors.New("disk image is closed")
	ErrBadAPIVersion        = errors.New("unsupported kvm api version")
	ErrMissingCapability    = errors.New("required kvm capability is missing")
)
