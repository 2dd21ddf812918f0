package machine

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bzImageWith(header uint32, version uint16) *bytes.Reader {
	img := make([]byte, 0x2000)
	hdr := SetupHeader{
		Header:  header,
		Version: version,
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, hdr); err != nil {
		panic(err)
	}
	copy(img[0x1f1:], buf.Bytes())
	return bytes.NewReader(img)
}

func TestNewKernParam(t *testing.T) {
	kp, err := NewKernParam(bzImageWith(MagicSignature, 0x0206))
	require.NoError(t, err)
	assert.EqualValues(t, MagicSignature, kp.Hdr.Header)
}

func TestNewKernParamBadMagic(t *testing.T) {
	_, err := NewKernParam(bzImageWith(0xdeadbeef, 0x0206))
	assert.ErrorIs(t, err, ErrSignatureNotMatch)
}

func TestNewKernParamOldProtocol(t *testing.T) {
	_, err := NewKernParam(bzImageWith(MagicSignature, 0x0205))
	assert.ErrorIs(t, err, ErrOldProtocolVersion)
}

func TestAddE820Entry(t *testing.T) {
	kp := &KernParam{}

	kp.AddE820Entry(0, EBDAStart, E820Ram)
	kp.AddE820Entry(MBBIOSBegin, MBBIOSEnd-MBBIOSBegin, E820Reserved)

	require.EqualValues(t, 2, kp.E820Entries)
	assert.EqualValues(t, E820Ram, kp.E820Map[0].Type)
	assert.EqualValues(t, MBBIOSBegin, kp.E820Map[1].Addr)
}

func TestComposeCmdlineBaseline(t *testing.T) {
	got := ComposeCmdline("")

	assert.True(t, strings.HasPrefix(got, "notsc nolapic noacpi pci=conf1 console=ttyS0 "))
	assert.Contains(t, got, "root=/dev/vda rw ")
}

func TestComposeCmdlineKeepsUserRoot(t *testing.T) {
	got := ComposeCmdline("root=/dev/sda1 quiet")

	assert.NotContains(t, got, "/dev/vda")
	assert.Contains(t, got, "root=/dev/sda1 quiet")
}

func TestComposeCmdlineTruncates(t *testing.T) {
	long := strings.Repeat("a", 3*CmdlineMax)
	got := ComposeCmdline(long)

	assert.Len(t, got, CmdlineMax)
	assert.True(t, strings.HasPrefix(got, "notsc "))
}
