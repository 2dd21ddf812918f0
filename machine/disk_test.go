package machine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempImage(t *testing.T, content []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestDiskImageReadWrite(t *testing.T) {
	path := tempImage(t, make([]byte, 4096))

	d, err := OpenDiskImage(path, false)
	require.NoError(t, err)
	defer d.Close()

	assert.EqualValues(t, 4096, d.Size())
	assert.False(t, d.Readonly())

	_, err = d.WriteAt([]byte("hello"), 512)
	require.NoError(t, err)

	got := make([]byte, 5)
	_, err = d.ReadAt(got, 512)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestDiskImageReadonlyRejectsWrites(t *testing.T) {
	content := []byte("immutable data, padded out to one sector....")
	path := tempImage(t, content)

	d, err := OpenDiskImage(path, true)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.WriteAt([]byte("scribble"), 0)
	assert.ErrorIs(t, err, ErrDiskReadonly)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, after)
}

func TestDiskImageCloseIsIdempotent(t *testing.T) {
	d, err := OpenDiskImage(tempImage(t, make([]byte, 512)), false)
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err = d.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrDiskClosed)
}

// Close runs on the fatal-exit path while the blk goroutine is still
// reading; the race detector keeps this honest.
func TestDiskImageCloseRacesReads(t *testing.T) {
	d, err := OpenDiskImage(tempImage(t, make([]byte, 4096)), false)
	require.NoError(t, err)

	stop := make(chan struct{})
	go func() {
		defer close(stop)
		buf := make([]byte, 512)
		for i := 0; i < 1000; i++ {
			if _, err := d.ReadAt(buf, 0); err != nil {
				return
			}
		}
	}()

	require.NoError(t, d.Close())
	<-stop
}

func TestOpenDiskImageMissing(t *testing.T) {
	_, err := OpenDiskImage(filepath.Join(t.TempDir(), "nope.img"), false)
	assert.Error(t, err)
}
