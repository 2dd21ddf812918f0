package vmm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenInitrdEmptyPath(t *testing.T) {
	r, cleanup, err := openInitrd("")
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, r)
}

func TestOpenInitrdFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "initrd.img")
	require.NoError(t, os.WriteFile(path, []byte("ramdisk"), 0o644))

	r, cleanup, err := openInitrd(path)
	require.NoError(t, err)
	defer cleanup()

	got := make([]byte, 7)
	_, err = r.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, "ramdisk", string(got))
}

func TestOpenInitrdDirectoryIsPacked(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "init"), []byte("#!/bin/sh\n"), 0o755))

	r, cleanup, err := openInitrd(dir)
	require.NoError(t, err)
	defer cleanup()

	// newc cpio magic
	got := make([]byte, 6)
	_, err = r.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, "070701", string(got))
}

func TestOpenInitrdMissingPath(t *testing.T) {
	_, _, err := openInitrd(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

// The input pump and its reader goroutine must wind down when the run
// loop finishes; TestMain's leak check covers the goroutine side.
func TestConsoleInputStopsOnDone(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	v := &VMM{cfg: &Config{Console: ConsoleVirtio}, stdin: r}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		v.consoleInput(done, func() {})
		close(stopped)
	}()

	close(done)
	require.NoError(t, w.Close())

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("consoleInput did not stop")
	}
}
