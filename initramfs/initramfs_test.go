package initramfs_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cavaliergopher/cpio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelatex/kvmtool/initramfs"
)

func TestBuild(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sbin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sbin", "init"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Symlink("sbin/init", filepath.Join(root, "init")))

	var archive bytes.Buffer
	require.NoError(t, initramfs.Build(root, &archive))

	entries := map[string]*cpio.Header{}
	bodies := map[string][]byte{}

	r := cpio.NewReader(&archive)
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		body, err := io.ReadAll(r)
		require.NoError(t, err)
		entries[hdr.Name] = hdr
		bodies[hdr.Name] = body
	}

	require.Contains(t, entries, "sbin")
	require.Contains(t, entries, "sbin/init")
	require.Contains(t, entries, "init")

	assert.True(t, entries["sbin"].Mode.IsDir())
	assert.True(t, entries["sbin/init"].Mode.IsRegular())
	assert.Equal(t, "#!/bin/sh\n", string(bodies["sbin/init"]))

	assert.EqualValues(t, cpio.TypeSymlink, entries["init"].Mode&cpio.ModeType)
	assert.Equal(t, "sbin/init", string(bodies["init"]))
}

func TestBuildFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello"), []byte("world"), 0o644))

	out := filepath.Join(t.TempDir(), "initrd.img")
	require.NoError(t, initramfs.BuildFile(root, out))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()

	r := cpio.NewReader(f)
	hdr, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "hello", hdr.Name)
}

func TestBuildMissingRoot(t *testing.T) {
	var archive bytes.Buffer
	err := initramfs.Build(filepath.Join(t.TempDir(), "absent"), &archive)
	assert.Error(t, err)
}
