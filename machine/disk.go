package machine

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// DiskImage is a raw image file backing a virtio block device. A
// read-only image rejects guest writes without touching the file.
type DiskImage struct {
	file     *os.File
	size     int64
	readonly bool

	closeOnce sync.Once

	// Close runs on a vCPU's fatal-exit path while the blk goroutine
	// may still be issuing I/O.
	closed atomic.Bool
}

func OpenDiskImage(path string, readonly bool) (*DiskImage, error) {
	flags := os.O_RDWR
	if readonly {
		flags = os.O_RDONLY
	}

	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk image %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &DiskImage{
		file:     file,
		size:     info.Size(),
		readonly: readonly,
	}, nil
}

func (d *DiskImage) Size() int64 {
	return d.size
}

func (d *DiskImage) Readonly() bool {
	return d.readonly
}

func (d *DiskImage) ReadAt(p []byte, off int64) (int, error) {
	if d.closed.Load() {
		return 0, ErrDiskClosed
	}
	return d.file.ReadAt(p, off)
}

func (d *DiskImage) WriteAt(p []byte, off int64) (int, error) {
	if d.closed.Load() {
		return 0, ErrDiskClosed
	}
	if d.readonly {
		return 0, ErrDiskReadonly
	}
	return d.file.WriteAt(p, off)
}

func (d *DiskImage) Sync() error {
	if d.closed.Load() || d.readonly {
		return nil
	}
	return d.file.Sync()
}

// Close flushes and releases the backing file. Safe to call more than
// once; only the first call does the work.
func (d *DiskImage) Close() error {
	var err error

	d.closeOnce.Do(func() {
		d.closed.Store(true)
		if !d.readonly {
			err = d.file.Sync()
		}
		if cerr := d.file.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
