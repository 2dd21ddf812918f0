// Package initramfs packs a directory tree into a newc cpio archive
// suitable for the kernel's initramfs loader.
package initramfs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cavaliergopher/cpio"
)

// Build walks root and writes every entry into a cpio archive on w.
// Paths inside the archive are relative to root.
func Build(root string, w io.Writer) error {
	cw := cpio.NewWriter(w)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		name, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if name == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return writeHeader(cw, &cpio.Header{
				Name: name,
				Mode: cpio.TypeDir | cpio.FileMode(info.Mode().Perm()),
			})
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			hdr := &cpio.Header{
				Name: name,
				Mode: cpio.TypeSymlink | cpio.FileMode(info.Mode().Perm()),
				Size: int64(len(target)),
			}
			if err := writeHeader(cw, hdr); err != nil {
				return err
			}
			_, err = cw.Write([]byte(target))
			return err
		case info.Mode().IsRegular():
			hdr, err := cpio.FileInfoHeader(info, "")
			if err != nil {
				return fmt.Errorf("header for %s: %w", name, err)
			}
			hdr.Name = name
			if err := writeHeader(cw, hdr); err != nil {
				return err
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			_, err = io.Copy(cw, f)
			return err
		default:
			// sockets, fifos and devices have no place in a guest image
			return nil
		}
	})
	if err != nil {
		return err
	}
	return cw.Close()
}

// BuildFile is Build writing to a new file at out.
func BuildFile(root, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}

	if err := Build(root, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeHeader(w *cpio.Writer, hdr *cpio.Header) error {
	if err := w.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header for %s: %w", hdr.Name, err)
	}
	return nil
}
