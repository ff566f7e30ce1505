// Package fsutil provides durable file primitives: copy with fsync and
// optional atomic placement, move that never removes the source before the
// destination is durable, checksums, and secure deletion.
package fsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Iron-Ham/sluice/internal/errors"
)

// TempPrefix marks in-progress files written by atomic copies. Watchers
// ignore names with this prefix.
const TempPrefix = ".sluice-tmp-"

// SidecarSuffix is appended to dead-letter artifacts for their metadata file.
const SidecarSuffix = ".deadletter.json"

// IsTemp reports whether name is an in-progress atomic write.
func IsTemp(name string) bool {
	return strings.HasPrefix(filepath.Base(name), TempPrefix)
}

// IsInternal reports whether name is a file sluice itself produces as a
// by-product: an atomic-write temp file or a dead-letter sidecar.
func IsInternal(name string) bool {
	return IsTemp(name) || strings.HasSuffix(name, SidecarSuffix)
}

// CopyOptions controls CopyFile and MoveFile.
type CopyOptions struct {
	// Atomic writes to a temporary file in the destination directory and
	// renames it into place, so readers never observe a partial file.
	Atomic bool
	// NoClobber fails with fs.ErrExist instead of replacing dst.
	NoClobber bool
	// VerifyChecksum compares SHA-256 digests of source and destination.
	VerifyChecksum bool
}

// CopyFile copies src to dst and fsyncs the data and the directory entry.
func CopyFile(src, dst string, opts CopyOptions) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return &fs.PathError{Op: "copy", Path: src, Err: syscall.EISDIR}
	}

	var srcSum hash.Hash
	var reader io.Reader = in
	if opts.VerifyChecksum {
		srcSum = sha256.New()
		reader = io.TeeReader(in, srcSum)
	}

	if opts.Atomic {
		err = copyAtomic(reader, dst, info, opts.NoClobber)
	} else {
		err = copyInPlace(reader, dst, info, opts.NoClobber)
	}
	if err != nil {
		return err
	}

	if opts.VerifyChecksum {
		dstSum, err := Checksum(dst)
		if err != nil {
			return err
		}
		if want := hex.EncodeToString(srcSum.Sum(nil)); dstSum != want {
			_ = os.Remove(dst)
			return errors.NewTransientIOError(
				fmt.Sprintf("source %s, destination %s", want, dstSum), errors.ErrChecksumMismatch).WithPath(dst)
		}
	}
	return nil
}

func copyInPlace(r io.Reader, dst string, info fs.FileInfo, noClobber bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if noClobber {
		flags |= os.O_EXCL
	}
	out, err := os.OpenFile(dst, flags, info.Mode().Perm())
	if err != nil {
		return err
	}
	if err := writeAndSync(out, r); err != nil {
		_ = os.Remove(dst)
		return err
	}
	_ = os.Chtimes(dst, info.ModTime(), info.ModTime())
	return SyncDir(filepath.Dir(dst))
}

func copyAtomic(r io.Reader, dst string, info fs.FileInfo, noClobber bool) error {
	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := writeAndSync(tmp, r); err != nil {
		return err
	}
	_ = os.Chmod(tmpPath, info.Mode().Perm())
	_ = os.Chtimes(tmpPath, info.ModTime(), info.ModTime())

	if noClobber {
		// link(2) fails with EEXIST rather than replacing dst.
		if err := os.Link(tmpPath, dst); err != nil {
			return err
		}
	} else if err := os.Rename(tmpPath, dst); err != nil {
		return err
	}
	return SyncDir(dir)
}

// writeAndSync copies r into f, fsyncs, and closes f.
func writeAndSync(f *os.File, r io.Reader) error {
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// MoveFile relocates src to dst. On the same filesystem it renames (or
// links then unlinks, for NoClobber); across filesystems it copies, fsyncs,
// and only then removes src.
func MoveFile(src, dst string, opts CopyOptions) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return &fs.PathError{Op: "move", Path: src, Err: syscall.EISDIR}
	}

	if opts.NoClobber {
		err = os.Link(src, dst)
	} else {
		err = os.Rename(src, dst)
	}
	switch {
	case err == nil:
		if err := SyncDir(filepath.Dir(dst)); err != nil {
			return err
		}
		if opts.NoClobber {
			if err := os.Remove(src); err != nil {
				return err
			}
		}
		return SyncDir(filepath.Dir(src))
	case !isCrossDevice(err):
		return err
	}

	if err := CopyFile(src, dst, opts); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return err
	}
	return SyncDir(filepath.Dir(src))
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

// SyncDir fsyncs a directory so renames and creations within it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}

// Checksum returns the hex SHA-256 digest of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SecureRemove overwrites the file with zeros, fsyncs, and removes it.
func SecureRemove(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	zeros := make([]byte, 32*1024)
	remaining := info.Size()
	for remaining > 0 {
		n := int64(len(zeros))
		if remaining < n {
			n = remaining
		}
		if _, err := f.Write(zeros[:n]); err != nil {
			f.Close()
			return err
		}
		remaining -= n
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return Remove(path)
}

// Remove deletes path and fsyncs its directory.
func Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return err
	}
	return SyncDir(filepath.Dir(path))
}

// Exists reports whether path exists.
func Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
