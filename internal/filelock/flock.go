package filelock

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// FileLock provides cross-process mutual exclusion using flock(2). The
// scheduler holds one on "<state db>.lock" for its whole lifetime so that
// two processes never drive the same state store.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a FileLock on path. The file is created on first use.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file path.
func (fl *FileLock) Path() string {
	return fl.path
}

// Lock acquires an exclusive lock, blocking until available.
func (fl *FileLock) Lock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return fmt.Errorf("flock: %w", err)
	}
	fl.file = f
	fl.writePID()
	return nil
}

// TryLock acquires the lock without blocking. It returns ErrLocked if
// another holder has it.
func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return fmt.Errorf("%w: %s", ErrLocked, fl.path)
		}
		return fmt.Errorf("flock: %w", err)
	}

	fl.file = f
	fl.writePID()
	return nil
}

// writePID records the holder for operators; failures are ignored since
// the flock itself is the lock.
func (fl *FileLock) writePID() {
	if err := fl.file.Truncate(0); err != nil {
		return
	}
	_, _ = fl.file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
}

// Unlock releases the lock and closes the file. Unlocking an unheld lock
// is a no-op.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = fl.file.Close()
		fl.file = nil
		return fmt.Errorf("funlock: %w", err)
	}

	err := fl.file.Close()
	fl.file = nil
	return err
}
