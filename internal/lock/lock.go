// Package lock guards a job's output directory so two concurrent runs never
// interleave their summary and failure-record writes.
package lock

import (
	"fmt"
	"os"
	"syscall"
)

// OutputLock is an advisory flock on a file inside the output directory. The
// holder's PID is written into the file for operators to inspect.
type OutputLock struct {
	path string
	file *os.File
}

// New creates a lock at path. Nothing is acquired until TryLock.
func New(path string) *OutputLock {
	return &OutputLock{path: path}
}

// TryLock acquires the lock without blocking. A held lock means another run
// is writing to the same output directory.
func (l *OutputLock) TryLock() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return fmt.Errorf("output directory in use by another run: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		l.release(f)
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		l.release(f)
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		l.release(f)
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		l.release(f)
		return fmt.Errorf("sync lock file: %w", err)
	}

	l.file = f
	return nil
}

// Unlock releases the lock and removes the lock file. Safe to call when the
// lock was never acquired.
func (l *OutputLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	_ = os.Remove(l.path)
	l.file = nil
	return nil
}

func (l *OutputLock) release(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}
