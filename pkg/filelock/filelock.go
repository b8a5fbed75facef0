// Package filelock provides an advisory exclusive lock backed by flock(2).
//
// Both the crontab rewrite and append-style deliveries are cross-process
// critical sections: multiple runner instances (and the server) may touch the
// same file with no shared memory between them.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Lock holds an exclusive advisory lock on a file.
type Lock struct {
	f     *os.File
	owned bool // whether Release should close f
}

// Acquire opens (creating if needed) the file at path and takes an exclusive
// flock on it, blocking until the lock is available.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("filelock: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filelock: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("filelock: flock %s: %w", path, err)
	}
	return &Lock{f: f, owned: true}, nil
}

// AcquireFile locks an already-open file. The caller keeps ownership of f
// and must keep it open until Release.
func AcquireFile(f *os.File) (*Lock, error) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return nil, fmt.Errorf("filelock: flock: %w", err)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock. Safe to call on a nil Lock and safe to call twice.
func (l *Lock) Release() {
	if l == nil || l.f == nil {
		return
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if l.owned {
		_ = l.f.Close()
	}
	l.f = nil
}
