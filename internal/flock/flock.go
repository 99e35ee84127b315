// Package flock guards an environment directory against a second process.
package flock

import (
	"os"

	"github.com/pkg/errors"
)

// ErrLocked is returned when another process holds the lock file.
var ErrLocked = errors.New("flock: lock file held by another process")

// Lock is an exclusive advisory lock on a file.
type Lock struct {
	file *os.File
}

// Acquire opens path and takes an exclusive, non-blocking lock on it. A
// shared lock is taken instead when readOnly is set.
func Acquire(path string, readOnly bool) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "open lock file %s", path)
	}
	if err := lockFile(file, readOnly); err != nil {
		file.Close()
		return nil, err
	}
	return &Lock{file: file}, nil
}

// Release drops the lock. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlockFile(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return errors.Wrap(err, "release lock file")
}
