package storefs

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/fleetforge/fleetd/internal/ferr"
)

// InstanceLock is the cross-process `runtime/lock` exclusion guard
// (spec §4.2, §4.9, §9 "per-instance exclusion"). Reconcile, the CLI,
// and wake-on-demand all converge on the same file lock before touching
// an instance's state.
type InstanceLock struct {
	f *os.File
}

// Acquire opens (creating if absent) and flock(LOCK_EX)s path, blocking
// until held.
func Acquire(path string) (*InstanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, ferr.Wrap(ferr.KindIo, "creating lock directory", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindIo, "opening lock file "+path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, ferr.Wrap(ferr.KindIo, "flock "+path, err)
	}
	return &InstanceLock{f: f}, nil
}

// Release unlocks and closes the lock file. Safe to call once.
func (l *InstanceLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "unlocking lock file", err)
	}
	return cerr
}
