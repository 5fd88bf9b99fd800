// Package lock implements the two advisory locking primitives the mail
// store relies on: POSIX fcntl write locks for the transaction log and
// cache file, and dotlocks for the uidlist and cache (configurable).
//
// Lock acquisition order across the store is: uidlist dotlock, transaction
// log fcntl lock, cache file lock, mailbox header fd lock. Callers must not
// take them in any other order.
package lock

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fenilsonani/mailstore/internal/mailerr"
)

// FileLock holds an exclusive fcntl write lock on an open file.
type FileLock struct {
	f      *os.File
	path   string
	locked bool
}

// AcquireFcntl takes an exclusive write lock on f, retrying until timeout.
// A zero timeout fails immediately if the lock is contended.
func AcquireFcntl(f *os.File, path string, timeout time.Duration) (*FileLock, error) {
	flk := &unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: 0,
		Start:  0,
		Len:    0, // whole file
	}

	deadline := time.Now().Add(timeout)
	backoff := 10 * time.Millisecond
	for {
		err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, flk)
		if err == nil {
			return &FileLock{f: f, path: path, locked: true}, nil
		}
		if err != unix.EAGAIN && err != unix.EACCES {
			return nil, mailerr.Wrap(mailerr.KindTransient, path, err)
		}
		if time.Now().After(deadline) {
			return nil, mailerr.Busy(path, err)
		}
		time.Sleep(backoff)
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

// Unlock releases the lock. The file stays open.
func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	flk := &unix.Flock_t{Type: unix.F_UNLCK, Whence: 0}
	if err := unix.FcntlFlock(l.f.Fd(), unix.F_SETLK, flk); err != nil {
		return mailerr.Wrap(mailerr.KindTransient, l.path, err)
	}
	return nil
}
