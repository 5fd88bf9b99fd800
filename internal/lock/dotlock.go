package lock

import (
	"fmt"
	"os"
	"time"

	"github.com/fenilsonani/mailstore/internal/mailerr"
)

// Dotlock is an advisory lock implemented as an O_EXCL-created file next to
// the protected file. It works across NFS where fcntl locks may not.
type Dotlock struct {
	path string
	held bool
}

// DotlockSuffix is appended to the protected file's path.
const DotlockSuffix = ".lock"

// staleDotlockAge is how old a dotlock may be before another process is
// allowed to steal it. The holder refreshes the mtime while working.
const staleDotlockAge = 2 * time.Minute

// AcquireDotlock creates path+".lock" exclusively, retrying until timeout.
// A stale lock (mtime older than staleDotlockAge) is removed and retried.
func AcquireDotlock(path string, timeout time.Duration) (*Dotlock, error) {
	lockPath := path + DotlockSuffix
	deadline := time.Now().Add(timeout)
	backoff := 10 * time.Millisecond

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &Dotlock{path: lockPath, held: true}, nil
		}
		if !os.IsExist(err) {
			return nil, mailerr.Wrap(mailerr.KindTransient, lockPath, err)
		}

		// Steal locks whose holder died.
		if fi, serr := os.Stat(lockPath); serr == nil {
			if time.Since(fi.ModTime()) > staleDotlockAge {
				os.Remove(lockPath)
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, mailerr.Busy(lockPath, err)
		}
		time.Sleep(backoff)
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

// Touch refreshes the lock's mtime so long scans aren't stolen as stale.
func (d *Dotlock) Touch() error {
	if !d.held {
		return nil
	}
	now := time.Now()
	return os.Chtimes(d.path, now, now)
}

// Path returns the lock file's path. The uidlist writer rewrites into the
// lock file and renames it over the real file on unlock.
func (d *Dotlock) Path() string { return d.path }

// Unlock removes the lock file.
func (d *Dotlock) Unlock() error {
	if !d.held {
		return nil
	}
	d.held = false
	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return mailerr.Wrap(mailerr.KindTransient, d.path, err)
	}
	return nil
}

// UnlockRename atomically renames the lock file over dst and releases the
// lock in the same step. Used by the uidlist rewrite.
func (d *Dotlock) UnlockRename(dst string) error {
	if !d.held {
		return mailerr.New(mailerr.KindTransient, "dotlock %s not held", d.path)
	}
	d.held = false
	if err := os.Rename(d.path, dst); err != nil {
		os.Remove(d.path)
		return mailerr.Wrap(mailerr.KindTransient, dst, err)
	}
	return nil
}
