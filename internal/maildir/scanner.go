package maildir

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/mailerr"
)

// rescanCount bounds how many extra passes over cur/ a scan makes after
// duplicate resolution renamed files.
const rescanCount = 5

// dupeLinkDeleteAge is how long identical hardlinked duplicates may
// coexist before one is unlinked.
const dupeLinkDeleteAge = 30 * time.Second

// Scanner reads a mailbox's new/ and cur/ directories, moves fresh
// deliveries into cur/, resolves filename collisions and feeds every file
// into the uidlist sync.
type Scanner struct {
	dir string
	ul  *UIDList
	log *logging.Logger

	// SyncSecs is the clock-race guard: a directory whose mtime is
	// within this window of now stays dirty and is rescanned next pass.
	SyncSecs time.Duration
	// LockTimeout bounds the uidlist dotlock wait.
	LockTimeout time.Duration
}

// ScanResult summarizes one completed scan.
type ScanResult struct {
	// Assigned lists entries that received a UID in this scan.
	Assigned []Entry
	// Dropped lists entries whose file vanished; they are expunged as
	// soon as the cur/ scan completes.
	Dropped []Entry
	// NewMTime/CurMTime are the directory stamps observed after the
	// scan, for the index header.
	NewMTime int64
	CurMTime int64
	// Dirty means a directory mtime was inside the sync-secs window;
	// the next pass must rescan regardless of stamps.
	Dirty bool
}

// NewScanner creates a scanner over the maildir rooted at dir.
func NewScanner(dir string, ul *UIDList, logger *logging.Logger) *Scanner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scanner{
		dir:         dir,
		ul:          ul,
		log:         logger.Maildir().WithFields("path", dir),
		SyncSecs:    time.Second,
		LockTimeout: 2 * time.Minute,
	}
}

// NeedsScan is the quick check: compare the current new/ and cur/ mtimes
// against the stamps stored by the last scan. A directory modified within
// SyncSecs of now counts as changed to guard against clock races.
func (sc *Scanner) NeedsScan(storedNew, storedCur int64) (bool, error) {
	newM, err := dirMTime(filepath.Join(sc.dir, "new"))
	if err != nil {
		return false, err
	}
	curM, err := dirMTime(filepath.Join(sc.dir, "cur"))
	if err != nil {
		return false, err
	}
	if newM != storedNew || curM != storedCur {
		return true, nil
	}
	now := time.Now().Unix()
	guard := int64(sc.SyncSecs / time.Second)
	if now-newM <= guard || now-curM <= guard {
		return true, nil
	}
	return false, nil
}

func dirMTime(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.ModTime().Unix(), nil
}

// Scan walks new/ and cur/, renames deliveries into cur/, feeds the
// uidlist and publishes the rewritten file. The uidlist dotlock is held
// for the whole scan.
func (sc *Scanner) Scan() (*ScanResult, error) {
	sync, err := sc.ul.BeginSync(sc.LockTimeout)
	if err != nil {
		return nil, err
	}

	if err := sc.scanNew(sync); err != nil {
		sync.Rollback()
		return nil, err
	}

	// cur/ may need several passes: duplicate resolution renames files
	// into new/, and other agents race us.
	renames := 1
	for pass := 0; renames > 0 && pass <= rescanCount; pass++ {
		renames, err = sc.scanCur(sync)
		if err != nil {
			sync.Rollback()
			return nil, err
		}
		if renames > 0 {
			// Renamed-away entries land in new/; pull them into cur/
			// before the next cur/ pass.
			if err := sc.scanNew(sync); err != nil {
				sync.Rollback()
				return nil, err
			}
		}
	}

	assigned, dropped, err := sync.Finish(true)
	if err != nil {
		return nil, err
	}

	res := &ScanResult{Assigned: assigned, Dropped: dropped}
	if m, err := dirMTime(filepath.Join(sc.dir, "new")); err == nil {
		res.NewMTime = m
	}
	if m, err := dirMTime(filepath.Join(sc.dir, "cur")); err == nil {
		res.CurMTime = m
	}
	now := time.Now().Unix()
	guard := int64(sc.SyncSecs / time.Second)
	res.Dirty = now-res.NewMTime <= guard || now-res.CurMTime <= guard
	return res, nil
}

// scanNew renames every delivery in new/ into cur/ with a flag suffix and
// feeds the result to the uidlist. Files that cannot move stay in new/
// and are tracked with the NewDir flag.
func (sc *Scanner) scanNew(sync *Sync) error {
	newDir := filepath.Join(sc.dir, "new")
	entries, err := os.ReadDir(newDir)
	if err != nil {
		return mailerr.Wrap(mailerr.KindTransient, newDir, err)
	}

	for _, ent := range entries {
		name := ent.Name()
		if strings.HasPrefix(name, ".") || ent.IsDir() {
			continue
		}

		final := name
		if !strings.Contains(final, flagSeparator) {
			final += flagSeparator
		}
		src := filepath.Join(newDir, name)
		dst := filepath.Join(sc.dir, "cur", final)

		flags := EntryMoved | EntryRecent
		if err := os.Rename(src, dst); err != nil {
			if os.IsNotExist(err) {
				// Another process moved it first.
				continue
			}
			// Out of space or permission trouble: keep serving the
			// message from new/.
			sc.log.WithError(err).Warn("cannot move delivery into cur/", "file", name)
			final = name
			flags = EntryNewDir | EntryRecent
		}

		if res := sync.Next(final, flags); res == SyncDuplicate {
			if _, err := sc.resolveDuplicate(sync, final); err != nil {
				return err
			}
		}
	}
	return nil
}

// scanCur feeds every file in cur/ to the uidlist, resolving duplicate
// base names. Returns how many files were renamed away for another pass.
func (sc *Scanner) scanCur(sync *Sync) (int, error) {
	curDir := filepath.Join(sc.dir, "cur")
	entries, err := os.ReadDir(curDir)
	if err != nil {
		return 0, mailerr.Wrap(mailerr.KindTransient, curDir, err)
	}

	renames := 0
	for _, ent := range entries {
		name := ent.Name()
		if strings.HasPrefix(name, ".") || ent.IsDir() {
			continue
		}
		if res := sync.Next(name, 0); res == SyncDuplicate {
			renamed, err := sc.resolveDuplicate(sync, name)
			if err != nil {
				return renames, err
			}
			if renamed {
				renames++
			}
		}
	}
	return renames, nil
}

// resolveDuplicate handles two files sharing a base name. Identical
// hardlinked duplicates older than dupeLinkDeleteAge lose one link;
// distinct files get a fresh base and move through new/ again. Two files
// with the same base must never name the same message, so the resolver
// always generates a new base rather than risk an overwrite.
func (sc *Scanner) resolveDuplicate(sync *Sync, name string) (renamed bool, err error) {
	base, _ := ParseFilename(name)
	firstName, ok := sync.SeenFilename(base)
	if !ok || firstName == name {
		return false, nil
	}

	dupPath := sc.filePath(name)
	firstPath := sc.filePath(firstName)

	dupInfo, derr := os.Stat(dupPath)
	firstInfo, ferr := os.Stat(firstPath)
	if derr != nil || ferr != nil {
		// One of them vanished; the next pass sorts it out.
		return false, nil
	}

	if os.SameFile(dupInfo, firstInfo) {
		if time.Since(dupInfo.ModTime()) > dupeLinkDeleteAge {
			sc.log.Warn("unlinking hardlinked duplicate", "file", name)
			if err := os.Remove(dupPath); err != nil && !os.IsNotExist(err) {
				return false, mailerr.Wrap(mailerr.KindTransient, dupPath, err)
			}
		}
		return false, nil
	}

	_, oldFlags := ParseFilename(name)
	newName := BuildFilename(GenerateKey(), oldFlags)
	newPath := filepath.Join(sc.dir, "new", newName)
	sc.log.Warn("renaming duplicate base", "old", name, "new", newName)
	if err := os.Rename(dupPath, newPath); err != nil {
		return false, mailerr.Wrap(mailerr.KindTransient, dupPath, err)
	}
	return true, nil
}

// filePath locates name under cur/ or new/.
func (sc *Scanner) filePath(name string) string {
	p := filepath.Join(sc.dir, "cur", name)
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return filepath.Join(sc.dir, "new", name)
}
