package maildir

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fenilsonani/mailstore/internal/lock"
	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/mailerr"
)

// UIDListFilename is the uidlist file's name inside a mailbox directory.
const UIDListFilename = "dovecot-uidlist"

// uidlistVersion is the file format version.
const uidlistVersion = 1

// EntryFlags annotate a uidlist entry. Only NewDir is persisted; the rest
// are per-scan state.
type EntryFlags uint8

const (
	// EntryNewDir means the file still lives in new/ (the move to cur/
	// failed or is pending).
	EntryNewDir EntryFlags = 1 << iota
	// EntryRecent marks a message first seen by this scan in new/.
	EntryRecent
	// EntryMoved marks a file this scan renamed from new/ into cur/.
	EntryMoved
	// EntryNonSynced marks an entry not yet folded into the index.
	EntryNonSynced
	// EntryRacing marks an entry whose file may still be appearing; the
	// next scan rechecks it.
	EntryRacing
)

// Entry is one uidlist line: a stable UID bound to a maildir base name.
// Filename carries the full current name including the flag suffix.
type Entry struct {
	UID      uint32
	Filename string
	Flags    EntryFlags
}

// Base returns the entry's base filename component.
func (e Entry) Base() string {
	base, _ := ParseFilename(e.Filename)
	return base
}

// SyncResult is Sync.Next's verdict on one scanned file.
type SyncResult int

const (
	// SyncAccepted means the file is now tracked (existing or pending).
	SyncAccepted SyncResult = iota + 1
	// SyncBusy means the uidlist lock is not held; the caller defers the
	// file to the next scan.
	SyncBusy
	// SyncDuplicate means another file with the same base was already
	// seen in this scan; the caller must resolve the collision.
	SyncDuplicate
)

// UIDList is the persistent filename-to-UID mapping of one maildir
// mailbox. Mutations happen inside a Sync holding the dotlock; readers
// rely on the atomic-rename publication and re-parse on mtime change.
type UIDList struct {
	dir  string
	path string
	log  *logging.Logger

	uidValidity uint32
	nextUID     uint32
	entries     []Entry // sorted by UID
	byBase      map[string]int

	firstRecentUID uint32

	readMTime time.Time
	readSize  int64
}

// OpenUIDList reads the uidlist in dir, starting fresh if absent. A
// corrupted file is reset (every file on disk gets a fresh UID under a
// new validity on the next scan) only when resetCorrupted is set;
// otherwise the corruption surfaces to the caller.
func OpenUIDList(dir string, resetCorrupted bool, logger *logging.Logger) (*UIDList, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	ul := &UIDList{
		dir:    dir,
		path:   filepath.Join(dir, UIDListFilename),
		log:    logger.Maildir().WithFields("path", dir),
		byBase: make(map[string]int),
	}
	if err := ul.read(); err != nil {
		if os.IsNotExist(err) {
			ul.uidValidity = uint32(time.Now().Unix())
			ul.nextUID = 1
			return ul, nil
		}
		if mailerr.IsKind(err, mailerr.KindCorrupted) && resetCorrupted {
			ul.log.WithError(err).Warn("uidlist unusable, resetting")
			os.Remove(ul.path)
			ul.uidValidity = uint32(time.Now().Unix())
			ul.nextUID = 1
			ul.entries = nil
			ul.byBase = make(map[string]int)
			return ul, nil
		}
		return nil, err
	}
	return ul, nil
}

func (ul *UIDList) read() error {
	f, err := os.Open(ul.path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	if !sc.Scan() {
		return mailerr.Corrupted(ul.path, 0, "missing header line")
	}
	var version, validity, next uint32
	if _, err := fmt.Sscanf(sc.Text(), "%d %d %d", &version, &validity, &next); err != nil {
		return mailerr.Corrupted(ul.path, 0, "unparsable header %q", sc.Text())
	}
	if version != uidlistVersion {
		return mailerr.Corrupted(ul.path, 0, "version %d, expected %d", version, uidlistVersion)
	}

	var entries []Entry
	byBase := make(map[string]int)
	var prevUID uint32
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			return mailerr.Corrupted(ul.path, 0, "unparsable entry %q", line)
		}
		uid64, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return mailerr.Corrupted(ul.path, 0, "bad uid in %q", line)
		}
		uid := uint32(uid64)
		if uid <= prevUID {
			return mailerr.Corrupted(ul.path, 0, "UIDs not ordered (%d after %d)", uid, prevUID)
		}
		if uid >= next {
			return mailerr.Corrupted(ul.path, 0, "UID %d >= next_uid %d", uid, next)
		}
		prevUID = uid

		var flags EntryFlags
		for _, c := range parts[1] {
			if c == 'N' {
				flags |= EntryNewDir
			}
		}
		base, _ := ParseFilename(parts[2])
		byBase[base] = len(entries)
		entries = append(entries, Entry{UID: uid, Filename: parts[2], Flags: flags})
	}
	if err := sc.Err(); err != nil {
		return mailerr.Wrap(mailerr.KindTransient, ul.path, err)
	}

	ul.uidValidity = validity
	ul.nextUID = next
	ul.entries = entries
	ul.byBase = byBase
	ul.readMTime = fi.ModTime()
	ul.readSize = fi.Size()
	return nil
}

// Refresh re-parses the file when its mtime or size changed.
func (ul *UIDList) Refresh() error {
	fi, err := os.Stat(ul.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.ModTime() == ul.readMTime && fi.Size() == ul.readSize {
		return nil
	}
	return ul.read()
}

// UIDValidity returns the UID space identity.
func (ul *UIDList) UIDValidity() uint32 { return ul.uidValidity }

// NextUID returns the next UID to be assigned.
func (ul *UIDList) NextUID() uint32 { return ul.nextUID }

// FirstRecentUID returns the watermark below which Recent has been
// withdrawn.
func (ul *UIDList) FirstRecentUID() uint32 { return ul.firstRecentUID }

// Entries returns the entries sorted by UID. Callers must not mutate.
func (ul *UIDList) Entries() []Entry { return ul.entries }

// LookupBase finds an entry by base filename.
func (ul *UIDList) LookupBase(base string) (Entry, bool) {
	i, ok := ul.byBase[base]
	if !ok {
		return Entry{}, false
	}
	return ul.entries[i], true
}

// LookupUID finds an entry by UID.
func (ul *UIDList) LookupUID(uid uint32) (Entry, bool) {
	i := sort.Search(len(ul.entries), func(i int) bool {
		return ul.entries[i].UID >= uid
	})
	if i < len(ul.entries) && ul.entries[i].UID == uid {
		return ul.entries[i], true
	}
	return Entry{}, false
}

// Sync is one locked mutation pass over the uidlist, normally driven by a
// directory scan. The dotlock is held from BeginSync until Finish or
// Rollback; the rewrite is published by renaming the lock file over the
// real one.
type Sync struct {
	ul    *UIDList
	dlock *lock.Dotlock

	seen    map[string]string // base -> filename seen this pass
	pending []Entry           // new files awaiting UID assignment
	updated map[string]Entry  // base -> refreshed entry (rename, flags)

	// Importer-driven mutations with explicit UIDs.
	explicit   []Entry
	removed    map[uint32]bool
	reassigned map[uint32]uint32 // old UID -> new UID

	assigned []Entry
	done     bool
}

// BeginSync takes the uidlist dotlock (lock #1 in the global order) and
// refreshes in-memory state.
func (ul *UIDList) BeginSync(timeout time.Duration) (*Sync, error) {
	dlock, err := lock.AcquireDotlock(ul.path, timeout)
	if err != nil {
		return nil, err
	}
	if err := ul.Refresh(); err != nil {
		dlock.Unlock()
		return nil, err
	}
	return &Sync{
		ul:         ul,
		dlock:      dlock,
		seen:       make(map[string]string),
		updated:    make(map[string]Entry),
		removed:    make(map[uint32]bool),
		reassigned: make(map[uint32]uint32),
	}, nil
}

// Add records an entry with a caller-chosen UID. The dsync importer uses
// this when it controls UID assignment; next_uid advances past the UID at
// Finish.
func (s *Sync) Add(e Entry) error {
	if _, exists := s.ul.LookupUID(e.UID); exists {
		return mailerr.New(mailerr.KindCorrupted, "uid %d already assigned", e.UID)
	}
	base := e.Base()
	if _, exists := s.ul.byBase[base]; exists {
		return mailerr.New(mailerr.KindCorrupted, "base %s already assigned", base)
	}
	s.seen[base] = e.Filename
	s.explicit = append(s.explicit, e)
	return nil
}

// Reassign atomically rebinds oldUID's file to newUID.
func (s *Sync) Reassign(oldUID, newUID uint32) error {
	if _, ok := s.ul.LookupUID(oldUID); !ok {
		return mailerr.NotFound("uid %d not in uidlist", oldUID)
	}
	if _, exists := s.ul.LookupUID(newUID); exists {
		return mailerr.New(mailerr.KindCorrupted, "uid %d already assigned", newUID)
	}
	s.reassigned[oldUID] = newUID
	return nil
}

// Remove drops the entry for uid at Finish.
func (s *Sync) Remove(uid uint32) error {
	if _, ok := s.ul.LookupUID(uid); !ok {
		return mailerr.NotFound("uid %d not in uidlist", uid)
	}
	s.removed[uid] = true
	return nil
}

// Next feeds one scanned filename into the sync. Known bases refresh
// their stored filename and flags; unknown ones queue for UID assignment
// at Finish. A base seen twice with different filenames in one pass is a
// duplicate the scanner must resolve.
func (s *Sync) Next(filename string, flags EntryFlags) SyncResult {
	if s.done {
		return SyncBusy
	}
	base, _ := ParseFilename(filename)

	if prev, dup := s.seen[base]; dup {
		if prev == filename {
			return SyncAccepted
		}
		return SyncDuplicate
	}
	s.seen[base] = filename

	if i, ok := s.ul.byBase[base]; ok {
		e := s.ul.entries[i]
		e.Filename = filename
		e.Flags = (e.Flags &^ (EntryNewDir | EntryMoved)) | (flags & (EntryNewDir | EntryMoved))
		s.updated[base] = e
		return SyncAccepted
	}

	s.pending = append(s.pending, Entry{Filename: filename, Flags: flags | EntryNonSynced})
	return SyncAccepted
}

// SeenFilename returns the filename already recorded for base in this
// pass.
func (s *Sync) SeenFilename(base string) (string, bool) {
	f, ok := s.seen[base]
	return f, ok
}

// Forget removes a base from the seen set so a resolver can re-feed the
// renamed file.
func (s *Sync) Forget(filename string) {
	base, _ := ParseFilename(filename)
	delete(s.seen, base)
}

// Finish assigns UIDs to pending entries (sorted by their delivery
// timestamp prefix), drops entries whose files vanished when
// dropUnseen is set, rewrites the file and publishes it atomically.
// It returns the newly assigned entries and the dropped ones.
func (s *Sync) Finish(dropUnseen bool) (assigned, dropped []Entry, err error) {
	if s.done {
		return nil, nil, mailerr.New(mailerr.KindTransient, "uidlist sync already finished")
	}
	s.done = true
	defer s.dlock.Unlock()
	ul := s.ul

	var entries []Entry
	for _, e := range ul.entries {
		base := e.Base()
		if s.removed[e.UID] {
			continue
		}
		if newUID, ok := s.reassigned[e.UID]; ok {
			e.UID = newUID
			if newUID >= ul.nextUID {
				ul.nextUID = newUID + 1
			}
		}
		if upd, ok := s.updated[base]; ok {
			upd.UID = e.UID
			e = upd
		} else if dropUnseen {
			if _, present := s.seen[base]; !present {
				dropped = append(dropped, e)
				continue
			}
		}
		entries = append(entries, e)
	}

	for _, e := range s.explicit {
		entries = append(entries, e)
		if e.UID >= ul.nextUID {
			ul.nextUID = e.UID + 1
		}
	}

	// New files get UIDs in delivery order: numeric timestamp prefix,
	// then name for stability.
	sort.SliceStable(s.pending, func(i, j int) bool {
		ti, tj := baseTimestamp(s.pending[i].Base()), baseTimestamp(s.pending[j].Base())
		if ti != tj {
			return ti < tj
		}
		return s.pending[i].Base() < s.pending[j].Base()
	})
	var firstRecent uint32
	for _, e := range s.pending {
		e.UID = ul.nextUID
		ul.nextUID++
		if e.Flags&EntryRecent != 0 && firstRecent == 0 {
			firstRecent = e.UID
		}
		entries = append(entries, e)
		assigned = append(assigned, e)
	}
	if firstRecent > ul.firstRecentUID {
		ul.firstRecentUID = firstRecent
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UID < entries[j].UID })

	ul.entries = entries
	ul.byBase = make(map[string]int, len(entries))
	for i, e := range entries {
		ul.byBase[e.Base()] = i
	}

	if err := s.writeLocked(); err != nil {
		return nil, nil, err
	}
	s.assigned = assigned
	return assigned, dropped, nil
}

// writeLocked rewrites the uidlist into the held dotlock file and renames
// it over the real file, forcing the mtime to strictly advance.
func (s *Sync) writeLocked() error {
	ul := s.ul

	var oldMTime time.Time
	if fi, err := os.Stat(ul.path); err == nil {
		oldMTime = fi.ModTime()
	}

	f, err := os.OpenFile(s.dlock.Path(), os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return mailerr.Wrap(mailerr.KindTransient, s.dlock.Path(), err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%d %d %d\n", uidlistVersion, ul.uidValidity, ul.nextUID)
	for _, e := range ul.entries {
		flags := "-"
		if e.Flags&EntryNewDir != 0 {
			flags = "N"
		}
		fmt.Fprintf(w, "%d %s %s\n", e.UID, flags, e.Filename)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return mailerr.Wrap(mailerr.KindTransient, s.dlock.Path(), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return mailerr.Wrap(mailerr.KindTransient, s.dlock.Path(), err)
	}
	f.Close()

	// mtime must strictly advance so readers detect every rewrite.
	newMTime := time.Now()
	if !newMTime.After(oldMTime) {
		newMTime = oldMTime.Add(time.Second)
	}
	if err := os.Chtimes(s.dlock.Path(), newMTime, newMTime); err != nil {
		return mailerr.Wrap(mailerr.KindTransient, s.dlock.Path(), err)
	}

	if err := s.dlock.UnlockRename(ul.path); err != nil {
		return err
	}
	if fi, err := os.Stat(ul.path); err == nil {
		ul.readMTime = fi.ModTime()
		ul.readSize = fi.Size()
	}
	return nil
}

// Rollback abandons the sync without touching the file.
func (s *Sync) Rollback() {
	if s.done {
		return
	}
	s.done = true
	s.dlock.Unlock()
}
