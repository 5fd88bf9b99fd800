package maildir

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	emaildir "github.com/emersion/go-maildir"

	"github.com/fenilsonani/mailstore/internal/guid"
	"github.com/fenilsonani/mailstore/internal/index"
	"github.com/fenilsonani/mailstore/internal/index/cache"
	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/mailerr"
)

// Cache field names the store populates and dsync consults.
const (
	CacheFieldReceivedDate = "received.date"
	CacheFieldPop3UIDL     = "pop3.uidl"
	CacheFieldPop3Order    = "pop3.order"
)

// fileFlagMask covers the system flags a maildir filename suffix can
// carry. Recent is directory state, never part of the suffix.
const fileFlagMask = index.FlagSeen | index.FlagAnswered | index.FlagFlagged |
	index.FlagDeleted | index.FlagDraft

// MailboxConfig bundles the tunables a mailbox needs.
type MailboxConfig struct {
	SyncSecs       time.Duration
	UIDListTimeout time.Duration
	LogTimeout     time.Duration
	Cache          cache.Config
	// ResetOnCorruption rebuilds corrupted index and uidlist files from
	// the next source of truth instead of failing the open.
	ResetOnCorruption bool
}

// DefaultMailboxConfig returns the built-in tunables.
func DefaultMailboxConfig() MailboxConfig {
	return MailboxConfig{
		SyncSecs:          time.Second,
		UIDListTimeout:    2 * time.Minute,
		LogTimeout:        2 * time.Minute,
		Cache:             cache.DefaultConfig(),
		ResetOnCorruption: true,
	}
}

// Mailbox is one maildir mailbox with its index, transaction log, cache
// file and uidlist.
type Mailbox struct {
	dir string
	cfg MailboxConfig
	log *logging.Logger

	Index   *index.Index
	Log     *index.Log
	Cache   *cache.Cache
	UIDList *UIDList

	scanner *Scanner
}

// OpenMailbox opens the maildir at dir, creating the new/cur/tmp layout
// and index artifacts as needed.
func OpenMailbox(dir string, cfg MailboxConfig, logger *logging.Logger) (*Mailbox, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	// A zero lock timeout is never meaningful; treat it as "use the
	// defaults". A zero SyncSecs alone is a valid guard-window choice.
	if cfg.UIDListTimeout == 0 {
		cfg = DefaultMailboxConfig()
	}

	md := emaildir.Dir(dir)
	if err := md.Init(); err != nil {
		return nil, fmt.Errorf("failed to init maildir %s: %w", dir, err)
	}
	// Old aborted deliveries in tmp/ are noise; sweep them.
	md.Clean()

	idx, err := index.Open(dir, cfg.ResetOnCorruption, logger)
	if err != nil {
		return nil, err
	}
	l, err := index.OpenLog(dir, idx.Header().IndexID)
	if err != nil {
		return nil, err
	}
	c, err := cache.Open(dir, idx.Header().IndexID, cfg.Cache, logger)
	if err != nil {
		l.Close()
		return nil, err
	}
	ul, err := OpenUIDList(dir, cfg.ResetOnCorruption, logger)
	if err != nil {
		l.Close()
		c.Close()
		return nil, err
	}

	m := &Mailbox{
		dir:     dir,
		cfg:     cfg,
		log:     logger.Maildir().WithFields("path", dir),
		Index:   idx,
		Log:     l,
		Cache:   c,
		UIDList: ul,
	}
	m.scanner = NewScanner(dir, ul, logger)
	m.scanner.SyncSecs = cfg.SyncSecs
	m.scanner.LockTimeout = cfg.UIDListTimeout

	// Standard cache fields the exporter consults.
	c.RegisterField(CacheFieldReceivedDate, cache.FieldFixed, 8)
	c.RegisterField(CacheFieldPop3UIDL, cache.FieldVariable, 0)
	c.RegisterField(CacheFieldPop3Order, cache.FieldFixed, 4)

	if idx.Header().MailboxGUID.Empty() {
		idx.SetMailboxGUID(guid.New())
	}
	// The index adopts the uidlist's UID space once the uidlist file
	// exists. Until then an empty mailbox's uidlist adopts the index's,
	// so a validity stored in the index survives until the first scan
	// writes the uidlist.
	if ul.readMTime.IsZero() && idx.MessageCount() == 0 {
		ul.uidValidity = idx.Header().UIDValidity
	} else if idx.Header().UIDValidity != ul.UIDValidity() {
		idx.SetUIDValidity(ul.UIDValidity())
	}
	return m, nil
}

// Close releases the mailbox's file handles.
func (m *Mailbox) Close() {
	m.Log.Close()
	m.Cache.Close()
}

// Dir returns the mailbox directory.
func (m *Mailbox) Dir() string { return m.dir }

// cacheBinding adapts the index transaction to the cache's view of it:
// pending offsets shadow committed ones.
type cacheBinding struct {
	idx   *index.Index
	trans *index.Transaction
}

func (b *cacheBinding) CacheOffset(seq uint32) uint32 {
	if off, ok := b.trans.CacheOffsetFor(seq); ok {
		return off
	}
	if rec, ok := b.idx.Record(int(seq)); ok {
		return rec.CacheOffset
	}
	return 0
}

func (b *cacheBinding) UpdateCacheOffset(seq, offset uint32) {
	b.trans.UpdateCacheOffset(seq, offset)
}

func (b *cacheBinding) CacheResetID() uint32 { return b.idx.Header().CacheResetID }

func (b *cacheBinding) SetCacheResetID(id uint32) { b.trans.SetCacheResetID(id) }

// SyncFromDisk reconciles the filesystem with the index: scans the
// maildir when the quick check says so, folds scanner results and any
// pending log records into one transaction and commits it. Returns the
// emitted sync records.
func (m *Mailbox) SyncFromDisk(force bool) ([]index.SyncRec, error) {
	hdr := m.Index.Header()

	var scan *ScanResult
	need := force
	if !need {
		var err error
		need, err = m.scanner.NeedsScan(hdr.NewMTime, hdr.CurMTime)
		if err != nil {
			return nil, err
		}
	}
	if need {
		var err error
		scan, err = m.scanner.Scan()
		if err != nil {
			return nil, err
		}
	}

	s, err := index.BeginSync(m.Index, m.Log, 0, m.cfg.LogTimeout, m.log)
	if err != nil {
		return nil, err
	}

	if scan != nil {
		m.foldScan(s, scan)
		m.Index.SetDirStamps(scan.NewMTime, scan.CurMTime)
		if scan.Dirty {
			// Stay rescannable: zero stamps force the next quick
			// check to scan again.
			m.Index.SetDirStamps(0, 0)
		}
	}

	s.CompressHook = func(t *index.Transaction) error {
		if !m.Cache.NeedCompress(m.Index.MessageCount()) {
			return nil
		}
		binding := &cacheBinding{idx: m.Index, trans: t}
		live := make([]cache.LiveRecord, 0, m.Index.MessageCount())
		for i, rec := range m.Index.Records() {
			live = append(live, cache.LiveRecord{Seq: uint32(i + 1), Offset: rec.CacheOffset})
		}
		return m.Cache.Compress(live, binding)
	}

	recs := s.Records()
	if err := s.Commit(); err != nil {
		return nil, err
	}

	if scan != nil && len(scan.Assigned) > 0 {
		// Best effort: a cache failure never fails the sync.
		if err := m.cacheNewMessages(scan.Assigned); err != nil {
			m.log.WithError(err).Warn("cannot cache new messages")
		}
	}
	return recs, nil
}

// cacheNewMessages stores receive-date metadata for freshly indexed
// messages, so exports and clients read it without touching the files.
// The cache offsets commit through their own index transaction.
func (m *Mailbox) cacheNewMessages(entries []Entry) error {
	s, err := index.BeginSync(m.Index, m.Log, 0, m.cfg.LogTimeout, m.log)
	if err != nil {
		return err
	}
	binding := &cacheBinding{idx: m.Index, trans: s.Transaction()}
	ct := m.Cache.NewTransaction(binding)

	var added bool
	for _, e := range entries {
		rec, seq, ok := m.Index.Lookup(e.UID)
		if !ok || rec.CacheOffset != 0 {
			continue
		}
		fi, err := os.Stat(m.messagePath(e))
		if err != nil {
			continue
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(fi.ModTime().Unix()))
		if err := ct.Add(uint32(seq), CacheFieldReceivedDate, buf[:]); err != nil {
			ct.Rollback()
			s.Rollback()
			return err
		}
		added = true
	}
	if !added {
		ct.Rollback()
		s.Rollback()
		return nil
	}
	if err := ct.Commit(); err != nil {
		s.Rollback()
		return err
	}
	return s.Commit()
}

// foldScan translates a scan result into index transaction effects:
// expunges for vanished files, appends for new UIDs, flag deltas for
// renamed suffixes.
func (m *Mailbox) foldScan(s *index.Sync, scan *ScanResult) {
	trans := s.Transaction()
	view := s.View()

	for _, e := range scan.Dropped {
		if rec, _, ok := view.Lookup(e.UID); ok {
			trans.Expunge(e.UID, rec.GUID)
		}
	}

	assigned := make(map[uint32]bool, len(scan.Assigned))
	for _, e := range scan.Assigned {
		assigned[e.UID] = true
		_, flags := ParseFilename(e.Filename)
		if e.Flags&EntryRecent != 0 {
			flags |= index.FlagRecent
		}
		rec := index.Record{
			UID:   e.UID,
			Flags: flags,
			GUID:  m.headerHashOf(e),
		}
		trans.Append(rec)
	}

	// Suffix flag changes made by other agents, and uidlist entries the
	// index has never seen (imports, rebuilds after fsck).
	for _, e := range m.UIDList.Entries() {
		if assigned[e.UID] {
			continue
		}
		rec, _, ok := view.Lookup(e.UID)
		if !ok {
			// Entries the index has never seen (imports, rebuilds
			// after fsck), unless the log fold already appends them.
			if first, last := s.AppendUIDRange(); first != 0 && e.UID >= first && e.UID <= last {
				continue
			}
			_, flags := ParseFilename(e.Filename)
			trans.Append(index.Record{
				UID:   e.UID,
				Flags: flags,
				GUID:  m.headerHashOf(e),
			})
			continue
		}
		_, fileFlags := ParseFilename(e.Filename)
		add := fileFlags &^ rec.Flags
		remove := (rec.Flags &^ fileFlags) & fileFlagMask
		if add != 0 || remove != 0 {
			trans.UpdateFlags(e.UID, add, remove)
		}
	}

	if fr := m.UIDList.FirstRecentUID(); fr != 0 {
		trans.SetFirstRecentUID(fr)
	}
	trans.SetMinNextUID(m.UIDList.NextUID())
}

// headerHashOf digests the message file's headers so dsync can match the
// message without a stored GUID. Best effort: an unreadable file leaves
// the GUID absent.
func (m *Mailbox) headerHashOf(e Entry) guid.GUID {
	path := m.messagePath(e)
	f, err := os.Open(path)
	if err != nil {
		return guid.GUID{}
	}
	defer f.Close()
	h, err := guid.HeaderHash(f)
	if err != nil {
		return guid.GUID{}
	}
	return h
}

func (m *Mailbox) messagePath(e Entry) string {
	sub := "cur"
	if e.Flags&EntryNewDir != 0 {
		sub = "new"
	}
	return filepath.Join(m.dir, sub, e.Filename)
}

// ReceivedDate returns a message's receive time in Unix seconds: from
// the cache when cached, otherwise the file's mtime.
func (m *Mailbox) ReceivedDate(uid uint32) int64 {
	rec, _, ok := m.Index.Lookup(uid)
	// Offsets are only valid when the index is tied to this cache
	// generation; otherwise the cache is treated as empty.
	if ok && rec.CacheOffset != 0 && m.Index.Header().CacheResetID == m.Cache.FileSeq() {
		if f, found := m.Cache.FieldByName(CacheFieldReceivedDate); found {
			if data, err := m.Cache.Lookup(rec.CacheOffset, f.Index); err == nil && len(data) == 8 {
				return int64(binary.LittleEndian.Uint64(data))
			}
		}
	}
	if e, ok := m.UIDList.LookupUID(uid); ok {
		if fi, err := os.Stat(m.messagePath(e)); err == nil {
			return fi.ModTime().Unix()
		}
	}
	return 0
}

// OpenMessage returns the message body for a UID.
func (m *Mailbox) OpenMessage(uid uint32) (io.ReadCloser, error) {
	e, ok := m.UIDList.LookupUID(uid)
	if !ok {
		return nil, mailerr.NotFound("uid %d not in uidlist", uid)
	}
	f, err := os.Open(m.messagePath(e))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, mailerr.NotFound("uid %d file %s missing", uid, e.Filename)
		}
		return nil, mailerr.Wrap(mailerr.KindTransient, e.Filename, err)
	}
	return f, nil
}

// Deliver writes a message into new/ the way an LDA would: tmp write,
// fsync, rename. The next scan picks it up and assigns its UID.
func (m *Mailbox) Deliver(body io.Reader) (string, error) {
	key := GenerateKey()
	tmpPath := filepath.Join(m.dir, "tmp", key)
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", mailerr.Wrap(mailerr.KindTransient, tmpPath, err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", mailerr.Wrap(mailerr.KindTransient, tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", mailerr.Wrap(mailerr.KindTransient, tmpPath, err)
	}
	f.Close()

	dst := filepath.Join(m.dir, "new", key)
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return "", mailerr.Wrap(mailerr.KindTransient, dst, err)
	}
	return key, nil
}

// ImportMessage stores a message with a caller-chosen UID, bypassing
// normal delivery: the file lands directly in cur/ and the uidlist gains
// the entry under its dotlock. Used by the dsync importer, which owns UID
// assignment.
func (m *Mailbox) ImportMessage(body io.Reader, uid uint32, flags index.Flags) (Entry, error) {
	name := BuildFilename(GenerateKey(), flags&fileFlagMask)

	tmpPath := filepath.Join(m.dir, "tmp", name)
	f, err := os.Create(tmpPath)
	if err != nil {
		return Entry{}, mailerr.Wrap(mailerr.KindTransient, tmpPath, err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return Entry{}, mailerr.Wrap(mailerr.KindTransient, tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return Entry{}, mailerr.Wrap(mailerr.KindTransient, tmpPath, err)
	}
	f.Close()

	dst := filepath.Join(m.dir, "cur", name)
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return Entry{}, mailerr.Wrap(mailerr.KindTransient, dst, err)
	}

	e := Entry{UID: uid, Filename: name}
	sync, err := m.UIDList.BeginSync(m.cfg.UIDListTimeout)
	if err != nil {
		os.Remove(dst)
		return Entry{}, err
	}
	if err := sync.Add(e); err != nil {
		sync.Rollback()
		os.Remove(dst)
		return Entry{}, err
	}
	if _, _, err := sync.Finish(false); err != nil {
		os.Remove(dst)
		return Entry{}, err
	}
	return e, nil
}

// SetMessageFlags renames a message file so its suffix carries exactly
// the given system flags, and records the new name in the uidlist.
func (m *Mailbox) SetMessageFlags(uid uint32, flags index.Flags) error {
	e, ok := m.UIDList.LookupUID(uid)
	if !ok {
		return mailerr.NotFound("uid %d not in uidlist", uid)
	}
	base, oldFlags := ParseFilename(e.Filename)
	flags &= fileFlagMask
	if oldFlags == flags {
		return nil
	}
	newName := BuildFilename(base, flags)

	oldPath := m.messagePath(e)
	newEntry := e
	newEntry.Filename = newName
	newPath := m.messagePath(newEntry)
	if err := os.Rename(oldPath, newPath); err != nil {
		if os.IsNotExist(err) {
			return mailerr.NotFound("uid %d file %s missing", uid, e.Filename)
		}
		return mailerr.Wrap(mailerr.KindTransient, oldPath, err)
	}

	sync, err := m.UIDList.BeginSync(m.cfg.UIDListTimeout)
	if err != nil {
		return err
	}
	sync.Next(newName, e.Flags&(EntryNewDir|EntryMoved))
	_, _, err = sync.Finish(false)
	return err
}

// ReassignUID atomically moves a message to a new UID within the mailbox:
// the file stays put, only the uidlist binding changes.
func (m *Mailbox) ReassignUID(oldUID, newUID uint32) error {
	sync, err := m.UIDList.BeginSync(m.cfg.UIDListTimeout)
	if err != nil {
		return err
	}
	if err := sync.Reassign(oldUID, newUID); err != nil {
		sync.Rollback()
		return err
	}
	_, _, err = sync.Finish(false)
	return err
}

// RemoveMessage unlinks a message file and drops its uidlist entry.
func (m *Mailbox) RemoveMessage(uid uint32) error {
	e, ok := m.UIDList.LookupUID(uid)
	if !ok {
		return mailerr.NotFound("uid %d not in uidlist", uid)
	}
	sync, err := m.UIDList.BeginSync(m.cfg.UIDListTimeout)
	if err != nil {
		return err
	}
	if err := sync.Remove(uid); err != nil {
		sync.Rollback()
		return err
	}
	if _, _, err := sync.Finish(false); err != nil {
		return err
	}
	if err := os.Remove(m.messagePath(e)); err != nil && !os.IsNotExist(err) {
		return mailerr.Wrap(mailerr.KindTransient, e.Filename, err)
	}
	return nil
}
