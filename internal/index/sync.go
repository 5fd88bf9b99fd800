package index

import (
	"sort"
	"time"

	"github.com/fenilsonani/mailstore/internal/lock"
	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/mailerr"
)

// SyncFlags select optional sync behaviors.
type SyncFlags uint8

const (
	// SyncFlagRequireChanges makes Begin return without locking when a
	// cheap pre-check shows nothing to sync.
	SyncFlagRequireChanges SyncFlags = 1 << iota
	// SyncFlagDropRecent clears Recent on every message below next_uid
	// at commit.
	SyncFlagDropRecent
)

// SyncRecType enumerates the emitted sync record kinds.
type SyncRecType int

const (
	SyncRecExpunge SyncRecType = iota + 1
	SyncRecFlags
	SyncRecKeywordReset
	SyncRecKeywordAdd
	SyncRecKeywordRemove
	SyncRecAppend
)

// SyncRec is one element of the UID-ordered change stream a sync emits.
type SyncRec struct {
	Type    SyncRecType
	UID     uint32
	Add     Flags
	Remove  Flags
	Keyword string
	Record  Record
}

// Sync is one sync pass over a mailbox: the log is locked, the index
// mapped, and every unsynced log record folded into an in-memory
// transaction awaiting Commit.
type Sync struct {
	idx   *Index
	log   *Log
	flock *lock.FileLock
	view  *View
	trans *Transaction
	flags SyncFlags

	consumed uint32
	// UID range covered by folded appends; zero when none were seen.
	firstAppendUID, lastAppendUID uint32

	// CompressHook, when set, runs inside Commit while the log lock is
	// held, after effects are applied but before the index is written.
	// The cache uses it to run compression in the correct lock order.
	CompressHook func(*Transaction) error

	logger *logging.Logger
	done   bool
}

// BeginSync starts a sync pass. With SyncFlagRequireChanges it may return
// (nil, nil) when the pre-check shows a fully-synced mailbox.
func BeginSync(idx *Index, l *Log, flags SyncFlags, lockTimeout time.Duration, logger *logging.Logger) (*Sync, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.Index().WithFields("path", idx.dir)

	if flags&SyncFlagRequireChanges != 0 {
		unsynced, err := hasUnsyncedChanges(idx, l)
		if err != nil {
			return nil, err
		}
		if !unsynced {
			return nil, nil
		}
	}

	flk, err := l.Lock(lockTimeout)
	if err != nil {
		return nil, err
	}

	s := &Sync{idx: idx, log: l, flock: flk, flags: flags, logger: logger}
	if err := s.mapAndFold(); err != nil {
		flk.Unlock()
		return nil, err
	}
	return s, nil
}

// hasUnsyncedChanges is the cheap pre-check: compare the log head against
// the index's committed tail without taking the log lock.
func hasUnsyncedChanges(idx *Index, l *Log) (bool, error) {
	if stale, err := idx.Stale(); err != nil {
		return false, err
	} else if stale {
		return true, nil
	}
	head, err := l.Head()
	if err != nil {
		return false, err
	}
	tail := idx.hdr.LogTailOffset
	if tail == 0 {
		tail = logFileHeaderSize
	}
	if idx.hdr.LogFileSeq != l.fileSeq {
		return true, nil
	}
	return head > tail, nil
}

// mapAndFold remaps the index if stale (one retry on a torn map) and
// folds the unsynced log records into the sync transaction. A log that no
// longer contains the committed position triggers fsck and one restart.
func (s *Sync) mapAndFold() error {
	if stale, err := s.idx.Stale(); err == nil && stale {
		if err := s.idx.Map(); err != nil {
			if !mailerr.IsKind(err, mailerr.KindCorrupted) {
				return err
			}
			// A torn header can mean a writer was mid-rename; one
			// retry before declaring the index unusable.
			if err := s.idx.Map(); err != nil {
				return mailerr.Wrap(mailerr.KindCorrupted, s.idx.path, err)
			}
		}
	}

	fileSeq := s.idx.hdr.LogFileSeq
	offset := s.idx.hdr.LogTailOffset
	if fileSeq == 0 {
		fileSeq = s.log.fileSeq
		offset = 0
	}

	entries, consumed, err := s.log.ReadFrom(fileSeq, offset)
	if err != nil {
		if !mailerr.IsKind(err, mailerr.KindCorrupted) {
			return err
		}
		// The log lost the position we committed against. Rebuild
		// under the same lock and restart the fold once.
		s.logger.WithError(err).Warn("transaction log position lost, running fsck")
		if err := s.fsck(); err != nil {
			return err
		}
		entries, consumed, err = s.log.ReadFrom(s.idx.hdr.LogFileSeq, s.idx.hdr.LogTailOffset)
		if err != nil {
			return err
		}
	}

	s.view = NewView(s.idx)
	s.trans = NewTransaction()
	s.consumed = consumed

	for i := range entries {
		s.foldEntry(&entries[i])
	}
	return nil
}

// fsck rebuilds the log relationship from the index's committed state:
// the log is rotated to a fresh generation and the index tail pinned to
// its start. Record state itself is rebuilt from the mail files by the
// next storage-level sync.
func (s *Sync) fsck() error {
	if err := s.log.rotateLocked(s.log.fileSeq + 1); err != nil {
		return err
	}
	s.idx.hdr.LogFileSeq = s.log.fileSeq
	s.idx.hdr.LogTailOffset = logFileHeaderSize
	return nil
}

// foldEntry replays one log record into the sync transaction. External
// records are already merged into the mapped view and are skipped.
func (s *Sync) foldEntry(e *LogEntry) {
	if e.External {
		return
	}
	switch e.Type {
	case RecExpunge:
		for _, rec := range s.view.Records() {
			if rec.UID >= e.UID1 && rec.UID <= e.UID2 {
				s.trans.Expunge(rec.UID, rec.GUID)
			}
		}
	case RecExpungeGUID:
		s.trans.Expunge(e.UID1, e.GUID)
	case RecFlagUpdate:
		for _, rec := range s.view.Records() {
			if rec.UID >= e.UID1 && rec.UID <= e.UID2 {
				s.trans.UpdateFlags(rec.UID, e.AddFlags, e.RemoveFlags)
			}
		}
	case RecKeywordUpdate:
		s.trans.UpdateKeywords(e.KeywordOp, e.Keyword, e.UIDs)
	case RecKeywordReset:
		s.trans.ResetKeywords(e.UID1, e.UID2)
	case RecAppend:
		for _, rec := range e.Appends {
			s.trans.Append(rec)
			if s.firstAppendUID == 0 || rec.UID < s.firstAppendUID {
				s.firstAppendUID = rec.UID
			}
			if rec.UID > s.lastAppendUID {
				s.lastAppendUID = rec.UID
			}
		}
	case RecHeaderUpdate:
		s.trans.SetFirstRecentUID(e.FirstRecentUID)
		s.trans.SetMinNextUID(e.MinNextUID)
	case RecIndexDeleted, RecIndexUndeleted:
		// Lifecycle markers; nothing to fold.
	}
}

// View returns the pre-sync snapshot presenting stable sequence numbers.
func (s *Sync) View() *View { return s.view }

// Transaction returns the sync transaction so the storage layer can fold
// its own effects (scanner appends, uidlist expunges) into the same
// commit.
func (s *Sync) Transaction() *Transaction { return s.trans }

// AppendUIDRange returns the [first, last] UID range covered by folded
// appends, both zero when the log contained none.
func (s *Sync) AppendUIDRange() (uint32, uint32) {
	return s.firstAppendUID, s.lastAppendUID
}

// Records emits the folded changes as a UID-ascending stream. Keyword
// resets are ordered before keyword additions for the same UID, so a
// replace expressed as reset+add survives the sort.
func (s *Sync) Records() []SyncRec {
	var recs []SyncRec

	for uid := range s.trans.expunges {
		recs = append(recs, SyncRec{Type: SyncRecExpunge, UID: uid})
	}
	for uid, d := range s.trans.flagUpdates {
		recs = append(recs, SyncRec{Type: SyncRecFlags, UID: uid, Add: d.add, Remove: d.remove})
	}
	for uid := range s.trans.keywordResets {
		recs = append(recs, SyncRec{Type: SyncRecKeywordReset, UID: uid})
	}
	for _, ku := range s.trans.keywordUpdates {
		typ := SyncRecKeywordAdd
		if ku.op == KeywordRemove {
			typ = SyncRecKeywordRemove
		}
		for _, uid := range ku.uids {
			recs = append(recs, SyncRec{Type: typ, UID: uid, Keyword: ku.name})
		}
	}
	for _, rec := range s.trans.appends {
		recs = append(recs, SyncRec{Type: SyncRecAppend, UID: rec.UID, Record: rec})
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].UID != recs[j].UID {
			return recs[i].UID < recs[j].UID
		}
		return syncRecOrder(recs[i].Type) < syncRecOrder(recs[j].Type)
	})
	return recs
}

// syncRecOrder fixes the intra-UID emission order: expunges, then flag
// changes, then keyword reset before keyword additions, then appends.
func syncRecOrder(t SyncRecType) int {
	switch t {
	case SyncRecExpunge:
		return 0
	case SyncRecFlags:
		return 1
	case SyncRecKeywordReset:
		return 2
	case SyncRecKeywordRemove:
		return 3
	case SyncRecKeywordAdd:
		return 4
	case SyncRecAppend:
		return 5
	default:
		return 6
	}
}

// Commit writes the sync transaction back as a single external
// transaction, applies it to the index, advances the committed tail to
// exactly what was consumed, and persists the index.
func (s *Sync) Commit() error {
	if s.done {
		return mailerr.New(mailerr.KindTransient, "sync already finished")
	}
	s.done = true
	defer s.flock.Unlock()

	if s.flags&SyncFlagDropRecent != 0 {
		for _, rec := range s.idx.records {
			if rec.Flags.Has(FlagRecent) && rec.UID < s.idx.hdr.NextUID {
				s.trans.UpdateFlags(rec.UID, 0, FlagRecent)
			}
		}
		s.trans.SetFirstRecentUID(s.idx.hdr.NextUID)
	}

	newTail := s.consumed
	if entries := s.trans.toLogEntries(true); len(entries) > 0 {
		tail, err := s.log.Append(entries)
		if err != nil {
			return err
		}
		newTail = tail
	}

	if err := s.trans.apply(s.idx); err != nil {
		return err
	}

	if s.CompressHook != nil {
		if err := s.CompressHook(s.trans); err != nil {
			// A failing cache commit is absorbed: it must not fail
			// the index commit.
			s.logger.WithError(err).Warn("cache commit failed, continuing")
		} else {
			// Compression remaps offsets against post-apply seqs;
			// fold them in before the index is written.
			s.trans.applyCacheUpdates(s.idx)
		}
	}

	// The tail strictly advances; a second sync starting while this one
	// flushes observes the partial tail and continues from there.
	s.idx.hdr.LogFileSeq = s.log.fileSeq
	s.idx.hdr.LogTailOffset = newTail

	return s.idx.Write()
}

// Rollback abandons the sync, releasing the transaction-log lock and
// discarding the partial transaction.
func (s *Sync) Rollback() {
	if s.done {
		return
	}
	s.done = true
	s.trans = nil
	s.flock.Unlock()
}
