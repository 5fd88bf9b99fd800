package index

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fenilsonani/mailstore/internal/guid"
	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/mailerr"
)

func setupIndex(t *testing.T) (*Index, *Log, string) {
	t.Helper()
	dir := t.TempDir()
	idx, err := Open(dir, true, logging.Discard())
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	l, err := OpenLog(dir, idx.Header().IndexID)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return idx, l, dir
}

func appendMessages(t *testing.T, idx *Index, l *Log, uids ...uint32) {
	t.Helper()
	trans := NewTransaction()
	for _, uid := range uids {
		trans.Append(Record{UID: uid, GUID: guid.New()})
	}
	flk, err := l.Lock(time.Second)
	if err != nil {
		t.Fatalf("lock log: %v", err)
	}
	if _, err := l.Append(trans.toLogEntries(false)); err != nil {
		flk.Unlock()
		t.Fatalf("append to log: %v", err)
	}
	flk.Unlock()
}

func runSync(t *testing.T, idx *Index, l *Log, flags SyncFlags) []SyncRec {
	t.Helper()
	s, err := BeginSync(idx, l, flags, time.Second, logging.Discard())
	if err != nil {
		t.Fatalf("begin sync: %v", err)
	}
	if s == nil {
		return nil
	}
	recs := s.Records()
	if err := s.Commit(); err != nil {
		t.Fatalf("commit sync: %v", err)
	}
	return recs
}

func TestIndexWriteMapRoundTrip(t *testing.T) {
	idx, _, dir := setupIndex(t)

	g := guid.New()
	idx.records = []Record{
		{UID: 1, Flags: FlagSeen, Modseq: 2, GUID: g},
		{UID: 5, Flags: FlagAnswered | FlagSeen, Modseq: 3},
	}
	idx.hdr.NextUID = 6
	if _, err := idx.KeywordIndex("$Forwarded", true); err != nil {
		t.Fatalf("intern keyword: %v", err)
	}
	if err := idx.Write(); err != nil {
		t.Fatalf("write: %v", err)
	}

	idx2, err := Open(dir, true, logging.Discard())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if idx2.MessageCount() != 2 {
		t.Fatalf("message count = %d, want 2", idx2.MessageCount())
	}
	rec, seq, ok := idx2.Lookup(5)
	if !ok || seq != 2 {
		t.Fatalf("lookup(5) = seq %d ok %v", seq, ok)
	}
	if !rec.Flags.Has(FlagAnswered | FlagSeen) {
		t.Errorf("flags lost: %v", rec.Flags)
	}
	rec1, _, _ := idx2.Lookup(1)
	if rec1.GUID != g {
		t.Error("guid lost in round trip")
	}
	if kws := idx2.Keywords(); len(kws) != 1 || kws[0] != "$Forwarded" {
		t.Errorf("keywords = %v", kws)
	}
}

func TestMapRejectsUnorderedUIDs(t *testing.T) {
	idx, _, dir := setupIndex(t)
	idx.records = []Record{{UID: 5}, {UID: 3}}
	idx.hdr.NextUID = 6

	// Bypass checkUIDOrder by writing directly.
	if err := idx.Write(); err != nil {
		t.Fatalf("write: %v", err)
	}
	fresh := &Index{dir: dir, path: filepath.Join(dir, IndexFilename), log: logging.Discard(), keywordIdx: map[string]int{}}
	err := fresh.Map()
	if err == nil {
		t.Fatal("map accepted out-of-order UIDs")
	}
	if !mailerr.IsKind(err, mailerr.KindCorrupted) {
		t.Errorf("expected corrupted, got %v", err)
	}
}

func TestOpenCorruptedWithoutReset(t *testing.T) {
	idx, _, dir := setupIndex(t)
	idx.records = []Record{{UID: 5}, {UID: 3}}
	idx.hdr.NextUID = 6
	if err := idx.Write(); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Without reset-on-corruption the open fails instead of silently
	// rebuilding.
	_, err := Open(dir, false, logging.Discard())
	if err == nil {
		t.Fatal("corrupted index opened without reset")
	}
	if !mailerr.IsKind(err, mailerr.KindCorrupted) {
		t.Errorf("expected corrupted, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, IndexFilename)); err != nil {
		t.Error("corrupted index file was removed despite reset being off")
	}

	// With it, the index rebuilds empty and the bad file is unlinked.
	idx2, err := Open(dir, true, logging.Discard())
	if err != nil {
		t.Fatalf("open with reset: %v", err)
	}
	if idx2.MessageCount() != 0 {
		t.Errorf("rebuilt index has %d messages", idx2.MessageCount())
	}
}

func TestSyncFoldsAppends(t *testing.T) {
	idx, l, _ := setupIndex(t)
	appendMessages(t, idx, l, 1, 2, 3)

	recs := runSync(t, idx, l, 0)
	if len(recs) != 3 {
		t.Fatalf("got %d sync records, want 3", len(recs))
	}
	for i, rec := range recs {
		if rec.Type != SyncRecAppend {
			t.Errorf("rec %d type = %v, want append", i, rec.Type)
		}
		if rec.UID != uint32(i+1) {
			t.Errorf("rec %d uid = %d, want %d", i, rec.UID, i+1)
		}
	}

	if idx.MessageCount() != 3 {
		t.Fatalf("index has %d messages after commit, want 3", idx.MessageCount())
	}
	if idx.Header().NextUID != 4 {
		t.Errorf("next_uid = %d, want 4", idx.Header().NextUID)
	}
}

func TestSyncRequireChangesSkipsCleanMailbox(t *testing.T) {
	idx, l, _ := setupIndex(t)
	appendMessages(t, idx, l, 1)
	runSync(t, idx, l, 0)

	s, err := BeginSync(idx, l, SyncFlagRequireChanges, time.Second, logging.Discard())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if s != nil {
		s.Rollback()
		t.Fatal("sync started on a fully-synced mailbox")
	}
}

func TestSyncTailAdvances(t *testing.T) {
	idx, l, _ := setupIndex(t)
	appendMessages(t, idx, l, 1)
	runSync(t, idx, l, 0)
	tail1 := idx.Header().LogTailOffset

	appendMessages(t, idx, l, 2)
	runSync(t, idx, l, 0)
	tail2 := idx.Header().LogTailOffset

	if tail2 <= tail1 {
		t.Errorf("tail did not advance: %d -> %d", tail1, tail2)
	}
}

func TestSyncEmitsExpungeBeforeHigherAppend(t *testing.T) {
	idx, l, _ := setupIndex(t)
	appendMessages(t, idx, l, 1, 2)
	runSync(t, idx, l, 0)

	// One transaction expunging uid 1 and appending uid 3.
	trans := NewTransaction()
	rec2, _, _ := idx.Lookup(1)
	trans.Expunge(1, rec2.GUID)
	trans.Append(Record{UID: 3, GUID: guid.New()})
	flk, _ := l.Lock(time.Second)
	l.Append(trans.toLogEntries(false))
	flk.Unlock()

	recs := runSync(t, idx, l, 0)
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Type != SyncRecExpunge || recs[0].UID != 1 {
		t.Errorf("first record = %+v, want expunge uid 1", recs[0])
	}
	if recs[1].Type != SyncRecAppend || recs[1].UID != 3 {
		t.Errorf("second record = %+v, want append uid 3", recs[1])
	}

	if _, _, ok := idx.Lookup(1); ok {
		t.Error("uid 1 still present after expunge commit")
	}
	if _, _, ok := idx.Lookup(3); !ok {
		t.Error("uid 3 missing after append commit")
	}
}

func TestSyncKeywordResetPrecedesAdd(t *testing.T) {
	idx, l, _ := setupIndex(t)
	appendMessages(t, idx, l, 1)
	runSync(t, idx, l, 0)

	trans := NewTransaction()
	trans.ResetKeywords(1, 1)
	trans.UpdateKeywords(KeywordAdd, "$Label1", []uint32{1})
	flk, _ := l.Lock(time.Second)
	l.Append(trans.toLogEntries(false))
	flk.Unlock()

	recs := runSync(t, idx, l, 0)
	var sawReset bool
	for _, rec := range recs {
		switch rec.Type {
		case SyncRecKeywordReset:
			sawReset = true
		case SyncRecKeywordAdd:
			if !sawReset {
				t.Fatal("keyword add emitted before reset for same uid")
			}
		}
	}
	if !sawReset {
		t.Fatal("keyword reset not emitted")
	}

	rec, _, _ := idx.Lookup(1)
	ki, err := idx.KeywordIndex("$Label1", false)
	if err != nil {
		t.Fatalf("keyword not interned: %v", err)
	}
	if !rec.Keywords.Has(ki) {
		t.Error("keyword not applied")
	}
}

func TestSyncFlagUpdateRange(t *testing.T) {
	idx, l, _ := setupIndex(t)
	appendMessages(t, idx, l, 1, 2, 3)
	runSync(t, idx, l, 0)

	flk, _ := l.Lock(time.Second)
	l.Append([]LogEntry{{Type: RecFlagUpdate, UID1: 1, UID2: 2, AddFlags: FlagSeen}})
	flk.Unlock()

	runSync(t, idx, l, 0)
	for uid := uint32(1); uid <= 2; uid++ {
		rec, _, _ := idx.Lookup(uid)
		if !rec.Flags.Has(FlagSeen) {
			t.Errorf("uid %d missing Seen", uid)
		}
	}
	rec3, _, _ := idx.Lookup(3)
	if rec3.Flags.Has(FlagSeen) {
		t.Error("uid 3 outside range gained Seen")
	}
}

func TestSyncModseqAdvances(t *testing.T) {
	idx, l, _ := setupIndex(t)
	appendMessages(t, idx, l, 1)
	runSync(t, idx, l, 0)
	first := idx.Header().HighestModseq

	flk, _ := l.Lock(time.Second)
	l.Append([]LogEntry{{Type: RecFlagUpdate, UID1: 1, UID2: 1, AddFlags: FlagFlagged}})
	flk.Unlock()
	runSync(t, idx, l, 0)

	if idx.Header().HighestModseq <= first {
		t.Errorf("modseq did not advance: %d -> %d", first, idx.Header().HighestModseq)
	}
}

func TestSyncDropRecent(t *testing.T) {
	idx, l, _ := setupIndex(t)
	trans := NewTransaction()
	trans.Append(Record{UID: 1, Flags: FlagRecent, GUID: guid.New()})
	flk, _ := l.Lock(time.Second)
	l.Append(trans.toLogEntries(false))
	flk.Unlock()
	runSync(t, idx, l, 0)

	runSync(t, idx, l, SyncFlagDropRecent)
	rec, _, _ := idx.Lookup(1)
	if rec.Flags.Has(FlagRecent) {
		t.Error("Recent flag survived drop")
	}
	if idx.Header().FirstRecentUID != idx.Header().NextUID {
		t.Errorf("first_recent_uid = %d, want next_uid %d",
			idx.Header().FirstRecentUID, idx.Header().NextUID)
	}
}

func TestLogTornTailIgnored(t *testing.T) {
	idx, l, dir := setupIndex(t)
	appendMessages(t, idx, l, 1)

	// Simulate a writer that died mid-append: a record header whose
	// size promises more bytes than exist.
	path := filepath.Join(dir, LogFilename)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	torn := make([]byte, logRecordHeaderSize)
	torn[0] = 200 // size = 200, but nothing follows
	if _, err := f.Write(torn); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	f.Close()

	recs := runSync(t, idx, l, 0)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1 (torn tail must be ignored)", len(recs))
	}

	// The next append truncates and overwrites the torn bytes.
	appendMessages(t, idx, l, 2)
	recs = runSync(t, idx, l, 0)
	if len(recs) != 1 || recs[0].UID != 2 {
		t.Fatalf("append after torn tail not replayed: %+v", recs)
	}
}

func TestSyncFsckOnLostLogPosition(t *testing.T) {
	idx, l, dir := setupIndex(t)
	appendMessages(t, idx, l, 1)
	runSync(t, idx, l, 0)
	l.Close()

	// Replace the log with a fresh generation shorter than the
	// committed tail.
	if err := os.Remove(filepath.Join(dir, LogFilename)); err != nil {
		t.Fatalf("remove log: %v", err)
	}
	l2, err := OpenLog(dir, idx.Header().IndexID)
	if err != nil {
		t.Fatalf("reopen log: %v", err)
	}
	defer l2.Close()

	// The committed tail refers to a position the new log lacks; sync
	// must fsck and carry on rather than fail.
	s, err := BeginSync(idx, l2, 0, time.Second, logging.Discard())
	if err != nil {
		t.Fatalf("sync after log loss: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if idx.Header().LogFileSeq != l2.FileSeq() {
		t.Errorf("index log seq %d, want %d", idx.Header().LogFileSeq, l2.FileSeq())
	}
}

func TestTransactionExpungeDropsPendingUpdates(t *testing.T) {
	trans := NewTransaction()
	trans.UpdateFlags(4, FlagSeen, 0)
	trans.Expunge(4, guid.GUID{})
	trans.UpdateFlags(4, FlagAnswered, 0)

	if len(trans.flagUpdates) != 0 {
		t.Error("flag updates survived expunge")
	}
}

func TestKeywordDictionaryFull(t *testing.T) {
	idx, _, _ := setupIndex(t)
	for i := 0; i < maxKeywords; i++ {
		if _, err := idx.KeywordIndex(string(rune('a'+i%26))+string(rune('0'+i/26)), true); err != nil {
			t.Fatalf("intern %d: %v", i, err)
		}
	}
	if _, err := idx.KeywordIndex("overflow", true); err == nil {
		t.Error("dictionary accepted a 33rd keyword")
	}
}
