package cache

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fenilsonani/mailstore/internal/logging"
)

// fakeBinding stands in for the index transaction in tests.
type fakeBinding struct {
	offsets map[uint32]uint32
	resetID uint32
}

func newFakeBinding() *fakeBinding {
	return &fakeBinding{offsets: make(map[uint32]uint32)}
}

func (b *fakeBinding) CacheOffset(seq uint32) uint32         { return b.offsets[seq] }
func (b *fakeBinding) UpdateCacheOffset(seq, offset uint32)  { b.offsets[seq] = offset }
func (b *fakeBinding) CacheResetID() uint32                  { return b.resetID }
func (b *fakeBinding) SetCacheResetID(id uint32)             { b.resetID = id }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LockTimeout = time.Second
	return cfg
}

func setupCache(t *testing.T) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(dir, 42, testConfig(), logging.Discard())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, dir
}

func TestAddLookupRoundTrip(t *testing.T) {
	c, _ := setupCache(t)
	subject := c.RegisterField("hdr.subject", FieldVariable, 0)
	size := c.RegisterField("virtual.size", FieldFixed, 8)

	b := newFakeBinding()
	trans := c.NewTransaction(b)
	if err := trans.Add(1, "hdr.subject", []byte("hello")); err != nil {
		t.Fatalf("add: %v", err)
	}
	var sz [8]byte
	binary.LittleEndian.PutUint64(sz[:], 12345)
	if err := trans.Add(1, "virtual.size", sz[:]); err != nil {
		t.Fatalf("add fixed: %v", err)
	}
	if err := trans.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	off := b.offsets[1]
	if off == 0 {
		t.Fatal("no offset recorded for seq 1")
	}

	got, err := c.Lookup(off, subject)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("subject = %q, want hello", got)
	}
	got, err = c.Lookup(off, size)
	if err != nil {
		t.Fatalf("lookup fixed: %v", err)
	}
	if binary.LittleEndian.Uint64(got) != 12345 {
		t.Errorf("size = %d, want 12345", binary.LittleEndian.Uint64(got))
	}
}

func TestFixedFieldSizeEnforced(t *testing.T) {
	c, _ := setupCache(t)
	c.RegisterField("virtual.size", FieldFixed, 8)

	trans := c.NewTransaction(newFakeBinding())
	if err := trans.Add(1, "virtual.size", []byte("short")); err == nil {
		t.Error("wrong-sized fixed field accepted")
	}
}

func TestChainedRecordsPrevOffsetDecreases(t *testing.T) {
	c, _ := setupCache(t)
	c.RegisterField("hdr.subject", FieldVariable, 0)
	c.RegisterField("hdr.from", FieldVariable, 0)

	b := newFakeBinding()

	trans := c.NewTransaction(b)
	trans.Add(1, "hdr.subject", []byte("first"))
	if err := trans.Commit(); err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	off1 := b.offsets[1]

	trans = c.NewTransaction(b)
	trans.Add(1, "hdr.from", []byte("a@example.com"))
	if err := trans.Commit(); err != nil {
		t.Fatalf("commit 2: %v", err)
	}
	off2 := b.offsets[1]

	if off2 <= off1 {
		t.Fatalf("append-only violated: %d after %d", off2, off1)
	}
	if c.ContinuedRecordCount() != 1 {
		t.Errorf("continued count = %d, want 1", c.ContinuedRecordCount())
	}

	// Both fields resolve through the chain.
	subj, _ := c.FieldByName("hdr.subject")
	from, _ := c.FieldByName("hdr.from")
	if got, _ := c.Lookup(off2, subj.Index); string(got) != "first" {
		t.Errorf("chained subject = %q", got)
	}
	if got, _ := c.Lookup(off2, from.Index); string(got) != "a@example.com" {
		t.Errorf("from = %q", got)
	}
}

func TestFieldChainSurvivesReopen(t *testing.T) {
	c, dir := setupCache(t)
	c.RegisterField("hdr.subject", FieldVariable, 0)
	b := newFakeBinding()
	trans := c.NewTransaction(b)
	trans.Add(1, "hdr.subject", []byte("persisted"))
	if err := trans.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	c.Close()

	c2, err := Open(dir, 42, testConfig(), logging.Discard())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()

	f, ok := c2.FieldByName("hdr.subject")
	if !ok {
		t.Fatal("field table lost on reopen")
	}
	got, err := c2.Lookup(b.offsets[1], f.Index)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if string(got) != "persisted" {
		t.Errorf("value = %q", got)
	}
}

func TestIndexIDMismatchRecreates(t *testing.T) {
	c, dir := setupCache(t)
	c.RegisterField("hdr.subject", FieldVariable, 0)
	b := newFakeBinding()
	trans := c.NewTransaction(b)
	trans.Add(1, "hdr.subject", []byte("old world"))
	trans.Commit()
	oldSeq := c.FileSeq()
	c.Close()

	c2, err := Open(dir, 43, testConfig(), logging.Discard())
	if err != nil {
		t.Fatalf("reopen with new index id: %v", err)
	}
	defer c2.Close()
	if c2.FileSeq() <= oldSeq {
		t.Errorf("file_seq %d did not advance past %d", c2.FileSeq(), oldSeq)
	}
	if c2.UsedSize() != headerSize {
		t.Errorf("recreated file not empty: used %d", c2.UsedSize())
	}
}

func TestCompress(t *testing.T) {
	c, _ := setupCache(t)
	cfg := c.cfg
	cfg.MinSize = 1024
	c.cfg = cfg

	c.RegisterField("hdr.subject", FieldVariable, 0)
	c.RegisterField("hdr.from", FieldVariable, 0)

	b := newFakeBinding()
	// Give 40% of 1000 messages a continued record.
	const messages = 1000
	trans := c.NewTransaction(b)
	for seq := uint32(1); seq <= messages; seq++ {
		trans.Add(seq, "hdr.subject", []byte("subject value padding padding"))
	}
	if err := trans.Commit(); err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	trans = c.NewTransaction(b)
	for seq := uint32(1); seq <= messages*40/100; seq++ {
		trans.Add(seq, "hdr.from", []byte("sender@example.com"))
	}
	if err := trans.Commit(); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	if !c.NeedCompress(messages) {
		t.Fatal("40% continued records did not trigger compression")
	}

	oldSeq := c.FileSeq()
	live := make([]LiveRecord, 0, messages)
	for seq := uint32(1); seq <= messages; seq++ {
		live = append(live, LiveRecord{Seq: seq, Offset: b.offsets[seq]})
	}
	if err := c.Compress(live, b); err != nil {
		t.Fatalf("compress: %v", err)
	}

	if c.FileSeq() != oldSeq+1 {
		t.Errorf("file_seq = %d, want %d", c.FileSeq(), oldSeq+1)
	}
	if b.resetID != c.FileSeq() {
		t.Errorf("reset_id %d != file_seq %d", b.resetID, c.FileSeq())
	}
	if c.ContinuedRecordCount() != 0 {
		t.Errorf("continued count = %d after compress", c.ContinuedRecordCount())
	}
	if c.DeletedSpace() != 0 {
		t.Errorf("deleted space = %d after compress", c.DeletedSpace())
	}

	// Chains are gone but every value survives.
	subj, _ := c.FieldByName("hdr.subject")
	from, _ := c.FieldByName("hdr.from")
	for _, lr := range []uint32{1, 200, 400} {
		off := b.offsets[lr]
		if got, _ := c.Lookup(off, subj.Index); string(got) != "subject value padding padding" {
			t.Errorf("seq %d subject = %q", lr, got)
		}
		if got, _ := c.Lookup(off, from.Index); string(got) != "sender@example.com" {
			t.Errorf("seq %d from = %q", lr, got)
		}
	}
	if got, _ := c.Lookup(b.offsets[900], from.Index); got != nil {
		t.Errorf("seq 900 unexpectedly has from = %q", got)
	}
}

func TestRollbackAccountsDeletedSpace(t *testing.T) {
	c, _ := setupCache(t)
	cfg := c.cfg
	cfg.MaxBufferSize = 64 // force mid-transaction flush
	c.cfg = cfg
	c.RegisterField("hdr.subject", FieldVariable, 0)

	b := newFakeBinding()
	trans := c.NewTransaction(b)
	for seq := uint32(1); seq <= 10; seq++ {
		if err := trans.Add(seq, "hdr.subject", []byte("flushed bytes beyond the cap")); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := trans.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if c.DeletedSpace() == 0 {
		t.Error("rolled-back flushed bytes not accounted as deleted space")
	}
}

func TestTornHeaderRecreates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Filename)

	// A header promising more data than the file holds.
	var hdr header
	hdr.Version = cacheVersion
	hdr.CompatSizeofUoffT = compatSizeofUoffT
	hdr.IndexID = 42
	hdr.FileSeq = 7
	hdr.UsedFileSize = 1 << 20
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	binary.Write(f, binary.LittleEndian, hdr)
	f.Close()

	c, err := Open(dir, 42, testConfig(), logging.Discard())
	if err != nil {
		t.Fatalf("open over torn header: %v", err)
	}
	defer c.Close()
	if c.UsedSize() != headerSize {
		t.Errorf("file not reset: used %d", c.UsedSize())
	}
}

func TestTornHeaderWithoutReset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Filename)

	var hdr header
	hdr.Version = cacheVersion
	hdr.CompatSizeofUoffT = compatSizeofUoffT
	hdr.IndexID = 42
	hdr.FileSeq = 7
	hdr.UsedFileSize = 1 << 20
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	binary.Write(f, binary.LittleEndian, hdr)
	f.Close()

	cfg := testConfig()
	cfg.ResetOnCorruption = false
	if _, err := Open(dir, 42, cfg, logging.Discard()); err == nil {
		t.Fatal("corrupted cache opened without reset")
	}
}
