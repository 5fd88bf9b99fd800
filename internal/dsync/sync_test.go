package dsync

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fenilsonani/mailstore/internal/guid"
	"github.com/fenilsonani/mailstore/internal/index"
	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/maildir"
)

func testMailboxConfig() maildir.MailboxConfig {
	cfg := maildir.DefaultMailboxConfig()
	cfg.UIDListTimeout = 5 * time.Second
	cfg.LogTimeout = 5 * time.Second
	return cfg
}

func newTestMailbox(t *testing.T) *maildir.Mailbox {
	t.Helper()
	m, err := maildir.OpenMailbox(t.TempDir(), testMailboxConfig(), logging.Discard())
	if err != nil {
		t.Fatalf("open mailbox: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func message(id int) string {
	return fmt.Sprintf("Message-ID: <%d@example.com>\r\nSubject: msg %d\r\n\r\nbody of %d\r\n", id, id, id)
}

func deliverMessages(t *testing.T, m *maildir.Mailbox, ids ...int) {
	t.Helper()
	for _, id := range ids {
		if _, err := m.Deliver(strings.NewReader(message(id))); err != nil {
			t.Fatalf("deliver %d: %v", id, err)
		}
	}
	if _, err := m.SyncFromDisk(true); err != nil {
		t.Fatalf("sync after deliver: %v", err)
	}
}

func readBody(t *testing.T, m *maildir.Mailbox, uid uint32) string {
	t.Helper()
	r, err := m.OpenMessage(uid)
	if err != nil {
		t.Fatalf("open uid %d: %v", uid, err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read uid %d: %v", uid, err)
	}
	return string(b)
}

func TestRoundTripIntoEmptyMailbox(t *testing.T) {
	a := newTestMailbox(t)
	b := newTestMailbox(t)
	deliverMessages(t, a, 1, 2, 3)

	res, err := SyncMailboxPair(a, b, PairSyncTwoWay, PairState{}, false, logging.Discard())
	if err != nil {
		t.Fatalf("pair sync: %v", err)
	}
	if res.ChangesDuringSync {
		t.Error("clean first sync reported changes during sync")
	}

	if b.Index.MessageCount() != 3 {
		t.Fatalf("target has %d messages, want 3", b.Index.MessageCount())
	}
	// UIDs were reusable: an empty target adopts the source's UIDs.
	for uid := uint32(1); uid <= 3; uid++ {
		recA, _, okA := a.Index.Lookup(uid)
		recB, _, okB := b.Index.Lookup(uid)
		if !okA || !okB {
			t.Fatalf("uid %d missing on a side (a=%v b=%v)", uid, okA, okB)
		}
		if recA.GUID != recB.GUID {
			t.Errorf("uid %d guid mismatch", uid)
		}
		if readBody(t, a, uid) != readBody(t, b, uid) {
			t.Errorf("uid %d body mismatch", uid)
		}
	}
	if res.State.LastCommonUID != 3 {
		t.Errorf("last_common_uid = %d, want 3", res.State.LastCommonUID)
	}

	// Running sync again yields zero changes on both sides.
	exp, err := NewExporter(a, res.State.LastCommonUID, res.State.LastCommonModseq, logging.Discard())
	if err != nil {
		t.Fatalf("exporter: %v", err)
	}
	if n := len(exp.Changes()); n != 0 {
		t.Errorf("second sync has %d changes, want 0: %+v", n, exp.Changes())
	}
}

func TestExporterEmitsUIDAscending(t *testing.T) {
	a := newTestMailbox(t)
	deliverMessages(t, a, 5, 1, 3, 2, 4)

	exp, err := NewExporter(a, 0, 0, logging.Discard())
	if err != nil {
		t.Fatalf("exporter: %v", err)
	}
	var prev uint32
	for _, c := range exp.Changes() {
		if c.UID <= prev {
			t.Fatalf("change stream not ascending: %d after %d", c.UID, prev)
		}
		prev = c.UID
	}
}

func TestFlagChangePropagates(t *testing.T) {
	a := newTestMailbox(t)
	b := newTestMailbox(t)
	deliverMessages(t, a, 1, 2, 3)

	res, err := SyncMailboxPair(a, b, PairSyncTwoWay, PairState{}, false, logging.Discard())
	if err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	// Mark uid 2 seen on a.
	if err := a.SetMessageFlags(2, index.FlagSeen); err != nil {
		t.Fatalf("set flags: %v", err)
	}
	if _, err := a.SyncFromDisk(true); err != nil {
		t.Fatalf("resync a: %v", err)
	}

	if _, err := SyncMailboxPair(a, b, PairSyncTwoWay, res.State, false, logging.Discard()); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	recB, _, ok := b.Index.Lookup(2)
	if !ok {
		t.Fatal("uid 2 missing on b")
	}
	if !recB.Flags.Has(index.FlagSeen) {
		t.Error("Seen flag did not propagate to b's index")
	}
	// The file suffix follows the flags.
	e, _ := b.UIDList.LookupUID(2)
	if !strings.Contains(e.Filename, "S") {
		t.Errorf("b's file suffix missing Seen: %s", e.Filename)
	}
}

func TestExpungePropagates(t *testing.T) {
	a := newTestMailbox(t)
	b := newTestMailbox(t)
	deliverMessages(t, a, 1, 2, 3)

	res, err := SyncMailboxPair(a, b, PairSyncTwoWay, PairState{}, false, logging.Discard())
	if err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	// Another agent unlinks uid 2's file on a; the next scan records
	// the expunge.
	e, ok := a.UIDList.LookupUID(2)
	if !ok {
		t.Fatal("uid 2 missing from a's uidlist")
	}
	if err := os.Remove(filepath.Join(a.Dir(), "cur", e.Filename)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := a.SyncFromDisk(true); err != nil {
		t.Fatalf("resync a: %v", err)
	}

	if _, err := SyncMailboxPair(a, b, PairSyncTwoWay, res.State, false, logging.Discard()); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if _, _, ok := b.Index.Lookup(2); ok {
		t.Error("expunged uid still in b's index")
	}
	if _, err := b.OpenMessage(2); err == nil {
		t.Error("expunged body still readable on b")
	}
	if _, _, ok := b.Index.Lookup(1); !ok {
		t.Error("unrelated uid 1 lost")
	}
}

func TestImporterUIDClash(t *testing.T) {
	b := newTestMailbox(t)
	// Local already has uid 10 with its own content.
	if _, err := b.ImportMessage(strings.NewReader(message(100)), 10, 0); err != nil {
		t.Fatalf("seed import: %v", err)
	}
	if _, err := b.SyncFromDisk(true); err != nil {
		t.Fatalf("sync: %v", err)
	}
	localRec, _, ok := b.Index.Lookup(10)
	if !ok {
		t.Fatal("seed uid 10 missing")
	}

	remoteGUID := guid.New()
	imp := NewImporter(b, MailboxState{LastCommonUID: 0}, ImporterOptions{}, logging.Discard())
	if err := imp.AddChange(Change{
		Type: ChangeSave, UID: 10, GUID: remoteGUID, Modseq: 1,
	}); err != nil {
		t.Fatalf("add change: %v", err)
	}

	reqs := imp.MailRequests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	if err := imp.ImportMail(Mail{
		UID: 10, GUID: remoteGUID,
		Body: io.NopCloser(strings.NewReader(message(200))),
	}); err != nil {
		t.Fatalf("import mail: %v", err)
	}

	done, err := imp.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !done.ChangesDuringSync {
		t.Error("uid clash did not flag changes during sync")
	}

	// Local uid 10 untouched, remote message landed at 11.
	rec10, _, ok := b.Index.Lookup(10)
	if !ok || rec10.GUID != localRec.GUID {
		t.Error("local uid 10 disturbed")
	}
	rec11, _, ok := b.Index.Lookup(11)
	if !ok {
		t.Fatal("remote message not assigned uid 11")
	}
	if rec11.GUID != remoteGUID {
		t.Errorf("uid 11 guid mismatch")
	}
}

func TestImporterRejectsSaveAtLastCommonUID(t *testing.T) {
	b := newTestMailbox(t)
	imp := NewImporter(b, MailboxState{LastCommonUID: 5}, ImporterOptions{}, logging.Discard())
	if err := imp.AddChange(Change{Type: ChangeSave, UID: 5}); err == nil {
		t.Fatal("save at last_common_uid accepted")
	}
}

func TestExpungeDuringExportRetriesOtherInstance(t *testing.T) {
	a := newTestMailbox(t)
	// Two copies of the same message: identical headers, one GUID, two
	// instances.
	for i := 0; i < 2; i++ {
		if _, err := a.Deliver(strings.NewReader(message(7))); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	if _, err := a.SyncFromDisk(true); err != nil {
		t.Fatalf("sync: %v", err)
	}
	rec1, _, _ := a.Index.Lookup(1)
	rec2, _, _ := a.Index.Lookup(2)
	if rec1.GUID != rec2.GUID {
		t.Fatal("identical messages got different header hashes")
	}

	exp, err := NewExporter(a, 0, 0, logging.Discard())
	if err != nil {
		t.Fatalf("exporter: %v", err)
	}

	// uid 1 vanishes before body transfer.
	if err := a.RemoveMessage(1); err != nil {
		t.Fatalf("remove: %v", err)
	}

	mails := exp.Mails([]MailRequest{{UID: 1, GUID: rec1.GUID}})
	if len(mails) != 1 {
		t.Fatalf("served %d bodies, want 1 via the second instance", len(mails))
	}
	if mails[0].UID != 2 {
		t.Errorf("served uid %d, want 2", mails[0].UID)
	}
	mails[0].Body.Close()
	if len(exp.ExpungedGUIDs()) != 0 {
		t.Errorf("expunged list not empty: %v", exp.ExpungedGUIDs())
	}
}

func TestBackupRevertsTargetChanges(t *testing.T) {
	a := newTestMailbox(t)
	b := newTestMailbox(t)
	deliverMessages(t, a, 1, 2)

	res, err := SyncMailboxPair(a, b, PairSyncBackup, PairState{}, false, logging.Discard())
	if err != nil {
		t.Fatalf("backup: %v", err)
	}

	// The target grows a message of its own.
	deliverMessages(t, b, 99)
	if b.Index.MessageCount() != 3 {
		t.Fatalf("target has %d messages before re-backup", b.Index.MessageCount())
	}

	if _, err := SyncMailboxPair(a, b, PairSyncBackup, res.State, false, logging.Discard()); err != nil {
		t.Fatalf("re-backup: %v", err)
	}
	if b.Index.MessageCount() != 2 {
		t.Errorf("target kept its local message after backup: %d messages", b.Index.MessageCount())
	}
}
