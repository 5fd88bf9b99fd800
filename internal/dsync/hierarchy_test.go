package dsync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fenilsonani/mailstore/internal/guid"
	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/maildir"
)

func newHierarchy(t *testing.T) *Hierarchy {
	t.Helper()
	root := t.TempDir()
	for _, sub := range []string{"new", "cur", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0700); err != nil {
			t.Fatal(err)
		}
	}
	cfg := maildir.DefaultMailboxConfig()
	return NewHierarchy(root, cfg, logging.Discard())
}

func TestHierarchyMailboxPath(t *testing.T) {
	h := newHierarchy(t)
	if h.MailboxPath("INBOX") != h.Root {
		t.Error("INBOX must map to the root")
	}
	if got := h.MailboxPath("Work/Projects"); got != filepath.Join(h.Root, ".Work.Projects") {
		t.Errorf("path = %s", got)
	}
}

func TestHierarchyApplyCreateAndList(t *testing.T) {
	h := newHierarchy(t)
	g := guid.New()
	errs := h.Apply([]SyncChange{
		{Type: ChangeCreateBox, Name: "Archive", GUID: g, UIDValidity: 777},
	})
	if len(errs) != 0 {
		t.Fatalf("apply errors: %v", errs)
	}

	names, err := h.ListMailboxes()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := map[string]bool{"INBOX": true, "Archive": true}
	if len(names) != 2 || !want[names[0]] || !want[names[1]] {
		t.Errorf("names = %v", names)
	}

	tree, err := h.BuildTree()
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	id, ok := tree.ByGUID(g)
	if !ok {
		t.Fatal("created mailbox guid not in tree")
	}
	if tree.FullName(id) != "Archive" {
		t.Errorf("name = %s", tree.FullName(id))
	}
	if tree.Node(id).UIDValidity != 777 {
		t.Errorf("uid_validity = %d", tree.Node(id).UIDValidity)
	}
}

func TestHierarchyRenameCarriesChildren(t *testing.T) {
	h := newHierarchy(t)
	if errs := h.Apply([]SyncChange{
		{Type: ChangeCreateBox, Name: "Work", GUID: guid.New()},
		{Type: ChangeCreateBox, Name: "Work/Projects", GUID: guid.New()},
	}); len(errs) != 0 {
		t.Fatalf("setup: %v", errs)
	}

	if errs := h.Apply([]SyncChange{
		{Type: ChangeRename, OldName: "Work", Name: "Job"},
	}); len(errs) != 0 {
		t.Fatalf("rename: %v", errs)
	}

	names, _ := h.ListMailboxes()
	found := map[string]bool{}
	for _, n := range names {
		found[n] = true
	}
	if !found["Job"] || !found["Job/Projects"] {
		t.Errorf("rename lost children: %v", names)
	}
	if found["Work"] || found["Work/Projects"] {
		t.Errorf("old names linger: %v", names)
	}
}

func TestHierarchySubscriptions(t *testing.T) {
	h := newHierarchy(t)
	h.Apply([]SyncChange{
		{Type: ChangeCreateBox, Name: "Lists", GUID: guid.New()},
		{Type: ChangeSubscribe, Name: "Lists", Subscribed: true},
	})

	subs, err := h.readSubscriptions()
	if err != nil {
		t.Fatalf("read subscriptions: %v", err)
	}
	if !subs["Lists"] {
		t.Error("subscription not recorded")
	}

	h.Apply([]SyncChange{{Type: ChangeUnsubscribe, Name: "Lists"}})
	subs, _ = h.readSubscriptions()
	if subs["Lists"] {
		t.Error("unsubscribe not recorded")
	}
}

func TestHierarchyBuildTreeStableGUIDs(t *testing.T) {
	h := newHierarchy(t)
	h.Apply([]SyncChange{{Type: ChangeCreateBox, Name: "Keep", GUID: guid.New()}})

	t1, err := h.BuildTree()
	if err != nil {
		t.Fatalf("build 1: %v", err)
	}
	t2, err := h.BuildTree()
	if err != nil {
		t.Fatalf("build 2: %v", err)
	}

	var g1, g2 guid.GUID
	t1.Walk(func(id NodeID) bool {
		if t1.FullName(id) == "Keep" {
			g1 = t1.Node(id).MailboxGUID
		}
		return true
	})
	t2.Walk(func(id NodeID) bool {
		if t2.FullName(id) == "Keep" {
			g2 = t2.Node(id).MailboxGUID
		}
		return true
	})
	if g1.Empty() || g1 != g2 {
		t.Errorf("mailbox guid unstable across builds: %s vs %s", g1, g2)
	}
}
