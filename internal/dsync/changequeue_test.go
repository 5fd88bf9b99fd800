package dsync

import (
	"testing"
)

func TestChangeQueueOrdersByUID(t *testing.T) {
	q := NewChangeQueue(true, 100)
	q.AddLocal(Change{Type: ChangeFlag, UID: 30, Modseq: 1})
	q.AddLocal(Change{Type: ChangeFlag, UID: 10, Modseq: 1})
	q.AddLocal(Change{Type: ChangeFlag, UID: 20, Modseq: 1})

	uids := q.UIDs()
	for i, want := range []uint32{10, 20, 30} {
		if uids[i] != want {
			t.Errorf("uids[%d] = %d, want %d", i, uids[i], want)
		}
	}
}

func TestChangeQueueModseqWins(t *testing.T) {
	q := NewChangeQueue(true, 100)
	q.AddLocal(Change{Type: ChangeFlag, UID: 5, Modseq: 10, FinalFlags: 1})
	q.AddRemote(Change{Type: ChangeFlag, UID: 5, Modseq: 20, FinalFlags: 2})

	c, _ := q.Lookup(5)
	if c.FinalFlags != 2 {
		t.Error("higher modseq did not win")
	}

	// A lower modseq never replaces.
	q.AddRemote(Change{Type: ChangeFlag, UID: 5, Modseq: 15, FinalFlags: 3})
	c, _ = q.Lookup(5)
	if c.FinalFlags != 2 {
		t.Error("lower modseq replaced the incumbent")
	}
}

func TestChangeQueuePvtModseqBreaksTie(t *testing.T) {
	q := NewChangeQueue(true, 100)
	q.AddLocal(Change{Type: ChangeFlag, UID: 5, Modseq: 10, PvtModseq: 1, FinalFlags: 1})
	q.AddRemote(Change{Type: ChangeFlag, UID: 5, Modseq: 10, PvtModseq: 2, FinalFlags: 2})

	c, _ := q.Lookup(5)
	if c.FinalFlags != 2 {
		t.Error("higher pvt_modseq did not break the tie")
	}
}

func TestChangeQueueMasterBrainBreaksExactTie(t *testing.T) {
	// Non-master: remote wins the exact tie.
	q := NewChangeQueue(false, 100)
	q.AddLocal(Change{Type: ChangeFlag, UID: 5, Modseq: 10, FinalFlags: 1})
	q.AddRemote(Change{Type: ChangeFlag, UID: 5, Modseq: 10, FinalFlags: 2})
	c, _ := q.Lookup(5)
	if c.FinalFlags != 2 {
		t.Error("remote should win on the non-master side")
	}

	// Master: local wins the exact tie.
	q = NewChangeQueue(true, 100)
	q.AddLocal(Change{Type: ChangeFlag, UID: 5, Modseq: 10, FinalFlags: 1})
	q.AddRemote(Change{Type: ChangeFlag, UID: 5, Modseq: 10, FinalFlags: 2})
	c, _ = q.Lookup(5)
	if c.FinalFlags != 1 {
		t.Error("local should win on the master side")
	}
}

func TestChangeQueueExpungeBeatsFlags(t *testing.T) {
	q := NewChangeQueue(true, 100)
	q.AddLocal(Change{Type: ChangeExpunge, UID: 5, Modseq: 1})
	q.AddRemote(Change{Type: ChangeFlag, UID: 5, Modseq: 99})

	c, _ := q.Lookup(5)
	if c.Type != ChangeExpunge {
		t.Error("flag change displaced an expunge")
	}
}

func TestChangeQueueDropsFlagAboveLastCommon(t *testing.T) {
	q := NewChangeQueue(true, 10)
	q.AddRemote(Change{Type: ChangeFlag, UID: 11, Modseq: 1})
	if q.Len() != 0 {
		t.Error("flag change above last_common_uid was not dropped")
	}

	q.AddRemote(Change{Type: ChangeFlag, UID: 10, Modseq: 1})
	if q.Len() != 1 {
		t.Error("flag change at last_common_uid was dropped")
	}
}
