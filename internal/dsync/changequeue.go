package dsync

import (
	"sort"
)

// ChangeQueue is the ordered log of per-message deltas a sync side
// accumulates before applying: a uid-keyed map plus a UID-sorted view.
// Merging is last-writer-wins by modseq, tie-broken by pvt_modseq, then
// by side: on an exact tie the remote change wins only when this side is
// not the master brain.
type ChangeQueue struct {
	byUID map[uint32]Change
	// masterBrain controls tie-breaking; both sides of a sync must set
	// it oppositely so they make the symmetric choice.
	masterBrain bool

	// lastCommonUID gates flag changes: one above it refers to a
	// message we never saw, so its expunge event must have been missed.
	lastCommonUID uint32

	dirty  bool
	sorted []uint32
}

// NewChangeQueue creates a queue for one side of a sync.
func NewChangeQueue(masterBrain bool, lastCommonUID uint32) *ChangeQueue {
	return &ChangeQueue{
		byUID:         make(map[uint32]Change),
		masterBrain:   masterBrain,
		lastCommonUID: lastCommonUID,
	}
}

// AddLocal merges a change produced by the local log scan.
func (q *ChangeQueue) AddLocal(c Change) {
	q.merge(c, false)
}

// AddRemote merges a change received from the remote side. A flag change
// above last_common_uid is dropped: the message was expunged and the
// expunge event missed.
func (q *ChangeQueue) AddRemote(c Change) {
	if c.Type == ChangeFlag && c.UID > q.lastCommonUID {
		return
	}
	q.merge(c, true)
}

func (q *ChangeQueue) merge(c Change, remote bool) {
	old, ok := q.byUID[c.UID]
	if !ok {
		q.byUID[c.UID] = c
		q.dirty = true
		return
	}

	// Expunge always beats a flag change for the same UID.
	if old.Type == ChangeExpunge {
		return
	}
	if c.Type == ChangeExpunge {
		q.byUID[c.UID] = c
		q.dirty = true
		return
	}

	if !q.wins(c, old, remote) {
		return
	}
	q.byUID[c.UID] = c
	q.dirty = true
}

// wins decides whether candidate replaces incumbent.
func (q *ChangeQueue) wins(candidate, incumbent Change, candidateRemote bool) bool {
	if candidate.Modseq != incumbent.Modseq {
		return candidate.Modseq > incumbent.Modseq
	}
	if candidate.PvtModseq != incumbent.PvtModseq {
		return candidate.PvtModseq > incumbent.PvtModseq
	}
	// Exact tie: the non-master side yields to the remote.
	return candidateRemote && !q.masterBrain
}

// Lookup returns the queued change for uid.
func (q *ChangeQueue) Lookup(uid uint32) (Change, bool) {
	c, ok := q.byUID[uid]
	return c, ok
}

// Len returns the number of queued changes.
func (q *ChangeQueue) Len() int { return len(q.byUID) }

// UIDs returns every queued UID in ascending order.
func (q *ChangeQueue) UIDs() []uint32 {
	if q.dirty || q.sorted == nil {
		q.sorted = make([]uint32, 0, len(q.byUID))
		for uid := range q.byUID {
			q.sorted = append(q.sorted, uid)
		}
		sort.Slice(q.sorted, func(i, j int) bool { return q.sorted[i] < q.sorted[j] })
		q.dirty = false
	}
	return q.sorted
}

// Changes returns the queued changes in ascending UID order.
func (q *ChangeQueue) Changes() []Change {
	uids := q.UIDs()
	out := make([]Change, 0, len(uids))
	for _, uid := range uids {
		out = append(out, q.byUID[uid])
	}
	return out
}
