package index

import "sort"

// View is a stable snapshot of a mailbox's records, taken when a sync
// begins. It keeps presenting the pre-sync sequence numbers to a
// concurrent reader while the sync folds expunges underneath.
type View struct {
	records     []Record
	uidValidity uint32
	nextUID     uint32
}

// NewView snapshots the index's current records.
func NewView(idx *Index) *View {
	records := make([]Record, len(idx.records))
	copy(records, idx.records)
	return &View{
		records:     records,
		uidValidity: idx.hdr.UIDValidity,
		nextUID:     idx.hdr.NextUID,
	}
}

// Count returns the number of messages in the view.
func (v *View) Count() int { return len(v.records) }

// UIDValidity returns the view's UID space identity.
func (v *View) UIDValidity() uint32 { return v.uidValidity }

// NextUID returns the next UID to be assigned at snapshot time.
func (v *View) NextUID() uint32 { return v.nextUID }

// Record returns the record at 1-based sequence seq.
func (v *View) Record(seq int) (Record, bool) {
	if seq < 1 || seq > len(v.records) {
		return Record{}, false
	}
	return v.records[seq-1], true
}

// Lookup finds a record by UID, returning its 1-based sequence.
func (v *View) Lookup(uid uint32) (Record, int, bool) {
	i := sort.Search(len(v.records), func(i int) bool {
		return v.records[i].UID >= uid
	})
	if i < len(v.records) && v.records[i].UID == uid {
		return v.records[i], i + 1, true
	}
	return Record{}, 0, false
}

// Records returns the snapshot's record slice. Callers must not mutate it.
func (v *View) Records() []Record { return v.records }
