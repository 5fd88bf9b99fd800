package index

import (
	"sort"

	"github.com/fenilsonani/mailstore/internal/guid"
	"github.com/fenilsonani/mailstore/internal/mailerr"
)

type flagDelta struct {
	add    Flags
	remove Flags
}

type keywordUpdate struct {
	op   KeywordOp
	name string
	uids []uint32
}

// Transaction accumulates the effects a sync pass will commit: appends,
// expunges, flag and keyword deltas, header updates and cache extension
// updates. Nothing is visible until Commit on the owning Sync.
type Transaction struct {
	appends        []Record
	expunges       map[uint32]guid.GUID
	flagUpdates    map[uint32]flagDelta
	keywordResets  map[uint32]bool
	keywordUpdates []keywordUpdate

	firstRecentUID uint32
	minNextUID     uint32

	cacheOffsets map[uint32]uint32 // seq -> offset
	cacheResetID uint32
	hasCacheReset bool
}

// NewTransaction returns an empty transaction.
func NewTransaction() *Transaction {
	return &Transaction{
		expunges:      make(map[uint32]guid.GUID),
		flagUpdates:   make(map[uint32]flagDelta),
		keywordResets: make(map[uint32]bool),
		cacheOffsets:  make(map[uint32]uint32),
	}
}

// Empty reports whether the transaction would commit no change.
func (t *Transaction) Empty() bool {
	return len(t.appends) == 0 && len(t.expunges) == 0 &&
		len(t.flagUpdates) == 0 && len(t.keywordResets) == 0 &&
		len(t.keywordUpdates) == 0 && t.firstRecentUID == 0 &&
		t.minNextUID == 0 && len(t.cacheOffsets) == 0 && !t.hasCacheReset
}

// Append schedules a new record. UIDs must not collide with live records.
func (t *Transaction) Append(rec Record) {
	t.appends = append(t.appends, rec)
}

// Expunge schedules removal of uid. The GUID, when known, lets dsync peers
// verify they expunge the same message.
func (t *Transaction) Expunge(uid uint32, g guid.GUID) {
	t.expunges[uid] = g
	// An expunged message's pending updates are moot.
	delete(t.flagUpdates, uid)
	delete(t.keywordResets, uid)
}

// UpdateFlags schedules a flag delta for uid. Repeated updates merge;
// a later add wins over an earlier remove of the same bit.
func (t *Transaction) UpdateFlags(uid uint32, add, remove Flags) {
	if _, gone := t.expunges[uid]; gone {
		return
	}
	d := t.flagUpdates[uid]
	d.add = (d.add &^ remove) | add
	d.remove = (d.remove &^ add) | remove
	t.flagUpdates[uid] = d
}

// UpdateKeywords schedules a keyword add or remove over uids.
func (t *Transaction) UpdateKeywords(op KeywordOp, name string, uids []uint32) {
	t.keywordUpdates = append(t.keywordUpdates, keywordUpdate{op: op, name: name, uids: uids})
}

// ResetKeywords schedules clearing every keyword on the UID range. The
// reset is ordered before any keyword addition for the same UID so that a
// replace survives as reset+add.
func (t *Transaction) ResetKeywords(uid1, uid2 uint32) {
	for uid := uid1; uid <= uid2; uid++ {
		if _, gone := t.expunges[uid]; !gone {
			t.keywordResets[uid] = true
		}
	}
}

// SetFirstRecentUID schedules the first-recent-uid watermark update; it
// only ever advances.
func (t *Transaction) SetFirstRecentUID(uid uint32) {
	if uid > t.firstRecentUID {
		t.firstRecentUID = uid
	}
}

// SetMinNextUID schedules the next-uid floor update.
func (t *Transaction) SetMinNextUID(uid uint32) {
	if uid > t.minNextUID {
		t.minNextUID = uid
	}
}

// UpdateCacheOffset records seq's new cache record offset. Cache offsets
// commit with the index transaction, never separately.
func (t *Transaction) UpdateCacheOffset(seq, offset uint32) {
	t.cacheOffsets[seq] = offset
}

// SetCacheResetID ties the index to a new cache file generation.
func (t *Transaction) SetCacheResetID(id uint32) {
	t.cacheResetID = id
	t.hasCacheReset = true
}

// CacheOffsetFor returns a pending cache offset recorded in this
// transaction, if any.
func (t *Transaction) CacheOffsetFor(seq uint32) (uint32, bool) {
	off, ok := t.cacheOffsets[seq]
	return off, ok
}

// applyCacheUpdates folds the pending cache extension updates into the
// index. Offsets address the record sequence numbers current at call
// time, so this runs before expunges/appends reshuffle them, and again
// after a compression hook remaps offsets post-apply.
func (t *Transaction) applyCacheUpdates(idx *Index) {
	for seq, off := range t.cacheOffsets {
		if int(seq) >= 1 && int(seq) <= len(idx.records) {
			idx.records[seq-1].CacheOffset = off
		}
	}
	if t.hasCacheReset {
		idx.hdr.CacheResetID = t.cacheResetID
	}
}

// apply folds the transaction into the index's in-memory state, assigning
// fresh modseqs to every touched record. Cache offsets are resolved
// against pre-apply sequence numbers.
func (t *Transaction) apply(idx *Index) error {
	t.applyCacheUpdates(idx)

	modseq := idx.hdr.HighestModseq

	// Expunges first, in ascending UID order.
	if len(t.expunges) > 0 {
		kept := idx.records[:0]
		for _, rec := range idx.records {
			if _, gone := t.expunges[rec.UID]; !gone {
				kept = append(kept, rec)
			}
		}
		idx.records = kept
		modseq++
	}

	for uid, d := range t.flagUpdates {
		if rec, seq, ok := idx.Lookup(uid); ok {
			rec.Flags = (rec.Flags | d.add) &^ d.remove
			modseq++
			rec.Modseq = modseq
			idx.records[seq-1] = rec
		}
	}

	for uid := range t.keywordResets {
		if rec, seq, ok := idx.Lookup(uid); ok {
			rec.Keywords = 0
			modseq++
			rec.Modseq = modseq
			idx.records[seq-1] = rec
		}
	}

	for _, ku := range t.keywordUpdates {
		ki, err := idx.KeywordIndex(ku.name, ku.op == KeywordAdd)
		if err != nil {
			if ku.op == KeywordRemove && mailerr.IsKind(err, mailerr.KindNotFound) {
				continue
			}
			return err
		}
		for _, uid := range ku.uids {
			rec, seq, ok := idx.Lookup(uid)
			if !ok {
				continue
			}
			if ku.op == KeywordAdd {
				rec.Keywords = rec.Keywords.With(ki)
			} else {
				rec.Keywords = rec.Keywords.Without(ki)
			}
			modseq++
			rec.Modseq = modseq
			idx.records[seq-1] = rec
		}
	}

	if len(t.appends) > 0 {
		appends := make([]Record, len(t.appends))
		copy(appends, t.appends)
		sort.Slice(appends, func(i, j int) bool { return appends[i].UID < appends[j].UID })
		for _, rec := range appends {
			if rec.Modseq == 0 {
				modseq++
				rec.Modseq = modseq
			} else if rec.Modseq > modseq {
				modseq = rec.Modseq
			}
			idx.records = append(idx.records, rec)
			if rec.UID >= idx.hdr.NextUID {
				idx.hdr.NextUID = rec.UID + 1
			}
		}
		sort.Slice(idx.records, func(i, j int) bool { return idx.records[i].UID < idx.records[j].UID })
	}

	if t.firstRecentUID > idx.hdr.FirstRecentUID {
		idx.hdr.FirstRecentUID = t.firstRecentUID
	}
	if t.minNextUID > idx.hdr.MinNextUID {
		idx.hdr.MinNextUID = t.minNextUID
		if idx.hdr.NextUID < t.minNextUID {
			idx.hdr.NextUID = t.minNextUID
		}
	}

	idx.hdr.HighestModseq = modseq
	return idx.checkUIDOrder()
}

// toLogEntries serializes the transaction as log records. When external
// is set, readers will not replay them into their own sync transactions.
func (t *Transaction) toLogEntries(external bool) []LogEntry {
	var entries []LogEntry

	// Expunges in UID order.
	if len(t.expunges) > 0 {
		uids := make([]uint32, 0, len(t.expunges))
		for uid := range t.expunges {
			uids = append(uids, uid)
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		for _, uid := range uids {
			g := t.expunges[uid]
			if g.Empty() {
				entries = append(entries, LogEntry{
					Type: RecExpunge, External: external, UID1: uid, UID2: uid,
				})
			} else {
				entries = append(entries, LogEntry{
					Type: RecExpungeGUID, External: external, UID1: uid, GUID: g,
				})
			}
		}
	}

	if len(t.flagUpdates) > 0 {
		uids := make([]uint32, 0, len(t.flagUpdates))
		for uid := range t.flagUpdates {
			uids = append(uids, uid)
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		for _, uid := range uids {
			d := t.flagUpdates[uid]
			entries = append(entries, LogEntry{
				Type: RecFlagUpdate, External: external,
				UID1: uid, UID2: uid, AddFlags: d.add, RemoveFlags: d.remove,
			})
		}
	}

	if len(t.keywordResets) > 0 {
		uids := make([]uint32, 0, len(t.keywordResets))
		for uid := range t.keywordResets {
			uids = append(uids, uid)
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		for _, uid := range uids {
			entries = append(entries, LogEntry{
				Type: RecKeywordReset, External: external, UID1: uid, UID2: uid,
			})
		}
	}

	for _, ku := range t.keywordUpdates {
		entries = append(entries, LogEntry{
			Type: RecKeywordUpdate, External: external,
			KeywordOp: ku.op, Keyword: ku.name, UIDs: ku.uids,
		})
	}

	if len(t.appends) > 0 {
		appends := make([]Record, len(t.appends))
		copy(appends, t.appends)
		sort.Slice(appends, func(i, j int) bool { return appends[i].UID < appends[j].UID })
		entries = append(entries, LogEntry{
			Type: RecAppend, External: external, Appends: appends,
		})
	}

	if t.firstRecentUID != 0 || t.minNextUID != 0 {
		entries = append(entries, LogEntry{
			Type: RecHeaderUpdate, External: external,
			FirstRecentUID: t.firstRecentUID, MinNextUID: t.minNextUID,
		})
	}

	return entries
}
