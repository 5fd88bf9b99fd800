package dsync

import (
	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/maildir"
)

// PairSyncType selects how a mailbox pair is reconciled.
type PairSyncType int

const (
	// PairSyncTwoWay merges both sides' changes.
	PairSyncTwoWay PairSyncType = iota + 1
	// PairSyncBackup makes side B a replica of side A: B's own changes
	// above the common point are reverted.
	PairSyncBackup
)

// PairState carries the remembered position of the previous sync.
type PairState struct {
	LastCommonUID       uint32
	LastCommonModseq    uint64
	LastCommonPvtModseq uint64
}

// PairResult summarizes one pair sync.
type PairResult struct {
	DoneA Done
	DoneB Done

	// ChangesDuringSync means UID assignment raced local changes; the
	// caller re-runs sync with the regressed state below.
	ChangesDuringSync bool
	State             PairState
}

// SyncMailboxPair runs one full dsync exchange between two mailboxes.
// Side A is the master brain for tie-breaking; the exchange is otherwise
// symmetric for two-way syncs. With force set, both sides rescan their
// directories regardless of the mtime quick-check (the mirror command's
// full-scan semantics).
func SyncMailboxPair(a, b *maildir.Mailbox, typ PairSyncType, prev PairState, force bool, logger *logging.Logger) (*PairResult, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	if _, err := a.SyncFromDisk(force); err != nil {
		return nil, err
	}
	if _, err := b.SyncFromDisk(force); err != nil {
		return nil, err
	}

	expA, err := NewExporter(a, prev.LastCommonUID, prev.LastCommonModseq, logger)
	if err != nil {
		return nil, err
	}

	stateA := expA.State()
	impB := NewImporter(b, MailboxState{
		MailboxGUID:      stateA.MailboxGUID,
		UIDValidity:      stateA.UIDValidity,
		UIDNext:          stateA.UIDNext,
		HighestModseq:    stateA.HighestModseq,
		LastCommonUID:    prev.LastCommonUID,
		LastCommonModseq: prev.LastCommonModseq,
	}, ImporterOptions{
		MasterBrain:        false,
		RevertLocalChanges: typ == PairSyncBackup,
	}, logger)

	for _, c := range expA.Changes() {
		if err := impB.AddChange(c); err != nil {
			return nil, err
		}
	}

	res := &PairResult{}

	if typ == PairSyncTwoWay {
		expB, err := NewExporter(b, prev.LastCommonUID, prev.LastCommonModseq, logger)
		if err != nil {
			return nil, err
		}
		stateB := expB.State()
		impA := NewImporter(a, MailboxState{
			MailboxGUID:      stateB.MailboxGUID,
			UIDValidity:      stateB.UIDValidity,
			UIDNext:          stateB.UIDNext,
			HighestModseq:    stateB.HighestModseq,
			LastCommonUID:    prev.LastCommonUID,
			LastCommonModseq: prev.LastCommonModseq,
		}, ImporterOptions{MasterBrain: true}, logger)

		for _, c := range expB.Changes() {
			if err := impA.AddChange(c); err != nil {
				return nil, err
			}
		}

		for _, mail := range expB.Mails(impA.MailRequests()) {
			if err := impA.ImportMail(mail); err != nil {
				return nil, err
			}
		}
		doneA, err := impA.Finish()
		if err != nil {
			return nil, err
		}
		res.DoneA = doneA
	} else {
		hdr := a.Index.Header()
		res.DoneA = Done{
			Success:          true,
			LastCommonUID:    hdr.NextUID - 1,
			LastCommonModseq: hdr.HighestModseq,
		}
	}

	for _, mail := range expA.Mails(impB.MailRequests()) {
		if err := impB.ImportMail(mail); err != nil {
			return nil, err
		}
	}
	doneB, err := impB.Finish()
	if err != nil {
		return nil, err
	}
	res.DoneB = doneB

	res.ChangesDuringSync = res.DoneA.ChangesDuringSync || res.DoneB.ChangesDuringSync
	res.State = PairState{
		LastCommonUID:    minUint32(res.DoneA.LastCommonUID, res.DoneB.LastCommonUID),
		LastCommonModseq: minUint64(res.DoneA.LastCommonModseq, res.DoneB.LastCommonModseq),
	}
	if res.ChangesDuringSync {
		// Regress so the next run re-examines the contested range.
		res.State.LastCommonUID = minUint32(res.State.LastCommonUID, prev.LastCommonUID)
	}
	return res, nil
}

func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
