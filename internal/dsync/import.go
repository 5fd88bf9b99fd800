package dsync

import (
	"time"

	"github.com/fenilsonani/mailstore/internal/guid"
	"github.com/fenilsonani/mailstore/internal/index"
	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/mailerr"
	"github.com/fenilsonani/mailstore/internal/maildir"
)

// ImporterOptions tune one import run.
type ImporterOptions struct {
	// MasterBrain makes this side win exact modseq ties. The two sides
	// of a sync must set it oppositely.
	MasterBrain bool
	// RevertLocalChanges expunges local messages the remote does not
	// want, turning the import into a restore of the remote state.
	RevertLocalChanges bool
	// LockTimeout bounds the transaction-log lock wait at Finish.
	LockTimeout time.Duration
}

// pendingSave is one remote message to materialize locally.
type pendingSave struct {
	change      Change
	assignedUID uint32
	// localUID is set when the body already exists locally and only
	// needs an atomic in-mailbox move to its new UID.
	localUID uint32
	// inPlace means the body already sits at the assigned UID.
	inPlace bool
	// needsBody is set when the body must come from the remote.
	needsBody bool
	imported  bool
}

// Importer applies a remote exporter's stream to the local mailbox: flag
// merges and expunges below last_common_uid, saves above it, with UID
// reuse when safe and reallocation (flagged as changes-during-sync)
// when not.
type Importer struct {
	m    *maildir.Mailbox
	log  *logging.Logger
	opts ImporterOptions

	remote        MailboxState
	lastCommonUID uint32

	queue *ChangeQueue
	saves []pendingSave

	// nextUID tracks local assignment while the stream is walked.
	nextUID uint32

	changesDuringSync bool
	prevUID           uint32

	// Deferred file work: the uidlist dotlock orders before the
	// transaction-log lock, so file removals and suffix renames wait
	// until the index commit releases the log.
	pendingRemovals    []uint32
	pendingFlagRenames []fileFlagUpdate
}

type fileFlagUpdate struct {
	uid   uint32
	flags index.Flags
}

// NewImporter starts an import of remote's stream into m. The mailbox
// must already be synced from disk.
func NewImporter(m *maildir.Mailbox, remote MailboxState, opts ImporterOptions, logger *logging.Logger) *Importer {
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = 2 * time.Minute
	}
	return &Importer{
		m:             m,
		log:           logger.Dsync().WithFields("path", m.Dir()),
		opts:          opts,
		remote:        remote,
		lastCommonUID: remote.LastCommonUID,
		queue:         NewChangeQueue(opts.MasterBrain, remote.LastCommonUID),
		nextUID:       m.Index.Header().NextUID,
	}
}

// AddChange feeds one remote change. Changes must arrive in ascending
// UID order; a save at last_common_uid is a protocol violation.
func (imp *Importer) AddChange(c Change) error {
	if c.UID < imp.prevUID {
		return mailerr.New(mailerr.KindCorrupted,
			"change stream not UID-ascending: %d after %d", c.UID, imp.prevUID)
	}
	imp.prevUID = c.UID

	switch c.Type {
	case ChangeExpunge:
		if c.UID > imp.lastCommonUID {
			// A message we never had in common; nothing to expunge.
			return nil
		}
		imp.queue.AddRemote(c)
	case ChangeFlag:
		imp.queue.AddRemote(c)
	case ChangeSave:
		if c.UID == imp.lastCommonUID {
			return mailerr.New(mailerr.KindCorrupted,
				"save at last_common_uid %d", c.UID)
		}
		if c.UID <= imp.lastCommonUID {
			// Both sides already have it; treat as a flag update.
			c.Type = ChangeFlag
			imp.queue.AddRemote(c)
			return nil
		}
		imp.addSave(c)
	}
	return nil
}

// addSave decides the save's local UID and body source.
func (imp *Importer) addSave(c Change) {
	save := pendingSave{change: c}

	// Reuse the remote UID when it is safely beyond our own next UID;
	// otherwise allocate locally and flag the divergence.
	if c.UID >= imp.nextUID {
		save.assignedUID = c.UID
		imp.nextUID = c.UID + 1
	} else {
		save.assignedUID = imp.nextUID
		imp.nextUID++
		imp.changesDuringSync = true
	}

	// A body already present locally (matched by GUID) is reassigned by
	// an atomic move instead of a transfer.
	g := c.GUID
	if g.Empty() {
		g = c.HdrHash
	}
	if !g.Empty() {
		if rec, _, ok := imp.m.Index.LookupGUID(g); ok && rec.UID > imp.lastCommonUID {
			if rec.UID == save.assignedUID {
				// Already exactly where it belongs.
				save.inPlace = true
				imp.saves = append(imp.saves, save)
				return
			}
			save.localUID = rec.UID
			imp.saves = append(imp.saves, save)
			return
		}
	}
	save.needsBody = true
	imp.saves = append(imp.saves, save)
}

// MailRequests lists the bodies to fetch from the remote, in UID order.
func (imp *Importer) MailRequests() []MailRequest {
	var reqs []MailRequest
	for _, s := range imp.saves {
		if s.needsBody {
			g := s.change.GUID
			if g.Empty() {
				g = s.change.HdrHash
			}
			reqs = append(reqs, MailRequest{UID: s.change.UID, GUID: g})
		}
	}
	return reqs
}

// ImportMail stores one received body under its assigned UID.
func (imp *Importer) ImportMail(mail Mail) error {
	for i := range imp.saves {
		s := &imp.saves[i]
		if !s.needsBody || s.imported {
			continue
		}
		g := s.change.GUID
		if g.Empty() {
			g = s.change.HdrHash
		}
		if !mail.GUID.Empty() && !g.Empty() && mail.GUID != g && mail.UID != s.change.UID {
			continue
		}
		if mail.GUID.Empty() && mail.UID != s.change.UID {
			continue
		}

		defer mail.Body.Close()
		if _, err := imp.m.ImportMessage(mail.Body, s.assignedUID, s.change.FinalFlags); err != nil {
			return err
		}
		s.imported = true
		return nil
	}
	mail.Body.Close()
	imp.log.Warn("unmatched mail body", "uid", mail.UID, "guid", mail.GUID.String())
	return nil
}

// Finish applies everything in one index transaction: merged flag
// changes, expunges, reassignments and appends. Returns the Done summary
// for the wire.
func (imp *Importer) Finish() (Done, error) {
	// Reassign locally-present bodies to their new UIDs first; the
	// index append below re-adds them under the new identity.
	for i := range imp.saves {
		s := &imp.saves[i]
		if s.localUID == 0 {
			continue
		}
		if err := imp.m.ReassignUID(s.localUID, s.assignedUID); err != nil {
			imp.log.WithError(err).Warn("uid reassign failed",
				"old", s.localUID, "new", s.assignedUID)
			imp.changesDuringSync = true
			s.localUID = 0
			continue
		}
	}

	s, err := index.BeginSync(imp.m.Index, imp.m.Log, 0, imp.opts.LockTimeout, imp.log)
	if err != nil {
		return Done{}, err
	}
	trans := s.Transaction()
	view := s.View()

	keywords := imp.m.Index.Keywords()
	for _, c := range imp.queue.Changes() {
		rec, _, ok := view.Lookup(c.UID)
		if !ok {
			continue
		}
		switch c.Type {
		case ChangeExpunge:
			// Verify identity before destroying data.
			g := c.GUID
			if g.Empty() {
				g = c.HdrHash
			}
			if !g.Empty() && !rec.GUID.Empty() && g != rec.GUID {
				imp.log.Warn("expunge guid mismatch, skipping", "uid", c.UID)
				continue
			}
			trans.Expunge(c.UID, rec.GUID)
			imp.pendingRemovals = append(imp.pendingRemovals, c.UID)
		case ChangeFlag:
			imp.applyFlagChange(trans, view, rec, c, keywords)
		}
	}

	// Appends: reassigned bodies and imported ones.
	for i := range imp.saves {
		s2 := &imp.saves[i]
		if s2.inPlace {
			continue
		}
		if s2.needsBody && !s2.imported {
			// The remote never delivered it (expunged during export);
			// nothing to append.
			continue
		}
		var g guid.GUID
		if s2.localUID != 0 {
			if rec, _, ok := view.Lookup(s2.localUID); ok {
				g = rec.GUID
				trans.Expunge(s2.localUID, rec.GUID)
			}
		}
		if g.Empty() {
			g = s2.change.GUID
		}
		if g.Empty() {
			g = s2.change.HdrHash
		}
		rec := index.Record{
			UID:    s2.assignedUID,
			Flags:  s2.change.FinalFlags &^ index.FlagRecent,
			GUID:   g,
			Modseq: s2.change.Modseq,
		}
		trans.Append(rec)
		for _, kc := range s2.change.KeywordChanges {
			if kc.Op == KeywordOpFinal || kc.Op == KeywordOpAdd {
				trans.UpdateKeywords(index.KeywordAdd, kc.Name, []uint32{s2.assignedUID})
			}
		}
	}

	if imp.opts.RevertLocalChanges {
		imp.revertUnwanted(trans, view)
	}

	trans.SetMinNextUID(imp.nextUID)

	if err := s.Commit(); err != nil {
		return Done{}, err
	}

	// The log lock is released; file and uidlist mutations can take the
	// dotlock now without inverting the acquisition order.
	for _, uid := range imp.pendingRemovals {
		if err := imp.m.RemoveMessage(uid); err != nil && !mailerr.IsKind(err, mailerr.KindNotFound) {
			imp.log.WithError(err).Warn("cannot remove expunged file", "uid", uid)
		}
	}
	for _, fu := range imp.pendingFlagRenames {
		if err := imp.m.SetMessageFlags(fu.uid, fu.flags); err != nil && !mailerr.IsKind(err, mailerr.KindNotFound) {
			imp.log.WithError(err).Warn("cannot rewrite file flags", "uid", fu.uid)
		}
	}

	hdr := imp.m.Index.Header()
	lastCommon := hdr.NextUID - 1
	done := Done{
		Success:             true,
		ChangesDuringSync:   imp.changesDuringSync,
		LastCommonUID:       lastCommon,
		LastCommonModseq:    hdr.HighestModseq,
		LastCommonPvtModseq: hdr.HighestPvtModseq,
	}
	return done, nil
}

// applyFlagChange merges one remote flag change into the local record.
func (imp *Importer) applyFlagChange(trans *index.Transaction, view *index.View, rec index.Record, c Change, keywords []string) {
	// Identity check first: GUID, or header hash for GUID-less backends.
	g := c.GUID
	if g.Empty() {
		g = c.HdrHash
	}
	if !g.Empty() && !rec.GUID.Empty() && g != rec.GUID {
		imp.log.Warn("flag change guid mismatch, skipping", "uid", c.UID)
		return
	}

	preferRemote := !imp.opts.MasterBrain
	if c.Modseq > rec.Modseq {
		preferRemote = true
	} else if c.Modseq < rec.Modseq {
		preferRemote = false
	}

	add, remove := MergeFlags(
		rec.Flags&^index.FlagRecent, 0, 0,
		c.FinalFlags, c.AddFlags, c.RemoveFlags,
		preferRemote)
	if add != 0 || remove != 0 {
		trans.UpdateFlags(c.UID, add, remove)
		imp.pendingFlagRenames = append(imp.pendingFlagRenames, fileFlagUpdate{
			uid:   c.UID,
			flags: (rec.Flags | add) &^ remove,
		})
	}

	// Keywords: rebuild both sides' views over a merged namespace and
	// reuse the flag merge per bitmap word.
	var localKw []string
	for ki, name := range keywords {
		if rec.Keywords.Has(ki) {
			localKw = append(localKw, name)
		}
	}
	var remoteFinal, remoteAdd, remoteRemove []string
	for _, kc := range c.KeywordChanges {
		switch kc.Op {
		case KeywordOpFinal:
			remoteFinal = append(remoteFinal, kc.Name)
		case KeywordOpAdd:
			remoteAdd = append(remoteAdd, kc.Name)
		case KeywordOpRemove:
			remoteRemove = append(remoteRemove, kc.Name)
		}
	}
	kwAdd, kwRemove := MergeKeywords(
		KeywordState{Final: localKw},
		KeywordState{Final: remoteFinal, Add: remoteAdd, Remove: remoteRemove},
		preferRemote)
	for _, name := range kwAdd {
		trans.UpdateKeywords(index.KeywordAdd, name, []uint32{c.UID})
	}
	for _, name := range kwRemove {
		trans.UpdateKeywords(index.KeywordRemove, name, []uint32{c.UID})
	}
}

// revertUnwanted expunges local messages above last_common_uid that the
// remote stream did not claim.
func (imp *Importer) revertUnwanted(trans *index.Transaction, view *index.View) {
	wanted := make(map[uint32]bool, len(imp.saves))
	for _, s := range imp.saves {
		wanted[s.assignedUID] = true
	}
	for _, rec := range view.Records() {
		if rec.UID <= imp.lastCommonUID || wanted[rec.UID] {
			continue
		}
		trans.Expunge(rec.UID, rec.GUID)
		imp.pendingRemovals = append(imp.pendingRemovals, rec.UID)
	}
}

// ChangesDuringSync reports whether UID assignment diverged from the
// remote's expectations; the caller re-runs sync with a regressed
// last_common_uid.
func (imp *Importer) ChangesDuringSync() bool { return imp.changesDuringSync }
