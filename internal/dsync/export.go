package dsync

import (
	"github.com/fenilsonani/mailstore/internal/guid"
	"github.com/fenilsonani/mailstore/internal/index"
	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/mailerr"
	"github.com/fenilsonani/mailstore/internal/maildir"
)

// Exporter produces one mailbox's side of a dsync exchange: the state
// header, the UID-ascending change stream, and requested message bodies.
type Exporter struct {
	m   *maildir.Mailbox
	log *logging.Logger

	lastCommonUID    uint32
	lastCommonModseq uint64

	guidMap *GUIDMap
	changes []Change

	// expungedGUIDs collects bodies that vanished before transfer with
	// no surviving instance.
	expungedGUIDs []guid.GUID
}

// NewExporter scans the mailbox (log expunges plus current records) and
// prepares the change stream. The mailbox must already be synced from
// disk.
func NewExporter(m *maildir.Mailbox, lastCommonUID uint32, lastCommonModseq uint64, logger *logging.Logger) (*Exporter, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	e := &Exporter{
		m:                m,
		log:              logger.Dsync().WithFields("path", m.Dir()),
		lastCommonUID:    lastCommonUID,
		lastCommonModseq: lastCommonModseq,
		guidMap:          NewGUIDMap(),
	}
	if err := e.scan(); err != nil {
		return nil, err
	}
	return e, nil
}

// State returns the exporter side's mailbox state header.
func (e *Exporter) State() MailboxState {
	hdr := e.m.Index.Header()
	return MailboxState{
		MailboxGUID:      hdr.MailboxGUID,
		UIDValidity:      hdr.UIDValidity,
		UIDNext:          hdr.NextUID,
		FirstRecentUID:   hdr.FirstRecentUID,
		HighestModseq:    hdr.HighestModseq,
		HighestPvtModseq: hdr.HighestPvtModseq,
		LastCommonUID:    e.lastCommonUID,
		LastCommonModseq: e.lastCommonModseq,
	}
}

// scan walks the transaction log for expunges, then the live records for
// flag changes and saves, building the UID-ordered change stream.
func (e *Exporter) scan() error {
	queue := NewChangeQueue(true, e.lastCommonUID)

	// Expunges of messages the remote knows come from the log: the
	// records themselves are gone from the index.
	entries, err := e.m.Log.ReadAll()
	if err != nil && !mailerr.IsKind(err, mailerr.KindCorrupted) {
		return err
	}
	for _, ent := range entries {
		switch ent.Type {
		case index.RecExpunge:
			for uid := ent.UID1; uid <= ent.UID2 && uid != 0; uid++ {
				if uid <= e.lastCommonUID {
					queue.AddLocal(Change{Type: ChangeExpunge, UID: uid})
				}
			}
		case index.RecExpungeGUID:
			if ent.UID1 <= e.lastCommonUID {
				queue.AddLocal(Change{Type: ChangeExpunge, UID: ent.UID1, GUID: ent.GUID})
			}
		}
	}

	keywords := e.m.Index.Keywords()
	for i, rec := range e.m.Index.Records() {
		seq := uint32(i + 1)
		if !rec.GUID.Empty() {
			e.guidMap.Insert(rec.GUID, seq, rec.UID)
		}

		var kwChanges []KeywordChange
		for ki, name := range keywords {
			if rec.Keywords.Has(ki) {
				kwChanges = append(kwChanges, KeywordChange{Op: KeywordOpFinal, Name: name})
			}
		}

		if rec.UID > e.lastCommonUID {
			queue.AddLocal(Change{
				Type:           ChangeSave,
				UID:            rec.UID,
				HdrHash:        rec.GUID,
				FinalFlags:     rec.Flags &^ index.FlagRecent,
				KeywordChanges: kwChanges,
				Modseq:         rec.Modseq,
				PvtModseq:      rec.PvtModseq,
				SaveTimestamp:  e.m.ReceivedDate(rec.UID),
			})
			continue
		}
		if rec.Modseq > e.lastCommonModseq {
			queue.AddLocal(Change{
				Type:           ChangeFlag,
				UID:            rec.UID,
				HdrHash:        rec.GUID,
				FinalFlags:     rec.Flags &^ index.FlagRecent,
				KeywordChanges: kwChanges,
				Modseq:         rec.Modseq,
				PvtModseq:      rec.PvtModseq,
			})
		}
	}

	e.changes = queue.Changes()
	return nil
}

// Changes returns the change stream in strictly ascending UID order.
func (e *Exporter) Changes() []Change { return e.changes }

// Mails serves the requested bodies in request order. A body expunged
// before retrieval is retried against other known instances of its GUID;
// when none survive, the GUID lands on the expunged list instead of the
// output.
func (e *Exporter) Mails(requests []MailRequest) []Mail {
	var out []Mail
	for _, req := range requests {
		g := req.GUID
		if g.Empty() {
			if rec, _, ok := e.m.Index.Lookup(req.UID); ok {
				g = rec.GUID
			}
		}
		e.guidMap.MarkRequested(g)

		mail, ok := e.serveGUID(g, req.UID)
		if !ok {
			e.expungedGUIDs = append(e.expungedGUIDs, g)
			continue
		}
		out = append(out, mail)
	}
	return out
}

// serveGUID opens the body of any surviving instance of g.
func (e *Exporter) serveGUID(g guid.GUID, fallbackUID uint32) (Mail, bool) {
	for {
		inst, ok := e.guidMap.MarkSearched(g)
		if !ok {
			// No instance left to try; a direct UID open is the last
			// resort for GUID-less backends.
			if fallbackUID != 0 {
				if body, err := e.m.OpenMessage(fallbackUID); err == nil {
					return Mail{
						UID:          fallbackUID,
						GUID:         g,
						Body:         body,
						ReceivedDate: e.m.ReceivedDate(fallbackUID),
					}, true
				}
			}
			return Mail{}, false
		}

		body, err := e.m.OpenMessage(inst.UID)
		if err != nil {
			if mailerr.IsKind(err, mailerr.KindNotFound) {
				// Expunged between scan and transfer: try the next
				// instance.
				e.guidMap.MarkExpunged(g, inst.UID)
				continue
			}
			e.log.WithError(err).Warn("cannot open message body", "uid", inst.UID)
			e.guidMap.MarkExpunged(g, inst.UID)
			continue
		}
		return Mail{
			UID:          inst.UID,
			GUID:         g,
			Body:         body,
			ReceivedDate: e.m.ReceivedDate(inst.UID),
		}, true
	}
}

// ExpungedGUIDs lists bodies the remote wanted but no instance survived.
func (e *Exporter) ExpungedGUIDs() []guid.GUID { return e.expungedGUIDs }
