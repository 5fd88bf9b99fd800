// Package dsync implements the two-way mailbox synchronization protocol:
// the mailbox tree reconciler, the per-mailbox exporter and importer, and
// the supporting fingerprint map and change queue.
package dsync

import (
	"io"

	"github.com/fenilsonani/mailstore/internal/guid"
	"github.com/fenilsonani/mailstore/internal/index"
)

// MailboxState opens the per-mailbox exchange: each side announces its
// UID space and how far the previous sync got.
type MailboxState struct {
	MailboxGUID         guid.GUID
	UIDValidity         uint32
	UIDNext             uint32
	FirstRecentUID      uint32
	HighestModseq       uint64
	HighestPvtModseq    uint64
	LastCommonUID       uint32
	LastCommonModseq    uint64
	LastCommonPvtModseq uint64
}

// ChangeType tags a Change.
type ChangeType int

const (
	// ChangeSave is a message the other side may not have yet.
	ChangeSave ChangeType = iota + 1
	// ChangeFlag is a flag or keyword delta on a common message.
	ChangeFlag
	// ChangeExpunge removes a common message.
	ChangeExpunge
)

// KeywordOp tags one keyword delta inside a Change.
type KeywordOp int

const (
	KeywordOpAdd KeywordOp = iota + 1
	KeywordOpRemove
	KeywordOpFinal // part of the authoritative final set
)

// KeywordChange is one keyword delta.
type KeywordChange struct {
	Op   KeywordOp
	Name string
}

// Change is one per-message delta in the dsync stream, emitted in
// strictly ascending UID order.
type Change struct {
	Type ChangeType
	UID  uint32

	// GUID identifies the message body; HdrHash substitutes when the
	// backend has no GUID support.
	GUID    guid.GUID
	HdrHash guid.GUID

	FinalFlags  index.Flags
	AddFlags    index.Flags
	RemoveFlags index.Flags

	KeywordChanges []KeywordChange

	Modseq        uint64
	PvtModseq     uint64
	SaveTimestamp int64
}

// MailRequest asks the exporter for one message body, by UID or GUID.
type MailRequest struct {
	UID  uint32
	GUID guid.GUID
}

// Mail carries one message body from exporter to importer, in request
// order.
type Mail struct {
	UID          uint32
	GUID         guid.GUID
	Body         io.ReadCloser
	Pop3UIDL     string
	Pop3Order    int
	ReceivedDate int64
}

// Done closes the per-mailbox exchange.
type Done struct {
	Success             bool
	ChangesDuringSync   bool
	LastCommonUID       uint32
	LastCommonModseq    uint64
	LastCommonPvtModseq uint64
}
