package index

import (
	"github.com/fenilsonani/mailstore/internal/guid"
)

// Record is one message's index entry. Records are kept sorted by UID;
// UIDs are strictly increasing and never reused.
type Record struct {
	UID         uint32
	Flags       Flags
	Keywords    KeywordSet
	CacheOffset uint32
	Modseq      uint64
	PvtModseq   uint64
	GUID        guid.GUID
}

// recordBinarySize is the fixed on-disk size of one record.
const recordBinarySize = 4 + 4 + 4 + 4 + 8 + 8 + 16

// Header is the index file header. It carries everything a reader needs to
// decide whether the rest of its state is current.
type Header struct {
	Version          uint32
	IndexID          uint32
	UIDValidity      uint32
	NextUID          uint32
	MessageCount     uint32
	FirstRecentUID   uint32
	MinNextUID       uint32
	HighestModseq    uint64
	HighestPvtModseq uint64

	// LogFileSeq/LogTailOffset record how far the transaction log has
	// been folded into this index.
	LogFileSeq    uint32
	LogTailOffset uint32

	// CacheResetID equals the cache file's fileSeq exactly when the
	// per-record cache offsets are valid for that cache generation.
	CacheResetID uint32

	// NewMTime/CurMTime are the maildir directory stamps from the last
	// completed scan, used by the scanner's quick check.
	NewMTime int64
	CurMTime int64

	MailboxGUID guid.GUID
}
