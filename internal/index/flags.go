package index

import (
	"strings"

	"github.com/emersion/go-imap/v2"
)

// Flags is the per-message system flag bitset. The low bits are the IMAP
// system flags; bits 8 and up are reserved for backend-private use.
type Flags uint32

const (
	FlagSeen Flags = 1 << iota
	FlagAnswered
	FlagFlagged
	FlagDeleted
	FlagDraft
	FlagRecent
)

// flagBackendShift is the first backend-private bit.
const flagBackendShift = 8

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// imapFlagBits maps lowercased wire flag names onto bits. Keywords are not
// system flags and are handled by the keyword dictionary instead.
var imapFlagBits = map[imap.Flag]Flags{
	canonicalFlag(imap.FlagSeen):     FlagSeen,
	canonicalFlag(imap.FlagAnswered): FlagAnswered,
	canonicalFlag(imap.FlagFlagged):  FlagFlagged,
	canonicalFlag(imap.FlagDeleted):  FlagDeleted,
	canonicalFlag(imap.FlagDraft):    FlagDraft,
}

// FlagsFromIMAP converts wire flags into the bitset, returning any
// non-system flags as keyword names.
func FlagsFromIMAP(flags []imap.Flag) (Flags, []string) {
	var f Flags
	var keywords []string
	for _, fl := range flags {
		if bit, ok := imapFlagBits[canonicalFlag(fl)]; ok {
			f |= bit
		} else {
			keywords = append(keywords, string(fl))
		}
	}
	return f, keywords
}

// IMAP converts the bitset into wire flags. Recent is included; callers
// presenting permanent flags strip it themselves.
func (f Flags) IMAP() []imap.Flag {
	var out []imap.Flag
	if f.Has(FlagSeen) {
		out = append(out, imap.FlagSeen)
	}
	if f.Has(FlagAnswered) {
		out = append(out, imap.FlagAnswered)
	}
	if f.Has(FlagFlagged) {
		out = append(out, imap.FlagFlagged)
	}
	if f.Has(FlagDeleted) {
		out = append(out, imap.FlagDeleted)
	}
	if f.Has(FlagDraft) {
		out = append(out, imap.FlagDraft)
	}
	if f.Has(FlagRecent) {
		out = append(out, "\\Recent")
	}
	return out
}

func canonicalFlag(f imap.Flag) imap.Flag {
	return imap.Flag(strings.ToLower(string(f)))
}

// KeywordSet is a per-record keyword bitmap indexing into the mailbox's
// keyword dictionary. A mailbox supports up to 32 distinct keywords.
type KeywordSet uint32

// Has reports whether keyword index i is set.
func (k KeywordSet) Has(i int) bool { return k&(1<<uint(i)) != 0 }

// With returns the set with keyword index i added.
func (k KeywordSet) With(i int) KeywordSet { return k | 1<<uint(i) }

// Without returns the set with keyword index i removed.
func (k KeywordSet) Without(i int) KeywordSet { return k &^ (1 << uint(i)) }
