// Package maildir implements the on-disk mail store: the new/cur/tmp
// directory scanner, the persistent UID list, and the mailbox driver that
// folds scan results into the index.
package maildir

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fenilsonani/mailstore/internal/index"
)

// flagSeparator starts the standard maildir info suffix.
const flagSeparator = ":2,"

// ParseFilename splits a maildir filename into its base component and the
// flags encoded in the :2, suffix. Two files with the same base name the
// same message.
func ParseFilename(name string) (base string, flags index.Flags) {
	idx := strings.Index(name, flagSeparator)
	if idx < 0 {
		return name, 0
	}
	base = name[:idx]
	for _, c := range name[idx+len(flagSeparator):] {
		switch c {
		case 'S':
			flags |= index.FlagSeen
		case 'R':
			flags |= index.FlagAnswered
		case 'F':
			flags |= index.FlagFlagged
		case 'T':
			flags |= index.FlagDeleted
		case 'D':
			flags |= index.FlagDraft
		}
	}
	return base, flags
}

// BuildFilename appends the :2, suffix for flags to base. Flag letters
// are emitted in ASCII order as maildir requires. Recent is a state, not
// a stored flag, and is never encoded.
func BuildFilename(base string, flags index.Flags) string {
	var letters strings.Builder
	if flags.Has(index.FlagDraft) {
		letters.WriteByte('D')
	}
	if flags.Has(index.FlagFlagged) {
		letters.WriteByte('F')
	}
	if flags.Has(index.FlagAnswered) {
		letters.WriteByte('R')
	}
	if flags.Has(index.FlagSeen) {
		letters.WriteByte('S')
	}
	if flags.Has(index.FlagDeleted) {
		letters.WriteByte('T')
	}
	return base + flagSeparator + letters.String()
}

// GenerateKey produces a fresh unique maildir base name in the
// conventional time.unique.host form.
func GenerateKey() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	host = strings.ReplaceAll(host, "/", "_")
	host = strings.ReplaceAll(host, ":", "_")
	return fmt.Sprintf("%d.M%sP%d.%s", time.Now().Unix(), hex.EncodeToString(buf), os.Getpid(), host)
}

// baseTimestamp extracts the numeric timestamp prefix of a base name for
// delivery-order sorting; names without one sort first.
func baseTimestamp(base string) int64 {
	idx := strings.IndexByte(base, '.')
	if idx < 0 {
		idx = len(base)
	}
	ts, err := strconv.ParseInt(base[:idx], 10, 64)
	if err != nil {
		return 0
	}
	return ts
}
