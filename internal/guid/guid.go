// Package guid implements the 128-bit message and mailbox identifiers used
// throughout the store: random GUIDs for new mailboxes, content-addressed
// GUIDs for message bodies, and header hashes for backends that cannot
// attach a GUID to a message.
package guid

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// GUID is a 128-bit identifier. The zero value means "absent".
type GUID [16]byte

// Empty reports whether g is the zero GUID.
func (g GUID) Empty() bool { return g == GUID{} }

// String returns the lowercase hex form.
func (g GUID) String() string { return hex.EncodeToString(g[:]) }

// Suffix returns a short form used for temporary mailbox names during tree
// sync: the first 8 hex digits.
func (g GUID) Suffix() string { return hex.EncodeToString(g[:4]) }

// Compare orders GUIDs bytewise.
func (g GUID) Compare(other GUID) int { return bytes.Compare(g[:], other[:]) }

// New returns a random GUID.
func New() GUID {
	return GUID(uuid.New())
}

// Parse decodes a 32-digit hex string.
func Parse(s string) (GUID, error) {
	var g GUID
	if len(s) != 32 {
		return g, fmt.Errorf("guid must be 32 hex digits, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return g, fmt.Errorf("invalid guid %q: %w", s, err)
	}
	copy(g[:], b)
	return g, nil
}

// FromBytes copies a 16-byte slice into a GUID.
func FromBytes(b []byte) (GUID, error) {
	var g GUID
	if len(b) != 16 {
		return g, fmt.Errorf("guid must be 16 bytes, got %d", len(b))
	}
	copy(g[:], b)
	return g, nil
}

// OfContent computes the content-addressed GUID of a message body.
func OfContent(r io.Reader) (GUID, error) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		return GUID{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return GUID{}, fmt.Errorf("failed to hash message body: %w", err)
	}
	var g GUID
	copy(g[:], h.Sum(nil))
	return g, nil
}

// hashedHeaders is the fixed header set a header hash digests, in order.
// Changing this set invalidates every stored header hash.
var hashedHeaders = []string{
	"date",
	"message-id",
	"from",
	"to",
	"cc",
	"subject",
	"in-reply-to",
	"references",
}

// HeaderHash digests the fixed header set of a message. It substitutes for
// a GUID when the backend has no native GUID support: two messages with the
// same header hash are treated as the same message by dsync.
//
// The reader must be positioned at the start of the message; only the
// header block (up to the first blank line) is consumed.
func HeaderHash(r io.Reader) (GUID, error) {
	wanted := make(map[string]string, len(hashedHeaders))

	br := bufio.NewReader(r)
	var curName, curValue string
	flush := func() {
		if curName != "" {
			if _, dup := wanted[curName]; !dup {
				wanted[curName] = curValue
			}
		}
		curName, curValue = "", ""
	}
	for {
		line, err := br.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Folded continuation line.
			curValue += " " + strings.TrimSpace(trimmed)
		} else {
			flush()
			if idx := strings.IndexByte(trimmed, ':'); idx > 0 {
				curName = strings.ToLower(strings.TrimSpace(trimmed[:idx]))
				curValue = strings.TrimSpace(trimmed[idx+1:])
			}
		}
		if err != nil {
			break
		}
	}
	flush()

	h, err := blake2b.New(16, nil)
	if err != nil {
		return GUID{}, err
	}
	for _, name := range hashedHeaders {
		io.WriteString(h, name)
		io.WriteString(h, ": ")
		io.WriteString(h, wanted[name])
		io.WriteString(h, "\n")
	}
	var g GUID
	copy(g[:], h.Sum(nil))
	return g, nil
}
