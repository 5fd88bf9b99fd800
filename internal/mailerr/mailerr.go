// Package mailerr provides the typed error taxonomy shared by the mail
// store core. Every on-disk structure reports failures through these kinds
// so the sync driver can decide whether to recover locally, retry, or
// surface the error.
package mailerr

import (
	"errors"
	"fmt"
)

// Kind classifies a storage error.
type Kind int

const (
	// KindCorrupted means an on-disk structure violates an invariant
	// (bad version, misaligned size, UIDs out of order, offset past EOF).
	KindCorrupted Kind = iota + 1
	// KindStale means a reopened file was deleted or rotated underneath
	// us (the NFS ESTALE class).
	KindStale
	// KindBusy means a lock could not be acquired in time.
	KindBusy
	// KindTransient covers ENOSPC, EDQUOT and EIO on writes.
	KindTransient
	// KindNotFound means a referenced UID, GUID or mailbox does not exist.
	KindNotFound
	// KindDenied covers permission failures.
	KindDenied
)

// String returns the kind's log name.
func (k Kind) String() string {
	switch k {
	case KindCorrupted:
		return "corrupted"
	case KindStale:
		return "stale"
	case KindBusy:
		return "busy"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not found"
	case KindDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Error is a storage error with a kind and an on-disk location. Offset is
// -1 when no offset applies.
type Error struct {
	Kind   Kind
	Path   string
	Offset int64
	Msg    string
	Err    error
}

// Error implements the error interface. Corruption messages name the
// specific invariant violated and the file/offset.
func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Path != "" {
		s += " " + e.Path
	}
	if e.Offset >= 0 {
		s += fmt.Sprintf(" at offset %d", e.Offset)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind with no file location.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Offset: -1, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and file path.
func Wrap(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Offset: -1, Err: err}
}

// Corrupted reports an invariant violation at a specific file offset.
func Corrupted(path string, offset int64, format string, args ...any) *Error {
	return &Error{Kind: KindCorrupted, Path: path, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing UID, GUID or mailbox.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Offset: -1, Msg: fmt.Sprintf(format, args...)}
}

// Busy reports a lock acquisition timeout on path.
func Busy(path string, err error) *Error {
	return &Error{Kind: KindBusy, Path: path, Offset: -1, Err: err}
}

// IsKind reports whether err or any error it wraps has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		if e.Err == nil {
			break
		}
		err = e.Err
	}
	return false
}

// KindOf returns the kind of err, or 0 if err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
