package index

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fenilsonani/mailstore/internal/guid"
	"github.com/fenilsonani/mailstore/internal/lock"
	"github.com/fenilsonani/mailstore/internal/mailerr"
)

// LogFilename is the transaction log's name inside a mailbox directory.
const LogFilename = "dovecot.index.log"

// logVersion gates byte compatibility of the log.
const logVersion = 1

// RecordType enumerates the replayable transaction record kinds.
type RecordType uint32

const (
	RecAppend RecordType = iota + 1
	RecExpunge
	RecExpungeGUID
	RecFlagUpdate
	RecKeywordUpdate
	RecKeywordReset
	RecHeaderUpdate
	RecIndexDeleted
	RecIndexUndeleted
)

// recExternalBit marks records whose effects are already present in the
// on-disk index view; sync skips them during the fold.
const recExternalBit uint32 = 0x80000000

// KeywordOp selects how a keyword update modifies the target set.
type KeywordOp uint8

const (
	KeywordAdd KeywordOp = iota + 1
	KeywordRemove
)

// logFileHeader sits at offset 0 of the log file.
type logFileHeader struct {
	Version uint32
	IndexID uint32
	FileSeq uint32
	_       uint32
}

const logFileHeaderSize = 16

// logRecordHeader prefixes every record: size covers header + payload.
type logRecordHeader struct {
	Size uint32
	Type uint32
	_    uint64
}

const logRecordHeaderSize = 16

// LogEntry is one decoded transaction record.
type LogEntry struct {
	Type     RecordType
	External bool

	// Expunge / flag-update UID range.
	UID1, UID2 uint32
	// ExpungeGUID target.
	GUID guid.GUID

	AddFlags    Flags
	RemoveFlags Flags

	Keyword   string
	KeywordOp KeywordOp
	UIDs      []uint32

	Appends []Record

	// HeaderUpdate payload.
	FirstRecentUID uint32
	MinNextUID     uint32
}

// Log is the append-only per-mailbox transaction log. All appends require
// the fcntl write lock; readers rely on record sizes and treat a torn tail
// as absent.
type Log struct {
	path string
	f    *os.File

	fileSeq uint32
	indexID uint32
}

// OpenLog opens or creates the transaction log in dir, binding it to the
// given index identity.
func OpenLog(dir string, indexID uint32) (*Log, error) {
	path := filepath.Join(dir, LogFilename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindTransient, path, err)
	}

	l := &Log{path: path, f: f, indexID: indexID}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mailerr.Wrap(mailerr.KindTransient, path, err)
	}

	if fi.Size() == 0 {
		if err := l.writeFileHeader(1); err != nil {
			f.Close()
			return nil, err
		}
		l.fileSeq = 1
		return l, nil
	}

	var fh logFileHeader
	if err := binary.Read(io.NewSectionReader(f, 0, logFileHeaderSize), binary.LittleEndian, &fh); err != nil {
		// A crash left a truncated file header; start a fresh
		// generation rather than refuse to open the mailbox.
		if err := l.writeFileHeader(1); err != nil {
			f.Close()
			return nil, err
		}
		return l, nil
	}
	if fh.Version != logVersion || (fh.IndexID != indexID && indexID != 0) {
		// Stale or foreign log: rotate to a new generation.
		if err := l.rotateLocked(fh.FileSeq + 1); err != nil {
			f.Close()
			return nil, err
		}
		return l, nil
	}
	l.fileSeq = fh.FileSeq
	return l, nil
}

func (l *Log) writeFileHeader(fileSeq uint32) error {
	var buf bytes.Buffer
	fh := logFileHeader{Version: logVersion, IndexID: l.indexID, FileSeq: fileSeq}
	binary.Write(&buf, binary.LittleEndian, fh)
	if err := l.f.Truncate(0); err != nil {
		return mailerr.Wrap(mailerr.KindTransient, l.path, err)
	}
	if _, err := l.f.WriteAt(buf.Bytes(), 0); err != nil {
		return mailerr.Wrap(mailerr.KindTransient, l.path, err)
	}
	l.fileSeq = fileSeq
	return nil
}

// rotateLocked truncates the log and starts a new file generation.
// The caller must hold the log lock (or be the only opener).
func (l *Log) rotateLocked(newSeq uint32) error {
	return l.writeFileHeader(newSeq)
}

// Close closes the underlying file.
func (l *Log) Close() error { return l.f.Close() }

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// FileSeq returns the current log file generation.
func (l *Log) FileSeq() uint32 { return l.fileSeq }

// Lock takes the exclusive fcntl write lock on the log. This is lock #2
// in the global acquisition order.
func (l *Log) Lock(timeout time.Duration) (*lock.FileLock, error) {
	return lock.AcquireFcntl(l.f, l.path, timeout)
}

// Head returns the current end offset of the log: where the next append
// will land and where a fully-synced index's tail points.
func (l *Log) Head() (uint32, error) {
	fi, err := l.f.Stat()
	if err != nil {
		return 0, mailerr.Wrap(mailerr.KindTransient, l.path, err)
	}
	return uint32(fi.Size()), nil
}

// validEnd walks record headers from the start and returns the offset of
// the first missing or torn record: the end of replayable data. A torn
// tail left by a dead writer is excluded and overwritten by the next
// append.
func (l *Log) validEnd() (uint32, error) {
	head, err := l.Head()
	if err != nil {
		return 0, err
	}
	if head < logFileHeaderSize {
		return logFileHeaderSize, nil
	}
	pos := uint32(logFileHeaderSize)
	hdrBuf := make([]byte, logRecordHeaderSize)
	for pos+logRecordHeaderSize <= head {
		if _, err := l.f.ReadAt(hdrBuf, int64(pos)); err != nil {
			return 0, mailerr.Wrap(mailerr.KindTransient, l.path, err)
		}
		var rh logRecordHeader
		binary.Read(bytes.NewReader(hdrBuf), binary.LittleEndian, &rh)
		if rh.Size < logRecordHeaderSize || pos+rh.Size > head {
			break
		}
		pos += rh.Size
	}
	return pos, nil
}

// Append serializes entries as one transaction after the last complete
// record, truncating any torn tail first. The caller must hold the log
// lock. Returns the new head offset.
func (l *Log) Append(entries []LogEntry) (uint32, error) {
	head, err := l.Head()
	if err != nil {
		return 0, err
	}
	if head < logFileHeaderSize {
		// A truncated file header means the file was being rotated
		// when we died. Rewrite it.
		if err := l.writeFileHeader(l.fileSeq); err != nil {
			return 0, err
		}
	}
	end, err := l.validEnd()
	if err != nil {
		return 0, err
	}
	if end < head {
		if err := l.f.Truncate(int64(end)); err != nil {
			return 0, mailerr.Wrap(mailerr.KindTransient, l.path, err)
		}
	}

	var buf bytes.Buffer
	for i := range entries {
		if err := encodeLogEntry(&buf, &entries[i]); err != nil {
			return 0, err
		}
	}
	if _, err := l.f.WriteAt(buf.Bytes(), int64(end)); err != nil {
		return 0, mailerr.Wrap(mailerr.KindTransient, l.path, err)
	}
	if err := l.f.Sync(); err != nil {
		return 0, mailerr.Wrap(mailerr.KindTransient, l.path, err)
	}
	return end + uint32(buf.Len()), nil
}

// ReadAll decodes every complete record in the current log generation.
func (l *Log) ReadAll() ([]LogEntry, error) {
	entries, _, err := l.ReadFrom(l.fileSeq, 0)
	return entries, err
}

// ReadFrom decodes every complete record in [offset, head). A torn record
// at the tail is ignored; the returned offset stops exactly before it so
// re-entry is cheap. A fileSeq mismatch or an offset pointing outside the
// file reports Corrupted, which the sync engine answers with fsck.
func (l *Log) ReadFrom(fileSeq, offset uint32) ([]LogEntry, uint32, error) {
	if fileSeq != l.fileSeq {
		return nil, 0, mailerr.Corrupted(l.path, 0,
			"log generation %d requested, file has %d", fileSeq, l.fileSeq)
	}
	head, err := l.Head()
	if err != nil {
		return nil, 0, err
	}
	if offset == 0 {
		offset = logFileHeaderSize
	}
	if offset > head {
		return nil, 0, mailerr.Corrupted(l.path, int64(offset),
			"tail offset %d past end of log %d", offset, head)
	}

	var entries []LogEntry
	pos := offset
	for pos+logRecordHeaderSize <= head {
		hdrBuf := make([]byte, logRecordHeaderSize)
		if _, err := l.f.ReadAt(hdrBuf, int64(pos)); err != nil {
			return nil, 0, mailerr.Wrap(mailerr.KindTransient, l.path, err)
		}
		var rh logRecordHeader
		binary.Read(bytes.NewReader(hdrBuf), binary.LittleEndian, &rh)

		if rh.Size < logRecordHeaderSize {
			return nil, 0, mailerr.Corrupted(l.path, int64(pos),
				"record size %d below header size", rh.Size)
		}
		if pos+rh.Size > head {
			// Torn tail: a concurrent writer died mid-append. The
			// next append overwrites it.
			break
		}

		payload := make([]byte, rh.Size-logRecordHeaderSize)
		if _, err := l.f.ReadAt(payload, int64(pos+logRecordHeaderSize)); err != nil {
			return nil, 0, mailerr.Wrap(mailerr.KindTransient, l.path, err)
		}
		entry, err := decodeLogEntry(rh.Type, payload)
		if err != nil {
			return nil, 0, mailerr.Corrupted(l.path, int64(pos), "undecodable record: %v", err)
		}
		entries = append(entries, entry)
		pos += rh.Size
	}
	return entries, pos, nil
}

func encodeLogEntry(buf *bytes.Buffer, e *LogEntry) error {
	var payload bytes.Buffer
	le := binary.LittleEndian

	w32 := func(v uint32) { binary.Write(&payload, le, v) }
	w64 := func(v uint64) { binary.Write(&payload, le, v) }

	switch e.Type {
	case RecExpunge, RecFlagUpdate:
		w32(e.UID1)
		w32(e.UID2)
		w32(uint32(e.AddFlags))
		w32(uint32(e.RemoveFlags))
	case RecExpungeGUID:
		w32(e.UID1)
		payload.Write(e.GUID[:])
	case RecKeywordUpdate:
		w32(uint32(e.KeywordOp))
		w32(uint32(len(e.Keyword)))
		payload.WriteString(e.Keyword)
		w32(uint32(len(e.UIDs)))
		for _, uid := range e.UIDs {
			w32(uid)
		}
	case RecKeywordReset:
		w32(e.UID1)
		w32(e.UID2)
	case RecAppend:
		w32(uint32(len(e.Appends)))
		for _, rec := range e.Appends {
			w32(rec.UID)
			w32(uint32(rec.Flags))
			w32(uint32(rec.Keywords))
			w32(rec.CacheOffset)
			w64(rec.Modseq)
			w64(rec.PvtModseq)
			payload.Write(rec.GUID[:])
		}
	case RecHeaderUpdate:
		w32(e.FirstRecentUID)
		w32(e.MinNextUID)
	case RecIndexDeleted, RecIndexUndeleted:
		// No payload.
	default:
		return mailerr.New(mailerr.KindCorrupted, "unknown log record type %d", e.Type)
	}

	typ := uint32(e.Type)
	if e.External {
		typ |= recExternalBit
	}
	rh := logRecordHeader{
		Size: uint32(logRecordHeaderSize + payload.Len()),
		Type: typ,
	}
	binary.Write(buf, le, rh)
	buf.Write(payload.Bytes())
	return nil
}

func decodeLogEntry(typ uint32, payload []byte) (LogEntry, error) {
	e := LogEntry{
		Type:     RecordType(typ &^ recExternalBit),
		External: typ&recExternalBit != 0,
	}
	r := bytes.NewReader(payload)
	le := binary.LittleEndian

	r32 := func() (uint32, error) {
		var v uint32
		err := binary.Read(r, le, &v)
		return v, err
	}
	r64 := func() (uint64, error) {
		var v uint64
		err := binary.Read(r, le, &v)
		return v, err
	}

	var err error
	switch e.Type {
	case RecExpunge, RecFlagUpdate:
		var add, remove uint32
		if e.UID1, err = r32(); err != nil {
			return e, err
		}
		if e.UID2, err = r32(); err != nil {
			return e, err
		}
		if add, err = r32(); err != nil {
			return e, err
		}
		if remove, err = r32(); err != nil {
			return e, err
		}
		e.AddFlags, e.RemoveFlags = Flags(add), Flags(remove)
	case RecExpungeGUID:
		if e.UID1, err = r32(); err != nil {
			return e, err
		}
		var g [16]byte
		if _, err = io.ReadFull(r, g[:]); err != nil {
			return e, err
		}
		e.GUID = guid.GUID(g)
	case RecKeywordUpdate:
		var op, n uint32
		if op, err = r32(); err != nil {
			return e, err
		}
		e.KeywordOp = KeywordOp(op)
		if n, err = r32(); err != nil {
			return e, err
		}
		name := make([]byte, n)
		if _, err = io.ReadFull(r, name); err != nil {
			return e, err
		}
		e.Keyword = string(name)
		if n, err = r32(); err != nil {
			return e, err
		}
		e.UIDs = make([]uint32, n)
		for i := range e.UIDs {
			if e.UIDs[i], err = r32(); err != nil {
				return e, err
			}
		}
	case RecKeywordReset:
		if e.UID1, err = r32(); err != nil {
			return e, err
		}
		if e.UID2, err = r32(); err != nil {
			return e, err
		}
	case RecAppend:
		var n uint32
		if n, err = r32(); err != nil {
			return e, err
		}
		e.Appends = make([]Record, n)
		for i := range e.Appends {
			rec := &e.Appends[i]
			var flags, kw uint32
			if rec.UID, err = r32(); err != nil {
				return e, err
			}
			if flags, err = r32(); err != nil {
				return e, err
			}
			if kw, err = r32(); err != nil {
				return e, err
			}
			if rec.CacheOffset, err = r32(); err != nil {
				return e, err
			}
			if rec.Modseq, err = r64(); err != nil {
				return e, err
			}
			if rec.PvtModseq, err = r64(); err != nil {
				return e, err
			}
			var g [16]byte
			if _, err = io.ReadFull(r, g[:]); err != nil {
				return e, err
			}
			rec.Flags, rec.Keywords, rec.GUID = Flags(flags), KeywordSet(kw), guid.GUID(g)
		}
	case RecHeaderUpdate:
		if e.FirstRecentUID, err = r32(); err != nil {
			return e, err
		}
		if e.MinNextUID, err = r32(); err != nil {
			return e, err
		}
	case RecIndexDeleted, RecIndexUndeleted:
	default:
		return e, mailerr.New(mailerr.KindCorrupted, "unknown record type %d", typ)
	}
	return e, nil
}
