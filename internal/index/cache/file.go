// Package cache implements the per-mailbox append-only cache file: a
// record file carrying parsed message metadata (cached headers, body
// structure, sizes) keyed by per-field indexes, with an in-memory
// transaction layer and offline compression.
//
// The file is append-only: readers never need a lock, writers take the
// cache lock (lock #3 in the global order). Records form per-message
// chains linked by prevOffset; a chain terminates at offset 0.
package cache

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/fenilsonani/mailstore/internal/lock"
	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/mailerr"
)

// Filename is the cache file's name inside a mailbox directory.
const Filename = "dovecot.index.cache"

// cacheVersion gates byte compatibility; a mismatch unlinks the file.
const cacheVersion = 1

// compatSizeofUoffT gates architecture compatibility the same way.
const compatSizeofUoffT = 8

// headerSize is the fixed on-disk header size.
const headerSize = 64

type header struct {
	Version              uint32
	CompatSizeofUoffT    uint32
	IndexID              uint32
	FileSeq              uint32
	ContinuedRecordCount uint32
	HoleOffset           uint32
	UsedFileSize         uint32
	DeletedSpace         uint32
	FieldHeaderOffset    uint32
	RecordCount          uint32
	_                    [24]byte
}

// FieldType distinguishes fixed-size fields from variable-sized ones.
type FieldType uint32

const (
	FieldFixed FieldType = iota + 1
	FieldVariable
)

// Field describes one cacheable field. The file-local index is assigned
// in registration order and resolved through the field-header chain.
type Field struct {
	Index     uint32
	Name      string
	Type      FieldType
	FixedSize uint32
}

// Config carries the compression thresholds; see config.Cache.
type Config struct {
	DeletedPercent   int
	ContinuedPercent int
	MinSize          int
	MaxBufferSize    int
	LockMethod       string // fcntl or dotlock
	LockTimeout      time.Duration
	// ResetOnCorruption recreates a corrupted cache file instead of
	// surfacing the error. Version/identity mismatches are a silent
	// upgrade and always recreate regardless.
	ResetOnCorruption bool
}

// DefaultConfig returns the built-in thresholds.
func DefaultConfig() Config {
	return Config{
		DeletedPercent:    20,
		ContinuedPercent:  20,
		MinSize:           32 * 1024,
		MaxBufferSize:     256 * 1024,
		LockMethod:        "fcntl",
		LockTimeout:       2 * time.Minute,
		ResetOnCorruption: true,
	}
}

// Cache is one mailbox's cache file.
type Cache struct {
	dir  string
	path string
	cfg  Config
	log  *logging.Logger

	f   *os.File
	hdr header

	fields   []Field
	fieldIdx map[string]uint32

	// persistedFields counts fields already published in the on-disk
	// field-header chain; later registrations are published by the next
	// transaction flush.
	persistedFields int

	hdrMTime time.Time
}

// Open opens or creates the cache file in dir, binding it to the index
// identity. Version, architecture or identity mismatches unlink the file
// and start a fresh one (silent upgrade).
func Open(dir string, indexID uint32, cfg Config, logger *logging.Logger) (*Cache, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.MaxBufferSize == 0 {
		cfg = DefaultConfig()
	}
	c := &Cache{
		dir:      dir,
		path:     filepath.Join(dir, Filename),
		cfg:      cfg,
		log:      logger.Cache().WithFields("path", dir),
		fieldIdx: make(map[string]uint32),
	}

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindTransient, c.path, err)
	}
	c.f = f

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mailerr.Wrap(mailerr.KindTransient, c.path, err)
	}
	if fi.Size() == 0 {
		if err := c.initFile(indexID, 1); err != nil {
			f.Close()
			return nil, err
		}
		return c, nil
	}

	if err := c.mapFile(); err != nil {
		if !mailerr.IsKind(err, mailerr.KindCorrupted) || !cfg.ResetOnCorruption {
			f.Close()
			return nil, err
		}
		c.log.WithError(err).Warn("cache file unusable, recreating")
		if err := c.initFile(indexID, c.hdr.FileSeq+1); err != nil {
			f.Close()
			return nil, err
		}
		return c, nil
	}

	if c.hdr.Version != cacheVersion ||
		c.hdr.CompatSizeofUoffT != compatSizeofUoffT ||
		(indexID != 0 && c.hdr.IndexID != indexID) {
		c.log.Warn("cache file incompatible, recreating",
			"version", c.hdr.Version, "index_id", c.hdr.IndexID)
		f.Close()
		os.Remove(c.path)
		nf, err := os.OpenFile(c.path, os.O_CREATE|os.O_RDWR, 0600)
		if err != nil {
			return nil, mailerr.Wrap(mailerr.KindTransient, c.path, err)
		}
		c.f = nf
		if err := c.initFile(indexID, c.hdr.FileSeq+1); err != nil {
			nf.Close()
			return nil, err
		}
	}
	return c, nil
}

// initFile truncates and writes a fresh header with the given generation.
func (c *Cache) initFile(indexID, fileSeq uint32) error {
	c.hdr = header{
		Version:           cacheVersion,
		CompatSizeofUoffT: compatSizeofUoffT,
		IndexID:           indexID,
		FileSeq:           fileSeq,
		UsedFileSize:      headerSize,
	}
	c.fields = nil
	c.fieldIdx = make(map[string]uint32)
	c.persistedFields = 0

	if err := c.f.Truncate(0); err != nil {
		return mailerr.Wrap(mailerr.KindTransient, c.path, err)
	}
	return c.writeHeader()
}

func (c *Cache) writeHeader() error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, c.hdr)
	if _, err := c.f.WriteAt(buf.Bytes(), 0); err != nil {
		return mailerr.Wrap(mailerr.KindTransient, c.path, err)
	}
	if fi, err := c.f.Stat(); err == nil {
		c.hdrMTime = fi.ModTime()
	}
	return nil
}

// mapFile reads the header and field-header chain from disk.
func (c *Cache) mapFile() error {
	var buf [headerSize]byte
	if _, err := c.f.ReadAt(buf[:], 0); err != nil {
		return mailerr.Corrupted(c.path, 0, "short header: %v", err)
	}
	var hdr header
	binary.Read(bytes.NewReader(buf[:]), binary.LittleEndian, &hdr)

	fi, err := c.f.Stat()
	if err != nil {
		return mailerr.Wrap(mailerr.KindTransient, c.path, err)
	}
	// A torn write leaves used_file_size behind the physical size; the
	// excess tail is ignored and overwritten by the next append. The
	// reverse means the header lies.
	if int64(hdr.UsedFileSize) > fi.Size() {
		return mailerr.Corrupted(c.path, 0,
			"used_file_size %d beyond file size %d", hdr.UsedFileSize, fi.Size())
	}
	if hdr.UsedFileSize < headerSize {
		return mailerr.Corrupted(c.path, 0, "used_file_size %d below header", hdr.UsedFileSize)
	}

	fields, err := c.readFieldChain(hdr)
	if err != nil {
		return err
	}

	c.hdr = hdr
	c.fields = fields
	c.fieldIdx = make(map[string]uint32, len(fields))
	for _, f := range fields {
		c.fieldIdx[f.Name] = f.Index
	}
	c.persistedFields = len(fields)
	c.hdrMTime = fi.ModTime()
	return nil
}

// fieldBlock layout:
//
//	nextOffset u32, count u32,
//	count * (index u32, type u32, fixedSize u32, nameLen u32, name...)
func (c *Cache) readFieldChain(hdr header) ([]Field, error) {
	var fields []Field
	offset := hdr.FieldHeaderOffset
	var prev uint32
	for offset != 0 {
		if offset >= hdr.UsedFileSize || (prev != 0 && offset <= prev) {
			return nil, mailerr.Corrupted(c.path, int64(offset), "field header chain broken")
		}
		var fixed [8]byte
		if _, err := c.f.ReadAt(fixed[:], int64(offset)); err != nil {
			return nil, mailerr.Corrupted(c.path, int64(offset), "short field block: %v", err)
		}
		next := binary.LittleEndian.Uint32(fixed[0:4])
		count := binary.LittleEndian.Uint32(fixed[4:8])
		if count > 1024 {
			return nil, mailerr.Corrupted(c.path, int64(offset), "absurd field count %d", count)
		}

		pos := int64(offset) + 8
		for i := uint32(0); i < count; i++ {
			var fh [16]byte
			if _, err := c.f.ReadAt(fh[:], pos); err != nil {
				return nil, mailerr.Corrupted(c.path, pos, "short field entry: %v", err)
			}
			idx := binary.LittleEndian.Uint32(fh[0:4])
			typ := binary.LittleEndian.Uint32(fh[4:8])
			size := binary.LittleEndian.Uint32(fh[8:12])
			nameLen := binary.LittleEndian.Uint32(fh[12:16])
			if nameLen > 256 {
				return nil, mailerr.Corrupted(c.path, pos, "field name length %d", nameLen)
			}
			name := make([]byte, nameLen)
			if _, err := c.f.ReadAt(name, pos+16); err != nil {
				return nil, mailerr.Corrupted(c.path, pos, "short field name: %v", err)
			}
			fields = append(fields, Field{
				Index:     idx,
				Name:      string(name),
				Type:      FieldType(typ),
				FixedSize: size,
			})
			pos += 16 + int64(pad4(nameLen))
		}
		prev = offset
		offset = next
	}
	return fields, nil
}

func pad4(n uint32) uint32 { return (n + 3) &^ 3 }

// refresh re-reads the header when the file changed underneath us, so a
// long-lived reader eventually observes appended records and rotations.
func (c *Cache) refresh() error {
	fi, err := c.f.Stat()
	if err != nil {
		return mailerr.Wrap(mailerr.KindTransient, c.path, err)
	}
	if fi.ModTime() == c.hdrMTime {
		return nil
	}

	// Detect a rotated (compressed) file: reopen by path.
	nf, err := os.OpenFile(c.path, os.O_RDWR, 0600)
	if err != nil {
		return mailerr.Wrap(mailerr.KindStale, c.path, err)
	}
	c.f.Close()
	c.f = nf
	return c.mapFile()
}

// Close closes the underlying file.
func (c *Cache) Close() error { return c.f.Close() }

// Path returns the cache file path.
func (c *Cache) Path() string { return c.path }

// FileSeq returns the current file generation.
func (c *Cache) FileSeq() uint32 { return c.hdr.FileSeq }

// UsedSize returns used_file_size from the current header.
func (c *Cache) UsedSize() uint32 { return c.hdr.UsedFileSize }

// DeletedSpace returns the accounted dead bytes.
func (c *Cache) DeletedSpace() uint32 { return c.hdr.DeletedSpace }

// ContinuedRecordCount returns the number of chained records.
func (c *Cache) ContinuedRecordCount() uint32 { return c.hdr.ContinuedRecordCount }

// Fields returns the registered fields in file order.
func (c *Cache) Fields() []Field { return c.fields }

// RegisterField interns a field definition, returning its file-local
// index. Registration is in-memory until the next transaction flush
// publishes a new field-header block.
func (c *Cache) RegisterField(name string, typ FieldType, fixedSize uint32) uint32 {
	if idx, ok := c.fieldIdx[name]; ok {
		return idx
	}
	idx := uint32(len(c.fields))
	c.fields = append(c.fields, Field{Index: idx, Name: name, Type: typ, FixedSize: fixedSize})
	c.fieldIdx[name] = idx
	return idx
}

// FieldByName resolves a registered field.
func (c *Cache) FieldByName(name string) (Field, bool) {
	idx, ok := c.fieldIdx[name]
	if !ok {
		return Field{}, false
	}
	return c.fields[idx], true
}

// lockFile takes the cache write lock using the configured method.
func (c *Cache) lockFile() (func() error, error) {
	switch c.cfg.LockMethod {
	case "dotlock":
		dl, err := lock.AcquireDotlock(c.path, c.cfg.LockTimeout)
		if err != nil {
			return nil, err
		}
		return dl.Unlock, nil
	default:
		fl, err := lock.AcquireFcntl(c.f, c.path, c.cfg.LockTimeout)
		if err != nil {
			return nil, err
		}
		return fl.Unlock, nil
	}
}

// Lookup reads the value of field fieldIndex for the record chain rooted
// at offset, following prevOffset links from newest to oldest. Records
// past the mapped used_file_size are ignored until the header is
// re-mapped.
func (c *Cache) Lookup(offset uint32, fieldIndex uint32) ([]byte, error) {
	if err := c.refresh(); err != nil {
		return nil, err
	}
	seen := 0
	for offset != 0 {
		if offset+8 > c.hdr.UsedFileSize {
			// A reader can race a writer that published the offset
			// but not yet the header; treat as absent.
			return nil, nil
		}
		if seen++; seen > 10000 {
			return nil, mailerr.Corrupted(c.path, int64(offset), "record chain does not terminate")
		}

		var fixed [8]byte
		if _, err := c.f.ReadAt(fixed[:], int64(offset)); err != nil {
			return nil, mailerr.Wrap(mailerr.KindTransient, c.path, err)
		}
		prev := binary.LittleEndian.Uint32(fixed[0:4])
		size := binary.LittleEndian.Uint32(fixed[4:8])
		if prev != 0 && prev >= offset {
			return nil, mailerr.Corrupted(c.path, int64(offset),
				"prev_offset %d not below offset %d", prev, offset)
		}
		if offset+size > c.hdr.UsedFileSize || size < 8 {
			return nil, mailerr.Corrupted(c.path, int64(offset), "record size %d out of bounds", size)
		}

		data := make([]byte, size-8)
		if _, err := c.f.ReadAt(data, int64(offset)+8); err != nil {
			return nil, mailerr.Wrap(mailerr.KindTransient, c.path, err)
		}
		val, found, err := c.scanRecord(data, fieldIndex, int64(offset))
		if err != nil {
			return nil, err
		}
		if found {
			return val, nil
		}
		offset = prev
	}
	return nil, nil
}

// scanRecord walks one record's field list looking for fieldIndex.
func (c *Cache) scanRecord(data []byte, fieldIndex uint32, base int64) ([]byte, bool, error) {
	pos := 0
	for pos+4 <= len(data) {
		fi := binary.LittleEndian.Uint32(data[pos : pos+4])
		pos += 4
		if int(fi) >= len(c.fields) {
			return nil, false, mailerr.Corrupted(c.path, base+int64(pos),
				"field index %d not in header table", fi)
		}
		f := c.fields[fi]
		var size uint32
		if f.Type == FieldFixed {
			size = f.FixedSize
		} else {
			if pos+4 > len(data) {
				return nil, false, mailerr.Corrupted(c.path, base+int64(pos), "truncated field size")
			}
			size = binary.LittleEndian.Uint32(data[pos : pos+4])
			pos += 4
		}
		if pos+int(pad4(size)) > len(data) {
			return nil, false, mailerr.Corrupted(c.path, base+int64(pos), "field data out of bounds")
		}
		if fi == fieldIndex {
			return data[pos : pos+int(size)], true, nil
		}
		pos += int(pad4(size))
	}
	return nil, false, nil
}

// appendLocked writes raw bytes at used_file_size and advances it. The
// caller holds the cache lock. Returns the record's offset.
func (c *Cache) appendLocked(raw []byte) (uint32, error) {
	offset := c.hdr.UsedFileSize
	if _, err := c.f.WriteAt(raw, int64(offset)); err != nil {
		return 0, mailerr.Wrap(mailerr.KindTransient, c.path, err)
	}
	c.hdr.UsedFileSize += uint32(len(raw))
	return offset, nil
}
