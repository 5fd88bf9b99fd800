package cache

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/fenilsonani/mailstore/internal/mailerr"
)

// IndexBinding is how a cache transaction talks to the enclosing index
// transaction: per-seq record offsets are read from and written into it,
// so cache offsets commit atomically with the index. The index side also
// carries the reset_id tying it to a cache file generation.
type IndexBinding interface {
	// CacheOffset returns seq's current record chain head, 0 if none.
	CacheOffset(seq uint32) uint32
	// UpdateCacheOffset points seq's extension slot at a new offset.
	UpdateCacheOffset(seq, offset uint32)
	// CacheResetID returns the index's recorded cache generation.
	CacheResetID() uint32
	// SetCacheResetID ties the index to a new cache generation.
	SetCacheResetID(id uint32)
}

// Transaction buffers cache adds in memory. Nothing reaches the file
// until the buffer exceeds the soft cap or Commit runs; per-seq offsets
// flow through the bound index transaction either way.
type Transaction struct {
	c       *Cache
	binding IndexBinding

	// pending adds per seq, in add order.
	pending map[uint32][]pendingAdd
	seqs    []uint32 // insertion order of first add per seq
	bufSize int

	// appendedBytes tracks flushed-but-uncommitted space so a rollback
	// can account it as deleted.
	appendedBytes uint32

	done bool
}

type pendingAdd struct {
	fieldIndex uint32
	data       []byte
}

// NewTransaction opens a cache transaction bound to an index transaction.
func (c *Cache) NewTransaction(binding IndexBinding) *Transaction {
	return &Transaction{
		c:       c,
		binding: binding,
		pending: make(map[uint32][]pendingAdd),
	}
}

// Add buffers one field value for seq. Fixed-size fields must be exactly
// their declared size. When the buffer crosses the soft cap the
// transaction flushes to disk under the cache lock.
func (t *Transaction) Add(seq uint32, fieldName string, data []byte) error {
	if t.done {
		return mailerr.New(mailerr.KindTransient, "cache transaction already finished")
	}
	f, ok := t.c.FieldByName(fieldName)
	if !ok {
		return mailerr.NotFound("cache field %q not registered", fieldName)
	}
	if f.Type == FieldFixed && uint32(len(data)) != f.FixedSize {
		return mailerr.New(mailerr.KindCorrupted,
			"field %q wants %d bytes, got %d", fieldName, f.FixedSize, len(data))
	}

	if _, seen := t.pending[seq]; !seen {
		t.seqs = append(t.seqs, seq)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	t.pending[seq] = append(t.pending[seq], pendingAdd{fieldIndex: f.Index, data: buf})
	t.bufSize += len(data) + 16

	if t.bufSize >= t.c.cfg.MaxBufferSize {
		return t.flush()
	}
	return nil
}

// flush appends every buffered record under the cache lock: new field
// definitions are published first, then one record per seq, each linked
// to the seq's previous chain head, then the header is updated.
func (t *Transaction) flush() error {
	if len(t.pending) == 0 {
		return nil
	}
	unlock, err := t.c.lockFile()
	if err != nil {
		return err
	}
	defer unlock()

	if err := t.publishFieldsLocked(); err != nil {
		return err
	}

	// Deterministic flush order keeps tests and crash states sane.
	seqs := make([]uint32, len(t.seqs))
	copy(seqs, t.seqs)
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	for _, seq := range seqs {
		adds := t.pending[seq]
		prev := t.binding.CacheOffset(seq)

		var payload bytes.Buffer
		for _, add := range adds {
			binary.Write(&payload, binary.LittleEndian, add.fieldIndex)
			f := t.c.fields[add.fieldIndex]
			if f.Type == FieldVariable {
				binary.Write(&payload, binary.LittleEndian, uint32(len(add.data)))
			}
			payload.Write(add.data)
			for i := uint32(len(add.data)); i%4 != 0; i++ {
				payload.WriteByte(0)
			}
		}

		var rec bytes.Buffer
		binary.Write(&rec, binary.LittleEndian, prev)
		binary.Write(&rec, binary.LittleEndian, uint32(8+payload.Len()))
		rec.Write(payload.Bytes())

		offset, err := t.c.appendLocked(rec.Bytes())
		if err != nil {
			return err
		}
		if prev != 0 {
			// Two adds for the same seq across flushes chain up.
			t.c.hdr.ContinuedRecordCount++
		}
		t.appendedBytes += uint32(rec.Len())
		t.binding.UpdateCacheOffset(seq, offset)
	}

	t.c.hdr.RecordCount += uint32(len(seqs))
	if err := t.c.writeHeader(); err != nil {
		return err
	}

	t.pending = make(map[uint32][]pendingAdd)
	t.seqs = nil
	t.bufSize = 0
	return nil
}

// publishFieldsLocked appends a field-header block for any fields
// registered since the last publication and links it into the chain. The
// caller holds the cache lock.
func (t *Transaction) publishFieldsLocked() error {
	c := t.c
	if t.binding.CacheResetID() != c.hdr.FileSeq {
		// The index is tied to another cache generation (or none yet);
		// the offsets this transaction records are valid for this one,
		// so re-tie the index with the same commit.
		t.binding.SetCacheResetID(c.hdr.FileSeq)
	}
	if c.persistedFields >= len(c.fields) {
		return nil
	}

	newFields := c.fields[c.persistedFields:]
	var block bytes.Buffer
	binary.Write(&block, binary.LittleEndian, uint32(0)) // nextOffset
	binary.Write(&block, binary.LittleEndian, uint32(len(newFields)))
	for _, f := range newFields {
		binary.Write(&block, binary.LittleEndian, f.Index)
		binary.Write(&block, binary.LittleEndian, uint32(f.Type))
		binary.Write(&block, binary.LittleEndian, f.FixedSize)
		binary.Write(&block, binary.LittleEndian, uint32(len(f.Name)))
		block.WriteString(f.Name)
		for i := uint32(len(f.Name)); i%4 != 0; i++ {
			block.WriteByte(0)
		}
	}

	offset, err := c.appendLocked(block.Bytes())
	if err != nil {
		return err
	}

	// Publish: link the new block from the end of the existing chain,
	// or from the header when it is the first block.
	if c.hdr.FieldHeaderOffset == 0 {
		c.hdr.FieldHeaderOffset = offset
	} else {
		last, err := c.lastFieldBlockOffset()
		if err != nil {
			return err
		}
		var next [4]byte
		binary.LittleEndian.PutUint32(next[:], offset)
		if _, err := c.f.WriteAt(next[:], int64(last)); err != nil {
			return mailerr.Wrap(mailerr.KindTransient, c.path, err)
		}
	}
	c.persistedFields = len(c.fields)
	return nil
}

// lastFieldBlockOffset walks the chain to its final block.
func (c *Cache) lastFieldBlockOffset() (uint32, error) {
	offset := c.hdr.FieldHeaderOffset
	for {
		var next [4]byte
		if _, err := c.f.ReadAt(next[:], int64(offset)); err != nil {
			return 0, mailerr.Corrupted(c.path, int64(offset), "field chain read: %v", err)
		}
		n := binary.LittleEndian.Uint32(next[:])
		if n == 0 {
			return offset, nil
		}
		offset = n
	}
}

// Commit flushes the remaining buffer. Per-seq offsets were already
// recorded into the bound index transaction; they become visible when
// that transaction commits.
func (t *Transaction) Commit() error {
	if t.done {
		return mailerr.New(mailerr.KindTransient, "cache transaction already finished")
	}
	if err := t.flush(); err != nil {
		return err
	}
	t.done = true
	return nil
}

// Rollback discards buffered adds. Bytes already flushed to the file are
// unreachable once the index transaction rolls back too; account them as
// deleted space so compression reclaims them.
func (t *Transaction) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.pending = nil
	t.seqs = nil

	if t.appendedBytes == 0 {
		return nil
	}
	unlock, err := t.c.lockFile()
	if err != nil {
		return err
	}
	defer unlock()
	t.c.hdr.DeletedSpace += t.appendedBytes
	return t.c.writeHeader()
}
