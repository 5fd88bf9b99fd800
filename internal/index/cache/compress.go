package cache

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/fenilsonani/mailstore/internal/mailerr"
)

// LiveRecord names one message's live chain head for compression: the
// 1-based sequence in the index and its current cache offset.
type LiveRecord struct {
	Seq    uint32
	Offset uint32
}

// NeedCompress reports whether the file has accumulated enough dead space
// or chained records to be worth rewriting. messageCount is the mailbox's
// live message count.
func (c *Cache) NeedCompress(messageCount int) bool {
	if int(c.hdr.UsedFileSize) < c.cfg.MinSize {
		return false
	}
	used := c.hdr.UsedFileSize
	if used == 0 {
		return false
	}
	if int(c.hdr.DeletedSpace)*100 >= int(used)*c.cfg.DeletedPercent {
		return true
	}
	if messageCount > 0 &&
		int(c.hdr.ContinuedRecordCount)*100 >= messageCount*c.cfg.ContinuedPercent {
		return true
	}
	return false
}

// Compress rewrites the cache into a new file generation: every live
// chain is collapsed into a single record (newest field value wins), dead
// records vanish, and the bound index transaction receives the remapped
// offsets plus the new reset_id. The caller holds the transaction-log
// lock; Compress takes the cache lock itself, preserving the acquisition
// order.
func (c *Cache) Compress(live []LiveRecord, binding IndexBinding) error {
	unlock, err := c.lockFile()
	if err != nil {
		return err
	}
	defer unlock()

	newSeq := c.hdr.FileSeq + 1
	tmpPath := c.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0600)
	if err != nil {
		return mailerr.Wrap(mailerr.KindTransient, tmpPath, err)
	}
	defer tmp.Close()

	newHdr := header{
		Version:           cacheVersion,
		CompatSizeofUoffT: compatSizeofUoffT,
		IndexID:           c.hdr.IndexID,
		FileSeq:           newSeq,
		UsedFileSize:      headerSize,
	}
	// Header space; rewritten with final values below.
	if _, err := tmp.Write(make([]byte, headerSize)); err != nil {
		return mailerr.Wrap(mailerr.KindTransient, tmpPath, err)
	}

	// Re-publish the full field table as one block.
	if len(c.fields) > 0 {
		var block bytes.Buffer
		binary.Write(&block, binary.LittleEndian, uint32(0))
		binary.Write(&block, binary.LittleEndian, uint32(len(c.fields)))
		for _, f := range c.fields {
			binary.Write(&block, binary.LittleEndian, f.Index)
			binary.Write(&block, binary.LittleEndian, uint32(f.Type))
			binary.Write(&block, binary.LittleEndian, f.FixedSize)
			binary.Write(&block, binary.LittleEndian, uint32(len(f.Name)))
			block.WriteString(f.Name)
			for i := uint32(len(f.Name)); i%4 != 0; i++ {
				block.WriteByte(0)
			}
		}
		if _, err := tmp.WriteAt(block.Bytes(), int64(newHdr.UsedFileSize)); err != nil {
			return mailerr.Wrap(mailerr.KindTransient, tmpPath, err)
		}
		newHdr.FieldHeaderOffset = newHdr.UsedFileSize
		newHdr.UsedFileSize += uint32(block.Len())
	}

	for _, lr := range live {
		if lr.Offset == 0 {
			continue
		}
		collapsed, err := c.collapseChain(lr.Offset)
		if err != nil {
			return err
		}
		if len(collapsed) == 0 {
			binding.UpdateCacheOffset(lr.Seq, 0)
			continue
		}

		var rec bytes.Buffer
		binary.Write(&rec, binary.LittleEndian, uint32(0)) // no prev: chains collapse
		binary.Write(&rec, binary.LittleEndian, uint32(8+len(collapsed)))
		rec.Write(collapsed)

		offset := newHdr.UsedFileSize
		if _, err := tmp.WriteAt(rec.Bytes(), int64(offset)); err != nil {
			return mailerr.Wrap(mailerr.KindTransient, tmpPath, err)
		}
		newHdr.UsedFileSize += uint32(rec.Len())
		newHdr.RecordCount++
		binding.UpdateCacheOffset(lr.Seq, offset)
	}

	var hdrBuf bytes.Buffer
	binary.Write(&hdrBuf, binary.LittleEndian, newHdr)
	if _, err := tmp.WriteAt(hdrBuf.Bytes(), 0); err != nil {
		return mailerr.Wrap(mailerr.KindTransient, tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		return mailerr.Wrap(mailerr.KindTransient, tmpPath, err)
	}

	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return mailerr.Wrap(mailerr.KindTransient, c.path, err)
	}

	// Swap our handle to the new generation.
	nf, err := os.OpenFile(c.path, os.O_RDWR, 0600)
	if err != nil {
		return mailerr.Wrap(mailerr.KindStale, c.path, err)
	}
	c.f.Close()
	c.f = nf
	if err := c.mapFile(); err != nil {
		return err
	}

	binding.SetCacheResetID(newSeq)
	c.log.Info("cache compressed", "file_seq", newSeq, "size", newHdr.UsedFileSize)
	return nil
}

// collapseChain merges a record chain into one field payload, keeping the
// newest value of each field (chains are walked newest-first).
func (c *Cache) collapseChain(offset uint32) ([]byte, error) {
	type fieldVal struct {
		index uint32
		data  []byte
	}
	var ordered []fieldVal
	seenField := make(map[uint32]bool)

	steps := 0
	for offset != 0 {
		if steps++; steps > 10000 {
			return nil, mailerr.Corrupted(c.path, int64(offset), "record chain does not terminate")
		}
		if offset+8 > c.hdr.UsedFileSize {
			break
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
		if size < 8 || offset+size > c.hdr.UsedFileSize {
			break
		}
		data := make([]byte, size-8)
		if _, err := c.f.ReadAt(data, int64(offset)+8); err != nil {
			return nil, mailerr.Wrap(mailerr.KindTransient, c.path, err)
		}

		pos := 0
		for pos+4 <= len(data) {
			fi := binary.LittleEndian.Uint32(data[pos : pos+4])
			pos += 4
			if int(fi) >= len(c.fields) {
				return nil, mailerr.Corrupted(c.path, int64(offset)+int64(pos), "field index %d unknown", fi)
			}
			f := c.fields[fi]
			var size uint32
			if f.Type == FieldFixed {
				size = f.FixedSize
			} else {
				if pos+4 > len(data) {
					return nil, mailerr.Corrupted(c.path, int64(offset)+int64(pos), "truncated field size")
				}
				size = binary.LittleEndian.Uint32(data[pos : pos+4])
				pos += 4
			}
			if pos+int(pad4(size)) > len(data) {
				return nil, mailerr.Corrupted(c.path, int64(offset)+int64(pos), "field data out of bounds")
			}
			if !seenField[fi] {
				seenField[fi] = true
				val := make([]byte, size)
				copy(val, data[pos:pos+int(size)])
				ordered = append(ordered, fieldVal{index: fi, data: val})
			}
			pos += int(pad4(size))
		}
		offset = prev
	}

	var payload bytes.Buffer
	for _, fv := range ordered {
		binary.Write(&payload, binary.LittleEndian, fv.index)
		f := c.fields[fv.index]
		if f.Type == FieldVariable {
			binary.Write(&payload, binary.LittleEndian, uint32(len(fv.data)))
		}
		payload.Write(fv.data)
		for i := uint32(len(fv.data)); i%4 != 0; i++ {
			payload.WriteByte(0)
		}
	}
	return payload.Bytes(), nil
}
