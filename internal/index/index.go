// Package index implements the per-mailbox binary index: the record file,
// the append-only transaction log, read-only views, in-memory transactions
// and the sync engine that folds the log into committed state.
package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fenilsonani/mailstore/internal/guid"
	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/mailerr"
)

// IndexFilename is the index file's name inside a mailbox directory.
const IndexFilename = "dovecot.index"

// indexVersion gates byte compatibility. A mismatch rebuilds the index.
const indexVersion = 1

// maxKeywords is the size of the per-mailbox keyword dictionary; keyword
// sets are stored as 32-bit bitmaps.
const maxKeywords = 32

type diskHeader struct {
	Version          uint32
	IndexID          uint32
	UIDValidity      uint32
	NextUID          uint32
	MessageCount     uint32
	FirstRecentUID   uint32
	MinNextUID       uint32
	HighestModseq    uint64
	HighestPvtModseq uint64
	LogFileSeq       uint32
	LogTailOffset    uint32
	CacheResetID     uint32
	KeywordCount     uint32
	NewMTime         int64
	CurMTime         int64
	MailboxGUID      [16]byte
}

type diskRecord struct {
	UID         uint32
	Flags       uint32
	Keywords    uint32
	CacheOffset uint32
	Modseq      uint64
	PvtModseq   uint64
	GUID        [16]byte
}

// Index is one mailbox's index state: the parsed header, the record array
// sorted by UID, and the keyword dictionary.
type Index struct {
	dir  string
	path string
	log  *logging.Logger

	hdr        Header
	records    []Record
	keywords   []string
	keywordIdx map[string]int

	mappedMTime time.Time
	mappedSize  int64
}

// Open reads the mailbox index in dir, creating a fresh one in memory if
// the file does not exist. A corrupted index is unlinked and rebuilt from
// the next source of truth when resetCorrupted is set; otherwise the
// corruption surfaces to the caller so an operator can intervene.
func Open(dir string, resetCorrupted bool, logger *logging.Logger) (*Index, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	idx := &Index{
		dir:        dir,
		path:       filepath.Join(dir, IndexFilename),
		log:        logger.Index().WithFields("path", dir),
		keywordIdx: make(map[string]int),
	}

	err := idx.Map()
	if err == nil {
		return idx, nil
	}
	if !mailerr.IsKind(err, mailerr.KindCorrupted) && !os.IsNotExist(err) {
		return nil, err
	}
	if mailerr.IsKind(err, mailerr.KindCorrupted) {
		if !resetCorrupted {
			return nil, err
		}
		// Unusable index: unlink and rebuild from the next source of
		// truth on the following sync.
		idx.log.WithError(err).Warn("index unusable, rebuilding")
		os.Remove(idx.path)
	}
	idx.reset()
	return idx, nil
}

// reset initializes a fresh empty index with a new identity.
func (idx *Index) reset() {
	idx.hdr = Header{
		Version:     indexVersion,
		IndexID:     rand.Uint32(),
		UIDValidity: uint32(time.Now().Unix()),
		NextUID:     1,
		MinNextUID:  1,
	}
	idx.records = nil
	idx.keywords = nil
	idx.keywordIdx = make(map[string]int)
}

// Map re-reads the index file from disk. A torn write (file shorter than
// the record count promises) is reported as Corrupted; Sync retries the
// map once before giving up.
func (idx *Index) Map() error {
	data, err := os.ReadFile(idx.path)
	if err != nil {
		return err
	}
	fi, err := os.Stat(idx.path)
	if err != nil {
		return err
	}

	r := bytes.NewReader(data)
	var dh diskHeader
	if err := binary.Read(r, binary.LittleEndian, &dh); err != nil {
		return mailerr.Corrupted(idx.path, 0, "short header: %v", err)
	}
	if dh.Version != indexVersion {
		return mailerr.Corrupted(idx.path, 0, "version %d, expected %d", dh.Version, indexVersion)
	}
	if dh.KeywordCount > maxKeywords {
		return mailerr.Corrupted(idx.path, 0, "keyword count %d exceeds %d", dh.KeywordCount, maxKeywords)
	}

	keywords := make([]string, 0, dh.KeywordCount)
	keywordIdx := make(map[string]int, dh.KeywordCount)
	for i := uint32(0); i < dh.KeywordCount; i++ {
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return mailerr.Corrupted(idx.path, int64(len(data))-int64(r.Len()), "truncated keyword table: %v", err)
		}
		buf := make([]byte, n)
		if _, err := r.Read(buf); err != nil {
			return mailerr.Corrupted(idx.path, int64(len(data))-int64(r.Len()), "truncated keyword name: %v", err)
		}
		keywordIdx[string(buf)] = len(keywords)
		keywords = append(keywords, string(buf))
	}

	records := make([]Record, 0, dh.MessageCount)
	var prevUID uint32
	for i := uint32(0); i < dh.MessageCount; i++ {
		var dr diskRecord
		if err := binary.Read(r, binary.LittleEndian, &dr); err != nil {
			return mailerr.Corrupted(idx.path, int64(len(data))-int64(r.Len()), "record %d truncated: %v", i+1, err)
		}
		if dr.UID <= prevUID {
			return mailerr.Corrupted(idx.path, int64(len(data))-int64(r.Len()), "UIDs out of order (%d after %d)", dr.UID, prevUID)
		}
		if dr.UID >= dh.NextUID {
			return mailerr.Corrupted(idx.path, int64(len(data))-int64(r.Len()), "UID %d >= next_uid %d", dr.UID, dh.NextUID)
		}
		prevUID = dr.UID
		records = append(records, Record{
			UID:         dr.UID,
			Flags:       Flags(dr.Flags),
			Keywords:    KeywordSet(dr.Keywords),
			CacheOffset: dr.CacheOffset,
			Modseq:      dr.Modseq,
			PvtModseq:   dr.PvtModseq,
			GUID:        guid.GUID(dr.GUID),
		})
	}

	idx.hdr = Header{
		Version:          dh.Version,
		IndexID:          dh.IndexID,
		UIDValidity:      dh.UIDValidity,
		NextUID:          dh.NextUID,
		MessageCount:     dh.MessageCount,
		FirstRecentUID:   dh.FirstRecentUID,
		MinNextUID:       dh.MinNextUID,
		HighestModseq:    dh.HighestModseq,
		HighestPvtModseq: dh.HighestPvtModseq,
		LogFileSeq:       dh.LogFileSeq,
		LogTailOffset:    dh.LogTailOffset,
		CacheResetID:     dh.CacheResetID,
		NewMTime:         dh.NewMTime,
		CurMTime:         dh.CurMTime,
		MailboxGUID:      guid.GUID(dh.MailboxGUID),
	}
	idx.records = records
	idx.keywords = keywords
	idx.keywordIdx = keywordIdx
	idx.mappedMTime = fi.ModTime()
	idx.mappedSize = fi.Size()
	return nil
}

// Write persists the index atomically (write-to-temp + rename).
func (idx *Index) Write() error {
	idx.hdr.MessageCount = uint32(len(idx.records))

	var buf bytes.Buffer
	dh := diskHeader{
		Version:          idx.hdr.Version,
		IndexID:          idx.hdr.IndexID,
		UIDValidity:      idx.hdr.UIDValidity,
		NextUID:          idx.hdr.NextUID,
		MessageCount:     idx.hdr.MessageCount,
		FirstRecentUID:   idx.hdr.FirstRecentUID,
		MinNextUID:       idx.hdr.MinNextUID,
		HighestModseq:    idx.hdr.HighestModseq,
		HighestPvtModseq: idx.hdr.HighestPvtModseq,
		LogFileSeq:       idx.hdr.LogFileSeq,
		LogTailOffset:    idx.hdr.LogTailOffset,
		CacheResetID:     idx.hdr.CacheResetID,
		KeywordCount:     uint32(len(idx.keywords)),
		NewMTime:         idx.hdr.NewMTime,
		CurMTime:         idx.hdr.CurMTime,
		MailboxGUID:      idx.hdr.MailboxGUID,
	}
	if err := binary.Write(&buf, binary.LittleEndian, dh); err != nil {
		return err
	}
	for _, kw := range idx.keywords {
		if err := binary.Write(&buf, binary.LittleEndian, uint16(len(kw))); err != nil {
			return err
		}
		buf.WriteString(kw)
	}
	for _, rec := range idx.records {
		dr := diskRecord{
			UID:         rec.UID,
			Flags:       uint32(rec.Flags),
			Keywords:    uint32(rec.Keywords),
			CacheOffset: rec.CacheOffset,
			Modseq:      rec.Modseq,
			PvtModseq:   rec.PvtModseq,
			GUID:        rec.GUID,
		}
		if err := binary.Write(&buf, binary.LittleEndian, dr); err != nil {
			return err
		}
	}

	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return mailerr.Wrap(mailerr.KindTransient, tmp, err)
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		os.Remove(tmp)
		return mailerr.Wrap(mailerr.KindTransient, idx.path, err)
	}
	if fi, err := os.Stat(idx.path); err == nil {
		idx.mappedMTime = fi.ModTime()
		idx.mappedSize = fi.Size()
	}
	return nil
}

// Dir returns the mailbox directory this index lives in.
func (idx *Index) Dir() string { return idx.dir }

// Header returns a copy of the current header.
func (idx *Index) Header() Header { return idx.hdr }

// SetMailboxGUID assigns the mailbox identity; used when a mailbox is
// first created or adopted by dsync.
func (idx *Index) SetMailboxGUID(g guid.GUID) { idx.hdr.MailboxGUID = g }

// SetUIDValidity resets the UID space identity.
func (idx *Index) SetUIDValidity(v uint32) { idx.hdr.UIDValidity = v }

// SetDirStamps records the maildir new/ and cur/ mtimes observed by a
// completed scan.
func (idx *Index) SetDirStamps(newMTime, curMTime int64) {
	idx.hdr.NewMTime = newMTime
	idx.hdr.CurMTime = curMTime
}

// MessageCount returns the number of live records.
func (idx *Index) MessageCount() int { return len(idx.records) }

// Record returns the record at 1-based sequence seq.
func (idx *Index) Record(seq int) (Record, bool) {
	if seq < 1 || seq > len(idx.records) {
		return Record{}, false
	}
	return idx.records[seq-1], true
}

// Lookup finds a record by UID, returning its 1-based sequence.
func (idx *Index) Lookup(uid uint32) (Record, int, bool) {
	i := sort.Search(len(idx.records), func(i int) bool {
		return idx.records[i].UID >= uid
	})
	if i < len(idx.records) && idx.records[i].UID == uid {
		return idx.records[i], i + 1, true
	}
	return Record{}, 0, false
}

// LookupGUID finds the first record with the given message GUID.
func (idx *Index) LookupGUID(g guid.GUID) (Record, int, bool) {
	for i, rec := range idx.records {
		if rec.GUID == g {
			return rec, i + 1, true
		}
	}
	return Record{}, 0, false
}

// Records returns the live record slice. Callers must not mutate it.
func (idx *Index) Records() []Record { return idx.records }

// Keywords returns the keyword dictionary in index order.
func (idx *Index) Keywords() []string { return idx.keywords }

// KeywordIndex resolves a keyword name to its dictionary index, interning
// it when create is set. The dictionary holds at most 32 names.
func (idx *Index) KeywordIndex(name string, create bool) (int, error) {
	if i, ok := idx.keywordIdx[name]; ok {
		return i, nil
	}
	if !create {
		return 0, mailerr.NotFound("keyword %q not in dictionary", name)
	}
	if len(idx.keywords) >= maxKeywords {
		return 0, mailerr.New(mailerr.KindTransient, "keyword dictionary full (%d names)", maxKeywords)
	}
	idx.keywordIdx[name] = len(idx.keywords)
	idx.keywords = append(idx.keywords, name)
	return len(idx.keywords) - 1, nil
}

// Stale reports whether the on-disk file changed since the last Map.
func (idx *Index) Stale() (bool, error) {
	fi, err := os.Stat(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx.mappedSize != 0, nil
		}
		return false, err
	}
	return fi.ModTime() != idx.mappedMTime || fi.Size() != idx.mappedSize, nil
}

// checkUIDOrder asserts the record array's UID monotonicity after an
// in-memory mutation.
func (idx *Index) checkUIDOrder() error {
	var prev uint32
	for i, rec := range idx.records {
		if rec.UID <= prev {
			return mailerr.Corrupted(idx.path, -1,
				"record %d: UID %d not above %d", i+1, rec.UID, prev)
		}
		prev = rec.UID
	}
	if n := len(idx.records); n > 0 && idx.records[n-1].UID >= idx.hdr.NextUID {
		return mailerr.Corrupted(idx.path, -1,
			"last UID %d >= next_uid %d", idx.records[n-1].UID, idx.hdr.NextUID)
	}
	return nil
}

func (idx *Index) String() string {
	return fmt.Sprintf("index(%s: %d messages, next_uid %d)", idx.dir, len(idx.records), idx.hdr.NextUID)
}
