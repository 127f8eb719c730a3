package file

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/tysonmote/gommap"
)

var enc = binary.BigEndian

const (
	storeFileSuffix = ".store"
	indexFileSuffix = ".index"

	// recordHeaderLen prefixes every stored record with its length.
	recordHeaderLen = 4

	// indexEntryWidth is one stored record position. Offsets within a
	// segment are dense and contiguous, so entry n always belongs to
	// baseOffset+n and only the store position needs recording.
	indexEntryWidth = 8
)

// segment owns one store/index file pair. The store file holds
// length-prefixed records back to back; the index is a memory-mapped
// array of record positions, grown to capacity up front so the mapping
// never moves.
//
// A segment has no locking of its own: the owning loglet serializes
// appends behind its write lock and reads behind its read lock, and
// records become visible to readers only after the release pointer
// advances, which happens after the append returned.
type segment struct {
	dataFile  *os.File
	indexFile *os.File
	indexMap  gommap.MMap

	baseOffset uint64
	// entries is the number of committed records; the next append lands
	// at baseOffset+entries.
	entries  uint64
	dataSize uint64

	maxEntries uint64
	maxBytes   uint64
}

func newSegment(dir string, baseOffset uint64, cfg Config) (*segment, error) {
	s := &segment{
		baseOffset: baseOffset,
		maxEntries: cfg.MaxIndexBytes / indexEntryWidth,
		maxBytes:   cfg.MaxStoreBytes,
	}
	// A segment that can hold nothing would make the roll loop spin.
	if s.maxEntries == 0 {
		s.maxEntries = 1
	}

	var err error
	s.dataFile, err = os.OpenFile(
		filepath.Join(dir, fmt.Sprintf("%d%s", baseOffset, storeFileSuffix)),
		os.O_RDWR|os.O_CREATE,
		0o644,
	)
	if err != nil {
		return nil, err
	}
	fi, err := s.dataFile.Stat()
	if err != nil {
		return nil, err
	}
	dataLen := uint64(fi.Size())

	s.indexFile, err = os.OpenFile(
		filepath.Join(dir, fmt.Sprintf("%d%s", baseOffset, indexFileSuffix)),
		os.O_RDWR|os.O_CREATE,
		0o644,
	)
	if err != nil {
		return nil, err
	}
	if err = os.Truncate(s.indexFile.Name(), int64(s.maxEntries*indexEntryWidth)); err != nil {
		return nil, err
	}
	if s.indexMap, err = gommap.Map(
		s.indexFile.Fd(),
		gommap.PROT_READ|gommap.PROT_WRITE,
		gommap.MAP_SHARED,
	); err != nil {
		return nil, err
	}

	if err := s.recover(dataLen); err != nil {
		return nil, err
	}
	return s, nil
}

// recover walks the index from the start, accepting entries as long as
// each position matches the running end of the previous record and the
// record fits inside the store file. Everything after the first mismatch
// is a torn or never-written tail and is discarded, truncating the store
// file back to the last intact record.
func (s *segment) recover(dataLen uint64) error {
	header := make([]byte, recordHeaderLen)
	var end uint64
	for s.entries < s.maxEntries {
		pos := enc.Uint64(s.indexMap[s.entries*indexEntryWidth:])
		if pos != end || pos+recordHeaderLen > dataLen {
			break
		}
		if _, err := s.dataFile.ReadAt(header, int64(pos)); err != nil {
			return err
		}
		recordEnd := pos + recordHeaderLen + uint64(enc.Uint32(header))
		if recordEnd > dataLen {
			break
		}
		end = recordEnd
		s.entries++
	}
	s.dataSize = end
	if end < dataLen {
		if err := s.dataFile.Truncate(int64(end)); err != nil {
			return err
		}
	}
	return nil
}

func (s *segment) nextOffset() uint64 {
	return s.baseOffset + s.entries
}

func (s *segment) full() bool {
	return s.entries >= s.maxEntries || s.dataSize >= s.maxBytes
}

// appendBatch stores as many records as still fit, with a single store
// write covering all of them, and stamps their index entries afterwards.
// It returns the first assigned offset and how many records were
// accepted; the caller rolls a new segment for the remainder. A record
// too large for the byte budget is still accepted into an otherwise
// empty segment so oversized records always land somewhere.
func (s *segment) appendBatch(payloads [][]byte) (first uint64, accepted int, err error) {
	var buf []byte
	positions := make([]uint64, 0, len(payloads))
	for _, p := range payloads {
		if s.entries+uint64(len(positions)) >= s.maxEntries {
			break
		}
		projected := s.dataSize + uint64(len(buf)) + recordHeaderLen + uint64(len(p))
		if (s.entries > 0 || len(positions) > 0) && projected > s.maxBytes {
			break
		}
		positions = append(positions, s.dataSize+uint64(len(buf)))
		var header [recordHeaderLen]byte
		enc.PutUint32(header[:], uint32(len(p)))
		buf = append(buf, header[:]...)
		buf = append(buf, p...)
	}
	if len(positions) == 0 {
		return 0, 0, nil
	}

	if _, err := s.dataFile.WriteAt(buf, int64(s.dataSize)); err != nil {
		return 0, 0, errors.Wrap(err, "write store")
	}
	for n, pos := range positions {
		entry := (s.entries + uint64(n)) * indexEntryWidth
		enc.PutUint64(s.indexMap[entry:entry+indexEntryWidth], pos)
	}

	first = s.nextOffset()
	s.dataSize += uint64(len(buf))
	s.entries += uint64(len(positions))
	return first, len(positions), nil
}

// read returns the record at the absolute offset.
func (s *segment) read(off uint64) ([]byte, error) {
	if off < s.baseOffset || off >= s.nextOffset() {
		return nil, errors.Errorf("offset %d outside segment [%d, %d)", off, s.baseOffset, s.nextOffset())
	}
	pos := enc.Uint64(s.indexMap[(off-s.baseOffset)*indexEntryWidth:])

	header := make([]byte, recordHeaderLen)
	if _, err := s.dataFile.ReadAt(header, int64(pos)); err != nil {
		return nil, err
	}
	payload := make([]byte, enc.Uint32(header))
	if _, err := s.dataFile.ReadAt(payload, int64(pos)+recordHeaderLen); err != nil {
		return nil, err
	}
	return payload, nil
}

// close syncs both files, trims the index back to its used length, and
// closes the pair.
func (s *segment) close() error {
	if err := s.indexMap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	if err := s.indexFile.Truncate(int64(s.entries * indexEntryWidth)); err != nil {
		return err
	}
	if err := s.indexFile.Close(); err != nil {
		return err
	}
	if err := s.dataFile.Sync(); err != nil {
		return err
	}
	return s.dataFile.Close()
}

// remove closes the segment and deletes its files.
func (s *segment) remove() error {
	if err := s.close(); err != nil {
		return err
	}
	if err := os.Remove(s.indexFile.Name()); err != nil {
		return err
	}
	return os.Remove(s.dataFile.Name())
}
