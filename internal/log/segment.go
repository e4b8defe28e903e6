package log

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/atomix/catalog/internal/disk"
)

// Descriptor is the fixed header of a segment file (spec.md §6): "header
// (descriptor: id: u64, version: u64, base_index: u64, max_size: u64,
// max_entries: u32, locked: bool, bytes)".
type Descriptor struct {
	ID         uint64
	Version    uint64
	BaseIndex  uint64
	MaxSize    int64
	MaxEntries uint32
	Locked     bool
	Bytes      int64
}

const descriptorSize = 8 + 8 + 8 + 8 + 4 + 1 + 8

func (d *Descriptor) write(buf disk.Buffer) error {
	if err := buf.WriteUint64(0, d.ID); err != nil {
		return err
	}
	if err := buf.WriteUint64(8, d.Version); err != nil {
		return err
	}
	if err := buf.WriteUint64(16, d.BaseIndex); err != nil {
		return err
	}
	if err := buf.WriteUint64(24, uint64(d.MaxSize)); err != nil {
		return err
	}
	if err := buf.WriteUint32(32, d.MaxEntries); err != nil {
		return err
	}
	if err := buf.WriteBool(36, d.Locked); err != nil {
		return err
	}
	return buf.WriteUint64(37, uint64(d.Bytes))
}

func readDescriptor(buf disk.Buffer) (Descriptor, error) {
	var d Descriptor
	var err error
	if d.ID, err = buf.ReadUint64(0); err != nil {
		return d, err
	}
	if d.Version, err = buf.ReadUint64(8); err != nil {
		return d, err
	}
	if d.BaseIndex, err = buf.ReadUint64(16); err != nil {
		return d, err
	}
	maxSize, err := buf.ReadUint64(24)
	if err != nil {
		return d, err
	}
	d.MaxSize = int64(maxSize)
	if d.MaxEntries, err = buf.ReadUint32(32); err != nil {
		return d, err
	}
	if d.Locked, err = buf.ReadBool(36); err != nil {
		return d, err
	}
	nbytes, err := buf.ReadUint64(37)
	if err != nil {
		return d, err
	}
	d.Bytes = int64(nbytes)
	return d, nil
}

// slot is one occupied or skipped offset within a segment.
type slot struct {
	present bool // false means a hole reserved by skip(n)
	entry   *Entry
	offset  int64 // byte offset of the {entry_length,type,payload} record, valid when present
	length  int64 // byte length of the record, valid when present
}

// Segment is one append-only (until locked) run of the replicated log,
// indexed by offset = index - base_index (spec.md "## Segment").
type Segment struct {
	mu sync.RWMutex

	desc Descriptor
	dir  string
	buf  disk.Buffer

	slots []slot // dense; slots[offset]
	clean []bool // parallel bitmap; clean[offset] == true once state machine cleaned it

	writeOffset int64 // next free byte offset for a new record, starts after descriptorSize
}

func segmentPath(dir string, id uint64, version uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d-%d.log", id, version))
}

// CreateSegment allocates a brand-new writable segment on disk.
func CreateSegment(dir string, desc Descriptor) (*Segment, error) {
	path := segmentPath(dir, desc.ID, desc.Version)
	fb, err := disk.OpenFile(path, descriptorSize)
	if err != nil {
		return nil, err
	}
	s := &Segment{desc: desc, dir: dir, buf: fb, writeOffset: descriptorSize}
	if err := s.desc.write(s.buf); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSegment loads a previously written, locked segment file back into
// memory, replaying its entry records and cleaned-offset bitmap.
func OpenSegment(path string) (*Segment, error) {
	fb, err := disk.OpenFile(path, descriptorSize)
	if err != nil {
		return nil, err
	}
	desc, err := readDescriptor(fb)
	if err != nil {
		fb.Close()
		return nil, err
	}
	s := &Segment{desc: desc, dir: filepath.Dir(path), buf: fb, writeOffset: descriptorSize}
	if err := s.replay(); err != nil {
		fb.Close()
		return nil, err
	}
	return s, nil
}

// replay reconstructs the in-memory slot table and clean bitmap from the
// entry records and trailing bitmap written to desc.Bytes.
func (s *Segment) replay() error {
	off := int64(descriptorSize)
	for off < int64(descriptorSize)+s.desc.Bytes {
		hdr := make([]byte, 4)
		if err := s.buf.ReadAt(off, hdr); err != nil {
			return err
		}
		length := binary.BigEndian.Uint32(hdr)
		if length == 0 {
			// hole marker: zero-length record reserves one offset.
			s.slots = append(s.slots, slot{present: false, offset: off, length: 4})
			s.clean = append(s.clean, false)
			off += 4
			s.writeOffset = off
			continue
		}
		record := make([]byte, length)
		if err := s.buf.ReadAt(off+4, record); err != nil {
			return err
		}
		entry, err := Decode(bytes.NewReader(record))
		if err != nil {
			return err
		}
		s.slots = append(s.slots, slot{present: true, entry: entry, offset: off, length: int64(4) + int64(length)})
		s.clean = append(s.clean, false)
		off += 4 + int64(length)
		s.writeOffset = off
	}

	bitmapBytes := (len(s.slots) + 7) / 8
	if bitmapBytes > 0 {
		bitmap := make([]byte, bitmapBytes)
		if err := s.buf.ReadAt(off, bitmap); err != nil {
			return err
		}
		for i := range s.clean {
			byteIdx, bit := i/8, uint(i%8)
			s.clean[i] = bitmap[byteIdx]&(1<<bit) != 0
		}
	}
	return nil
}

func (s *Segment) ID() uint64        { return s.desc.ID }
func (s *Segment) Version() uint64   { return s.desc.Version }
func (s *Segment) BaseIndex() uint64 { return s.desc.BaseIndex }
func (s *Segment) Locked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.desc.Locked
}

// Count returns the number of allocated offsets (present entries + holes).
func (s *Segment) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// LastIndex returns base_index + count - 1, or base_index-1 if empty.
func (s *Segment) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.slots) == 0 {
		if s.desc.BaseIndex == 0 {
			return 0
		}
		return s.desc.BaseIndex - 1
	}
	return s.desc.BaseIndex + uint64(len(s.slots)) - 1
}

func (s *Segment) offset(index uint64) int64 {
	if index < s.desc.BaseIndex {
		return -1
	}
	return int64(index - s.desc.BaseIndex)
}

// wouldOverflow reports whether appending an entry of the given encoded byte
// size would exceed this segment's rollover thresholds (spec.md §4.1).
func (s *Segment) wouldOverflow(entrySize int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if uint32(len(s.slots)) >= s.desc.MaxEntries {
		return true
	}
	return s.desc.Bytes+entrySize > s.desc.MaxSize
}

// EncodeRecord serializes entry as the record body written to a segment file:
// Encode's index u64, term u64, entry_type_id u16, then the type's payload.
// appendRecord writes the u32 entry_length in front of it. Exposed so
// callers can size an entry before committing to a segment.
func EncodeRecord(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, entry); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Append writes entry at the next offset and returns its assigned index.
func (s *Segment) Append(entry *Entry) (uint64, error) {
	record, err := EncodeRecord(entry)
	if err != nil {
		return 0, err
	}
	return s.appendRecord(entry, record)
}

func (s *Segment) appendRecord(entry *Entry, record []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.desc.BaseIndex + uint64(len(s.slots))
	entry.Index = index

	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(record)))
	if err := s.buf.WriteAt(s.writeOffset, hdr); err != nil {
		return 0, err
	}
	if err := s.buf.WriteAt(s.writeOffset+4, record); err != nil {
		return 0, err
	}

	rlen := int64(4 + len(record))
	s.slots = append(s.slots, slot{present: true, entry: entry, offset: s.writeOffset, length: rlen})
	s.clean = append(s.clean, false)
	s.writeOffset += rlen
	s.desc.Bytes = s.writeOffset - descriptorSize
	if err := s.desc.write(s.buf); err != nil {
		return 0, err
	}
	return index, nil
}

// Skip reserves n offsets as holes without entries (spec.md's `skip(n)`),
// persisting each as a zero-length record so replay reconstructs the hole.
func (s *Segment) Skip(n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero := make([]byte, 4)
	for i := uint64(0); i < n; i++ {
		if err := s.buf.WriteAt(s.writeOffset, zero); err != nil {
			return err
		}
		s.slots = append(s.slots, slot{present: false, offset: s.writeOffset, length: 4})
		s.clean = append(s.clean, false)
		s.writeOffset += 4
	}
	s.desc.Bytes = s.writeOffset - descriptorSize
	return s.desc.write(s.buf)
}

// Get returns the entry at index, or nil if it is absent (a hole) or out of
// range.
func (s *Segment) Get(index uint64) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	off := s.offset(index)
	if off < 0 || off >= int64(len(s.slots)) {
		return nil
	}
	sl := s.slots[off]
	if !sl.present {
		return nil
	}
	return sl.entry
}

// Truncate removes every slot with index > index. It does not check the
// commit index; Manager.Truncate panics before calling it when index falls
// below the commit index, per spec.md §4.1.
func (s *Segment) Truncate(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := s.offset(index)
	if off < -1 {
		return
	}
	keep := off + 1
	if keep < 0 {
		keep = 0
	}
	if keep >= int64(len(s.slots)) {
		return
	}
	s.slots = s.slots[:keep]
	s.clean = s.clean[:keep]
	if keep == 0 {
		s.writeOffset = descriptorSize
	} else {
		last := s.slots[keep-1]
		s.writeOffset = last.offset + last.length
	}
	s.desc.Bytes = s.writeOffset - descriptorSize
	_ = s.desc.write(s.buf)
	_ = s.buf.Truncate(s.writeOffset)
}

// Clean marks the offset for index as clean (state machine finished applying
// it; spec.md §4.1 "State-machine contract via clean").
func (s *Segment) Clean(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := s.offset(index)
	if off < 0 || off >= int64(len(s.clean)) {
		return
	}
	s.clean[off] = true
}

// IsClean reports whether offset off (not index) is marked clean.
func (s *Segment) IsClean(off int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if off < 0 || off >= len(s.clean) {
		return false
	}
	return s.clean[off]
}

// CleanPredicate returns a snapshot of the clean bitmap at the current
// instant, keyed by offset; compaction algorithms consult this instead of
// the live bitmap so cleans that race the compaction run don't affect it
// (spec.md §4.3 step 1).
func (s *Segment) CleanPredicate() func(offset int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make([]bool, len(s.clean))
	copy(snapshot, s.clean)
	return func(offset int) bool {
		if offset < 0 || offset >= len(snapshot) {
			return false
		}
		return snapshot[offset]
	}
}

// entryAt returns the raw slot at slot offset off (index - base_index, not a
// log index or a byte offset), used
// by compaction to walk a segment in ascending order regardless of holes.
func (s *Segment) entryAt(off int) (entry *Entry, present bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if off < 0 || off >= len(s.slots) {
		return nil, false
	}
	return s.slots[off].entry, s.slots[off].present
}

// Lock marks the segment immutable and durable; only locked segments are
// valid to read after a crash (spec.md §6).
func (s *Segment) Lock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desc.Locked = true
	if err := s.desc.write(s.buf); err != nil {
		return err
	}
	return s.writeBitmapAndSync()
}

// writeBitmapAndSync appends the dense cleaned-offset bitmap after the
// entry records (spec.md §6: "followed by a dense bitmap of cleaned
// offsets") and fsyncs.
func (s *Segment) writeBitmapAndSync() error {
	bitmapBytes := (len(s.clean) + 7) / 8
	bitmap := make([]byte, bitmapBytes)
	for i, c := range s.clean {
		if c {
			bitmap[i/8] |= 1 << uint(i%8)
		}
	}
	if len(bitmap) > 0 {
		if err := s.buf.WriteAt(s.writeOffset, bitmap); err != nil {
			return err
		}
	}
	return s.buf.Sync()
}

// Path returns the segment file's path on disk.
func (s *Segment) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return segmentPath(s.dir, s.desc.ID, s.desc.Version)
}

// Close releases the underlying file handle without deleting it.
func (s *Segment) Close() error {
	return s.buf.Close()
}

// Delete closes and removes the segment's backing file, used once a
// compacted replacement has been locked (spec.md "Lifecycles").
func (s *Segment) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if closer, ok := s.buf.(*disk.FileBuffer); ok {
		return closer.Delete()
	}
	if err := s.buf.Close(); err != nil {
		return err
	}
	return os.Remove(s.Path())
}
