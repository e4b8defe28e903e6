package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/btree"
)

// DefaultMaxEntries and DefaultMaxSize are the segment rollover thresholds
// used when a Log is opened without explicit overrides (spec.md §4.1
// "Append either lands in the current writable segment or triggers rollover
// when entries >= max_entries or bytes + entry.size > max_size").
const (
	DefaultMaxEntries uint32 = 4096
	DefaultMaxSize    int64  = 32 << 20
)

// segmentItem orders segments in the manager's btree by base index, the
// lookup key spec.md's `offset(index) = index - base_index` is defined
// against. Grounded on gyuho-db's use of an ordered index (there: raft log
// unstable/stable slices; here: github.com/google/btree.BTree) to resolve
// "which segment holds index i" in O(log n) instead of a linear scan.
type segmentItem struct {
	baseIndex uint64
	segment   *Segment
}

func (a segmentItem) Less(than btree.Item) bool {
	return a.baseIndex < than.(segmentItem).baseIndex
}

// Manager owns the ordered set of segments making up one replicated log and
// handles rollover, truncation and compacted-segment replacement.
type Manager struct {
	mu sync.RWMutex

	dir         string
	nextID      uint64
	maxEntries  uint32
	maxSize     int64
	index       *btree.BTree // segmentItem ordered by baseIndex
	segments    []*Segment   // ascending, kept in sync with index for iteration
	commitIndex uint64
	lastIndex   uint64 // 0 means empty
}

// Open loads (or creates, if dir is empty) the segment set rooted at dir.
func Open(dir string, maxEntries uint32, maxSize int64) (*Manager, error) {
	if maxEntries == 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("log: mkdir %s: %w", dir, err)
	}

	m := &Manager{
		dir:        dir,
		maxEntries: maxEntries,
		maxSize:    maxSize,
		index:      btree.New(32),
	}

	loaded, err := loadSegments(dir)
	if err != nil {
		return nil, err
	}
	for _, seg := range loaded {
		m.install(seg)
		if seg.ID() >= m.nextID {
			m.nextID = seg.ID() + 1
		}
		if seg.Count() > 0 && seg.LastIndex() > m.lastIndex {
			m.lastIndex = seg.LastIndex()
		}
	}

	if len(m.segments) == 0 {
		seg, err := CreateSegment(dir, Descriptor{ID: m.nextID, Version: 0, BaseIndex: 1, MaxSize: maxSize, MaxEntries: maxEntries})
		if err != nil {
			return nil, err
		}
		m.nextID++
		m.install(seg)
	}
	return m, nil
}

// segmentFileName encodes {id}-{version}.log; loadSegments keeps only the
// highest version per id (earlier versions are pre-compaction leftovers a
// prior run crashed before deleting).
func loadSegments(dir string) ([]*Segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	bestVersion := map[uint64]uint64{}
	bestPath := map[uint64]string{}
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".log") {
			continue
		}
		id, version, ok := parseSegmentName(de.Name())
		if !ok {
			continue
		}
		if v, exists := bestVersion[id]; !exists || version > v {
			bestVersion[id] = version
			bestPath[id] = filepath.Join(dir, de.Name())
		}
	}

	ids := make([]uint64, 0, len(bestPath))
	for id := range bestPath {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	segments := make([]*Segment, 0, len(ids))
	for _, id := range ids {
		seg, err := OpenSegment(bestPath[id])
		if err != nil {
			return nil, err
		}
		if !seg.Locked() && seg.desc.Bytes == 0 {
			// A crash-orphaned empty unlocked segment from a rollover that
			// never got its first append; safe to reuse directly.
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func parseSegmentName(name string) (id, version uint64, ok bool) {
	base := strings.TrimSuffix(name, ".log")
	parts := strings.SplitN(base, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	idv, err1 := strconv.ParseUint(parts[0], 10, 64)
	verv, err2 := strconv.ParseUint(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return idv, verv, true
}

// install adds seg to both the btree index and the ascending slice.
func (m *Manager) install(seg *Segment) {
	m.index.ReplaceOrInsert(segmentItem{baseIndex: seg.BaseIndex(), segment: seg})
	m.segments = append(m.segments, seg)
	sort.Slice(m.segments, func(i, j int) bool { return m.segments[i].BaseIndex() < m.segments[j].BaseIndex() })
}

// segmentFor returns the segment whose range contains index, via a
// btree.DescendLessOrEqual walk from the candidate base index.
func (m *Manager) segmentFor(index uint64) *Segment {
	var found *Segment
	m.index.DescendLessOrEqual(segmentItem{baseIndex: index}, func(i btree.Item) bool {
		found = i.(segmentItem).segment
		return false
	})
	if found == nil {
		return nil
	}
	if index > found.LastIndex() && found.Count() > 0 {
		return nil
	}
	return found
}

func (m *Manager) writable() *Segment {
	if len(m.segments) == 0 {
		return nil
	}
	return m.segments[len(m.segments)-1]
}

// Append appends entry to the writable segment, rolling over first if it
// would overflow (spec.md §4.1).
func (m *Manager) Append(entry *Entry) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := EncodeRecord(entry)
	if err != nil {
		return 0, err
	}

	cur := m.writable()
	if cur.wouldOverflow(int64(4 + len(record))) {
		next, err := m.rollover(cur)
		if err != nil {
			return 0, err
		}
		cur = next
	}
	index, err := cur.appendRecord(entry, record)
	if err != nil {
		return 0, err
	}
	m.lastIndex = index
	return index, nil
}

// rollover locks the current segment and creates + installs its successor,
// whose base index continues immediately after the locked segment.
func (m *Manager) rollover(cur *Segment) (*Segment, error) {
	if err := cur.Lock(); err != nil {
		return nil, err
	}
	next, err := CreateSegment(m.dir, Descriptor{
		ID:         m.nextID,
		Version:    0,
		BaseIndex:  cur.LastIndex() + 1,
		MaxSize:    m.maxSize,
		MaxEntries: m.maxEntries,
	})
	if err != nil {
		return nil, err
	}
	m.nextID++
	m.install(next)
	return next, nil
}

// Skip reserves n indices as holes in the writable segment.
func (m *Manager) Skip(n uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable().Skip(n); err != nil {
		return err
	}
	m.lastIndex += n
	return nil
}

// Get returns the entry at index, or nil if absent.
func (m *Manager) Get(index uint64) *Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seg := m.segmentFor(index)
	if seg == nil {
		return nil
	}
	return seg.Get(index)
}

// FirstIndex returns the lowest index held by any segment, or 0 if empty.
func (m *Manager) FirstIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.segments) == 0 {
		return 0
	}
	return m.segments[0].BaseIndex()
}

// LastIndex returns the highest index appended so far, or 0 if empty.
func (m *Manager) LastIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastIndex
}

// IsEmpty reports whether the log holds no entries at all.
func (m *Manager) IsEmpty() bool {
	return m.LastIndex() == 0
}

// Commit records the highest index known committed; Truncate panics if asked
// to remove a committed entry (spec.md §4.1).
func (m *Manager) Commit(index uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index > m.commitIndex {
		m.commitIndex = index
	}
}

// Truncate removes every entry with index > index. Truncating below the
// commit index is a programming error and panics per spec.md §4.1.
func (m *Manager) Truncate(index uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < m.commitIndex {
		panic(fmt.Sprintf("log: refusing to truncate to %d below commit index %d", index, m.commitIndex))
	}

	kept := m.segments[:0:0]
	for _, seg := range m.segments {
		if seg.BaseIndex() > index {
			m.index.Delete(segmentItem{baseIndex: seg.BaseIndex()})
			_ = seg.Delete()
			continue
		}
		seg.Truncate(index)
		kept = append(kept, seg)
	}
	m.segments = kept
	m.lastIndex = index
}

// Clean marks index's offset clean in its owning segment.
func (m *Manager) Clean(index uint64) {
	m.mu.RLock()
	seg := m.segmentFor(index)
	m.mu.RUnlock()
	if seg != nil {
		seg.Clean(index)
	}
}

// Segments returns the ascending list of segments currently in the log, for
// use by the compactor.
func (m *Manager) Segments() []*Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Segment, len(m.segments))
	copy(out, m.segments)
	return out
}

// ReplaceSegments atomically swaps oldSegs (which must be a contiguous run
// at the front of m.segments, oldest-first) for a single replacement,
// deleting the originals afterward. Used by both minor compaction (len(old)
// == 1) and major compaction (len(old) > 1).
func (m *Manager) ReplaceSegments(oldSegs []*Segment, replacement *Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldIDs := make(map[uint64]bool, len(oldSegs))
	for _, s := range oldSegs {
		oldIDs[s.ID()] = true
	}

	next := make([]*Segment, 0, len(m.segments)-len(oldSegs)+1)
	inserted := false
	for _, s := range m.segments {
		if oldIDs[s.ID()] {
			m.index.Delete(segmentItem{baseIndex: s.BaseIndex()})
			if !inserted {
				next = append(next, replacement)
				inserted = true
			}
			continue
		}
		next = append(next, s)
	}
	if inserted {
		m.index.ReplaceOrInsert(segmentItem{baseIndex: replacement.BaseIndex(), segment: replacement})
	}
	m.segments = next

	for _, s := range oldSegs {
		if err := s.Delete(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every open segment file handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, s := range m.segments {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
