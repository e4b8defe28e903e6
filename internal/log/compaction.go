package log

import "fmt"

// CompactionState carries the two indices minor/major compaction consult
// (spec.md "Global Server State"): snapshot_index bounds discarding
// snapshottable entries outright, major_compact_index (== global_index,
// the minimum match index across all members) bounds discarding tombstones.
type CompactionState struct {
	SnapshotIndex     uint64
	MajorCompactIndex uint64
}

// MinorCompact rewrites a single segment in place (spec.md §4.2): entries
// are dropped only if cleaned AND (not a tombstone OR at/below
// major_compact_index); everything else, including holes, is preserved as a
// hole or a transferred entry so index arithmetic never shifts.
func (m *Manager) MinorCompact(seg *Segment, state CompactionState) error {
	cleaner := seg.CleanPredicate()

	replacement, err := CreateSegment(m.dir, Descriptor{
		ID:         seg.desc.ID,
		Version:    seg.desc.Version + 1,
		BaseIndex:  seg.desc.BaseIndex,
		MaxSize:    seg.desc.MaxSize,
		MaxEntries: seg.desc.MaxEntries,
	})
	if err != nil {
		return err
	}

	count := seg.Count()
	for off := 0; off < count; off++ {
		entry, present := seg.entryAt(off)
		if !present {
			if err := replacement.Skip(1); err != nil {
				return err
			}
			continue
		}
		index := seg.desc.BaseIndex + uint64(off)
		drop := cleaner(off) && (!entry.IsTombstone() || index <= state.MajorCompactIndex)
		if drop {
			if err := replacement.Skip(1); err != nil {
				return err
			}
			continue
		}
		if _, err := replacement.Append(entry); err != nil {
			return err
		}
	}

	// Replay cleaned offsets onto the replacement so the record of which
	// state changes already contributed to state persists (spec.md §4.2).
	for off := 0; off < count; off++ {
		if cleaner(off) {
			replacement.Clean(replacement.desc.BaseIndex + uint64(off))
		}
	}

	if err := replacement.Lock(); err != nil {
		return err
	}
	return m.ReplaceSegments([]*Segment{seg}, replacement)
}

// group is a consecutive run of segments major compaction combines into one.
type group struct {
	segments []*Segment
}

// GroupConsecutive partitions segs (already ascending) into contiguous runs
// no larger than maxGroup, the unit major compaction operates on (spec.md
// §4.3 step 2: "output's base index equals the first segment's base index").
func GroupConsecutive(segs []*Segment, maxGroup int) [][]*Segment {
	if maxGroup <= 0 {
		maxGroup = len(segs)
	}
	var groups [][]*Segment
	for i := 0; i < len(segs); i += maxGroup {
		end := i + maxGroup
		if end > len(segs) {
			end = len(segs)
		}
		groups = append(groups, segs[i:end])
	}
	return groups
}

// MajorCompact combines the segments in each group into a single segment,
// removing tombstones and snapshotted entries safely (spec.md §4.3),
// grounded step-for-step on Copycat's MajorCompactionTask: snapshot every
// group's clean predicates before rewriting any entry, then process groups
// in strict ascending log order so a crash mid-run can never leave a
// tombstone's target visible while the tombstone itself is gone.
func (m *Manager) MajorCompact(groups [][]*Segment, state CompactionState) error {
	type groupCleaners struct {
		segs     []*Segment
		cleaners []func(int) bool
	}

	snapshotted := make([]groupCleaners, len(groups))
	for gi, g := range groups {
		gc := groupCleaners{segs: g, cleaners: make([]func(int) bool, len(g))}
		for si, seg := range g {
			gc.cleaners[si] = seg.CleanPredicate()
		}
		snapshotted[gi] = gc
	}

	for _, gc := range snapshotted {
		if err := m.majorCompactGroup(gc.segs, gc.cleaners, state); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) majorCompactGroup(segs []*Segment, cleaners []func(int) bool, state CompactionState) error {
	if len(segs) == 0 {
		return nil
	}
	first := segs[0]

	maxSize := first.desc.MaxSize
	var maxEntries uint32 = first.desc.MaxEntries
	for _, s := range segs {
		if s.desc.MaxSize > maxSize {
			maxSize = s.desc.MaxSize
		}
		if s.desc.MaxEntries > maxEntries {
			maxEntries = s.desc.MaxEntries
		}
	}

	replacement, err := CreateSegment(m.dir, Descriptor{
		ID:         first.desc.ID,
		Version:    first.desc.Version + 1,
		BaseIndex:  first.desc.BaseIndex,
		MaxSize:    maxSize,
		MaxEntries: maxEntries,
	})
	if err != nil {
		return err
	}

	type cleanedOffset struct {
		segIdx, off int
	}
	var toReplay []cleanedOffset

	for si, seg := range segs {
		cleaner := cleaners[si]
		count := seg.Count()
		for off := 0; off < count; off++ {
			entry, present := seg.entryAt(off)
			index := seg.desc.BaseIndex + uint64(off)

			if !present {
				if err := replacement.Skip(1); err != nil {
					return err
				}
				continue
			}

			switch {
			case entry.IsSnapshottable() && index <= state.SnapshotIndex:
				if err := replacement.Skip(1); err != nil {
					return err
				}
			case !entry.IsTombstone() || index <= state.MajorCompactIndex:
				if cleaner(off) {
					if err := replacement.Skip(1); err != nil {
						return err
					}
				} else {
					if _, err := replacement.Append(entry); err != nil {
						return err
					}
				}
			default:
				// Tombstone above the major-compact index: must be retained.
				if _, err := replacement.Append(entry); err != nil {
					return err
				}
			}
			if cleaner(off) {
				toReplay = append(toReplay, cleanedOffset{si, off})
			}
		}
	}

	for _, co := range toReplay {
		seg := segs[co.segIdx]
		index := seg.desc.BaseIndex + uint64(co.off)
		replacement.Clean(index)
	}

	if err := replacement.Lock(); err != nil {
		return err
	}
	if err := m.ReplaceSegments(segs, replacement); err != nil {
		return fmt.Errorf("log: major compact group starting at %d: %w", first.BaseIndex(), err)
	}
	return nil
}
