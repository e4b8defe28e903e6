package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func cmd(seq uint64, payload string, tombstone bool) *Entry {
	return &Entry{Body: &CommandBody{Session: 1, Sequence: seq, Payload: []byte(payload), Tombstone: tombstone}}
}

func TestManagerAppendAssignsSequentialIndices(t *testing.T) {
	m, err := Open(t.TempDir(), 8, 1<<20)
	require.NoError(t, err)
	defer m.Close()

	i1, err := m.Append(cmd(1, "SET k v", false))
	require.NoError(t, err)
	require.EqualValues(t, 1, i1)

	i2, err := m.Append(cmd(2, "SET k w", false))
	require.NoError(t, err)
	require.EqualValues(t, 2, i2)

	require.EqualValues(t, 2, m.LastIndex())
	require.EqualValues(t, 1, m.FirstIndex())
}

func TestManagerGetReturnsNilForHole(t *testing.T) {
	m, err := Open(t.TempDir(), 8, 1<<20)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Append(cmd(1, "a", false))
	require.NoError(t, err)
	require.NoError(t, m.Skip(1))
	i3, err := m.Append(cmd(2, "b", false))
	require.NoError(t, err)
	require.EqualValues(t, 3, i3)

	require.Nil(t, m.Get(2))
	require.NotNil(t, m.Get(1))
	require.NotNil(t, m.Get(3))
}

func TestManagerRolloverCreatesNewSegmentOnMaxEntries(t *testing.T) {
	m, err := Open(t.TempDir(), 2, 1<<20)
	require.NoError(t, err)
	defer m.Close()

	for i := 0; i < 5; i++ {
		_, err := m.Append(cmd(uint64(i), "x", false))
		require.NoError(t, err)
	}
	require.Greater(t, len(m.Segments()), 1)
	require.EqualValues(t, 5, m.LastIndex())
}

func TestManagerTruncatePanicsBelowCommitIndex(t *testing.T) {
	m, err := Open(t.TempDir(), 8, 1<<20)
	require.NoError(t, err)
	defer m.Close()

	_, _ = m.Append(cmd(1, "a", false))
	_, _ = m.Append(cmd(2, "b", false))
	m.Commit(2)

	require.Panics(t, func() { m.Truncate(1) })
}

func TestManagerTruncateRemovesTrailingEntries(t *testing.T) {
	m, err := Open(t.TempDir(), 8, 1<<20)
	require.NoError(t, err)
	defer m.Close()

	_, _ = m.Append(cmd(1, "a", false))
	_, _ = m.Append(cmd(2, "b", false))
	_, _ = m.Append(cmd(3, "c", false))

	m.Truncate(1)
	require.EqualValues(t, 1, m.LastIndex())
	require.Nil(t, m.Get(2))
	require.Nil(t, m.Get(3))
}

func TestEntryEncodeDecodeRoundTrip(t *testing.T) {
	original := &Entry{Index: 42, Term: 7, Body: &CommandBody{
		Session: 3, Sequence: 9, Timestamp: 100, Payload: []byte("hello"), Consistency: ConsistencyLinearizable,
	}}
	record, err := EncodeRecord(original)
	require.NoError(t, err)

	decoded, err := Decode(bytes.NewReader(record))
	require.NoError(t, err)
	require.Equal(t, original.Index, decoded.Index)
	require.Equal(t, original.Term, decoded.Term)
	require.Equal(t, TypeCommand, decoded.Type())

	body := decoded.Body.(*CommandBody)
	require.EqualValues(t, 3, body.Session)
	require.EqualValues(t, 9, body.Sequence)
	require.Equal(t, []byte("hello"), body.Payload)
	require.Equal(t, ConsistencyLinearizable, body.Consistency)
}

func TestConfigurationEntryRoundTripsJointMembership(t *testing.T) {
	original := &Entry{Index: 5, Term: 1, Body: &ConfigurationBody{
		Version: 5,
		Members: []Member{{ID: "A", Type: MemberActive, ServerAddress: "a:1"}},
		Joint:   true,
		OldMembers: []Member{
			{ID: "A", Type: MemberActive, ServerAddress: "a:1"},
			{ID: "B", Type: MemberActive, ServerAddress: "b:1"},
		},
	}}
	record, err := EncodeRecord(original)
	require.NoError(t, err)
	decoded, err := Decode(bytes.NewReader(record))
	require.NoError(t, err)

	body := decoded.Body.(*ConfigurationBody)
	require.True(t, body.Joint)
	require.Len(t, body.OldMembers, 2)
	require.Len(t, body.Members, 1)
}

// TestMajorCompactionRemovesTombstoneOnlyAtOrBelowCompactIndex mirrors
// spec.md scenario S3: a Command `set k=v` at index 10 and a tombstone
// `delete k` at a later index are both cleaned; major compaction removes
// both only once major_compact_index has advanced to cover the tombstone.
func TestMajorCompactionRemovesTombstoneOnlyAtOrBelowCompactIndex(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, 1000, 1<<20)
	require.NoError(t, err)
	defer m.Close()

	for i := uint64(1); i <= 9; i++ {
		_, err := m.Append(cmd(i, "noop", false))
		require.NoError(t, err)
	}
	setIdx, err := m.Append(cmd(10, "SET k v", false))
	require.NoError(t, err)
	require.EqualValues(t, 10, setIdx)

	for i := uint64(11); i < 20; i++ {
		_, err := m.Append(cmd(i, "noop", false))
		require.NoError(t, err)
	}
	delIdx, err := m.Append(cmd(20, "DELETE k", true))
	require.NoError(t, err)

	m.Clean(setIdx)
	m.Clean(delIdx)

	segs := m.Segments()
	groups := GroupConsecutive(segs, len(segs))

	require.NoError(t, m.MajorCompact(groups, CompactionState{MajorCompactIndex: delIdx - 1}))
	require.NotNil(t, m.Get(delIdx), "tombstone above major_compact_index must be retained")

	segs = m.Segments()
	groups = GroupConsecutive(segs, len(segs))
	require.NoError(t, m.MajorCompact(groups, CompactionState{MajorCompactIndex: delIdx}))
	require.Nil(t, m.Get(setIdx), "cleaned non-tombstone below compact index must be removed")
	require.Nil(t, m.Get(delIdx), "tombstone at or below major_compact_index must be removed once cleaned")
}

func TestMinorCompactionDropsOnlyCleanedNonTombstones(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, 1000, 1<<20)
	require.NoError(t, err)
	defer m.Close()

	i1, _ := m.Append(cmd(1, "a", false))
	i2, _ := m.Append(cmd(2, "b", false))
	m.Clean(i1)

	seg := m.Segments()[0]
	require.NoError(t, m.MinorCompact(seg, CompactionState{}))

	require.Nil(t, m.Get(i1))
	require.NotNil(t, m.Get(i2))
}

func TestOpenReloadsLockedSegmentsFromDisk(t *testing.T) {
	dir := t.TempDir()
	m1, err := Open(dir, 2, 1<<20)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := m1.Append(cmd(uint64(i), "x", false))
		require.NoError(t, err)
	}
	require.NoError(t, m1.Close())

	m2, err := Open(dir, 2, 1<<20)
	require.NoError(t, err)
	defer m2.Close()
	require.EqualValues(t, 3, m2.LastIndex())
	require.NotNil(t, m2.Get(1))
	require.NotNil(t, m2.Get(3))
}

