package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotWriteAndReadChunksRoundTrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	defer s.Close()

	w := s.NewSnapshot("kv", 100, 12345)
	require.NoError(t, w.WriteChunk([]byte("chunk-0")))
	require.NoError(t, w.WriteChunk([]byte("chunk-1")))
	require.NoError(t, w.Complete())

	chunks, err := s.ReadChunks("kv", 100)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("chunk-0"), []byte("chunk-1")}, chunks)
}

func TestSnapshotLatestReturnsHighestLockedIndex(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	defer s.Close()

	for _, idx := range []uint64{10, 20, 30} {
		w := s.NewSnapshot("kv", idx, 1)
		require.NoError(t, w.WriteChunk([]byte("x")))
		require.NoError(t, w.Complete())
	}

	latest, ok, err := s.Latest("kv")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 30, latest.Index)
}

func TestSnapshotUnlockedSnapshotUnreadable(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	defer s.Close()

	w := s.NewSnapshot("kv", 5, 1)
	require.NoError(t, w.WriteChunk([]byte("partial")))
	// never Complete()d

	_, err = s.ReadChunks("kv", 5)
	require.Error(t, err)
}

func TestOpenDeletesUnlockedSnapshotsFromPriorCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.db")
	s1, err := Open(path)
	require.NoError(t, err)
	w := s1.NewSnapshot("kv", 5, 1)
	require.NoError(t, w.WriteChunk([]byte("partial")))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	_, ok, err := s2.Latest("kv")
	require.NoError(t, err)
	require.False(t, ok)
}
