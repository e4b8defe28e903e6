package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileBufferPrimitivesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buf.dat")
	b, err := OpenFile(path, 64)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.WriteUint64(0, 42))
	require.NoError(t, b.WriteUint32(8, 7))
	require.NoError(t, b.WriteUint16(12, 3))
	require.NoError(t, b.WriteBool(14, true))

	term, err := b.ReadUint64(0)
	require.NoError(t, err)
	require.EqualValues(t, 42, term)

	vote, err := b.ReadUint32(8)
	require.NoError(t, err)
	require.EqualValues(t, 7, vote)

	v16, err := b.ReadUint16(12)
	require.NoError(t, err)
	require.EqualValues(t, 3, v16)

	locked, err := b.ReadBool(14)
	require.NoError(t, err)
	require.True(t, locked)
}

func TestFileBufferAllocateGrowsWithoutTruncating(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buf.dat")
	b, err := OpenFile(path, 8)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.WriteUint64(0, 99))
	require.NoError(t, b.Allocate(1024))

	size, err := b.Size()
	require.NoError(t, err)
	require.EqualValues(t, 1024, size)

	v, err := b.ReadUint64(0)
	require.NoError(t, err)
	require.EqualValues(t, 99, v)
}

func TestMemBufferMatchesFileBufferBehavior(t *testing.T) {
	mb := NewMemBuffer(0)
	require.NoError(t, mb.WriteUint64(16, 123))
	v, err := mb.ReadUint64(16)
	require.NoError(t, err)
	require.EqualValues(t, 123, v)

	size, err := mb.Size()
	require.NoError(t, err)
	require.EqualValues(t, 24, size)
}
