package meta

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atomix/catalog/internal/log"
)

func TestStoreTermAndVoteRoundTrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "server.meta"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.StoreTerm(7))
	require.NoError(t, s.StoreVotedFor("node-b"))

	term, err := s.LoadTerm()
	require.NoError(t, err)
	require.EqualValues(t, 7, term)

	vote, err := s.LoadVotedFor()
	require.NoError(t, err)
	require.Equal(t, "node-b", vote)
}

func TestStoreVotedForClearsOnEmptyString(t *testing.T) {
	s := OpenMemory()
	require.NoError(t, s.StoreVotedFor("node-a"))
	require.NoError(t, s.StoreVotedFor(""))

	vote, err := s.LoadVotedFor()
	require.NoError(t, err)
	require.Empty(t, vote)
}

func TestLoadConfigurationReturnsFalseWhenNeverStored(t *testing.T) {
	s := OpenMemory()
	_, ok, err := s.LoadConfiguration()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreConfigurationRoundTrip(t *testing.T) {
	s := OpenMemory()
	cfg := Configuration{
		Version: 3,
		Members: []log.Member{
			{ID: "A", Type: log.MemberActive, ServerAddress: "a:8080"},
			{ID: "B", Type: log.MemberPassive, ServerAddress: "b:8080"},
		},
	}
	require.NoError(t, s.StoreConfiguration(cfg))

	loaded, ok, err := s.LoadConfiguration()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 3, loaded.Version)
	require.Len(t, loaded.Members, 2)
	require.Equal(t, log.MemberPassive, loaded.Members[1].Type)
}
