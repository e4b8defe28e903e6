package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomix/catalog/internal/log"
)

func TestGobCodecName(t *testing.T) {
	assert.Equal(t, "gob", gobCodec{}.Name())
}

func TestGobCodecRoundTripsPlainStruct(t *testing.T) {
	c := gobCodec{}
	req := &VoteRequest{Term: 4, CandidateID: "n2", LastLogIndex: 9, LastLogTerm: 3}

	data, err := c.Marshal(req)
	require.NoError(t, err)

	out := new(VoteRequest)
	require.NoError(t, c.Unmarshal(data, out))
	assert.Equal(t, req, out)
}

// TestGobCodecRoundTripsEntryInterfaceField exercises the gob.Register fix
// in internal/log/entry.go: AppendRequest.Entries carries log.Entry.Body,
// an interface field, and gob cannot decode an interface value whose
// concrete type was never registered.
func TestGobCodecRoundTripsEntryInterfaceField(t *testing.T) {
	c := gobCodec{}
	req := &AppendRequest{
		Term:         7,
		LeaderID:     "n1",
		PrevLogIndex: 10,
		PrevLogTerm:  6,
		CommitIndex:  9,
		GlobalIndex:  9,
		Entries: []*log.Entry{
			{Index: 11, Term: 7, Body: &log.CommandBody{Session: 3, Sequence: 1, Payload: []byte("SET a=1")}},
			{Index: 12, Term: 7, Body: &log.NoOpBody{Timestamp: 42}},
			{Index: 13, Term: 7, Body: &log.ConfigurationBody{
				Version: 2,
				Members: []log.Member{{ID: "n1", Type: log.MemberActive, ServerAddress: "n1:9000"}},
			}},
		},
	}

	data, err := c.Marshal(req)
	require.NoError(t, err)

	out := new(AppendRequest)
	require.NoError(t, c.Unmarshal(data, out))

	require.Len(t, out.Entries, 3)
	cmd, ok := out.Entries[0].Body.(*log.CommandBody)
	require.True(t, ok)
	assert.Equal(t, "SET a=1", string(cmd.Payload))

	noop, ok := out.Entries[1].Body.(*log.NoOpBody)
	require.True(t, ok)
	assert.Equal(t, int64(42), noop.Timestamp)

	cfg, ok := out.Entries[2].Body.(*log.ConfigurationBody)
	require.True(t, ok)
	require.Len(t, cfg.Members, 1)
	assert.Equal(t, "n1:9000", string(cfg.Members[0].ServerAddress))
}
