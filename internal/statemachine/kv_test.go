package statemachine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeContext struct {
	index     uint64
	session   uint64
	published [][]byte
}

func (c *fakeContext) Index() uint64     { return c.index }
func (c *fakeContext) Timestamp() int64  { return 0 }
func (c *fakeContext) Session() uint64   { return c.session }
func (c *fakeContext) Publish(p []byte)  { c.published = append(c.published, p) }

func TestKVSetGetDel(t *testing.T) {
	kv := NewKV("A")
	ctx := &fakeContext{index: 1}

	res := kv.Apply(ctx, []byte("SET foo=bar"))
	require.NoError(t, res.Err)
	require.False(t, res.Tombstone)
	require.Len(t, ctx.published, 1)

	var ev Event
	require.NoError(t, json.Unmarshal(ctx.published[0], &ev))
	require.Equal(t, "SET", ev.Op)
	require.Equal(t, "foo", ev.Key)
	require.Equal(t, "bar", ev.Value)

	ctx.index = 2
	res = kv.Apply(ctx, []byte("GET foo"))
	require.NoError(t, res.Err)
	require.Equal(t, "bar", string(res.Payload))

	ctx.index = 3
	res = kv.Apply(ctx, []byte("DEL foo"))
	require.NoError(t, res.Err)
	require.True(t, res.Tombstone)

	ctx.index = 4
	res = kv.Apply(ctx, []byte("GET foo"))
	require.Error(t, res.Err)
}

func TestKVSnapshotRestore(t *testing.T) {
	kv := NewKV("A")
	ctx := &fakeContext{index: 1}
	kv.Apply(ctx, []byte("SET a=1"))
	kv.Apply(ctx, []byte("SET b=2"))

	data, err := kv.Snapshot()
	require.NoError(t, err)

	restored := NewKV("B")
	require.NoError(t, restored.Restore(data))

	res := restored.Apply(ctx, []byte("GET a"))
	require.NoError(t, res.Err)
	require.Equal(t, "1", string(res.Payload))
}

var _ Context = (*fakeContext)(nil)
