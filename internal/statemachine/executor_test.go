package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorAppliesInSubmissionOrder(t *testing.T) {
	kv := NewKV("n1")
	exec := NewExecutor(kv, nil)
	go exec.Run()
	defer exec.Close()

	r1 := exec.Apply(&ApplyRequest{Index: 1, Command: []byte("SET k=1")})
	require.NoError(t, r1.Err)

	r2 := exec.Apply(&ApplyRequest{Index: 2, Command: []byte("GET k")})
	require.NoError(t, r2.Err)
	assert.Equal(t, "1", string(r2.Payload))
}

func TestExecutorPublishAssignsAscendingEventSequence(t *testing.T) {
	kv := NewKV("n1")
	exec := NewExecutor(kv, nil)
	go exec.Run()
	defer exec.Close()

	var seqs []uint64
	exec.Apply(&ApplyRequest{
		Index:   1,
		Command: []byte("SET k=1"),
		OnPublish: func(eventSequence uint64, payload []byte) {
			seqs = append(seqs, eventSequence)
		},
	})

	require.Len(t, seqs, 1)
	assert.EqualValues(t, 0, seqs[0])
}

func TestExecutorSnapshotRestoreRoundTrip(t *testing.T) {
	kv := NewKV("n1")
	exec := NewExecutor(kv, nil)
	go exec.Run()
	defer exec.Close()

	exec.Apply(&ApplyRequest{Index: 1, Command: []byte("SET k=v")})
	data, err := exec.Snapshot()
	require.NoError(t, err)

	kv2 := NewKV("n2")
	exec2 := NewExecutor(kv2, nil)
	go exec2.Run()
	defer exec2.Close()

	require.NoError(t, exec2.Restore(data))
	r := exec2.Apply(&ApplyRequest{Index: 2, Command: []byte("GET k")})
	assert.Equal(t, "v", string(r.Payload))
}
