package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellogrid/internal/mutation"
)

func logEntry(t *testing.T, index uint64, cmd Command) *raft.Log {
	t.Helper()
	b, err := json.Marshal(cmd)
	require.NoError(t, err)
	return &raft.Log{Index: index, Data: b}
}

func TestFSM_ApplyProducesMutations(t *testing.T) {
	f := NewFSM()
	var seen []Applied
	f.OnApply(func(a Applied) { seen = append(seen, a) })

	f.Apply(logEntry(t, 3, Command{Op: OpPut, Cache: "c", Key: "a", Value: []byte("1")}))
	f.Apply(logEntry(t, 4, Command{Op: OpPut, Cache: "c", Key: "a", Value: []byte("2")}))
	f.Apply(logEntry(t, 5, Command{Op: OpRemove, Cache: "c", Key: "missing"}))
	f.Apply(logEntry(t, 6, Command{Op: OpExpire, Cache: "c", Key: "a"}))
	f.Apply(logEntry(t, 7, Command{Op: OpTruncate, Cache: "c"}))

	require.Len(t, seen, 5)
	assert.Equal(t, mutation.NewInsert("a", []byte("1"), 3), seen[0].Mutation)
	assert.Equal(t, mutation.NewUpdate("a", []byte("1"), []byte("2"), 4), seen[1].Mutation)
	assert.Zero(t, seen[2].Mutation.Kind)
	assert.True(t, seen[3].Mutation.Expired)
	assert.True(t, seen[4].Truncated)
	assert.True(t, seen[4].Mutation.IsClear())
	assert.Equal(t, uint64(7), f.Index())

	res := f.Apply(logEntry(t, 8, Command{Op: OpDestroy, Cache: "c"})).(Applied)
	assert.True(t, res.Destroyed)
	res = f.Apply(logEntry(t, 9, Command{Op: OpPut, Cache: "c", Key: "a"})).(Applied)
	require.ErrorIs(t, res.Err, ErrCacheDestroyed)
	_, _, err := f.Get("c", "a")
	require.ErrorIs(t, err, ErrCacheDestroyed)
}

type bufferSink struct {
	bytes.Buffer
	cancelled bool
}

func (b *bufferSink) ID() string    { return "test" }
func (b *bufferSink) Close() error  { return nil }
func (b *bufferSink) Cancel() error { b.cancelled = true; return nil }

func TestFSM_SnapshotRestore(t *testing.T) {
	f := NewFSM()
	f.Apply(logEntry(t, 1, Command{Op: OpPut, Cache: "c", Key: "a", Value: []byte("1")}))
	f.Apply(logEntry(t, 2, Command{Op: OpPut, Cache: "d", Key: "b", Value: []byte("2")}))

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &bufferSink{}
	require.NoError(t, snap.Persist(sink))
	require.False(t, sink.cancelled)

	restored := NewFSM()
	called := false
	restored.OnRestore(func() { called = true })
	require.NoError(t, restored.Restore(io.NopCloser(&sink.Buffer)))
	assert.True(t, called)
	assert.Equal(t, uint64(2), restored.Index())

	e, ok, err := restored.Get("d", "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Entry{Value: []byte("2"), Version: 2}, e)

	entries, marker, err := restored.Read("c", nil)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, uint64(2), marker)
}

func TestNode_InMemorySingleNode(t *testing.T) {
	fsm := NewFSM()
	n, err := NewNode(NodeOptions{NodeID: "n1", FSM: fsm, InMemory: true, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Eventually(t, n.IsLeader, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, n.WaitLeader(ctx))
	assert.Equal(t, "n1", n.LeaderID())

	resp, err := n.Apply(ctx, Command{Op: OpPut, Cache: "c", Key: "k", Value: []byte("v")})
	require.NoError(t, err)
	res, ok := resp.(Applied)
	require.True(t, ok)
	require.NoError(t, res.Err)
	assert.Equal(t, mutation.Insert, res.Mutation.Kind)

	e, found, err := fsm.Get("c", "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, res.Mutation.Version, e.Version)

	// idempotente: ya es miembro con la misma dirección
	require.NoError(t, n.AddVoter(ctx, "n1", n.RaftAddr()))
	require.NoError(t, n.RemoveServer(ctx, "ghost"))
	require.NoError(t, n.Barrier(ctx))
}
