package raft

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellogrid/internal/backing"
	"github.com/dropDatabas3/hellogrid/internal/mutation"
)

type sink struct {
	mu     sync.Mutex
	events []mutation.Mutation
	veto   error
}

func (s *sink) Deliver(_ context.Context, m mutation.Mutation, phase mutation.Phase) error {
	if phase == mutation.PreCommit {
		return s.veto
	}
	s.mu.Lock()
	s.events = append(s.events, m)
	s.mu.Unlock()
	return nil
}

func (s *sink) got() []mutation.Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mutation.Mutation(nil), s.events...)
}

func openSource(t *testing.T) *Source {
	t.Helper()
	src, err := backing.Open(context.Background(), backing.Config{
		Driver: driverName,
		Raft:   backing.RaftConfig{NodeID: "n1", InMemory: true},
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	rs := src.(*Source)
	require.Eventually(t, rs.Node().IsLeader, 5*time.Second, 10*time.Millisecond)
	return rs
}

func TestReplicatedStore(t *testing.T) {
	ctx := context.Background()
	src := openSource(t)
	st, err := src.Cache("users")
	require.NoError(t, err)
	rec := &sink{}
	st.Subscribe(rec)

	v1, err := st.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)
	v2, err := st.Put(ctx, "a", []byte("2"))
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	got, ok, err := st.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v2, got.Version)

	snap, err := st.Snapshot(ctx, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.Version, v2)
	assert.Len(t, snap.Entries, 1)

	_, ok, err = st.Expire(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	// el hook de la FSM corre antes de que Apply vuelva en el leader
	ev := rec.got()
	require.Len(t, ev, 3)
	assert.Equal(t, mutation.NewInsert("a", []byte("1"), v1), ev[0])
	assert.Equal(t, mutation.NewUpdate("a", []byte("1"), []byte("2"), v2), ev[1])
	assert.True(t, ev[2].Expired)
}

func TestPreCommitVeto(t *testing.T) {
	ctx := context.Background()
	src := openSource(t)
	st, err := src.Cache("guarded")
	require.NoError(t, err)
	rec := &sink{veto: errors.New("no")}
	st.Subscribe(rec)

	_, err = st.Put(ctx, "a", []byte("1"))
	require.Error(t, err)
	_, ok, err := st.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, rec.got())
}

func TestLifecycleSignals(t *testing.T) {
	ctx := context.Background()
	src := openSource(t)
	st, err := src.Cache("lc")
	require.NoError(t, err)
	var kinds []backing.LifecycleKind
	var mu sync.Mutex
	st.WatchLifecycle(func(l backing.Lifecycle) {
		mu.Lock()
		kinds = append(kinds, l.Kind)
		mu.Unlock()
	})

	_, err = st.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)
	require.NoError(t, st.Truncate(ctx))
	src.PeerChanged("n2", true)
	src.PeerChanged("n3", false)
	src.onRestore()
	require.NoError(t, st.Destroy(ctx))

	_, err = st.Put(ctx, "a", []byte("1"))
	require.ErrorIs(t, err, backing.ErrDestroyed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []backing.LifecycleKind{
		backing.Truncated,
		backing.MemberLeft,
		backing.Disconnected,
		backing.Reconnected,
		backing.Destroyed,
	}, kinds)
}
