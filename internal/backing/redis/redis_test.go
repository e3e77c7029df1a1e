package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rdb "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellogrid/internal/backing"
	"github.com/dropDatabas3/hellogrid/internal/mutation"
)

type collector struct {
	mu      sync.Mutex
	events  []mutation.Mutation
	signals []backing.LifecycleKind
}

func (c *collector) Deliver(_ context.Context, m mutation.Mutation, phase mutation.Phase) error {
	if phase == mutation.PostCommit {
		c.mu.Lock()
		c.events = append(c.events, m)
		c.mu.Unlock()
	}
	return nil
}

func (c *collector) signal(l backing.Lifecycle) {
	c.mu.Lock()
	c.signals = append(c.signals, l.Kind)
	c.mu.Unlock()
}

func (c *collector) got() []mutation.Mutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mutation.Mutation(nil), c.events...)
}

func (c *collector) kinds() []backing.LifecycleKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]backing.LifecycleKind(nil), c.signals...)
}

func newSource(t *testing.T, mr *miniredis.Miniredis) *Source {
	t.Helper()
	client := rdb.NewClient(&rdb.Options{Addr: mr.Addr()})
	src := NewSource(client, Options{
		Prefix:           "test:",
		Logger:           zap.NewNop(),
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		OwnsClient:       true,
	})
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func watch(t *testing.T, src *Source, name string) (*Store, *collector) {
	t.Helper()
	st, err := src.Cache(context.Background(), name)
	require.NoError(t, err)
	c := &collector{}
	st.Subscribe(c)
	st.WatchLifecycle(c.signal)
	return st, c
}

func TestFrameCodec(t *testing.T) {
	f := frame{op: opUpdate, version: 42, key: "a:b,c", old: []byte{}, new: []byte("1:2,3")}
	got, err := decodeFrame(encodeFrame(f))
	require.NoError(t, err)
	assert.Equal(t, f, got)

	m, err := got.mutation()
	require.NoError(t, err)
	assert.Equal(t, mutation.NewUpdate("a:b,c", []byte{}, []byte("1:2,3"), 42), m)

	_, err = decodeFrame("3:abc")
	require.ErrorIs(t, err, errBadFrame)
}

func TestPutGetRemoveStream(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	st, c := watch(t, newSource(t, mr), "users")

	v1, err := st.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)
	v2, err := st.Put(ctx, "a", []byte("2"))
	require.NoError(t, err)
	assert.Equal(t, v1+1, v2)

	got, ok, err := st.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, backing.Versioned{Value: []byte("2"), Version: v2}, got)

	v3, existed, err := st.Remove(ctx, "a")
	require.NoError(t, err)
	require.True(t, existed)
	_, existed, err = st.Remove(ctx, "a")
	require.NoError(t, err)
	assert.False(t, existed)

	_, ok, err = st.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.Eventually(t, func() bool { return len(c.got()) == 3 }, 2*time.Second, 5*time.Millisecond)
	ev := c.got()
	assert.Equal(t, mutation.NewInsert("a", []byte("1"), v1), ev[0])
	assert.Equal(t, mutation.NewUpdate("a", []byte("1"), []byte("2"), v2), ev[1])
	assert.Equal(t, mutation.NewDelete("a", []byte("2"), v3), ev[2])
}

func TestStreamReachesOtherClients(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	writer, _ := watch(t, newSource(t, mr), "shared")
	_, c := watch(t, newSource(t, mr), "shared")

	_, err := writer.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.got()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	st, _ := watch(t, newSource(t, mr), "snap")

	empty, err := st.Snapshot(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Entries)
	assert.Zero(t, empty.Version)

	for _, k := range []string{"x1", "x2", "y1"} {
		_, err := st.Put(ctx, k, []byte(k))
		require.NoError(t, err)
	}
	snap, err := st.Snapshot(ctx, func(e mutation.Entry) bool { return e.Key[0] == 'x' })
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 2)
	assert.Equal(t, uint64(3), snap.Version)
	assert.Equal(t, uint64(2), snap.Entries["x2"].Version)
}

func TestTruncateAndDestroy(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	st, c := watch(t, newSource(t, mr), "td")

	_, err := st.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)
	require.NoError(t, st.Truncate(ctx))

	require.Eventually(t, func() bool { return len(c.got()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.got()[1].IsClear())
	_, ok, err := st.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.Destroy(ctx))
	require.Eventually(t, func() bool { return len(c.kinds()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []backing.LifecycleKind{backing.Truncated, backing.Destroyed}, c.kinds())

	_, err = st.Put(ctx, "a", []byte("1"))
	require.ErrorIs(t, err, backing.ErrDestroyed)
}

func TestDestroyedSeenByOtherClients(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a, _ := watch(t, newSource(t, mr), "gone")
	b, _ := watch(t, newSource(t, mr), "gone")

	require.NoError(t, a.Destroy(ctx))
	// el script rechaza la escritura aunque b todavía no haya visto el frame
	_, err := b.Put(ctx, "k", []byte("v"))
	require.ErrorIs(t, err, backing.ErrDestroyed)
}

func TestConnectionLossSignals(t *testing.T) {
	mr := miniredis.RunT(t)
	_, c := watch(t, newSource(t, mr), "flaky")

	mr.Close()
	require.Eventually(t, func() bool {
		k := c.kinds()
		return len(k) >= 1 && k[0] == backing.Disconnected
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, mr.Restart())
	require.Eventually(t, func() bool {
		k := c.kinds()
		return len(k) == 2 && k[1] == backing.Reconnected
	}, 5*time.Second, 10*time.Millisecond)
}
