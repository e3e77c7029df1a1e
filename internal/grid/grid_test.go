package grid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellogrid/internal/config"
	"github.com/dropDatabas3/hellogrid/internal/view"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Source.Driver = "memory"
	cfg.Views = []config.ViewConfig{{Name: "active", Cache: "users", KeyPrefix: "active:", Mode: "synchronous"}}
	cfg.NearCaches = []config.NearCacheConfig{{Name: "users", Cache: "users", Strategy: "all", Front: "lru", Units: 16}}
	return cfg
}

func TestGrid_WiresViewsAndNearCaches(t *testing.T) {
	ctx := context.Background()
	g, err := New(ctx, testConfig(), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer g.Close(ctx)

	v, ok := g.View("active")
	require.True(t, ok)
	assert.Equal(t, view.Bootstrapping, v.Status())
	require.Error(t, g.Ready(ctx))

	st, err := g.Store("users")
	require.NoError(t, err)
	_, err = st.Put(ctx, "active:1", []byte("ana"))
	require.NoError(t, err)

	require.NoError(t, g.Start(ctx))
	require.NoError(t, g.Ready(ctx))

	_, err = st.Put(ctx, "active:2", []byte("bob"))
	require.NoError(t, err)
	_, err = st.Put(ctx, "inactive:3", []byte("eve"))
	require.NoError(t, err)
	keys, err := v.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"active:1", "active:2"}, keys)

	nc, ok := g.NearCache("users")
	require.True(t, ok)
	val, found, err := nc.Get(ctx, "inactive:3")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("eve"), val)
	assert.True(t, nc.Cached("inactive:3"))

	_, err = st.Put(ctx, "inactive:3", []byte("eve2"))
	require.NoError(t, err)
	assert.False(t, nc.Cached("inactive:3"))

	c1, err := g.Cache("users")
	require.NoError(t, err)
	c2, err := g.Cache("users")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
}

func TestGrid_CloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	g, err := New(ctx, testConfig(), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, g.Start(ctx))
	require.NoError(t, g.Close(ctx))
	require.NoError(t, g.Close(ctx))

	v, _ := g.View("active")
	assert.Equal(t, view.Dead, v.Status())
	_, err = g.Cache("other")
	require.Error(t, err)
}

func TestGrid_UnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Source.Driver = "cassandra"
	_, err := New(context.Background(), cfg, WithLogger(zap.NewNop()))
	require.Error(t, err)
}

func TestBackingConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Source.Driver = "raft"
	cfg.Source.Raft.NodeID = "n1"
	cfg.Source.Raft.InMemory = true
	cfg.Source.Postgres.MaxConns = 7
	bc := BackingConfig(cfg, zap.NewNop())
	assert.Equal(t, "raft", bc.Driver)
	assert.Equal(t, "n1", bc.Raft.NodeID)
	assert.True(t, bc.Raft.InMemory)
	assert.EqualValues(t, 7, bc.PG.MaxConns)
	assert.NotNil(t, bc.Logger)
}
