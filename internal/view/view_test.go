package view

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellogrid/internal/backing"
	"github.com/dropDatabas3/hellogrid/internal/backing/memory"
	"github.com/dropDatabas3/hellogrid/internal/mutation"
	"github.com/dropDatabas3/hellogrid/internal/registry"
	"github.com/dropDatabas3/hellogrid/internal/router"
)

// hookStore intercepta Snapshot para provocar carreras con el bootstrap.
type hookStore struct {
	backing.Store
	snapshots atomic.Int32
	before    func()
	after     func()
	gate      chan struct{}
}

func (h *hookStore) Snapshot(ctx context.Context, f mutation.Filter) (backing.Snapshot, error) {
	h.snapshots.Add(1)
	if h.before != nil {
		h.before()
	}
	if h.gate != nil {
		<-h.gate
	}
	snap, err := h.Store.Snapshot(ctx, f)
	if h.after != nil {
		h.after()
	}
	return snap, err
}

type recorder struct {
	mu          sync.Mutex
	events      []mutation.Mutation
	deactivated []string
}

func (r *recorder) OnMutation(_ context.Context, m mutation.Mutation) error {
	r.mu.Lock()
	r.events = append(r.events, m)
	r.mu.Unlock()
	return nil
}

func (r *recorder) OnDeactivate(_ context.Context, reason string) {
	r.mu.Lock()
	r.deactivated = append(r.deactivated, reason)
	r.mu.Unlock()
}

func (r *recorder) all() []mutation.Mutation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mutation.Mutation(nil), r.events...)
}

func (r *recorder) byKey() map[string][]mutation.Mutation {
	out := make(map[string][]mutation.Mutation)
	for _, m := range r.all() {
		out[m.Key] = append(out[m.Key], m)
	}
	return out
}

type fixture struct {
	store  *memory.Store
	hook   *hookStore
	router *router.Router
	view   *View
	rec    *recorder
}

func prefix(p string) mutation.Filter {
	return func(e mutation.Entry) bool { return strings.HasPrefix(e.Key, p) }
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := memory.New("users")
	r := router.New(nil, router.WithLogger(zap.NewNop()))
	st.Subscribe(r)
	hook := &hookStore{Store: st}
	base := []Option{WithLogger(zap.NewNop()), WithBackoff(time.Millisecond, 5*time.Millisecond)}
	v := New(hook, r, append(base, opts...)...)
	rec := &recorder{}
	_, err := v.Register(context.Background(), registry.Registration{ID: "downstream", Listener: rec}, registry.Fail)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close(context.Background()) })
	return &fixture{store: st, hook: hook, router: r, view: v, rec: rec}
}

func put(t *testing.T, st *memory.Store, k, v string) uint64 {
	t.Helper()
	ver, err := st.Put(context.Background(), k, []byte(v))
	require.NoError(t, err)
	return ver
}

func waitActive(t *testing.T, v *View) {
	t.Helper()
	require.Eventually(t, func() bool { return v.Status() == Active }, 2*time.Second, time.Millisecond)
}

func TestOpen_BootstrapRaceNeitherLosesNorDuplicates(t *testing.T) {
	f := newFixture(t, WithFilter(prefix("a")))
	ctx := context.Background()
	put(t, f.store, "a1", "old")
	put(t, f.store, "b1", "ignored")

	// a2 se escribe después de registrar y antes del snapshot: llega por el
	// buffer y también en el snapshot. a3 y el update de a1 llegan después
	// del snapshot y solo por el buffer.
	f.hook.before = func() { put(t, f.store, "a2", "v2") }
	f.hook.after = func() {
		put(t, f.store, "a3", "v3")
		put(t, f.store, "a1", "new")
	}

	require.NoError(t, f.view.Open(ctx))
	assert.Equal(t, Active, f.view.Status())

	entries, err := f.view.Entries()
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a1": []byte("new"), "a2": []byte("v2"), "a3": []byte("v3")}, entries)
	assert.Equal(t, f.store.Version(), f.view.HighWater())

	byKey := f.rec.byKey()
	require.Len(t, byKey, 3)
	for k, evs := range byKey {
		require.Len(t, evs, 1, "key %s", k)
		assert.Equal(t, mutation.Insert, evs[0].Kind)
	}
	assert.Equal(t, []byte("new"), byKey["a1"][0].NewValue)

	require.ErrorIs(t, f.view.Open(ctx), ErrAlreadyOpen)
}

func TestMaintain_UpdatesAndFilterTransitions(t *testing.T) {
	keep := func(e mutation.Entry) bool { return bytes.HasPrefix(e.Value, []byte("keep")) }
	f := newFixture(t, WithFilter(keep))
	ctx := context.Background()
	require.NoError(t, f.view.Open(ctx))

	put(t, f.store, "k", "drop-0") // no entra
	put(t, f.store, "k", "keep-1") // entra: Insert relativo a la vista
	put(t, f.store, "k", "keep-2")
	put(t, f.store, "k", "drop-3") // sale: Delete
	_, _, err := f.store.Remove(ctx, "k")
	require.NoError(t, err)

	got := f.rec.all()
	require.Len(t, got, 3)
	assert.Equal(t, mutation.Insert, got[0].Kind)
	assert.Equal(t, mutation.Update, got[1].Kind)
	assert.Equal(t, []byte("keep-1"), got[1].OldValue)
	assert.Equal(t, mutation.Delete, got[2].Kind)
	assert.Equal(t, []byte("keep-2"), got[2].OldValue)
	assert.Zero(t, f.view.Len())
}

func TestMaintain_DropsStaleVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.view.Open(ctx))
	put(t, f.store, "x", "0")
	v := put(t, f.store, "a", "1")

	require.NoError(t, f.router.Deliver(ctx, mutation.NewUpdate("a", []byte("0"), []byte("stale"), v-1), mutation.PostCommit))
	require.NoError(t, f.router.Deliver(ctx, mutation.NewUpdate("a", []byte("1"), []byte("1"), v), mutation.PostCommit))

	val, ok, err := f.view.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), val)
	assert.Len(t, f.rec.all(), 2)
}

func TestResync_EmitsOnePerChangedKeyAcrossRepeatedSignals(t *testing.T) {
	f := newFixture(t, WithFilter(prefix("a")))
	ctx := context.Background()
	put(t, f.store, "a1", "1")
	put(t, f.store, "a2", "2")
	put(t, f.store, "a3", "3")
	require.NoError(t, f.view.Open(ctx))
	baseline := len(f.rec.all())

	f.store.Disconnect("network")
	assert.Equal(t, Disconnected, f.view.Status())

	put(t, f.store, "a1", "1b")
	_, _, err := f.store.Remove(ctx, "a2")
	require.NoError(t, err)
	put(t, f.store, "a4", "4")
	put(t, f.store, "b1", "other")

	// las lecturas siguen sirviendo el último estado consistente
	val, ok, err := f.view.Get("a2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("2"), val)
	assert.Len(t, f.rec.all(), baseline)

	for i := 0; i < 5; i++ {
		f.store.Reconnect()
	}
	waitActive(t, f.view)
	// un resync forzado sin cambios no emite nada
	require.NoError(t, f.view.Resync(ctx))

	changes := f.rec.all()[baseline:]
	require.Len(t, changes, 3)
	kinds := map[string]mutation.Kind{}
	for _, m := range changes {
		assert.True(t, m.Synthetic)
		kinds[m.Key] = m.Kind
	}
	assert.Equal(t, map[string]mutation.Kind{"a1": mutation.Update, "a2": mutation.Delete, "a4": mutation.Insert}, kinds)

	keys, err := f.view.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a3", "a4"}, keys)
}

func TestResync_ConcurrentCallsCoalesce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	put(t, f.store, "a", "1")
	require.NoError(t, f.view.Open(ctx))
	require.EqualValues(t, 1, f.hook.snapshots.Load())

	f.hook.gate = make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	resync := func() {
		defer wg.Done()
		errs <- f.view.Resync(ctx)
	}
	wg.Add(1)
	go resync()
	require.Eventually(t, func() bool { return f.hook.snapshots.Load() == 2 }, time.Second, time.Millisecond)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go resync()
	}
	time.Sleep(50 * time.Millisecond)
	close(f.hook.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, f.hook.snapshots.Load())
	assert.Equal(t, Active, f.view.Status())
}

func TestResync_FailureRetriesWithBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	put(t, f.store, "a", "1")
	require.NoError(t, f.view.Open(ctx))

	f.store.Disconnect("network")
	put(t, f.store, "a", "2")
	f.store.FailSnapshots(3)

	err := f.view.Resync(ctx)
	require.ErrorIs(t, err, ErrResyncFailed)
	f.store.Reconnect()

	waitActive(t, f.view)
	val, _, err := f.view.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), val)
	assert.GreaterOrEqual(t, f.hook.snapshots.Load(), int32(5))
}

// flap corta y restablece el stream dentro del hook de snapshot, con una
// escritura que el stream nunca entrega.
func flap(st *memory.Store, key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			st.Disconnect("flap")
			_, _ = st.Put(context.Background(), key, []byte("late"))
			st.Reconnect()
		})
	}
}

func TestResync_DisconnectWhileSnapshotInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	put(t, f.store, "a", "1")
	require.NoError(t, f.view.Open(ctx))
	baseline := len(f.rec.all())

	f.hook.after = flap(f.store, "c")
	f.store.Disconnect("network")
	put(t, f.store, "b", "2")
	f.store.Reconnect()

	require.Eventually(t, func() bool {
		_, ok, err := f.view.Get("c")
		return err == nil && ok && f.view.Status() == Active
	}, 2*time.Second, time.Millisecond)

	keys, err := f.view.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	assert.GreaterOrEqual(t, f.hook.snapshots.Load(), int32(3))

	// el snapshot descartado no emitió nada; el bueno emite b y c una vez
	changes := f.rec.all()[baseline:]
	require.Len(t, changes, 2)
	for _, m := range changes {
		assert.Equal(t, mutation.Insert, m.Kind)
		assert.True(t, m.Synthetic)
	}
}

func TestOpen_DisconnectWhileSnapshotInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	put(t, f.store, "a", "1")
	f.hook.after = flap(f.store, "x")

	require.NoError(t, f.view.Open(ctx))
	waitActive(t, f.view)

	val, ok, err := f.view.Get("x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("late"), val)
	assert.Equal(t, f.store.Version(), f.view.HighWater())

	byKey := f.rec.byKey()
	require.Len(t, byKey, 2)
	for k, evs := range byKey {
		require.Len(t, evs, 1, "key %s", k)
		assert.Equal(t, mutation.Insert, evs[0].Kind)
		assert.False(t, evs[0].Synthetic)
	}
}

func TestMemberLeft_TriggersResync(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.view.Open(context.Background()))

	f.store.MemberLeft("node-2")
	require.Eventually(t, func() bool { return f.hook.snapshots.Load() >= 2 }, time.Second, time.Millisecond)
	waitActive(t, f.view)
}

func TestTruncate_EmitsSingleClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	put(t, f.store, "a", "1")
	put(t, f.store, "b", "2")
	require.NoError(t, f.view.Open(ctx))
	baseline := len(f.rec.all())

	require.NoError(t, f.store.Truncate(ctx))

	got := f.rec.all()[baseline:]
	require.Len(t, got, 1)
	assert.True(t, got[0].IsClear())
	assert.Zero(t, f.view.Len())
	assert.Equal(t, Active, f.view.Status())

	put(t, f.store, "c", "3")
	assert.Equal(t, 1, f.view.Len())
}

func TestDestroy_DeactivatesView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	put(t, f.store, "a", "1")
	require.NoError(t, f.view.Open(ctx))
	require.Equal(t, 1, f.router.Table().Len())

	require.NoError(t, f.store.Destroy(ctx))

	assert.Equal(t, Dead, f.view.Status())
	assert.Equal(t, []string{"destroyed"}, f.rec.deactivated)
	assert.Zero(t, f.router.Table().Len())

	_, _, err := f.view.Get("a")
	assert.True(t, IsDeactivated(err))
	_, err = f.view.Entries()
	assert.ErrorIs(t, err, ErrViewDeactivated)
	_, err = f.view.Register(ctx, registry.Registration{Listener: &recorder{}}, registry.Fail)
	assert.ErrorIs(t, err, ErrViewDeactivated)
	assert.ErrorIs(t, f.view.Resync(ctx), ErrViewDeactivated)
	assert.ErrorIs(t, f.view.Open(ctx), ErrViewDeactivated)

	// Dead es terminal
	f.store.Reconnect()
	assert.Equal(t, Dead, f.view.Status())
}

func TestDeferredUpstream(t *testing.T) {
	f := newFixture(t, WithMode(registry.Deferred))
	ctx := context.Background()
	require.NoError(t, f.view.Open(ctx))
	for i := 0; i < 50; i++ {
		put(t, f.store, "k", string(rune('a'+i%26)))
	}
	require.NoError(t, f.router.Drain(ctx))

	got := f.rec.all()
	require.Len(t, got, 50)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Version, got[i-1].Version)
	}
}
