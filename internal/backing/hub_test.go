package backing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/hellogrid/internal/mutation"
)

type sinkFunc func(ctx context.Context, m mutation.Mutation, phase mutation.Phase) error

func (f sinkFunc) Deliver(ctx context.Context, m mutation.Mutation, phase mutation.Phase) error {
	return f(ctx, m, phase)
}

func TestHub_PublishPhases(t *testing.T) {
	var h Hub
	var calls []string
	boom := errors.New("boom")

	h.Subscribe(sinkFunc(func(_ context.Context, _ mutation.Mutation, _ mutation.Phase) error {
		calls = append(calls, "a")
		return boom
	}))
	h.Subscribe(sinkFunc(func(_ context.Context, _ mutation.Mutation, _ mutation.Phase) error {
		calls = append(calls, "b")
		return nil
	}))

	m := mutation.NewInsert("k", nil, 1)
	err := h.Publish(context.Background(), m, mutation.PreCommit)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a"}, calls)

	calls = nil
	err = h.Publish(context.Background(), m, mutation.PostCommit)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, calls)
}

func TestHub_CancelIsIdempotent(t *testing.T) {
	var h Hub
	n := 0
	cancel := h.Subscribe(sinkFunc(func(context.Context, mutation.Mutation, mutation.Phase) error {
		n++
		return nil
	}))
	require.True(t, h.HasSubscribers())

	cancel()
	cancel()
	require.False(t, h.HasSubscribers())
	require.NoError(t, h.Publish(context.Background(), mutation.NewInsert("k", nil, 1), mutation.PostCommit))
	assert.Zero(t, n)
}

func TestHub_Signal(t *testing.T) {
	var h Hub
	var got []Lifecycle
	stop := h.WatchLifecycle(func(l Lifecycle) { got = append(got, l) })

	h.Signal(Lifecycle{Kind: Disconnected, Cache: "c"})
	stop()
	h.Signal(Lifecycle{Kind: Reconnected, Cache: "c"})

	require.Len(t, got, 1)
	assert.Equal(t, "disconnected c", got[0].String())
}

type fakeAdapter struct{ name string }

func (f fakeAdapter) Name() string { return f.name }
func (f fakeAdapter) Open(context.Context, Config) (Source, error) {
	return nil, errors.New("not implemented")
}

func TestRegistry(t *testing.T) {
	RegisterAdapter(fakeAdapter{name: "fake-registry-test"})
	assert.Contains(t, ListAdapters(), "fake-registry-test")
	assert.Panics(t, func() { RegisterAdapter(fakeAdapter{name: "fake-registry-test"}) })

	_, err := Open(context.Background(), Config{Driver: "nope"})
	require.ErrorIs(t, err, ErrUnknownAdapter)
}
