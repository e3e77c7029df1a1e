package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/hellogrid/internal/mutation"
)

func nopListener() Listener {
	return ListenerFunc(func(context.Context, mutation.Mutation) error { return nil })
}

func TestRegister_GeneratesID(t *testing.T) {
	tbl := NewTable()
	h, err := tbl.Register(context.Background(), Registration{Listener: nopListener()}, Fail)
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, 1, tbl.Len())
}

func TestRegister_RequiresListener(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Register(context.Background(), Registration{ID: "x"}, Fail)
	require.ErrorIs(t, err, ErrInvalidRegistration)
	assert.Equal(t, 0, tbl.Len())
}

func TestDuplicatePolicy(t *testing.T) {
	ctx := context.Background()
	first := nopListener()
	second := nopListener()

	t.Run("fail", func(t *testing.T) {
		tbl := NewTable()
		h1, err := tbl.Register(ctx, Registration{ID: "dup", Listener: first}, Fail)
		require.NoError(t, err)

		_, err = tbl.Register(ctx, Registration{ID: "dup", Listener: second, Shape: Lite}, Fail)
		require.True(t, IsDuplicate(err))

		got, ok := tbl.Get("dup")
		require.True(t, ok)
		assert.Same(t, h1, got)
		assert.Equal(t, Full, got.Shape)
	})

	t.Run("ignore", func(t *testing.T) {
		tbl := NewTable()
		h1, err := tbl.Register(ctx, Registration{ID: "dup", Listener: first}, Fail)
		require.NoError(t, err)

		h2, err := tbl.Register(ctx, Registration{ID: "dup", Listener: second, Shape: Lite}, Ignore)
		require.NoError(t, err)
		assert.Same(t, h1, h2)
		assert.False(t, h1.Removed())
		assert.Equal(t, 1, tbl.Len())
	})

	t.Run("replace", func(t *testing.T) {
		tbl := NewTable()
		_, err := tbl.Register(ctx, Registration{ID: "a", Listener: first}, Fail)
		require.NoError(t, err)
		h1, err := tbl.Register(ctx, Registration{ID: "dup", Listener: first}, Fail)
		require.NoError(t, err)
		_, err = tbl.Register(ctx, Registration{ID: "z", Listener: first}, Fail)
		require.NoError(t, err)

		h2, err := tbl.Register(ctx, Registration{ID: "dup", Listener: second, Shape: Lite}, Replace)
		require.NoError(t, err)
		assert.True(t, h1.Removed())
		assert.False(t, h2.Removed())

		snap := tbl.Snapshot()
		require.Len(t, snap, 3)
		// conserva la posición original
		assert.Same(t, h2, snap[1])
		assert.Equal(t, Lite, snap[1].Shape)
	})
}

func TestSnapshotIsPointInTime(t *testing.T) {
	ctx := context.Background()
	tbl := NewTable()
	_, err := tbl.Register(ctx, Registration{ID: "a", Listener: nopListener()}, Fail)
	require.NoError(t, err)

	before := tbl.Snapshot()
	_, err = tbl.Register(ctx, Registration{ID: "b", Listener: nopListener()}, Fail)
	require.NoError(t, err)
	require.True(t, tbl.Unregister(ctx, "a"))

	require.Len(t, before, 1)
	assert.Equal(t, "a", before[0].ID)
	assert.True(t, before[0].Removed())

	after := tbl.Snapshot()
	require.Len(t, after, 1)
	assert.Equal(t, "b", after[0].ID)
	assert.False(t, tbl.Unregister(ctx, "a"))
}

func TestHandle_MatchesOnceAcrossOverlappingScopes(t *testing.T) {
	h := &Handle{Registration: Registration{
		Scopes: []Scope{All(), Key("k"), Where(func(mutation.Entry) bool { return true })},
	}}
	assert.True(t, h.Matches(mutation.NewInsert("k", []byte("v"), 1)))

	byKey := &Handle{Registration: Registration{Scopes: []Scope{Key("k")}}}
	assert.False(t, byKey.Matches(mutation.NewInsert("other", nil, 1)))
	assert.True(t, byKey.Matches(mutation.Cleared(2)))
}

func TestScope_FilterUsesEntryView(t *testing.T) {
	isOne := func(e mutation.Entry) bool { return string(e.Value) == "1" }
	s := Where(isOne)

	assert.True(t, s.Matches(mutation.NewInsert("k", []byte("1"), 1)))
	assert.False(t, s.Matches(mutation.NewUpdate("k", []byte("1"), []byte("2"), 2)))
	assert.True(t, s.Matches(mutation.NewDelete("k", []byte("1"), 3)))

	tr := Transitions(isOne)
	assert.True(t, tr.Matches(mutation.NewUpdate("k", []byte("1"), []byte("2"), 2)))
	assert.False(t, tr.Matches(mutation.NewUpdate("k", []byte("2"), []byte("3"), 2)))
}

func TestInterceptorChain(t *testing.T) {
	ctx := context.Background()
	tbl := NewTable()

	var mu sync.Mutex
	var seen []string
	record := func(name string) Interceptor {
		return func(_ context.Context, ev Event) Verdict {
			mu.Lock()
			seen = append(seen, name+":"+ev.Type.String()+":"+ev.Registration.ID)
			mu.Unlock()
			return Continue()
		}
	}

	tbl.Use("first", record("first"))
	tbl.Use("guard", func(_ context.Context, ev Event) Verdict {
		if ev.Type == Inserting && ev.Registration.ID == "forbidden" {
			return Veto("not allowed")
		}
		if ev.Type == Inserting && ev.Registration.ID == "upgrade" {
			r := ev.Registration
			r.Shape = Lite
			r.ID = ""
			return Substitute(r)
		}
		return Continue()
	})
	tbl.Use("last", record("last"))

	_, err := tbl.Register(ctx, Registration{ID: "forbidden", Listener: nopListener()}, Fail)
	require.True(t, IsVetoed(err))
	assert.Equal(t, 0, tbl.Len())

	h, err := tbl.Register(ctx, Registration{ID: "upgrade", Listener: nopListener()}, Fail)
	require.NoError(t, err)
	assert.Equal(t, "upgrade", h.ID)
	assert.Equal(t, Lite, h.Shape)

	tbl.Unregister(ctx, "upgrade")

	assert.Equal(t, []string{
		"first:inserting:forbidden",
		"first:inserting:upgrade",
		"last:inserting:upgrade",
		"first:inserted:upgrade",
		"last:inserted:upgrade",
		"first:removed:upgrade",
		"last:removed:upgrade",
	}, seen)
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	ctx := context.Background()
	tbl := NewTable()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := tbl.Register(ctx, Registration{Listener: nopListener()}, Fail)
			if err != nil {
				t.Errorf("register: %v", err)
				return
			}
			_ = tbl.Snapshot()
			if i%2 == 0 {
				tbl.Unregister(ctx, h.ID)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 25, tbl.Len())
}
