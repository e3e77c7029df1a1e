package pg

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellogrid/internal/backing"
	"github.com/dropDatabas3/hellogrid/internal/mutation"
	migrations "github.com/dropDatabas3/hellogrid/migrations/postgres"
)

func TestNoticeKeepsAbsentAndEmptyApart(t *testing.T) {
	m := mutation.NewUpdate("k", []byte{}, []byte("v"), 9)
	payload, err := noticeFor("c", m).encode()
	require.NoError(t, err)

	n, err := decodeNotice(payload)
	require.NoError(t, err)
	got, ok := n.mutation()
	require.True(t, ok)
	assert.Equal(t, m, got)

	ins, _ := noticeFor("c", mutation.NewInsert("k", []byte("v"), 1)).encode()
	n, err = decodeNotice(ins)
	require.NoError(t, err)
	got, _ = n.mutation()
	assert.Nil(t, got.OldValue)
}

func TestNoticeTooLarge(t *testing.T) {
	big := []byte(strings.Repeat("x", maxPayload))
	_, err := noticeFor("c", mutation.NewInsert("k", big, 1)).encode()
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestParseMigrations(t *testing.T) {
	migs, err := ParseMigrations(migrations.FS)
	require.NoError(t, err)
	require.NotEmpty(t, migs)
	assert.Equal(t, 1, migs[0].Version)
	assert.Contains(t, migs[0].SQL, "grid_entries")
}

type sink struct {
	mu     sync.Mutex
	events []mutation.Mutation
}

func (s *sink) Deliver(_ context.Context, m mutation.Mutation, phase mutation.Phase) error {
	if phase == mutation.PostCommit {
		s.mu.Lock()
		s.events = append(s.events, m)
		s.mu.Unlock()
	}
	return nil
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Integración contra un Postgres real: HELLOGRID_PG_DSN=postgres://...
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("HELLOGRID_PG_DSN")
	if dsn == "" {
		t.Skip("HELLOGRID_PG_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	_, err = EnsureSchema(ctx, pool)
	require.NoError(t, err)

	src, err := NewSource(ctx, pool, Options{DSN: dsn, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer src.Close()

	st, err := src.Cache(ctx, "it-"+uuid.NewString())
	require.NoError(t, err)
	rec := &sink{}
	st.Subscribe(rec)

	v1, err := st.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)
	v2, err := st.Put(ctx, "a", []byte("2"))
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	snap, err := st.Snapshot(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, v2, snap.Version)
	assert.Equal(t, []byte("2"), snap.Entries["a"].Value)

	_, existed, err := st.Remove(ctx, "a")
	require.NoError(t, err)
	assert.True(t, existed)

	require.Eventually(t, func() bool { return rec.len() == 3 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, st.Destroy(ctx))
	_, err = st.Put(ctx, "a", []byte("x"))
	require.ErrorIs(t, err, backing.ErrDestroyed)
}
