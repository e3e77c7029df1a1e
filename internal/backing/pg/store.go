package pg

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellogrid/internal/backing"
	"github.com/dropDatabas3/hellogrid/internal/mutation"
	"github.com/dropDatabas3/hellogrid/internal/observability/logger"
)

// Store es un cache en Postgres.
type Store struct {
	src       *Source
	name      string
	log       *zap.Logger
	hub       backing.Hub
	destroyed atomic.Bool
}

func (s *Store) Name() string { return s.name }

func (s *Store) Subscribe(sink backing.Sink) func() { return s.hub.Subscribe(sink) }

func (s *Store) WatchLifecycle(fn func(backing.Lifecycle)) func() { return s.hub.WatchLifecycle(fn) }

func (s *Store) Get(ctx context.Context, key string) (backing.Versioned, bool, error) {
	if s.destroyed.Load() {
		return backing.Versioned{}, false, backing.ErrDestroyed
	}
	const query = `SELECT value, version FROM grid_entries WHERE cache = $1 AND key = $2`
	var v backing.Versioned
	var ver int64
	err := s.src.pool.QueryRow(ctx, query, s.name, key).Scan(&v.Value, &ver)
	if errors.Is(err, pgx.ErrNoRows) {
		return backing.Versioned{}, false, nil
	}
	if err != nil {
		return backing.Versioned{}, false, err
	}
	v.Version = uint64(ver)
	return v, true, nil
}

// write corre fn dentro de una transacción con la fila del cache bloqueada y
// la versión ya incrementada. Si fn devuelve una mutación (Kind != 0) se
// corre la fase pre-commit con la versión real y se notifica.
func (s *Store) write(ctx context.Context, fn func(tx pgx.Tx, version uint64) (mutation.Mutation, error)) (mutation.Mutation, error) {
	if s.destroyed.Load() {
		return mutation.Mutation{}, backing.ErrDestroyed
	}
	var out mutation.Mutation
	err := pgx.BeginFunc(ctx, s.src.pool, func(tx pgx.Tx) error {
		var version int64
		var destroyed bool
		err := tx.QueryRow(ctx,
			`UPDATE grid_caches SET version = version + 1 WHERE name = $1 RETURNING version, destroyed`,
			s.name).Scan(&version, &destroyed)
		if errors.Is(err, pgx.ErrNoRows) || destroyed {
			s.destroyed.Store(true)
			return backing.ErrDestroyed
		}
		if err != nil {
			return err
		}

		m, err := fn(tx, uint64(version))
		if err != nil || m.Kind == 0 {
			out = m
			return err
		}
		if err := s.hub.Publish(ctx, m, mutation.PreCommit); err != nil {
			return err
		}
		payload, err := noticeFor(s.name, m).encode()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, payload); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if value == nil {
		value = []byte{}
	}
	m, err := s.write(ctx, func(tx pgx.Tx, version uint64) (mutation.Mutation, error) {
		old, existed, err := current(ctx, tx, s.name, key)
		if err != nil {
			return mutation.Mutation{}, err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO grid_entries (cache, key, value, version) VALUES ($1, $2, $3, $4)
			ON CONFLICT (cache, key) DO UPDATE SET value = EXCLUDED.value, version = EXCLUDED.version
		`, s.name, key, value, int64(version))
		if err != nil {
			return mutation.Mutation{}, err
		}
		if existed {
			return mutation.NewUpdate(key, old, value, version), nil
		}
		return mutation.NewInsert(key, value, version), nil
	})
	if err != nil {
		return 0, err
	}
	return m.Version, nil
}

// Remove de una key inexistente no emite nada; la transacción igual consume
// una versión, lo que solo deja un hueco en la secuencia.
func (s *Store) Remove(ctx context.Context, key string) (uint64, bool, error) {
	m, err := s.write(ctx, func(tx pgx.Tx, version uint64) (mutation.Mutation, error) {
		var old []byte
		err := tx.QueryRow(ctx,
			`DELETE FROM grid_entries WHERE cache = $1 AND key = $2 RETURNING value`,
			s.name, key).Scan(&old)
		if errors.Is(err, pgx.ErrNoRows) {
			return mutation.Mutation{}, nil
		}
		if err != nil {
			return mutation.Mutation{}, err
		}
		return mutation.NewDelete(key, old, version), nil
	})
	if err != nil {
		return 0, false, err
	}
	if m.Kind == 0 {
		return 0, false, nil
	}
	return m.Version, true, nil
}

func current(ctx context.Context, tx pgx.Tx, cache, key string) ([]byte, bool, error) {
	var old []byte
	err := tx.QueryRow(ctx, `SELECT value FROM grid_entries WHERE cache = $1 AND key = $2`, cache, key).Scan(&old)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return old, true, nil
}

// Snapshot lee contador y entradas en una transacción REPEATABLE READ, así el
// marcador de versión es consistente con las filas.
func (s *Store) Snapshot(ctx context.Context, filter mutation.Filter) (backing.Snapshot, error) {
	if s.destroyed.Load() {
		return backing.Snapshot{}, backing.ErrDestroyed
	}
	out := backing.Snapshot{Entries: make(map[string]backing.Versioned)}
	tx, err := s.src.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return backing.Snapshot{}, fmt.Errorf("pg: snapshot %s: %w", s.name, err)
	}
	defer tx.Rollback(ctx)

	var version int64
	var destroyed bool
	err = tx.QueryRow(ctx, `SELECT version, destroyed FROM grid_caches WHERE name = $1`, s.name).Scan(&version, &destroyed)
	if errors.Is(err, pgx.ErrNoRows) || destroyed {
		return backing.Snapshot{}, backing.ErrDestroyed
	}
	if err != nil {
		return backing.Snapshot{}, err
	}
	out.Version = uint64(version)

	rows, err := tx.Query(ctx, `SELECT key, value, version FROM grid_entries WHERE cache = $1`, s.name)
	if err != nil {
		return backing.Snapshot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var value []byte
		var ver int64
		if err := rows.Scan(&key, &value, &ver); err != nil {
			return backing.Snapshot{}, err
		}
		if filter != nil && !filter(mutation.Entry{Key: key, Value: value}) {
			continue
		}
		out.Entries[key] = backing.Versioned{Value: value, Version: uint64(ver)}
	}
	if err := rows.Err(); err != nil {
		return backing.Snapshot{}, err
	}
	return out, tx.Commit(ctx)
}

func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.write(ctx, func(tx pgx.Tx, version uint64) (mutation.Mutation, error) {
		if _, err := tx.Exec(ctx, `DELETE FROM grid_entries WHERE cache = $1`, s.name); err != nil {
			return mutation.Mutation{}, err
		}
		return mutation.Cleared(version), nil
	})
	return err
}

func (s *Store) Destroy(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.src.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE grid_caches SET destroyed = TRUE WHERE name = $1`, s.name); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM grid_entries WHERE cache = $1`, s.name); err != nil {
			return err
		}
		payload, err := notice{Cache: s.name, Op: opDestroyed}.encode()
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, payload)
		return err
	})
}

func (s *Store) onNotice(ctx context.Context, n notice) {
	if n.Op == opDestroyed {
		if !s.destroyed.Swap(true) {
			s.hub.Signal(backing.Lifecycle{Kind: backing.Destroyed, Cache: s.name})
		}
		return
	}
	m, ok := n.mutation()
	if !ok {
		s.log.Error("unknown notification op", logger.Op(n.Op))
		return
	}
	if err := s.hub.Publish(ctx, m, mutation.PostCommit); err != nil {
		s.log.Debug("post-commit delivery reported errors", logger.Key(m.Key), logger.Version(m.Version), logger.Err(err))
	}
	if n.Op == opClear {
		s.hub.Signal(backing.Lifecycle{Kind: backing.Truncated, Cache: s.name})
	}
}

var (
	_ backing.Store     = (*Store)(nil)
	_ backing.Truncater = (*Store)(nil)
	_ backing.Destroyer = (*Store)(nil)
	_ backing.Source    = (*Source)(nil)
)
