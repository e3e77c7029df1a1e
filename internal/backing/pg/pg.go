// Package pg implementa el store autoritativo sobre PostgreSQL.
//
// Cada escritura corre en una transacción que incrementa el contador de su
// cache en grid_caches (el lock de esa fila serializa a los escritores, así
// el orden de versiones es el orden de commit) y emite pg_notify; Postgres
// entrega las notificaciones solo después del commit y en orden de commit.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellogrid/internal/backing"
	"github.com/dropDatabas3/hellogrid/internal/mutation"
	"github.com/dropDatabas3/hellogrid/internal/observability/logger"
)

const (
	driverName = "postgres"

	// Channel es el canal LISTEN/NOTIFY compartido por todos los caches.
	Channel = "hellogrid_events"

	// maxPayload deja margen bajo el límite de 8000 bytes de NOTIFY.
	maxPayload = 7900
)

// ErrPayloadTooLarge indica un cambio que no entra en una notificación.
var ErrPayloadTooLarge = errors.New("pg: change too large for notification")

func init() {
	backing.RegisterAdapter(adapter{})
}

type adapter struct{}

func (adapter) Name() string { return driverName }

func (adapter) Open(ctx context.Context, cfg backing.Config) (backing.Source, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.PG.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse pgxpool config: %w", err)
	}
	if cfg.PG.MaxConns > 0 {
		pcfg.MaxConns = cfg.PG.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("new pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgxpool ping: %w", err)
	}
	if cfg.PG.EnsureSchema {
		if _, err := EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	src, err := NewSource(ctx, pool, Options{
		DSN:              cfg.PG.DSN,
		ReconnectInitial: cfg.ReconnectInitial,
		ReconnectMax:     cfg.ReconnectMax,
		Logger:           cfg.Logger,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}
	src.ownsPool = true
	return src, nil
}

// Options configura un Source.
type Options struct {
	// DSN de la conexión dedicada a LISTEN.
	DSN              string
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	Logger           *zap.Logger
}

// Source es una conexión con Postgres compartida por varios caches.
type Source struct {
	pool     *pgxpool.Pool
	opts     Options
	log      *zap.Logger
	ownsPool bool
	cancel   context.CancelFunc
	done     chan struct{}

	mu     sync.Mutex
	conn   *pgx.Conn
	stores map[string]*Store
	closed bool
}

// NewSource abre la conexión de LISTEN y arranca el lector.
func NewSource(ctx context.Context, pool *pgxpool.Pool, opts Options) (*Source, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Named(driverName)
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 200 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 15 * time.Second
	}
	s := &Source{
		pool:   pool,
		opts:   opts,
		log:    opts.Logger,
		done:   make(chan struct{}),
		stores: make(map[string]*Store),
	}
	conn, err := s.dialListener(ctx)
	if err != nil {
		return nil, err
	}
	s.conn = conn

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(runCtx)
	return s, nil
}

func (s *Source) Driver() string { return driverName }

// Pool expone el pool para métricas.
func (s *Source) Pool() *pgxpool.Pool { return s.pool }

func (s *Source) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Source) Store(name string) (backing.Store, error) {
	st, err := s.Cache(context.Background(), name)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Cache devuelve el tipo concreto, creando la fila del cache si no existe.
func (s *Source) Cache(ctx context.Context, name string) (*Store, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, backing.ErrClosed
	}
	if st, ok := s.stores[name]; ok {
		s.mu.Unlock()
		return st, nil
	}
	s.mu.Unlock()

	if _, err := s.pool.Exec(ctx, `INSERT INTO grid_caches (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name); err != nil {
		return nil, fmt.Errorf("pg: create cache %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[name]; ok {
		return st, nil
	}
	st := &Store{src: s, name: name, log: s.log.With(logger.Cache(name))}
	s.stores[name] = st
	return st, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

func (s *Source) dialListener(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, s.opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("pg: listener connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("pg: listen: %w", err)
	}
	return conn, nil
}

func (s *Source) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if s.conn != nil {
			_ = s.conn.Close(context.Background())
		}
	}()

	for {
		n, err := s.conn.WaitForNotification(ctx)
		if err == nil {
			s.dispatch(ctx, n.Payload)
			continue
		}
		if ctx.Err() != nil {
			return
		}

		s.log.Warn("listener connection lost", logger.Err(err))
		s.signalAll(backing.Disconnected, err.Error())
		_ = s.conn.Close(context.Background())
		s.conn = nil

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = s.opts.ReconnectInitial
		bo.MaxInterval = s.opts.ReconnectMax
		bo.MaxElapsedTime = 0
		err = backoff.RetryNotify(func() error {
			conn, err := s.dialListener(ctx)
			if err != nil {
				return err
			}
			s.conn = conn
			return nil
		}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
			s.log.Debug("listener reconnect failed", logger.Err(err), logger.Duration(next))
		})
		if err != nil {
			return
		}
		s.log.Info("listener connection restored")
		s.signalAll(backing.Reconnected, "")
	}
}

func (s *Source) dispatch(ctx context.Context, payload string) {
	n, err := decodeNotice(payload)
	if err != nil {
		s.log.Error("dropping notification", logger.Err(err))
		return
	}
	s.mu.Lock()
	st := s.stores[n.Cache]
	s.mu.Unlock()
	if st != nil {
		st.onNotice(ctx, n)
	}
}

func (s *Source) signalAll(kind backing.LifecycleKind, reason string) {
	s.mu.Lock()
	stores := make([]*Store, 0, len(s.stores))
	for _, st := range s.stores {
		stores = append(stores, st)
	}
	s.mu.Unlock()
	for _, st := range stores {
		st.hub.Signal(backing.Lifecycle{Kind: kind, Cache: st.name, Reason: reason})
	}
}

// ─── Notificaciones ───

const (
	opInsert    = "i"
	opUpdate    = "u"
	opDelete    = "d"
	opClear     = "c"
	opDestroyed = "x"
)

// notice es el payload de pg_notify. Old/New en null significan ausente.
type notice struct {
	Cache   string `json:"c"`
	Op      string `json:"op"`
	Key     string `json:"k,omitempty"`
	Old     []byte `json:"o"`
	New     []byte `json:"n"`
	Version uint64 `json:"v"`
}

func noticeFor(cache string, m mutation.Mutation) notice {
	n := notice{Cache: cache, Key: m.Key, Old: m.OldValue, New: m.NewValue, Version: m.Version}
	switch {
	case m.IsClear():
		n.Op = opClear
	case m.Kind == mutation.Insert:
		n.Op = opInsert
	case m.Kind == mutation.Update:
		n.Op = opUpdate
	default:
		n.Op = opDelete
	}
	return n
}

func (n notice) encode() (string, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return "", err
	}
	if len(b) > maxPayload {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(b))
	}
	return string(b), nil
}

func decodeNotice(payload string) (notice, error) {
	var n notice
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return notice{}, fmt.Errorf("pg: decode notification: %w", err)
	}
	return n, nil
}

func (n notice) mutation() (mutation.Mutation, bool) {
	switch n.Op {
	case opInsert:
		return mutation.NewInsert(n.Key, n.New, n.Version), true
	case opUpdate:
		return mutation.NewUpdate(n.Key, n.Old, n.New, n.Version), true
	case opDelete:
		return mutation.NewDelete(n.Key, n.Old, n.Version), true
	case opClear:
		return mutation.Cleared(n.Version), true
	default:
		return mutation.Mutation{}, false
	}
}
