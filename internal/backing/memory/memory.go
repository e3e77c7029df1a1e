// Package memory implementa un store autoritativo en proceso. Es el
// colaborador de referencia para desarrollo y tests: soporta veto en la fase
// pre-commit, truncate/destroy, remociones sintéticas (expiry/eviction) y la
// simulación de desconexiones y salidas de miembros.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/im7mortal/kmutex"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellogrid/internal/backing"
	"github.com/dropDatabas3/hellogrid/internal/mutation"
	"github.com/dropDatabas3/hellogrid/internal/observability/logger"
)

const driverName = "memory"

func init() {
	backing.RegisterAdapter(adapter{})
}

type adapter struct{}

func (adapter) Name() string { return driverName }

func (adapter) Open(_ context.Context, cfg backing.Config) (backing.Source, error) {
	return NewSource(cfg.Logger), nil
}

// Source agrupa los caches en memoria de un proceso.
type Source struct {
	log *zap.Logger

	mu     sync.Mutex
	stores map[string]*Store
	closed bool
}

// NewSource crea un source vacío. log puede ser nil.
func NewSource(log *zap.Logger) *Source {
	if log == nil {
		log = logger.Named(driverName)
	}
	return &Source{log: log, stores: make(map[string]*Store)}
}

func (s *Source) Driver() string { return driverName }

func (s *Source) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backing.ErrClosed
	}
	return nil
}

// Store implementa backing.Source.
func (s *Source) Store(name string) (backing.Store, error) {
	st, err := s.Cache(name)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Cache es como Store pero devuelve el tipo concreto, con los controles de
// simulación.
func (s *Source) Cache(name string) (*Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, backing.ErrClosed
	}
	st, ok := s.stores[name]
	if !ok {
		st = newStore(name, s.log)
		s.stores[name] = st
	}
	return st, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Store es un cache en memoria.
type Store struct {
	name string
	log  *zap.Logger
	hub  backing.Hub
	keys *kmutex.Kmutex

	mu           sync.RWMutex
	data         map[string]backing.Versioned
	version      uint64
	destroyed    bool
	disconnected bool
	failSnaps    int
}

// New crea un cache suelto, fuera de un Source.
func New(name string) *Store {
	return newStore(name, logger.Named(driverName))
}

func newStore(name string, log *zap.Logger) *Store {
	return &Store{
		name: name,
		log:  log.With(logger.Cache(name)),
		keys: kmutex.New(),
		data: make(map[string]backing.Versioned),
	}
}

func (s *Store) Name() string { return s.name }

func (s *Store) Subscribe(sink backing.Sink) func() { return s.hub.Subscribe(sink) }

func (s *Store) WatchLifecycle(fn func(backing.Lifecycle)) func() { return s.hub.WatchLifecycle(fn) }

func (s *Store) Get(_ context.Context, key string) (backing.Versioned, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed {
		return backing.Versioned{}, false, backing.ErrDestroyed
	}
	v, ok := s.data[key]
	return v, ok, nil
}

// Put escribe value. Los listeners síncronos de la fase pre-commit pueden
// vetar la escritura devolviendo error; en ese caso nada cambia.
func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	s.keys.Lock(key)
	defer s.keys.Unlock(key)

	s.mu.RLock()
	if s.destroyed {
		s.mu.RUnlock()
		return 0, backing.ErrDestroyed
	}
	old, existed := s.data[key]
	s.mu.RUnlock()

	// La versión se asigna en el commit; el evento pre-commit lleva 0.
	if err := s.hub.Publish(ctx, change(key, old, existed, value), mutation.PreCommit); err != nil {
		return 0, err
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return 0, backing.ErrDestroyed
	}
	old, existed = s.data[key]
	s.version++
	m := change(key, old, existed, value)
	m.Version = s.version
	s.data[key] = backing.Versioned{Value: value, Version: m.Version}
	stream := !s.disconnected
	s.mu.Unlock()

	if stream {
		s.publish(ctx, m)
	}
	return m.Version, nil
}

// Remove borra key pasando por la fase pre-commit.
func (s *Store) Remove(ctx context.Context, key string) (uint64, bool, error) {
	return s.remove(ctx, key, func(m mutation.Mutation) mutation.Mutation { return m }, true)
}

// Expire remueve key como si hubiera vencido su TTL.
func (s *Store) Expire(ctx context.Context, key string) (uint64, bool, error) {
	return s.remove(ctx, key, mutation.Mutation.AsExpired, false)
}

// Evict remueve key como lo haría una política de capacidad.
func (s *Store) Evict(ctx context.Context, key string) (uint64, bool, error) {
	return s.remove(ctx, key, mutation.Mutation.AsSynthetic, false)
}

func (s *Store) remove(ctx context.Context, key string, mark func(mutation.Mutation) mutation.Mutation, veto bool) (uint64, bool, error) {
	s.keys.Lock(key)
	defer s.keys.Unlock(key)

	s.mu.RLock()
	if s.destroyed {
		s.mu.RUnlock()
		return 0, false, backing.ErrDestroyed
	}
	old, existed := s.data[key]
	s.mu.RUnlock()
	if !existed {
		return 0, false, nil
	}

	if veto {
		if err := s.hub.Publish(ctx, mark(mutation.NewDelete(key, old.Value, 0)), mutation.PreCommit); err != nil {
			return 0, false, err
		}
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return 0, false, backing.ErrDestroyed
	}
	old, existed = s.data[key]
	if !existed {
		// un truncate concurrente ya la sacó
		s.mu.Unlock()
		return 0, false, nil
	}
	delete(s.data, key)
	s.version++
	m := mark(mutation.NewDelete(key, old.Value, s.version))
	stream := !s.disconnected
	s.mu.Unlock()

	if stream {
		s.publish(ctx, m)
	}
	return m.Version, true, nil
}

func change(key string, old backing.Versioned, existed bool, value []byte) mutation.Mutation {
	if existed {
		return mutation.NewUpdate(key, old.Value, value, 0)
	}
	return mutation.NewInsert(key, value, 0)
}

func (s *Store) publish(ctx context.Context, m mutation.Mutation) {
	if err := s.hub.Publish(ctx, m, mutation.PostCommit); err != nil {
		s.log.Debug("post-commit delivery reported errors", logger.Key(m.Key), logger.Version(m.Version), logger.Err(err))
	}
}

// Snapshot copia las entradas que pasan filter.
func (s *Store) Snapshot(_ context.Context, filter mutation.Filter) (backing.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return backing.Snapshot{}, backing.ErrDestroyed
	}
	if s.failSnaps > 0 {
		s.failSnaps--
		return backing.Snapshot{}, fmt.Errorf("memory: snapshot %s: %w", s.name, backing.ErrDisconnected)
	}
	out := backing.Snapshot{Entries: make(map[string]backing.Versioned, len(s.data)), Version: s.version}
	for k, v := range s.data {
		if filter == nil || filter(mutation.Entry{Key: k, Value: v.Value}) {
			out.Entries[k] = v
		}
	}
	return out, nil
}

// Truncate vacía el cache. Publica una notificación de clear y la señal Truncated.
func (s *Store) Truncate(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return backing.ErrDestroyed
	}
	s.data = make(map[string]backing.Versioned)
	s.version++
	v := s.version
	stream := !s.disconnected
	s.mu.Unlock()

	if stream {
		s.publish(ctx, mutation.Cleared(v))
	}
	s.hub.Signal(backing.Lifecycle{Kind: backing.Truncated, Cache: s.name})
	return nil
}

// Destroy elimina el cache; toda operación posterior devuelve ErrDestroyed.
func (s *Store) Destroy(context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	s.data = nil
	s.mu.Unlock()

	s.hub.Signal(backing.Lifecycle{Kind: backing.Destroyed, Cache: s.name})
	return nil
}

// Disconnect simula la caída del stream: las escrituras siguen confirmándose
// pero no se publican hasta la reconexión (y se pierden).
func (s *Store) Disconnect(reason string) {
	s.mu.Lock()
	s.disconnected = true
	s.mu.Unlock()
	s.hub.Signal(backing.Lifecycle{Kind: backing.Disconnected, Cache: s.name, Reason: reason})
}

// Reconnect restablece el stream.
func (s *Store) Reconnect() {
	s.mu.Lock()
	s.disconnected = false
	s.mu.Unlock()
	s.hub.Signal(backing.Lifecycle{Kind: backing.Reconnected, Cache: s.name})
}

// MemberLeft simula la salida de un miembro del cluster.
func (s *Store) MemberLeft(member string) {
	s.hub.Signal(backing.Lifecycle{Kind: backing.MemberLeft, Cache: s.name, Member: member})
}

// FailSnapshots hace que los próximos n snapshots fallen con ErrDisconnected.
func (s *Store) FailSnapshots(n int) {
	s.mu.Lock()
	s.failSnaps = n
	s.mu.Unlock()
}

// Version devuelve la última versión asignada.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

var (
	_ backing.Store     = (*Store)(nil)
	_ backing.Truncater = (*Store)(nil)
	_ backing.Destroyer = (*Store)(nil)
	_ backing.Source    = (*Source)(nil)
)
