// Package raft implementa el store autoritativo replicado con hashicorp/raft.
//
// La versión de cada mutación es el índice del log que la aplicó. Todos los
// nodos aplican el mismo log, así que cada nodo emite el stream completo de
// mutaciones post-commit a sus suscriptores locales; las escrituras deben
// ir al leader.
//
// Los listeners síncronos corren en el goroutine de la FSM y no deben
// escribir sobre el mismo source.
package raft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dropDatabas3/hellogrid/internal/backing"
	"github.com/dropDatabas3/hellogrid/internal/cluster"
	"github.com/dropDatabas3/hellogrid/internal/mutation"
	"github.com/dropDatabas3/hellogrid/internal/observability/logger"
)

const driverName = "raft"

func init() {
	backing.RegisterAdapter(adapter{})
}

type adapter struct{}

func (adapter) Name() string { return driverName }

func (adapter) Open(_ context.Context, cfg backing.Config) (backing.Source, error) {
	fsm := cluster.NewFSM()
	src := NewSource(fsm, cfg.Logger)
	node, err := cluster.NewNode(cluster.NodeOptions{
		NodeID:             cfg.Raft.NodeID,
		RaftAddr:           cfg.Raft.Addr,
		RaftDir:            cfg.Raft.Dir,
		FSM:                fsm,
		Peers:              cfg.Raft.Peers,
		BootstrapPreferred: cfg.Raft.Bootstrap,
		InMemory:           cfg.Raft.InMemory,
		ApplyTimeout:       cfg.Raft.ApplyTimeout,
		OnPeerChange:       src.PeerChanged,
		Logger:             cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	src.Attach(node)
	return src, nil
}

// Source agrupa los caches replicados por un nodo.
type Source struct {
	fsm  *cluster.FSM
	node *cluster.Node
	log  *zap.Logger

	mu     sync.Mutex
	stores map[string]*Store
	closed bool
}

// NewSource conecta los hooks de fsm. El nodo se adjunta con Attach, porque
// sus callbacks de membership necesitan al source ya creado.
func NewSource(fsm *cluster.FSM, log *zap.Logger) *Source {
	if log == nil {
		log = logger.Named(driverName)
	}
	s := &Source{fsm: fsm, log: log, stores: make(map[string]*Store)}
	fsm.OnApply(s.onApply)
	fsm.OnRestore(s.onRestore)
	return s
}

// Attach asocia el nodo raft que replica la FSM.
func (s *Source) Attach(node *cluster.Node) { s.node = node }

// Node devuelve el nodo raft (para membership y readiness).
func (s *Source) Node() *cluster.Node { return s.node }

func (s *Source) Driver() string { return driverName }

func (s *Source) Ping(context.Context) error {
	if s.node == nil {
		return cluster.ErrNotInitialized
	}
	if s.node.LeaderID() == "" {
		return fmt.Errorf("raft: no leader: %w", backing.ErrDisconnected)
	}
	return nil
}

func (s *Source) Store(name string) (backing.Store, error) {
	st, err := s.Cache(name)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Cache devuelve el tipo concreto.
func (s *Source) Cache(name string) (*Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, backing.ErrClosed
	}
	st, ok := s.stores[name]
	if !ok {
		st = &Store{src: s, name: name, log: s.log.With(logger.Cache(name))}
		s.stores[name] = st
	}
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
	return s.node.Close()
}

func (s *Source) lookup(name string) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stores[name]
}

func (s *Source) all() []*Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Store, 0, len(s.stores))
	for _, st := range s.stores {
		out = append(out, st)
	}
	return out
}

func (s *Source) onApply(a cluster.Applied) {
	st := s.lookup(a.Cache)
	if st == nil {
		return
	}
	ctx := logger.ToContext(context.Background(), st.log)
	switch {
	case a.Destroyed:
		if !st.destroyed.Swap(true) {
			st.hub.Signal(backing.Lifecycle{Kind: backing.Destroyed, Cache: st.name})
		}
	case a.Mutation.Kind != 0:
		if err := st.hub.Publish(ctx, a.Mutation, mutation.PostCommit); err != nil {
			st.log.Debug("post-commit delivery reported errors", logger.Key(a.Mutation.Key), logger.Version(a.Mutation.Version), logger.Err(err))
		}
		if a.Truncated {
			st.hub.Signal(backing.Lifecycle{Kind: backing.Truncated, Cache: st.name})
		}
	}
}

// onRestore: el estado se reemplazó sin emitir las mutaciones intermedias.
func (s *Source) onRestore() {
	s.log.Info("fsm restored from snapshot")
	for _, st := range s.all() {
		st.hub.Signal(backing.Lifecycle{Kind: backing.Disconnected, Cache: st.name, Reason: "snapshot restore"})
		st.hub.Signal(backing.Lifecycle{Kind: backing.Reconnected, Cache: st.name})
	}
}

// PeerChanged traduce la salida de un peer en la señal MemberLeft.
func (s *Source) PeerChanged(id string, removed bool) {
	if !removed {
		return
	}
	for _, st := range s.all() {
		st.hub.Signal(backing.Lifecycle{Kind: backing.MemberLeft, Cache: st.name, Member: id})
	}
}

// Store es un cache replicado.
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

// Get lee el estado local del nodo; en followers puede estar atrasado.
func (s *Store) Get(_ context.Context, key string) (backing.Versioned, bool, error) {
	e, ok, err := s.src.fsm.Get(s.name, key)
	if err != nil {
		return backing.Versioned{}, false, mapErr(err)
	}
	return backing.Versioned{Value: e.Value, Version: e.Version}, ok, nil
}

func (s *Store) Snapshot(_ context.Context, filter mutation.Filter) (backing.Snapshot, error) {
	entries, marker, err := s.src.fsm.Read(s.name, filter)
	if err != nil {
		return backing.Snapshot{}, mapErr(err)
	}
	out := backing.Snapshot{Entries: make(map[string]backing.Versioned, len(entries)), Version: marker}
	for k, e := range entries {
		out.Entries[k] = backing.Versioned{Value: e.Value, Version: e.Version}
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	old, existed, err := s.src.fsm.Get(s.name, key)
	if err != nil {
		return 0, mapErr(err)
	}
	pre := mutation.NewInsert(key, value, 0)
	if existed {
		pre = mutation.NewUpdate(key, old.Value, value, 0)
	}
	res, err := s.apply(ctx, cluster.Command{Op: cluster.OpPut, Cache: s.name, Key: key, Value: value}, &pre)
	if err != nil {
		return 0, err
	}
	return res.Mutation.Version, nil
}

func (s *Store) Remove(ctx context.Context, key string) (uint64, bool, error) {
	old, existed, err := s.src.fsm.Get(s.name, key)
	if err != nil {
		return 0, false, mapErr(err)
	}
	var pre *mutation.Mutation
	if existed {
		m := mutation.NewDelete(key, old.Value, 0)
		pre = &m
	}
	return s.removeWith(ctx, cluster.OpRemove, key, pre)
}

// Expire remueve key como vencida (sin fase pre-commit).
func (s *Store) Expire(ctx context.Context, key string) (uint64, bool, error) {
	return s.removeWith(ctx, cluster.OpExpire, key, nil)
}

// Evict remueve key como desalojo de capacidad (sin fase pre-commit).
func (s *Store) Evict(ctx context.Context, key string) (uint64, bool, error) {
	return s.removeWith(ctx, cluster.OpEvict, key, nil)
}

func (s *Store) removeWith(ctx context.Context, op cluster.CommandOp, key string, pre *mutation.Mutation) (uint64, bool, error) {
	res, err := s.apply(ctx, cluster.Command{Op: op, Cache: s.name, Key: key}, pre)
	if err != nil {
		return 0, false, err
	}
	if res.Mutation.Kind == 0 {
		return 0, false, nil
	}
	return res.Mutation.Version, true, nil
}

func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.apply(ctx, cluster.Command{Op: cluster.OpTruncate, Cache: s.name}, nil)
	return err
}

func (s *Store) Destroy(ctx context.Context) error {
	_, err := s.apply(ctx, cluster.Command{Op: cluster.OpDestroy, Cache: s.name}, nil)
	return err
}

// apply corre la fase pre-commit (si pre != nil) y replica cmd.
func (s *Store) apply(ctx context.Context, cmd cluster.Command, pre *mutation.Mutation) (cluster.Applied, error) {
	if s.destroyed.Load() {
		return cluster.Applied{}, backing.ErrDestroyed
	}
	node := s.src.node
	if !node.IsLeader() {
		return cluster.Applied{}, fmt.Errorf("%w: leader is %q", backing.ErrNotLeader, node.LeaderID())
	}
	if pre != nil {
		if err := s.hub.Publish(ctx, *pre, mutation.PreCommit); err != nil {
			return cluster.Applied{}, err
		}
	}
	resp, err := node.Apply(ctx, cmd)
	if err != nil {
		if cluster.IsNotLeader(err) {
			return cluster.Applied{}, fmt.Errorf("%w: %v", backing.ErrNotLeader, err)
		}
		return cluster.Applied{}, err
	}
	res, ok := resp.(cluster.Applied)
	if !ok {
		return cluster.Applied{}, fmt.Errorf("raft: unexpected fsm response %T", resp)
	}
	if res.Err != nil {
		return cluster.Applied{}, mapErr(res.Err)
	}
	return res, nil
}

func mapErr(err error) error {
	if errors.Is(err, cluster.ErrCacheDestroyed) {
		return backing.ErrDestroyed
	}
	return err
}

var (
	_ backing.Store     = (*Store)(nil)
	_ backing.Truncater = (*Store)(nil)
	_ backing.Destroyer = (*Store)(nil)
	_ backing.Source    = (*Source)(nil)
)
