// Package redis implementa el store autoritativo sobre Redis.
//
// Cada cache usa tres keys con hash tag ({name}): un hash de datos, un hash
// de versiones y un contador de secuencia. Las escrituras corren en scripts
// Lua que asignan la versión, aplican el cambio y publican el frame en el
// canal del cache en un único paso atómico, así el orden del canal es el
// orden de commit.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	rdb "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellogrid/internal/backing"
	"github.com/dropDatabas3/hellogrid/internal/mutation"
	"github.com/dropDatabas3/hellogrid/internal/observability/logger"
)

const driverName = "redis"

func init() {
	backing.RegisterAdapter(adapter{})
}

type adapter struct{}

func (adapter) Name() string { return driverName }

func (adapter) Open(ctx context.Context, cfg backing.Config) (backing.Source, error) {
	client := rdb.NewClient(&rdb.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping failed: %w", err)
	}
	return NewSource(client, Options{
		Prefix:           cfg.Redis.Prefix,
		ReconnectInitial: cfg.ReconnectInitial,
		ReconnectMax:     cfg.ReconnectMax,
		Logger:           cfg.Logger,
		OwnsClient:       true,
	}), nil
}

var (
	putScript = rdb.NewScript(`
local function ns(s) return string.len(s) .. ':' .. s .. ',' end
if redis.call('EXISTS', KEYS[4]) == 1 then return redis.error_reply('DESTROYED') end
local old = redis.call('HGET', KEYS[1], ARGV[1])
local v = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], v)
local op, flags, o = 'i', 'n', ''
if old then op = 'u'; flags = 'on'; o = old end
redis.call('PUBLISH', ARGV[3], ns(op) .. ns(tostring(v)) .. ns(ARGV[1]) .. ns(flags) .. ns(o) .. ns(ARGV[2]))
return v
`)

	removeScript = rdb.NewScript(`
local function ns(s) return string.len(s) .. ':' .. s .. ',' end
if redis.call('EXISTS', KEYS[4]) == 1 then return redis.error_reply('DESTROYED') end
local old = redis.call('HGET', KEYS[1], ARGV[1])
if not old then return {0, 0} end
local v = redis.call('INCR', KEYS[3])
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('PUBLISH', ARGV[2], ns('d') .. ns(tostring(v)) .. ns(ARGV[1]) .. ns('o') .. ns(old) .. ns(''))
return {v, 1}
`)

	truncateScript = rdb.NewScript(`
local function ns(s) return string.len(s) .. ':' .. s .. ',' end
if redis.call('EXISTS', KEYS[4]) == 1 then return redis.error_reply('DESTROYED') end
local v = redis.call('INCR', KEYS[3])
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('PUBLISH', ARGV[1], ns('c') .. ns(tostring(v)) .. ns('') .. ns('') .. ns('') .. ns(''))
return v
`)

	destroyScript = rdb.NewScript(`
local function ns(s) return string.len(s) .. ':' .. s .. ',' end
redis.call('SET', KEYS[4], '1')
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
redis.call('PUBLISH', ARGV[1], ns('x') .. ns('0') .. ns('') .. ns('') .. ns('') .. ns(''))
return 1
`)
)

// Options configura un Source sobre un cliente existente.
type Options struct {
	Prefix           string
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	Logger           *zap.Logger
	// OwnsClient: Close también cierra el cliente.
	OwnsClient bool
}

// Source es una conexión con Redis compartida por varios caches. Un único
// lector de pub/sub reparte los frames de todos los canales.
type Source struct {
	client *rdb.Client
	opts   Options
	log    *zap.Logger
	ps     *rdb.PubSub
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	stores    map[string]*Store
	byChannel map[string]*Store
	waiting   map[string]chan struct{}
	closed    bool
}

// NewSource arranca el lector de pub/sub sobre client.
func NewSource(client *rdb.Client, opts Options) *Source {
	if opts.Logger == nil {
		opts.Logger = logger.Named(driverName)
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 100 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{
		client:    client,
		opts:      opts,
		log:       opts.Logger,
		ps:        client.Subscribe(ctx),
		cancel:    cancel,
		done:      make(chan struct{}),
		stores:    make(map[string]*Store),
		byChannel: make(map[string]*Store),
		waiting:   make(map[string]chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *Source) Driver() string { return driverName }

func (s *Source) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

// Store implementa backing.Source: suscribe el canal del cache y espera la
// confirmación antes de devolverlo, para no perder los primeros frames.
func (s *Source) Store(name string) (backing.Store, error) {
	st, err := s.Cache(context.Background(), name)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Cache devuelve el tipo concreto.
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
	st := newStore(s, name)
	s.stores[name] = st
	s.byChannel[st.channel] = st
	ready := make(chan struct{})
	s.waiting[st.channel] = ready
	s.mu.Unlock()

	if err := s.ps.Subscribe(ctx, st.channel); err != nil {
		return nil, fmt.Errorf("redis: subscribe %s: %w", st.channel, err)
	}
	select {
	case <-ready:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("redis: subscribe %s: %w", st.channel, backing.ErrDisconnected)
	}
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
	err := s.ps.Close()
	<-s.done
	if s.opts.OwnsClient {
		err = errors.Join(err, s.client.Close())
	}
	return err
}

func (s *Source) run(ctx context.Context) {
	defer close(s.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.ReconnectInitial
	bo.MaxInterval = s.opts.ReconnectMax
	bo.MaxElapsedTime = 0

	down := false
	for {
		msg, err := s.ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, rdb.ErrClosed) {
				return
			}
			if !down {
				down = true
				s.log.Warn("pubsub connection lost", logger.Err(err))
				s.signalAll(backing.Disconnected, err.Error())
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}

		switch m := msg.(type) {
		case *rdb.Subscription:
			s.subscribed(m.Channel)
			if down {
				down = false
				bo.Reset()
				s.log.Info("pubsub connection restored")
				s.signalAll(backing.Reconnected, "")
			}
		case *rdb.Message:
			s.dispatch(ctx, m)
		}
	}
}

func (s *Source) subscribed(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.waiting[channel]; ok {
		close(ch)
		delete(s.waiting, channel)
	}
}

func (s *Source) dispatch(ctx context.Context, msg *rdb.Message) {
	s.mu.Lock()
	st := s.byChannel[msg.Channel]
	s.mu.Unlock()
	if st == nil {
		return
	}
	f, err := decodeFrame(msg.Payload)
	if err != nil {
		s.log.Error("dropping frame", logger.Cache(st.name), logger.Err(err))
		return
	}
	st.onFrame(ctx, f)
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

// Store es un cache en Redis.
type Store struct {
	src       *Source
	name      string
	log       *zap.Logger
	hub       backing.Hub
	destroyed atomic.Bool

	dataKey, verKey, seqKey, tombKey string
	channel                          string
}

func newStore(src *Source, name string) *Store {
	base := fmt.Sprintf("%s{%s}", src.opts.Prefix, name)
	return &Store{
		src:     src,
		name:    name,
		log:     src.log.With(logger.Cache(name)),
		dataKey: base + ":data",
		verKey:  base + ":ver",
		seqKey:  base + ":seq",
		tombKey: base + ":destroyed",
		channel: base + ":events",
	}
}

func (s *Store) Name() string { return s.name }

func (s *Store) Subscribe(sink backing.Sink) func() { return s.hub.Subscribe(sink) }

func (s *Store) WatchLifecycle(fn func(backing.Lifecycle)) func() { return s.hub.WatchLifecycle(fn) }

func (s *Store) keys() []string { return []string{s.dataKey, s.verKey, s.seqKey, s.tombKey} }

func (s *Store) Get(ctx context.Context, key string) (backing.Versioned, bool, error) {
	if s.destroyed.Load() {
		return backing.Versioned{}, false, backing.ErrDestroyed
	}
	pipe := s.src.client.TxPipeline()
	val := pipe.HGet(ctx, s.dataKey, key)
	ver := pipe.HGet(ctx, s.verKey, key)
	tomb := pipe.Exists(ctx, s.tombKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, rdb.Nil) {
		return backing.Versioned{}, false, err
	}
	if tomb.Val() == 1 {
		return backing.Versioned{}, false, backing.ErrDestroyed
	}
	b, err := val.Bytes()
	if errors.Is(err, rdb.Nil) {
		return backing.Versioned{}, false, nil
	}
	if err != nil {
		return backing.Versioned{}, false, err
	}
	v, err := ver.Uint64()
	if err != nil {
		return backing.Versioned{}, false, fmt.Errorf("redis: version of %q: %w", key, err)
	}
	return backing.Versioned{Value: b, Version: v}, true, nil
}

// Put corre la fase pre-commit localmente y luego el script de escritura.
// La fase post-commit llega por el canal del cache.
func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.preCommit(ctx, key, func(old []byte, existed bool) mutation.Mutation {
		if existed {
			return mutation.NewUpdate(key, old, value, 0)
		}
		return mutation.NewInsert(key, value, 0)
	}); err != nil {
		return 0, err
	}
	v, err := putScript.Run(ctx, s.src.client, s.keys(), key, value, s.channel).Uint64()
	if err != nil {
		return 0, s.scriptErr(err)
	}
	return v, nil
}

func (s *Store) Remove(ctx context.Context, key string) (uint64, bool, error) {
	if err := s.preCommit(ctx, key, func(old []byte, existed bool) mutation.Mutation {
		if !existed {
			return mutation.Mutation{}
		}
		return mutation.NewDelete(key, old, 0)
	}); err != nil {
		return 0, false, err
	}
	res, err := removeScript.Run(ctx, s.src.client, s.keys(), key, s.channel).Int64Slice()
	if err != nil {
		return 0, false, s.scriptErr(err)
	}
	if len(res) != 2 || res[1] == 0 {
		return 0, false, nil
	}
	return uint64(res[0]), true, nil
}

// preCommit lee el valor actual para armar el evento. La lectura no es
// atómica con el script: el veto es best effort entre clientes.
func (s *Store) preCommit(ctx context.Context, key string, build func(old []byte, existed bool) mutation.Mutation) error {
	if s.destroyed.Load() {
		return backing.ErrDestroyed
	}
	if !s.hub.HasSubscribers() {
		return nil
	}
	old, err := s.src.client.HGet(ctx, s.dataKey, key).Bytes()
	existed := true
	if errors.Is(err, rdb.Nil) {
		existed, err = false, nil
	}
	if err != nil {
		return err
	}
	m := build(old, existed)
	if m.Kind == 0 {
		return nil
	}
	return s.hub.Publish(ctx, m, mutation.PreCommit)
}

func (s *Store) scriptErr(err error) error {
	if strings.Contains(err.Error(), "DESTROYED") {
		s.destroyed.Store(true)
		return backing.ErrDestroyed
	}
	return err
}

func (s *Store) Snapshot(ctx context.Context, filter mutation.Filter) (backing.Snapshot, error) {
	if s.destroyed.Load() {
		return backing.Snapshot{}, backing.ErrDestroyed
	}
	pipe := s.src.client.TxPipeline()
	data := pipe.HGetAll(ctx, s.dataKey)
	vers := pipe.HGetAll(ctx, s.verKey)
	seq := pipe.Get(ctx, s.seqKey)
	tomb := pipe.Exists(ctx, s.tombKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, rdb.Nil) {
		return backing.Snapshot{}, err
	}
	if tomb.Val() == 1 {
		return backing.Snapshot{}, backing.ErrDestroyed
	}

	out := backing.Snapshot{Entries: make(map[string]backing.Versioned, len(data.Val()))}
	if n, err := seq.Uint64(); err == nil {
		out.Version = n
	}
	for k, v := range data.Val() {
		e := mutation.Entry{Key: k, Value: []byte(v)}
		if filter != nil && !filter(e) {
			continue
		}
		ver, err := strconv.ParseUint(vers.Val()[k], 10, 64)
		if err != nil {
			return backing.Snapshot{}, fmt.Errorf("redis: version of %q: %w", k, err)
		}
		out.Entries[k] = backing.Versioned{Value: e.Value, Version: ver}
	}
	return out, nil
}

func (s *Store) Truncate(ctx context.Context) error {
	if err := truncateScript.Run(ctx, s.src.client, s.keys(), s.channel).Err(); err != nil {
		return s.scriptErr(err)
	}
	return nil
}

func (s *Store) Destroy(ctx context.Context) error {
	return destroyScript.Run(ctx, s.src.client, s.keys(), s.channel).Err()
}

func (s *Store) onFrame(ctx context.Context, f frame) {
	switch f.op {
	case opDestroyed:
		if s.destroyed.Swap(true) {
			return
		}
		s.hub.Signal(backing.Lifecycle{Kind: backing.Destroyed, Cache: s.name})
		return
	case opClear:
		s.deliver(ctx, mutation.Cleared(f.version))
		s.hub.Signal(backing.Lifecycle{Kind: backing.Truncated, Cache: s.name})
		return
	}
	m, err := f.mutation()
	if err != nil {
		s.log.Error("dropping frame", logger.Err(err))
		return
	}
	s.deliver(ctx, m)
}

func (s *Store) deliver(ctx context.Context, m mutation.Mutation) {
	if err := s.hub.Publish(ctx, m, mutation.PostCommit); err != nil {
		s.log.Debug("post-commit delivery reported errors", logger.Key(m.Key), logger.Version(m.Version), logger.Err(err))
	}
}

var (
	_ backing.Store     = (*Store)(nil)
	_ backing.Truncater = (*Store)(nil)
	_ backing.Destroyer = (*Store)(nil)
	_ backing.Source    = (*Source)(nil)
)
