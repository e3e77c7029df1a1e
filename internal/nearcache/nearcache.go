// Package nearcache implementa el cache de dos tiers: un front local rápido
// mantenido coherente con el back tier (el store autoritativo) por las
// señales de invalidación del router.
package nearcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/hellogrid/internal/backing"
	"github.com/dropDatabas3/hellogrid/internal/metrics"
	"github.com/dropDatabas3/hellogrid/internal/mutation"
	"github.com/dropDatabas3/hellogrid/internal/observability/logger"
	"github.com/dropDatabas3/hellogrid/internal/registry"
	"github.com/dropDatabas3/hellogrid/internal/router"
)

// ErrCacheClosed se devuelve tras Close o cuando el back tier fue destruido.
var ErrCacheClosed = errors.New("nearcache: closed")

// Strategy decide qué hace una señal de invalidación con el front.
type Strategy int

const (
	// All remueve la key del front incondicionalmente.
	All Strategy = iota
	// Present remueve la key solo si está en el front.
	Present
	// None no registra listener: el front solo se renueva por expiración.
	None
)

func (s Strategy) String() string {
	switch s {
	case All:
		return "all"
	case Present:
		return "present"
	case None:
		return "none"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy interpreta "all", "present" o "none".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return All, nil
	case "present":
		return Present, nil
	case "none":
		return None, nil
	default:
		return All, fmt.Errorf("nearcache: unknown strategy %q", s)
	}
}

type Option func(*Cache)

func WithName(name string) Option { return func(c *Cache) { c.name = name } }

func WithStrategy(s Strategy) Option { return func(c *Cache) { c.strategy = s } }

// WithFront reemplaza el front por defecto (LRU de 10000 entradas).
func WithFront(f Front) Option { return func(c *Cache) { c.front = f } }

func WithLogger(l *zap.Logger) Option { return func(c *Cache) { c.log = l } }

// Stats son contadores acumulados del cache.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Invalidations uint64 // remociones del front por señal
	Ignored       uint64 // señales sin efecto (Present sobre key ausente)
}

// reservation marca una carga en vuelo. Las invalidaciones que llegan
// mientras dura se anotan para no poblar el front con un valor superado.
type reservation struct {
	invalidated uint64
	cleared     bool
}

// Cache es el near cache de un store.
type Cache struct {
	name     string
	back     backing.Store
	router   *router.Router
	strategy Strategy
	front    Front
	log      *zap.Logger

	regID       string
	cancelWatch func()

	mu       sync.Mutex
	inflight map[string][]*reservation
	closed   bool

	loads singleflight.Group

	hits, misses, invalidations, ignored atomic.Uint64
}

// New crea el cache y, salvo con None, registra su listener de
// invalidación (scope All, shape Lite, síncrono) en r.
func New(ctx context.Context, back backing.Store, r *router.Router, opts ...Option) (*Cache, error) {
	c := &Cache{
		back:     back,
		router:   r,
		inflight: make(map[string][]*reservation),
	}
	for _, o := range opts {
		o(c)
	}
	if c.name == "" {
		c.name = back.Name()
	}
	if c.log == nil {
		c.log = logger.Named("nearcache")
	}
	c.log = c.log.With(logger.Cache(c.name), logger.Strategy(c.strategy.String()))
	if c.front == nil {
		f, err := NewLRUFront(10000)
		if err != nil {
			return nil, err
		}
		c.front = f
	}

	if c.strategy != None {
		h, err := r.Register(ctx, registry.Registration{
			ID:       "nearcache:" + c.name + ":" + uuid.NewString(),
			Scopes:   []registry.Scope{registry.All()},
			Shape:    registry.Lite,
			Mode:     registry.Synchronous,
			Listener: registry.ListenerFunc(c.onSignal),
		}, registry.Fail)
		if err != nil {
			return nil, fmt.Errorf("nearcache %s: register: %w", c.name, err)
		}
		c.regID = h.ID
	}
	c.cancelWatch = back.WatchLifecycle(c.onLifecycle)
	return c, nil
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) Strategy() Strategy { return c.strategy }

// Get devuelve key desde el front o, en un miss, desde el back tier.
// Las lecturas concurrentes de una misma key comparten la carga.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c.isClosed() {
		return nil, false, ErrCacheClosed
	}
	if v, ok := c.front.Get(key); ok {
		c.hits.Add(1)
		metrics.NearCacheRequests.WithLabelValues(c.name, "hit").Inc()
		return v, true, nil
	}
	c.misses.Add(1)
	metrics.NearCacheRequests.WithLabelValues(c.name, "miss").Inc()

	res, err, _ := c.loads.Do(key, func() (interface{}, error) {
		r := c.reserve(key)
		defer c.release(key, r)
		got, found, err := c.back.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			c.populate(key, r, got)
		}
		return loaded{got, found}, nil
	})
	if err != nil {
		if backing.IsDestroyed(err) {
			return nil, false, ErrCacheClosed
		}
		return nil, false, err
	}
	l := res.(loaded)
	return l.Value, l.found, nil
}

type loaded struct {
	backing.Versioned
	found bool
}

// Put escribe en el back tier y, si la escritura confirma, actualiza el front.
func (c *Cache) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if c.isClosed() {
		return 0, ErrCacheClosed
	}
	r := c.reserve(key)
	defer c.release(key, r)
	v, err := c.back.Put(ctx, key, value)
	if err != nil {
		if backing.IsDestroyed(err) {
			return 0, ErrCacheClosed
		}
		return 0, err
	}
	c.populate(key, r, backing.Versioned{Value: value, Version: v})
	return v, nil
}

// Remove borra key del back tier y del front.
func (c *Cache) Remove(ctx context.Context, key string) (bool, error) {
	if c.isClosed() {
		return false, ErrCacheClosed
	}
	_, existed, err := c.back.Remove(ctx, key)
	c.front.Remove(key)
	if err != nil {
		if backing.IsDestroyed(err) {
			return false, ErrCacheClosed
		}
		return false, err
	}
	return existed, nil
}

// Invalidate aplica una señal de invalidación según la estrategia.
func (c *Cache) Invalidate(m mutation.Mutation) {
	if c.strategy == None {
		return
	}
	if m.IsClear() {
		c.Clear()
		return
	}

	c.mu.Lock()
	if rs := c.inflight[m.Key]; len(rs) > 0 {
		for _, r := range rs {
			if m.Version > r.invalidated {
				r.invalidated = m.Version
			}
		}
		// los Get que lleguen después no deben unirse a la carga vieja
		c.loads.Forget(m.Key)
	}
	c.mu.Unlock()

	switch c.strategy {
	case All:
		c.front.Remove(m.Key)
		c.invalidations.Add(1)
		metrics.NearCacheInvalidations.WithLabelValues(c.name).Inc()
	case Present:
		if c.front.Remove(m.Key) {
			c.invalidations.Add(1)
			metrics.NearCacheInvalidations.WithLabelValues(c.name).Inc()
		} else {
			c.ignored.Add(1)
		}
	}
}

// Clear vacía el front y descarta las cargas en vuelo.
func (c *Cache) Clear() {
	c.mu.Lock()
	for key, rs := range c.inflight {
		for _, r := range rs {
			r.cleared = true
		}
		c.loads.Forget(key)
	}
	c.mu.Unlock()
	c.front.Purge()
}

// Len es la cantidad de entradas en el front.
func (c *Cache) Len() int { return c.front.Len() }

// Cached reporta si key está en el front.
func (c *Cache) Cached(key string) bool { return c.front.Contains(key) }

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
		Ignored:       c.ignored.Load(),
	}
}

// Close desregistra el listener y vacía el front. Es idempotente.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.regID != "" {
		c.router.Unregister(ctx, c.regID)
	}
	if c.cancelWatch != nil {
		c.cancelWatch()
	}
	c.Clear()
	return nil
}

func (c *Cache) onSignal(_ context.Context, m mutation.Mutation) error {
	c.Invalidate(m)
	return nil
}

func (c *Cache) onLifecycle(ev backing.Lifecycle) {
	switch ev.Kind {
	case backing.Disconnected, backing.Reconnected, backing.MemberLeft, backing.Truncated:
		// sin stream no hay garantía de haber visto todas las invalidaciones
		c.log.Debug("clearing front tier", logger.String("signal", ev.Kind.String()))
		c.Clear()
	case backing.Destroyed:
		c.log.Info("back tier destroyed, closing near cache")
		_ = c.Close(logger.ToContext(context.Background(), c.log))
	}
}

func (c *Cache) reserve(key string) *reservation {
	r := &reservation{}
	c.mu.Lock()
	c.inflight[key] = append(c.inflight[key], r)
	c.mu.Unlock()
	return r
}

func (c *Cache) release(key string, r *reservation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs := c.inflight[key]
	for i, x := range rs {
		if x == r {
			rs = append(rs[:i], rs[i+1:]...)
			break
		}
	}
	if len(rs) == 0 {
		delete(c.inflight, key)
	} else {
		c.inflight[key] = rs
	}
}

// populate escribe en el front salvo que durante la carga se haya visto una
// invalidación más nueva que la versión cargada.
func (c *Cache) populate(key string, r *reservation, v backing.Versioned) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || r.cleared || r.invalidated > v.Version {
		return
	}
	c.front.Set(key, v.Value)
}

func (c *Cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
