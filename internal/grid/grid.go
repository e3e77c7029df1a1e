// Package grid arma el proceso cliente a partir de la configuración: abre el
// source, crea un router por cache y construye las vistas y near caches
// declaradas.
package grid

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dropDatabas3/hellogrid/internal/backing"
	_ "github.com/dropDatabas3/hellogrid/internal/backing/memory"
	_ "github.com/dropDatabas3/hellogrid/internal/backing/pg"
	_ "github.com/dropDatabas3/hellogrid/internal/backing/raft"
	_ "github.com/dropDatabas3/hellogrid/internal/backing/redis"
	"github.com/dropDatabas3/hellogrid/internal/config"
	"github.com/dropDatabas3/hellogrid/internal/mutation"
	"github.com/dropDatabas3/hellogrid/internal/nearcache"
	"github.com/dropDatabas3/hellogrid/internal/observability/logger"
	"github.com/dropDatabas3/hellogrid/internal/registry"
	"github.com/dropDatabas3/hellogrid/internal/router"
	"github.com/dropDatabas3/hellogrid/internal/view"
)

// Cache es un cache abierto: el store y el router que reparte su stream.
type Cache struct {
	Store  backing.Store
	Router *router.Router
	cancel func()
}

type Option func(*Grid)

func WithLogger(l *zap.Logger) Option { return func(g *Grid) { g.log = l } }

// WithSource usa un source ya abierto en vez de abrirlo desde la config.
func WithSource(s backing.Source) Option { return func(g *Grid) { g.source = s } }

type Grid struct {
	cfg    *config.Config
	log    *zap.Logger
	source backing.Source

	mu     sync.Mutex
	caches map[string]*Cache
	views  map[string]*view.View
	near   map[string]*nearcache.Cache
	closed bool
}

// New abre el source y construye vistas y near caches. Las vistas quedan
// en Bootstrapping hasta Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Grid, error) {
	g := &Grid{
		cfg:    cfg,
		caches: make(map[string]*Cache),
		views:  make(map[string]*view.View),
		near:   make(map[string]*nearcache.Cache),
	}
	for _, o := range opts {
		o(g)
	}
	if g.log == nil {
		g.log = logger.Named("grid")
	}

	if g.source == nil {
		src, err := backing.Open(ctx, BackingConfig(cfg, g.log))
		if err != nil {
			return nil, fmt.Errorf("grid: open source: %w", err)
		}
		g.source = src
	}
	g.log.Info("source opened", logger.Driver(g.source.Driver()))

	for _, vc := range cfg.Views {
		c, err := g.Cache(vc.Cache)
		if err != nil {
			_ = g.Close(ctx)
			return nil, err
		}
		mode := registry.Synchronous
		if vc.Mode == "deferred" {
			mode = registry.Deferred
		}
		opts := []view.Option{
			view.WithName(vc.Name),
			view.WithMode(mode),
			view.WithLogger(g.log.Named("view")),
			view.WithBackoff(cfg.Resync.Initial, cfg.Resync.Max),
		}
		if vc.KeyPrefix != "" {
			opts = append(opts, view.WithFilter(KeyPrefix(vc.KeyPrefix)))
		}
		g.views[vc.Name] = view.New(c.Store, c.Router, opts...)
	}

	for _, nc := range cfg.NearCaches {
		c, err := g.Cache(nc.Cache)
		if err != nil {
			_ = g.Close(ctx)
			return nil, err
		}
		n, err := newNearCache(ctx, c, nc, g.log)
		if err != nil {
			_ = g.Close(ctx)
			return nil, err
		}
		g.near[nc.Name] = n
	}
	return g, nil
}

func newNearCache(ctx context.Context, c *Cache, nc config.NearCacheConfig, log *zap.Logger) (*nearcache.Cache, error) {
	strategy, err := nearcache.ParseStrategy(nc.Strategy)
	if err != nil {
		return nil, err
	}
	var front nearcache.Front
	switch nc.Front {
	case "ttl":
		front = nearcache.NewTTLFront(nc.TTL)
	default:
		f, err := nearcache.NewLRUFront(nc.Units)
		if err != nil {
			return nil, err
		}
		front = f
	}
	return nearcache.New(ctx, c.Store, c.Router,
		nearcache.WithName(nc.Name),
		nearcache.WithStrategy(strategy),
		nearcache.WithFront(front),
		nearcache.WithLogger(log.Named("nearcache")),
	)
}

// BackingConfig traduce la sección source de la config.
func BackingConfig(cfg *config.Config, log *zap.Logger) backing.Config {
	s := cfg.Source
	return backing.Config{
		Driver: s.Driver,
		Redis: backing.RedisConfig{
			Addr:     s.Redis.Addr,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
			Prefix:   s.Redis.Prefix,
		},
		PG: backing.PGConfig{
			DSN:          s.Postgres.DSN,
			MaxConns:     int32(s.Postgres.MaxConns),
			EnsureSchema: s.Postgres.EnsureSchema,
		},
		Raft: backing.RaftConfig{
			NodeID:       s.Raft.NodeID,
			Addr:         s.Raft.Addr,
			Dir:          s.Raft.Dir,
			Peers:        s.Raft.Peers,
			Bootstrap:    s.Raft.Bootstrap,
			InMemory:     s.Raft.InMemory,
			ApplyTimeout: s.Raft.ApplyTimeout,
		},
		ReconnectInitial: s.Reconnect.Initial,
		ReconnectMax:     s.Reconnect.Max,
		Logger:           log.Named(s.Driver),
	}
}

// KeyPrefix es el filtro de las vistas declaradas por config.
func KeyPrefix(p string) mutation.Filter {
	return func(e mutation.Entry) bool { return strings.HasPrefix(e.Key, p) }
}

// Start abre todas las vistas. Si alguna falla, devuelve el primer error.
func (g *Grid) Start(ctx context.Context) error {
	for _, v := range g.Views() {
		if err := v.Open(ctx); err != nil {
			return fmt.Errorf("grid: open view %s: %w", v.Name(), err)
		}
	}
	return nil
}

// Cache devuelve (abriéndolo si hace falta) el cache name con su router.
func (g *Grid) Cache(name string) (*Cache, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, backing.ErrClosed
	}
	if c, ok := g.caches[name]; ok {
		return c, nil
	}
	st, err := g.source.Store(name)
	if err != nil {
		return nil, fmt.Errorf("grid: open cache %s: %w", name, err)
	}
	r := router.New(nil, router.WithName(name), router.WithLogger(g.log.Named("router")))
	c := &Cache{Store: st, Router: r}
	c.cancel = st.Subscribe(r)
	g.caches[name] = c
	return c, nil
}

// Store es un atajo a Cache(name).Store.
func (g *Grid) Store(name string) (backing.Store, error) {
	c, err := g.Cache(name)
	if err != nil {
		return nil, err
	}
	return c.Store, nil
}

func (g *Grid) Source() backing.Source { return g.source }

func (g *Grid) View(name string) (*view.View, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.views[name]
	return v, ok
}

// Views devuelve las vistas ordenadas por nombre.
func (g *Grid) Views() []*view.View {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*view.View, 0, len(g.views))
	for _, v := range g.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (g *Grid) NearCache(name string) (*nearcache.Cache, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.near[name]
	return n, ok
}

// Ready reporta si el source responde y todas las vistas están activas.
func (g *Grid) Ready(ctx context.Context) error {
	if err := g.source.Ping(ctx); err != nil {
		return err
	}
	for _, v := range g.Views() {
		if st := v.Status(); st != view.Active {
			return fmt.Errorf("grid: view %s is %s", v.Name(), st)
		}
	}
	return nil
}

// Close cierra vistas, near caches, routers y el source, en ese orden.
func (g *Grid) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	views := g.views
	near := g.near
	caches := g.caches
	g.mu.Unlock()

	var errs []error
	for _, v := range views {
		errs = append(errs, v.Close(ctx))
	}
	for _, n := range near {
		errs = append(errs, n.Close(ctx))
	}
	for _, c := range caches {
		c.cancel()
		errs = append(errs, c.Router.Close(ctx))
	}
	if g.source != nil {
		errs = append(errs, g.source.Close())
	}
	return errors.Join(errs...)
}
