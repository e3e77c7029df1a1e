// Package router implementa el fan-out de mutaciones: para cada mutación
// calcula las registraciones que matchean y entrega a cada una, exactamente
// una vez, el evento con la forma que pidió.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/hellogrid/internal/metrics"
	"github.com/dropDatabas3/hellogrid/internal/mutation"
	"github.com/dropDatabas3/hellogrid/internal/observability/logger"
	"github.com/dropDatabas3/hellogrid/internal/registry"
)

// ErrListenerFailure es el error base de cualquier falla de un listener.
var ErrListenerFailure = errors.New("router: listener failure")

// ListenerError describe la falla de una registración concreta.
type ListenerError struct {
	RegistrationID string
	Key            string
	Version        uint64
	Phase          mutation.Phase
	Err            error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("router: listener %s failed on %q@%d (%s): %v", e.RegistrationID, e.Key, e.Version, e.Phase, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

// Is permite errors.Is(err, ErrListenerFailure).
func (e *ListenerError) Is(target error) bool { return target == ErrListenerFailure }

// IsListenerFailure verifica si el error proviene de un listener.
func IsListenerFailure(err error) bool { return errors.Is(err, ErrListenerFailure) }

// Option configura un Router.
type Option func(*Router)

// WithLogger fija el logger del router.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// WithName fija el nombre que aparece en logs (normalmente el del cache).
func WithName(name string) Option {
	return func(r *Router) { r.name = name }
}

// Router entrega mutaciones a las registraciones de una tabla.
type Router struct {
	name  string
	table *registry.Table
	log   *zap.Logger
	base  context.Context

	qmu    sync.Mutex
	queues map[*registry.Handle]*queue

	pmu     sync.Mutex
	pending int
	idle    chan struct{}

	closed atomic.Bool
}

// New crea un router sobre table (o una tabla nueva si es nil).
func New(table *registry.Table, opts ...Option) *Router {
	if table == nil {
		table = registry.NewTable()
	}
	r := &Router{
		table:  table,
		queues: make(map[*registry.Handle]*queue),
		idle:   closedChan(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = logger.Named("router")
	}
	if r.name != "" {
		r.log = r.log.With(logger.Cache(r.name))
	}
	r.base = logger.ToContext(context.Background(), r.log)
	return r
}

// Table devuelve la tabla de registraciones.
func (r *Router) Table() *registry.Table { return r.table }

// Register es un atajo a Table().Register.
func (r *Router) Register(ctx context.Context, reg registry.Registration, policy registry.DuplicatePolicy) (*registry.Handle, error) {
	return r.table.Register(ctx, reg, policy)
}

// Unregister es un atajo a Table().Unregister. Tiene efecto para toda
// mutación cuyo pase de fan-out empiece después de que retorna.
func (r *Router) Unregister(ctx context.Context, id string) bool {
	return r.table.Unregister(ctx, id)
}

type target struct {
	h  *registry.Handle
	ev mutation.Mutation
}

// Deliver ejecuta un pase de fan-out para m.
//
// En PreCommit el primer error de un listener síncrono corta la cadena y se
// devuelve como *ListenerError; las registraciones diferidas solo se encolan
// si la cadena síncrona completa sin error. En PostCommit los errores se
// loguean y la entrega continúa; Deliver devuelve nil.
func (r *Router) Deliver(ctx context.Context, m mutation.Mutation, phase mutation.Phase) error {
	if r.closed.Load() {
		return nil
	}
	start := time.Now()
	defer func() { metrics.FanOutLatency.Observe(time.Since(start).Seconds()) }()

	ctx = logger.ToContext(ctx, r.log)
	var deferred []target
	for _, h := range r.table.Snapshot() {
		if h.Phase != phase || !r.matches(h, m) {
			continue
		}
		ev, err := r.event(h, m)
		if err == nil && h.Mode == registry.Deferred {
			deferred = append(deferred, target{h: h, ev: ev})
			continue
		}
		if err == nil {
			err = r.invoke(ctx, h, ev)
			metrics.Deliveries.WithLabelValues(registry.Synchronous.String()).Inc()
		}
		if err == nil {
			continue
		}
		lerr := &ListenerError{RegistrationID: h.ID, Key: m.Key, Version: m.Version, Phase: phase, Err: err}
		metrics.ListenerFailures.WithLabelValues(phase.String()).Inc()
		if phase == mutation.PreCommit {
			return lerr
		}
		r.log.Error("listener failed",
			logger.Registration(h.ID),
			logger.Key(m.Key),
			logger.Version(m.Version),
			logger.Phase(phase.String()),
			logger.Err(err),
		)
	}

	for _, t := range deferred {
		r.enqueue(t.h, t.ev)
	}
	return nil
}

func (r *Router) matches(h *registry.Handle, m mutation.Mutation) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("scope evaluation panicked", logger.Registration(h.ID), logger.Key(m.Key), logger.Any("panic", p))
			ok = false
		}
	}()
	return h.Matches(m)
}

func (r *Router) event(h *registry.Handle, m mutation.Mutation) (ev mutation.Mutation, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transformer panic: %v", p)
		}
	}()
	return h.Event(m), nil
}

func (r *Router) invoke(ctx context.Context, h *registry.Handle, ev mutation.Mutation) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("listener panic: %v", p)
		}
	}()
	return h.Listener.OnMutation(ctx, ev)
}

// Drain espera a que todas las colas diferidas queden vacías.
func (r *Router) Drain(ctx context.Context) error {
	r.pmu.Lock()
	ch := r.idle
	r.pmu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close deja de aceptar mutaciones y espera a que se vacíen las colas diferidas.
func (r *Router) Close(ctx context.Context) error {
	r.closed.Store(true)
	return r.Drain(ctx)
}

func (r *Router) addPending(delta int) {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	before := r.pending
	r.pending += delta
	switch {
	case before == 0 && r.pending > 0:
		r.idle = make(chan struct{})
	case before > 0 && r.pending == 0:
		close(r.idle)
	}
	metrics.DeferredBacklog.Add(float64(delta))
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
