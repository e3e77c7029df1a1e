// Package view materializa una continuous query view: una copia local y
// filtrada de un cache que se mantiene con el stream de mutaciones y se
// reconcilia tras bootstrap, desconexiones y operaciones destructivas.
//
// Ciclo de vida: Bootstrapping -> Active <-> Disconnected -> Dead.
package view

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
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

var (
	// ErrViewDeactivated se devuelve en toda operación sobre una vista Dead.
	ErrViewDeactivated = errors.New("view: deactivated")
	// ErrResyncFailed indica que el snapshot de resync falló; la vista sigue
	// Disconnected y reintenta.
	ErrResyncFailed = errors.New("view: resync failed")
	// ErrAlreadyOpen se devuelve si Open se llama dos veces.
	ErrAlreadyOpen = errors.New("view: already open")

	errStaleSnapshot = errors.New("view: snapshot overlapped a disconnect")
)

// IsDeactivated verifica si la vista fue desactivada.
func IsDeactivated(err error) bool { return errors.Is(err, ErrViewDeactivated) }

// Status es el estado de la vista.
type Status int

const (
	Bootstrapping Status = iota
	Active
	Disconnected
	Dead
)

func (s Status) String() string {
	switch s {
	case Bootstrapping:
		return "bootstrapping"
	case Active:
		return "active"
	case Disconnected:
		return "disconnected"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Option configura una View.
type Option func(*View)

func WithName(name string) Option { return func(v *View) { v.name = name } }

// WithFilter restringe la vista a las entradas que pasan f.
func WithFilter(f mutation.Filter) Option { return func(v *View) { v.filter = f } }

// WithMode elige el modo de entrega de la registración upstream.
func WithMode(m registry.DeliveryMode) Option { return func(v *View) { v.mode = m } }

func WithLogger(l *zap.Logger) Option { return func(v *View) { v.log = l } }

// WithBackoff configura los reintentos de resync.
func WithBackoff(initial, max time.Duration) Option {
	return func(v *View) {
		v.backoffInitial = initial
		v.backoffMax = max
	}
}

// View es una continuous query view sobre un cache.
type View struct {
	name           string
	store          backing.Store
	upstream       *router.Router
	down           *router.Router
	filter         mutation.Filter
	mode           registry.DeliveryMode
	log            *zap.Logger
	backoffInitial time.Duration
	backoffMax     time.Duration

	ctx  context.Context
	stop context.CancelFunc

	// emitMu serializa aplicar+notificar para conservar el orden downstream.
	// Orden de locks: emitMu -> mu.
	emitMu sync.Mutex

	mu          sync.RWMutex
	status      Status
	opened      bool
	local       map[string]backing.Versioned
	floor       uint64
	highWater   uint64
	buffer      []mutation.Mutation
	upstreamID  string
	cancelWatch func()
	// epoch cuenta desconexiones; un snapshot tomado en un epoch anterior
	// puede haber perdido escrituras que nunca llegaron por el stream.
	epoch  uint64
	synced bool

	group    singleflight.Group
	retrying atomic.Bool
	kicks    atomic.Uint64
}

// New crea una vista sobre store. upstream es el router al que store
// entrega su stream de mutaciones. La vista arranca en Bootstrapping; Open
// la registra y carga el estado inicial.
func New(store backing.Store, upstream *router.Router, opts ...Option) *View {
	v := &View{
		store:          store,
		upstream:       upstream,
		mode:           registry.Synchronous,
		backoffInitial: 100 * time.Millisecond,
		backoffMax:     10 * time.Second,
		local:          make(map[string]backing.Versioned),
	}
	for _, o := range opts {
		o(v)
	}
	if v.name == "" {
		v.name = store.Name()
	}
	if v.log == nil {
		v.log = logger.Named("view")
	}
	v.log = v.log.With(logger.View(v.name), logger.Cache(store.Name()))
	v.down = router.New(nil, router.WithName(v.name), router.WithLogger(v.log))
	v.ctx, v.stop = context.WithCancel(logger.ToContext(context.Background(), v.log))
	v.setStatusMetric(Bootstrapping)
	return v
}

func (v *View) Name() string { return v.name }

// Open registra la vista upstream antes de pedir el snapshot, de modo que
// ninguna mutación que compita con el bootstrap se pierda ni se aplique dos
// veces.
func (v *View) Open(ctx context.Context) error {
	v.mu.Lock()
	if v.status == Dead {
		v.mu.Unlock()
		return ErrViewDeactivated
	}
	if v.opened {
		v.mu.Unlock()
		return ErrAlreadyOpen
	}
	v.opened = true
	v.mu.Unlock()

	scope := registry.All()
	if v.filter != nil {
		scope = registry.Transitions(v.filter)
	}
	h, err := v.upstream.Register(ctx, registry.Registration{
		ID:       "view:" + v.name + ":" + uuid.NewString(),
		Scopes:   []registry.Scope{scope},
		Shape:    registry.Full,
		Mode:     v.mode,
		Listener: registry.ListenerFunc(v.onMutation),
	}, registry.Fail)
	if err != nil {
		return fmt.Errorf("view %s: register upstream: %w", v.name, err)
	}
	cancel := v.store.WatchLifecycle(v.onLifecycle)

	v.mu.Lock()
	v.upstreamID = h.ID
	v.cancelWatch = cancel
	v.mu.Unlock()

	if err := v.bootstrap(ctx, false); err != nil {
		if errors.Is(err, errStaleSnapshot) {
			// queda Disconnected sirviendo lo último consistente hasta el resync
			v.log.Warn("bootstrap snapshot overlapped a disconnect, resyncing")
			v.scheduleResync()
			return nil
		}
		if backing.IsDestroyed(err) {
			v.deactivate(ctx, "destroyed")
			return ErrViewDeactivated
		}
		v.upstream.Unregister(ctx, h.ID)
		cancel()
		v.mu.Lock()
		v.opened = false
		v.upstreamID = ""
		v.cancelWatch = nil
		v.buffer = nil
		v.mu.Unlock()
		return fmt.Errorf("view %s: bootstrap: %w", v.name, err)
	}
	v.log.Info("view active", logger.Count(v.Len()), logger.Version(v.HighWater()))
	return nil
}

// Register agrega un listener downstream: la vista se observa como un cache.
func (v *View) Register(ctx context.Context, reg registry.Registration, policy registry.DuplicatePolicy) (*registry.Handle, error) {
	if v.Status() == Dead {
		return nil, ErrViewDeactivated
	}
	return v.down.Register(ctx, reg, policy)
}

func (v *View) Unregister(ctx context.Context, id string) bool {
	return v.down.Unregister(ctx, id)
}

// Status devuelve el estado actual.
func (v *View) Status() Status {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.status
}

// HighWater es la mayor versión de origen observada.
func (v *View) HighWater() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.highWater
}

// Get lee del local store. Mientras la vista está Disconnected sirve el
// último estado consistente.
func (v *View) Get(key string) ([]byte, bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.status == Dead {
		return nil, false, ErrViewDeactivated
	}
	e, ok := v.local[key]
	return e.Value, ok, nil
}

// Entries copia el local store.
func (v *View) Entries() (map[string][]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.status == Dead {
		return nil, ErrViewDeactivated
	}
	out := make(map[string][]byte, len(v.local))
	for k, e := range v.local {
		out[k] = e.Value
	}
	return out, nil
}

// Keys devuelve las keys ordenadas.
func (v *View) Keys() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.status == Dead {
		return nil, ErrViewDeactivated
	}
	return sortedKeys(v.local), nil
}

func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.local)
}

// Resync fuerza una reconciliación contra el estado remoto. Los llamados
// concurrentes se combinan en un solo intento. Si falla, la vista queda
// Disconnected y reintenta en background.
func (v *View) Resync(ctx context.Context) error {
	_, err, _ := v.group.Do("resync", func() (interface{}, error) {
		return nil, v.reconcile(ctx, true)
	})
	if errors.Is(err, ErrResyncFailed) {
		v.scheduleResync()
	}
	return err
}

// Close desactiva la vista.
func (v *View) Close(ctx context.Context) error {
	v.deactivate(ctx, "closed")
	return nil
}

func (v *View) onMutation(ctx context.Context, m mutation.Mutation) error {
	v.emitMu.Lock()
	defer v.emitMu.Unlock()

	v.mu.Lock()
	switch v.status {
	case Bootstrapping, Disconnected:
		v.buffer = append(v.buffer, m)
		v.mu.Unlock()
		return nil
	case Dead:
		v.mu.Unlock()
		return nil
	}
	ev, ok := v.applyLocked(m)
	size := len(v.local)
	v.mu.Unlock()

	if ok {
		metrics.ViewEntries.WithLabelValues(v.name).Set(float64(size))
		v.emit(ctx, []mutation.Mutation{ev})
	}
	return nil
}

// applyLocked aplica m al local store y devuelve el evento relativo a la
// vista. Descarta mutaciones con versión ya reflejada.
func (v *View) applyLocked(m mutation.Mutation) (mutation.Mutation, bool) {
	if m.Version > v.highWater {
		v.highWater = m.Version
	}
	if m.Version != 0 && m.Version <= v.floor {
		return mutation.Mutation{}, false
	}
	if m.IsClear() {
		v.local = make(map[string]backing.Versioned)
		v.floor = m.Version
		return mutation.Cleared(m.Version), true
	}

	cur, present := v.local[m.Key]
	if present && m.Version != 0 && m.Version <= cur.Version {
		return mutation.Mutation{}, false
	}

	after, exists := m.After()
	if exists && v.accepts(after) {
		v.local[m.Key] = backing.Versioned{Value: after.Value, Version: m.Version}
		if present {
			ev := mutation.NewUpdate(m.Key, cur.Value, after.Value, m.Version)
			ev.Synthetic = m.Synthetic
			return ev, true
		}
		ev := mutation.NewInsert(m.Key, after.Value, m.Version)
		ev.Synthetic = m.Synthetic
		return ev, true
	}
	if !present {
		return mutation.Mutation{}, false
	}
	// delete, o update que deja de pasar el filtro
	delete(v.local, m.Key)
	ev := mutation.NewDelete(m.Key, cur.Value, m.Version)
	ev.Synthetic = m.Synthetic
	ev.Expired = m.Expired
	return ev, true
}

func (v *View) accepts(e mutation.Entry) (ok bool) {
	if v.filter == nil {
		return true
	}
	defer func() {
		if rec := recover(); rec != nil {
			v.log.Error("view filter panicked", logger.Key(e.Key), logger.Any("panic", rec))
			ok = false
		}
	}()
	return v.filter(e)
}

// bootstrap toma el snapshot, lo combina con las mutaciones buffereadas y
// notifica downstream exactamente una vez por key cambiada.
func (v *View) bootstrap(ctx context.Context, resync bool) error {
	v.mu.RLock()
	epoch := v.epoch
	v.mu.RUnlock()

	snap, err := v.store.Snapshot(ctx, v.filter)
	if err != nil {
		return err
	}

	v.emitMu.Lock()
	defer v.emitMu.Unlock()

	v.mu.Lock()
	if v.status == Dead {
		v.mu.Unlock()
		return ErrViewDeactivated
	}
	if v.epoch != epoch {
		// el buffer se conserva para el próximo intento
		v.status = Disconnected
		v.mu.Unlock()
		v.setStatusMetric(Disconnected)
		return errStaleSnapshot
	}
	prev := v.local
	buffered := v.buffer
	v.buffer = nil

	v.local = make(map[string]backing.Versioned, len(snap.Entries))
	for k, e := range snap.Entries {
		v.local[k] = e
	}
	v.floor = snap.Version
	if snap.Version > v.highWater {
		v.highWater = snap.Version
	}
	sort.SliceStable(buffered, func(i, j int) bool { return buffered[i].Version < buffered[j].Version })
	for _, m := range buffered {
		v.applyLocked(m)
	}

	events := diff(prev, v.local, v.highWater, resync && v.synced)
	v.status = Active
	v.synced = true
	size := len(v.local)
	v.mu.Unlock()

	v.setStatusMetric(Active)
	metrics.ViewEntries.WithLabelValues(v.name).Set(float64(size))
	v.emit(ctx, events)
	return nil
}

// diff produce un evento por key cuyo valor cambió entre prev y next.
func diff(prev, next map[string]backing.Versioned, version uint64, synthetic bool) []mutation.Mutation {
	var out []mutation.Mutation
	for _, k := range sortedKeys(next) {
		n := next[k]
		p, ok := prev[k]
		var ev mutation.Mutation
		switch {
		case !ok:
			ev = mutation.NewInsert(k, n.Value, n.Version)
		case !bytes.Equal(p.Value, n.Value):
			ev = mutation.NewUpdate(k, p.Value, n.Value, n.Version)
		default:
			continue
		}
		ev.Synthetic = synthetic
		out = append(out, ev)
	}
	for _, k := range sortedKeys(prev) {
		if _, ok := next[k]; ok {
			continue
		}
		ev := mutation.NewDelete(k, prev[k].Value, version)
		ev.Synthetic = synthetic
		out = append(out, ev)
	}
	return out
}

func (v *View) emit(ctx context.Context, events []mutation.Mutation) {
	for _, ev := range events {
		_ = v.down.Deliver(ctx, ev, mutation.PostCommit)
	}
}

// reconcile corre un intento de resync. Con force=false solo actúa si la
// vista está Disconnected. Siempre se llama dentro del singleflight.
func (v *View) reconcile(ctx context.Context, force bool) error {
	v.mu.Lock()
	switch v.status {
	case Dead:
		v.mu.Unlock()
		return ErrViewDeactivated
	case Bootstrapping:
		v.mu.Unlock()
		return nil
	case Active:
		if !force {
			v.mu.Unlock()
			return nil
		}
		v.status = Disconnected
	}
	v.mu.Unlock()
	v.setStatusMetric(Disconnected)

	err := v.bootstrap(ctx, true)
	switch {
	case err == nil:
		metrics.ViewResyncs.WithLabelValues(v.name, "ok").Inc()
		v.log.Info("view resynced", logger.Count(v.Len()), logger.Version(v.HighWater()))
		return nil
	case errors.Is(err, ErrViewDeactivated):
		return err
	case backing.IsDestroyed(err):
		v.deactivate(ctx, "destroyed")
		return ErrViewDeactivated
	default:
		metrics.ViewResyncs.WithLabelValues(v.name, "failed").Inc()
		return fmt.Errorf("%w: %v", ErrResyncFailed, err)
	}
}

// scheduleResync pide un resync en background. Hay a lo sumo un loop de
// reintentos por vista; los pedidos que llegan mientras corre lo relanzan.
func (v *View) scheduleResync() {
	v.kicks.Add(1)
	if !v.retrying.CompareAndSwap(false, true) {
		return
	}
	go v.retryLoop()
}

func (v *View) retryLoop() {
	for {
		seen := v.kicks.Load()
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = v.backoffInitial
		bo.MaxInterval = v.backoffMax
		bo.MaxElapsedTime = 0
		attempt := 0
		_ = backoff.RetryNotify(func() error {
			attempt++
			_, err, _ := v.group.Do("resync", func() (interface{}, error) {
				return nil, v.reconcile(v.ctx, false)
			})
			if errors.Is(err, ErrViewDeactivated) {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(bo, v.ctx), func(err error, next time.Duration) {
			v.log.Warn("view resync failed, retrying", logger.Attempt(attempt), logger.Duration(next), logger.Err(err))
		})

		v.retrying.Store(false)
		if v.ctx.Err() != nil || v.kicks.Load() == seen || !v.retrying.CompareAndSwap(false, true) {
			return
		}
	}
}

func (v *View) onLifecycle(ev backing.Lifecycle) {
	switch ev.Kind {
	case backing.Disconnected:
		v.disconnect(ev.Reason)
	case backing.Reconnected:
		v.scheduleResync()
	case backing.MemberLeft:
		v.disconnect("member left: " + ev.Member)
		v.scheduleResync()
	case backing.Destroyed:
		v.deactivate(v.ctx, "destroyed")
	case backing.Truncated:
		// la notificación de clear llega por el stream de mutaciones
	}
}

func (v *View) disconnect(reason string) {
	v.mu.Lock()
	if v.status == Dead {
		v.mu.Unlock()
		return
	}
	v.epoch++
	if v.status != Active {
		// un bootstrap en curso lo detecta por el epoch
		v.mu.Unlock()
		return
	}
	v.status = Disconnected
	v.mu.Unlock()
	v.setStatusMetric(Disconnected)
	v.log.Warn("view disconnected", logger.String("reason", reason))
}

// deactivate lleva la vista a Dead. Es idempotente.
func (v *View) deactivate(ctx context.Context, reason string) {
	v.mu.Lock()
	if v.status == Dead {
		v.mu.Unlock()
		return
	}
	v.status = Dead
	v.local = make(map[string]backing.Versioned)
	v.buffer = nil
	id := v.upstreamID
	cancel := v.cancelWatch
	v.mu.Unlock()

	v.stop()
	if id != "" {
		v.upstream.Unregister(ctx, id)
	}
	if cancel != nil {
		cancel()
	}
	for _, h := range v.down.Table().Snapshot() {
		if d, ok := h.Listener.(registry.Deactivator); ok {
			v.notifyDeactivate(ctx, h.ID, d, reason)
		}
	}
	_ = v.down.Close(ctx)

	v.setStatusMetric(Dead)
	metrics.ViewEntries.WithLabelValues(v.name).Set(0)
	v.log.Info("view deactivated", logger.String("reason", reason))
}

func (v *View) notifyDeactivate(ctx context.Context, id string, d registry.Deactivator, reason string) {
	defer func() {
		if rec := recover(); rec != nil {
			v.log.Error("deactivation listener panicked", logger.Registration(id), logger.Any("panic", rec))
		}
	}()
	d.OnDeactivate(ctx, reason)
}

func (v *View) setStatusMetric(s Status) {
	metrics.ViewStatus.WithLabelValues(v.name).Set(float64(s))
}

func sortedKeys(m map[string]backing.Versioned) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
