package backing

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/dropDatabas3/hellogrid/internal/mutation"
)

// Hub reparte mutaciones y señales de ciclo de vida a los suscriptores de un
// cache. Los adapters lo embeben para implementar Subscribe/WatchLifecycle.
// El zero value está listo para usar.
type Hub struct {
	mu       sync.RWMutex
	next     uint64
	sinks    map[uint64]Sink
	watchers map[uint64]func(Lifecycle)
}

// Subscribe implementa Store.Subscribe.
func (h *Hub) Subscribe(s Sink) (cancel func()) {
	h.mu.Lock()
	if h.sinks == nil {
		h.sinks = make(map[uint64]Sink)
	}
	h.next++
	id := h.next
	h.sinks[id] = s
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.sinks, id)
			h.mu.Unlock()
		})
	}
}

// WatchLifecycle implementa Store.WatchLifecycle.
func (h *Hub) WatchLifecycle(fn func(Lifecycle)) (cancel func()) {
	h.mu.Lock()
	if h.watchers == nil {
		h.watchers = make(map[uint64]func(Lifecycle))
	}
	h.next++
	id := h.next
	h.watchers[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.watchers, id)
			h.mu.Unlock()
		})
	}
}

// HasSubscribers reporta si hay algún sink conectado.
func (h *Hub) HasSubscribers() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks) > 0
}

// Publish entrega m a todos los sinks en orden de suscripción. En PreCommit
// corta en el primer error y lo devuelve; en PostCommit entrega a todos y
// devuelve los errores unidos.
func (h *Hub) Publish(ctx context.Context, m mutation.Mutation, phase mutation.Phase) error {
	var errs []error
	for _, s := range h.sinkList() {
		if err := s.Deliver(ctx, m, phase); err != nil {
			if phase == mutation.PreCommit {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Signal notifica ev a todos los watchers, en el goroutine del llamador.
func (h *Hub) Signal(ev Lifecycle) {
	h.mu.RLock()
	ids := make([]uint64, 0, len(h.watchers))
	for id := range h.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Lifecycle), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.watchers[id])
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (h *Hub) sinkList() []Sink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]uint64, 0, len(h.sinks))
	for id := range h.sinks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Sink, 0, len(ids))
	for _, id := range ids {
		out = append(out, h.sinks[id])
	}
	return out
}
