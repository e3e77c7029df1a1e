package router

import (
	"github.com/dropDatabas3/hellogrid/internal/metrics"
	"github.com/dropDatabas3/hellogrid/internal/mutation"
	"github.com/dropDatabas3/hellogrid/internal/observability/logger"
	"github.com/dropDatabas3/hellogrid/internal/registry"
)

// queue es la cola FIFO de una registración diferida. Un único drainer por
// cola garantiza el orden; cuando la cola queda vacía el drainer la saca del
// mapa y termina, así una registración removida no deja nada vivo.
type queue struct {
	h       *registry.Handle
	items   []mutation.Mutation
	running bool
}

func (r *Router) enqueue(h *registry.Handle, ev mutation.Mutation) {
	r.addPending(1)

	r.qmu.Lock()
	q, ok := r.queues[h]
	if !ok {
		q = &queue{h: h}
		r.queues[h] = q
	}
	q.items = append(q.items, ev)
	start := !q.running
	q.running = true
	r.qmu.Unlock()

	if start {
		go r.drain(q)
	}
}

func (r *Router) drain(q *queue) {
	for {
		r.qmu.Lock()
		if len(q.items) == 0 {
			q.running = false
			delete(r.queues, q.h)
			r.qmu.Unlock()
			return
		}
		ev := q.items[0]
		q.items[0] = mutation.Mutation{}
		q.items = q.items[1:]
		r.qmu.Unlock()

		if err := r.invoke(r.base, q.h, ev); err != nil {
			metrics.ListenerFailures.WithLabelValues(mutation.PostCommit.String()).Inc()
			r.log.Error("deferred listener failed",
				logger.Registration(q.h.ID),
				logger.Key(ev.Key),
				logger.Version(ev.Version),
				logger.Err(err),
			)
		}
		metrics.Deliveries.WithLabelValues(registry.Deferred.String()).Inc()
		r.addPending(-1)
	}
}

// queued devuelve la cantidad de colas vivas (para tests).
func (r *Router) queued() int {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	return len(r.queues)
}
