package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Métricas del core del grid: fan-out, vistas y near caches.
// Viven en un paquete aparte (igual que las de Raft) para que router, view y
// nearcache no dependan de la capa HTTP.

var (
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_deliveries_total",
		Help: "Eventos entregados a registraciones, por modo de entrega",
	}, []string{"mode"})

	ListenerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_listener_failures_total",
		Help: "Errores o panics de listeners durante la entrega, por fase",
	}, []string{"phase"})

	DeferredBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grid_deferred_backlog",
		Help: "Eventos encolados pendientes de entrega diferida",
	})

	FanOutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "grid_fanout_latency_seconds",
		Help:    "Duración de un pase de fan-out (incluye listeners síncronos)",
		Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
	})

	ViewStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grid_view_status",
		Help: "Estado actual de cada vista (0=bootstrapping 1=active 2=disconnected 3=dead)",
	}, []string{"view"})

	ViewEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grid_view_entries",
		Help: "Entradas en el local store de cada vista",
	}, []string{"view"})

	ViewResyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_view_resyncs_total",
		Help: "Resyncs de vistas por resultado",
	}, []string{"view", "result"}) // result: ok|failed

	NearCacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_nearcache_requests_total",
		Help: "Lecturas del near cache por resultado",
	}, []string{"cache", "result"}) // result: hit|miss

	NearCacheInvalidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_nearcache_invalidations_total",
		Help: "Remociones del front tier por invalidación",
	}, []string{"cache"})
)

// RegisterGrid registra las métricas del grid en el registry dado (o el default si nil).
func RegisterGrid(reg prometheus.Registerer) error {
	return register(reg,
		Deliveries,
		ListenerFailures,
		DeferredBacklog,
		FanOutLatency,
		ViewStatus,
		ViewEntries,
		ViewResyncs,
		NearCacheRequests,
		NearCacheInvalidations,
	)
}

// Register registra todas las métricas del proceso.
func Register(reg prometheus.Registerer) error {
	if err := RegisterGrid(reg); err != nil {
		return err
	}
	return RegisterRaft(reg)
}

func register(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
