package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellogrid/internal/backing"
	mw "github.com/dropDatabas3/hellogrid/internal/http/middlewares"
	"github.com/dropDatabas3/hellogrid/internal/nearcache"
	"github.com/dropDatabas3/hellogrid/internal/view"
)

// Grid es lo que la API admin necesita del proceso. *grid.Grid lo implementa.
type Grid interface {
	Ready(ctx context.Context) error
	Views() []*view.View
	View(name string) (*view.View, bool)
	NearCache(name string) (*nearcache.Cache, bool)
	Store(name string) (backing.Store, error)
}

// RouterDeps contiene las dependencias del router admin.
type RouterDeps struct {
	Grid    Grid
	Metrics http.Handler // nil deshabilita /metrics
	Logger  *zap.Logger
}

// NewRouter arma el router admin.
func NewRouter(deps RouterDeps) http.Handler {
	h := &handlers{grid: deps.Grid}

	r := chi.NewRouter()
	r.Use(mw.WithRequestID(), mw.WithLogging(deps.Logger), mw.WithRecover(), WithMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", h.readyz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/views", func(r chi.Router) {
			r.Get("/", h.listViews)
			r.Get("/{name}", h.getView)
			r.Post("/{name}/resync", h.resyncView)
			r.Get("/{name}/entries/{key}", h.getViewEntry)
		})
		r.Get("/caches/{name}/entries/{key}", h.getEntry)
		r.Put("/caches/{name}/entries/{key}", h.putEntry)
		r.Delete("/caches/{name}/entries/{key}", h.deleteEntry)
	})
	return r
}
