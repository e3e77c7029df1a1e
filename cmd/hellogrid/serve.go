package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/hellogrid/internal/config"
	"github.com/dropDatabas3/hellogrid/internal/grid"
	httpx "github.com/dropDatabas3/hellogrid/internal/http"
	"github.com/dropDatabas3/hellogrid/internal/observability/logger"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Abre el source, materializa las vistas y sirve la API admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Named("serve")

	g, err := grid.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := g.Close(context.Background()); err != nil {
			log.Warn("grid close", logger.Err(err))
		}
	}()

	mcfg := httpx.MetricsConfig{}
	if p, ok := g.Source().(interface{ Pool() *pgxpool.Pool }); ok {
		mcfg.Pool = p.Pool
	}
	metricsHandler, err := httpx.RegisterMetrics(mcfg)
	if err != nil {
		return err
	}
	handler := httpx.NewRouter(httpx.RouterDeps{Grid: g, Metrics: metricsHandler, Logger: logger.Named("http")})

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		// las vistas reintentan solas tras un fallo de bootstrap vía resync;
		// un error acá es definitivo (cache destruido, registración duplicada)
		if err := g.Start(ctx); err != nil {
			return err
		}
		log.Info("views active", logger.Count(len(g.Views())))
		return nil
	})
	eg.Go(func() error {
		return httpx.Start(ctx, cfg.Server.Addr, handler, logger.Named("http"))
	})
	return eg.Wait()
}
