package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/hellogrid/internal/config"
	"github.com/dropDatabas3/hellogrid/internal/grid"
	"github.com/dropDatabas3/hellogrid/internal/mutation"
	"github.com/dropDatabas3/hellogrid/internal/observability/logger"
	"github.com/dropDatabas3/hellogrid/internal/registry"
)

func newWatchCmd(cfg *config.Config) *cobra.Command {
	var (
		lite   bool
		keys   []string
		prefix string
	)
	cmd := &cobra.Command{
		Use:   "watch <cache>",
		Short: "Imprime las mutaciones confirmadas de un cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, err := openBare(ctx, cfg)
			if err != nil {
				return err
			}
			defer g.Close(context.Background())

			c, err := g.Cache(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			reg := registry.Registration{
				ID:     "watch:" + uuid.NewString(),
				Scopes: watchScopes(keys, prefix),
				Mode:   registry.Deferred,
				Listener: registry.ListenerFunc(func(lctx context.Context, m mutation.Mutation) error {
					if _, err := fmt.Fprintln(out, m.String()); err != nil {
						logger.SFrom(lctx).Warnw("watch output failed", "key", m.Key, "error", err)
						return err
					}
					return nil
				}),
			}
			if lite {
				reg.Shape = registry.Lite
			}
			if _, err := c.Router.Register(ctx, reg, registry.Fail); err != nil {
				return err
			}
			logger.S().Infof("watching %s (%d scopes, lite=%t)", args[0], len(reg.Scopes), lite)
			<-ctx.Done()
			logger.S().Infof("stopped watching %s", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&lite, "lite", false, "Entregar solo key y kind")
	cmd.Flags().StringSliceVar(&keys, "key", nil, "Observar solo estas keys (repetible)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Observar solo keys con este prefijo")
	return cmd
}

func watchScopes(keys []string, prefix string) []registry.Scope {
	var scopes []registry.Scope
	for _, k := range keys {
		scopes = append(scopes, registry.Key(k))
	}
	if prefix != "" {
		scopes = append(scopes, registry.Where(func(e mutation.Entry) bool {
			return strings.HasPrefix(e.Key, prefix)
		}))
	}
	return scopes
}

// openBare abre el grid sin las vistas ni near caches declaradas.
func openBare(ctx context.Context, cfg *config.Config) (*grid.Grid, error) {
	bare := *cfg
	bare.Views = nil
	bare.NearCaches = nil
	return grid.New(ctx, &bare)
}
