package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/hellogrid/internal/backing"
	"github.com/dropDatabas3/hellogrid/internal/config"
)

func withStore(cmd *cobra.Command, cfg *config.Config, cache string, fn func(ctx context.Context, st backing.Store) error) error {
	ctx := cmd.Context()
	g, err := openBare(ctx, cfg)
	if err != nil {
		return err
	}
	defer g.Close(context.Background())
	st, err := g.Store(cache)
	if err != nil {
		return err
	}
	return fn(ctx, st)
}

func newPutCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "put <cache> <key> <value>",
		Short: "Escribe una entrada en el source",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, cfg, args[0], func(ctx context.Context, st backing.Store) error {
				v, err := st.Put(ctx, args[1], []byte(args[2]))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d\n", v)
				return nil
			})
		},
	}
}

func newGetCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "get <cache> <key>",
		Short: "Lee una entrada del source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, cfg, args[0], func(ctx context.Context, st backing.Store) error {
				v, ok, err := st.Get(ctx, args[1])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s/%s: %w", args[0], args[1], backing.ErrNotFound)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t(version=%d)\n", v.Value, v.Version)
				return nil
			})
		},
	}
}

func newRemoveCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <cache> <key>",
		Short: "Borra una entrada del source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, cfg, args[0], func(ctx context.Context, st backing.Store) error {
				v, existed, err := st.Remove(ctx, args[1])
				if err != nil {
					return err
				}
				if !existed {
					return fmt.Errorf("%s/%s: %w", args[0], args[1], backing.ErrNotFound)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d\n", v)
				return nil
			})
		},
	}
}
