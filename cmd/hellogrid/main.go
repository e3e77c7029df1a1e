// hellogrid es el proceso cliente del grid: sirve la API admin sobre las
// vistas y near caches declaradas y ofrece comandos sueltos contra el source.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/hellogrid/internal/config"
	"github.com/dropDatabas3/hellogrid/internal/observability/logger"
)

type rootFlags struct {
	configPath string
	envFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	cfg := &config.Config{}

	root := &cobra.Command{
		Use:           "hellogrid",
		Short:         "Cliente del grid: vistas continuas, near caches y fan-out de mutaciones",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env es opcional
			if err := godotenv.Load(flags.envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("load %s: %w", flags.envFile, err)
			}
			c, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			*cfg = *c
			logger.Init(logger.Config{
				Env:         c.App.Env,
				Level:       c.Log.Level,
				ServiceName: c.Log.ServiceName,
				NodeID:      c.App.NodeID,
			})
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", envOr("HELLOGRID_CONFIG", ""), "Ruta al config YAML (env HELLOGRID_CONFIG); vacío usa defaults + env")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Archivo .env a cargar si existe")

	root.AddCommand(
		newServeCmd(cfg),
		newWatchCmd(cfg),
		newPutCmd(cfg),
		newGetCmd(cfg),
		newRemoveCmd(cfg),
	)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		c := config.Default()
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return c, nil
	}
	return config.Load(path)
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
