// Package logger provee el logger Zap compartido por el cliente del grid.
//
// # Design Decisions
//
//   - Singleton: una instancia global inicializada con Init() desde cmd/.
//     Los componentes del core (router, vistas, near caches) reciben su
//     *zap.Logger por opción y solo caen al singleton como default.
//   - Context Scoping: ToContext/From permiten propagar un logger con campos
//     (cache, view, registration) a través de callbacks de listeners.
//   - Environments: "dev" usa consola con colores, "prod" usa JSON.
//
// # Usage
//
//	logger.Init(logger.Config{Env: cfg.Log.Env, Level: cfg.Log.Level})
//	defer logger.Sync()
//
//	log := logger.Named("view").With(logger.View(name), logger.Cache(cache))
//	log.Info("view active", logger.Count(n), logger.Version(hw))
package logger
