package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/hellogrid/internal/observability/logger"
)

const shutdownTimeout = 10 * time.Second

// Start sirve handler en addr hasta que ctx se cancele; luego hace un
// shutdown ordenado.
func Start(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	if log == nil {
		log = logger.Named("http")
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("admin server listening", logger.Addr(addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info("admin server shutting down")
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
