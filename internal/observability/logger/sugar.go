package logger

import (
	"context"

	"go.uber.org/zap"
)

// S devuelve el singleton en versión sugared, para los mensajes printf-style
// de la CLI.
//
//	logger.S().Infof("watching %s", cache)
//	logger.S().Warnw("listener failed", "registration", id, "error", err)
func S() *zap.SugaredLogger { return L().Sugar() }

// SFrom es S sobre el logger del contexto; los listeners lo reciben del
// router con cache y registration ya cargados.
func SFrom(ctx context.Context) *zap.SugaredLogger { return From(ctx).Sugar() }
