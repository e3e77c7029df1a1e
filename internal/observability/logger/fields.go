package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - GRID
// =================================================================================

// Cache crea un campo para el nombre del backing store.
func Cache(v string) zap.Field {
	return zap.String("cache", v)
}

// View crea un campo para el nombre de una vista.
func View(v string) zap.Field {
	return zap.String("view", v)
}

// Registration crea un campo para el ID de una registración.
func Registration(v string) zap.Field {
	return zap.String("registration", v)
}

// Key crea un campo para la key de una entrada.
func Key(v string) zap.Field {
	return zap.String("key", v)
}

// Version crea un campo para la versión de origen de una mutación.
func Version(v uint64) zap.Field {
	return zap.Uint64("version", v)
}

// Kind crea un campo para el tipo de mutación (insert/update/delete).
func Kind(v string) zap.Field {
	return zap.String("kind", v)
}

// Phase crea un campo para la fase del fan-out.
func Phase(v string) zap.Field {
	return zap.String("phase", v)
}

// Status crea un campo para el estado de una vista.
func Status(v string) zap.Field {
	return zap.String("status", v)
}

// Strategy crea un campo para la estrategia de invalidación.
func Strategy(v string) zap.Field {
	return zap.String("strategy", v)
}

// Driver crea un campo para el driver del backing store.
func Driver(v string) zap.Field {
	return zap.String("driver", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - HTTP
// =================================================================================

// RequestID crea un campo para el ID del request.
func RequestID(v string) zap.Field {
	return zap.String("request_id", v)
}

func Method(v string) zap.Field {
	return zap.String("method", v)
}

func Path(v string) zap.Field {
	return zap.String("path", v)
}

// HTTPStatus crea un campo para el status code de la respuesta.
func HTTPStatus(v int) zap.Field {
	return zap.Int("status", v)
}

func Bytes(v int) zap.Field {
	return zap.Int("bytes", v)
}

func DurationMs(v int64) zap.Field {
	return zap.Int64("duration_ms", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op crea un campo para la operación actual.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// NodeID crea un campo para el ID del nodo Raft.
func NodeID(v string) zap.Field {
	return zap.String("node_id", v)
}

// Addr crea un campo para una dirección de red.
func Addr(v string) zap.Field {
	return zap.String("addr", v)
}

// Duration crea un campo para una duración.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// Attempt crea un campo para el número de intento de un retry.
func Attempt(v int) zap.Field {
	return zap.Int("attempt", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// =================================================================================
// CAMPOS ESTÁNDAR - DATOS
// =================================================================================

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// Any crea un campo genérico para cualquier tipo.
func Any(key string, v any) zap.Field {
	return zap.Any(key, v)
}

// String crea un campo string genérico.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}

// Int crea un campo int genérico.
func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}

// Bool crea un campo bool genérico.
func Bool(key string, v bool) zap.Field {
	return zap.Bool(key, v)
}
