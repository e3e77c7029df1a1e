// Package backing define el borde con el store autoritativo: lecturas,
// escrituras versionadas, snapshots filtrados, el stream de mutaciones
// confirmadas y las señales de ciclo de vida de la conexión.
//
// Los adapters concretos (memory, redis, pg, raft) se registran en init() y
// se abren por nombre con Open.
package backing

import (
	"context"
	"errors"

	"github.com/dropDatabas3/hellogrid/internal/mutation"
)

var (
	ErrNotFound       = errors.New("backing: key not found")
	ErrDestroyed      = errors.New("backing: cache destroyed")
	ErrDisconnected   = errors.New("backing: disconnected")
	ErrNotLeader      = errors.New("backing: not leader")
	ErrUnknownAdapter = errors.New("backing: unknown adapter")
	ErrClosed         = errors.New("backing: source closed")
)

// IsNotFound verifica si el error es porque la key no existe.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsDestroyed verifica si el cache fue destruido.
func IsDestroyed(err error) bool { return errors.Is(err, ErrDestroyed) }

// IsDisconnected verifica si el store no está alcanzable.
func IsDisconnected(err error) bool { return errors.Is(err, ErrDisconnected) }

// Versioned es un valor junto con la versión de origen que lo escribió.
type Versioned struct {
	Value   []byte
	Version uint64
}

// Snapshot es el estado filtrado de un cache en un punto. Version es el
// marcador: toda mutación con versión <= Version está reflejada.
type Snapshot struct {
	Entries map[string]Versioned
	Version uint64
}

// Sink recibe el stream de mutaciones de un cache. *router.Router lo implementa.
type Sink interface {
	Deliver(ctx context.Context, m mutation.Mutation, phase mutation.Phase) error
}

// Store es un cache con nombre dentro del store autoritativo.
type Store interface {
	Name() string
	Get(ctx context.Context, key string) (Versioned, bool, error)
	// Put escribe value y devuelve la versión asignada.
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	// Remove borra la key; el bool indica si existía.
	Remove(ctx context.Context, key string) (uint64, bool, error)
	// Snapshot devuelve las entradas que pasan filter (nil = todas).
	Snapshot(ctx context.Context, filter mutation.Filter) (Snapshot, error)
	// Subscribe conecta un sink al stream de mutaciones confirmadas.
	Subscribe(s Sink) (cancel func())
	// WatchLifecycle observa las señales de conexión y operaciones destructivas.
	WatchLifecycle(fn func(Lifecycle)) (cancel func())
}

// Truncater es implementado por los stores que soportan truncate.
type Truncater interface {
	Truncate(ctx context.Context) error
}

// Destroyer es implementado por los stores que soportan destroy.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// Source es una conexión abierta con un store autoritativo; agrupa sus caches.
type Source interface {
	Driver() string
	Store(name string) (Store, error)
	Ping(ctx context.Context) error
	Close() error
}
