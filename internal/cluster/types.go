// Package cluster provee la infraestructura Raft del grid: el wrapper del
// nodo (stores, transporte, membership) y la FSM que replica los caches.
package cluster

import "errors"

// CommandOp define el catálogo de operaciones replicadas.
type CommandOp string

const (
	OpPut      CommandOp = "put"
	OpRemove   CommandOp = "remove"
	OpExpire   CommandOp = "expire"
	OpEvict    CommandOp = "evict"
	OpTruncate CommandOp = "truncate"
	OpDestroy  CommandOp = "destroy"
)

// Command representa una operación a replicar por Raft.
type Command struct {
	Op    CommandOp `json:"op"`
	Cache string    `json:"cache"`
	Key   string    `json:"key,omitempty"`
	Value []byte    `json:"value,omitempty"`
}

// ErrCacheDestroyed indica una operación sobre un cache destruido.
var ErrCacheDestroyed = errors.New("cluster: cache destroyed")
