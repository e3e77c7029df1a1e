package backing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Adapter abre conexiones con un tipo de store autoritativo.
type Adapter interface {
	// Name retorna el nombre del driver ("memory", "redis", "postgres", "raft").
	Name() string

	// Open establece la conexión.
	Open(ctx context.Context, cfg Config) (Source, error)
}

// Config configuración para abrir un Source.
type Config struct {
	// Driver del adapter: "memory", "redis", "postgres", "raft".
	Driver string

	Redis RedisConfig
	PG    PGConfig
	Raft  RaftConfig

	// Reconnect controla el backoff del stream de mutaciones tras una caída.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// Logger opcional; si es nil cada adapter usa logger.Named(driver).
	Logger *zap.Logger
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // prefijo de keys y canales
}

type PGConfig struct {
	DSN      string
	MaxConns int32
	// EnsureSchema crea las tablas si no existen.
	EnsureSchema bool
}

type RaftConfig struct {
	NodeID    string
	Addr      string
	Dir       string
	Peers     map[string]string // nodeID -> raftAddr
	Bootstrap bool
	// InMemory usa stores y transporte en memoria (tests, modo dev).
	InMemory bool
	// ApplyTimeout para cada escritura replicada.
	ApplyTimeout time.Duration
}

// ─── Registry Global ───

var (
	registryMu sync.RWMutex
	adapters   = make(map[string]Adapter)
)

// RegisterAdapter registra un adapter en el registry global.
// Llamar en init() de cada adapter.
func RegisterAdapter(a Adapter) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := a.Name()
	if _, exists := adapters[name]; exists {
		panic(fmt.Sprintf("backing: adapter %q already registered", name))
	}
	adapters[name] = a
}

// GetAdapter obtiene un adapter por nombre.
func GetAdapter(name string) (Adapter, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	a, ok := adapters[name]
	return a, ok
}

// ListAdapters retorna los nombres de los adapters registrados, ordenados.
func ListAdapters() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(adapters))
	for name := range adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open abre un Source usando el adapter indicado en cfg.Driver.
func Open(ctx context.Context, cfg Config) (Source, error) {
	a, ok := GetAdapter(cfg.Driver)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, cfg.Driver)
	}
	return a.Open(ctx, cfg)
}
