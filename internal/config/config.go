package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Bloque app (opcional en YAML). Si no está, queda vacío.
	App struct {
		// dev | prod
		Env    string `yaml:"app_env"`
		NodeID string `yaml:"node_id"`
	} `yaml:"app"`

	Log struct {
		Level       string `yaml:"level"` // debug | info | warn | error
		ServiceName string `yaml:"service_name"`
	} `yaml:"log"`

	// Server es la API de administración (readyz, metrics, vistas).
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Source struct {
		Driver string `yaml:"driver"` // memory | redis | postgres | raft
		Redis  struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
		Postgres struct {
			DSN          string `yaml:"dsn"`
			MaxConns     int    `yaml:"max_conns"`
			EnsureSchema bool   `yaml:"ensure_schema"`
		} `yaml:"postgres"`
		Raft struct {
			NodeID       string            `yaml:"node_id"`
			Addr         string            `yaml:"addr"`
			Dir          string            `yaml:"dir"`
			Peers        map[string]string `yaml:"peers"` // nodeID -> host:port (raft)
			Bootstrap    bool              `yaml:"bootstrap"`
			InMemory     bool              `yaml:"in_memory"`
			ApplyTimeout time.Duration     `yaml:"apply_timeout"`
		} `yaml:"raft"`
		Reconnect Backoff `yaml:"reconnect"`
	} `yaml:"source"`

	Views      []ViewConfig      `yaml:"views"`
	NearCaches []NearCacheConfig `yaml:"near_caches"`

	// Resync controla los reintentos de las vistas desconectadas.
	Resync Backoff `yaml:"resync"`
}

type Backoff struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// ViewConfig declara una continuous query view sobre un cache.
type ViewConfig struct {
	Name      string `yaml:"name"`
	Cache     string `yaml:"cache"`
	KeyPrefix string `yaml:"key_prefix"` // filtro por prefijo de key; vacío = todas
	Mode      string `yaml:"mode"`       // synchronous | deferred
}

// NearCacheConfig declara un near cache sobre un cache.
type NearCacheConfig struct {
	Name     string        `yaml:"name"`
	Cache    string        `yaml:"cache"`
	Strategy string        `yaml:"strategy"` // all | present | none
	Front    string        `yaml:"front"`    // lru | ttl
	Units    int           `yaml:"units"`
	TTL      time.Duration `yaml:"ttl"`
}

// Default devuelve la configuración sin archivo: source en memoria y admin en :8081.
func Default() *Config {
	var c Config
	c.setDefaults()
	c.applyEnvOverrides()
	return &c
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	c.setDefaults()

	// Overrides por env
	c.applyEnvOverrides()

	// Normalizar el directorio de raft (si relativo) respecto al YAML
	if d := strings.TrimSpace(c.Source.Raft.Dir); d != "" && !filepath.IsAbs(d) {
		c.Source.Raft.Dir = filepath.Clean(filepath.Join(filepath.Dir(path), d))
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// sane defaults
func (c *Config) setDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.ServiceName == "" {
		c.Log.ServiceName = "hellogrid"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8081"
	}
	if strings.TrimSpace(c.Source.Driver) == "" {
		c.Source.Driver = "memory"
	}
	if c.Source.Redis.Prefix == "" {
		c.Source.Redis.Prefix = "grid:"
	}
	if c.Source.Postgres.MaxConns == 0 {
		c.Source.Postgres.MaxConns = 10
	}
	if c.Source.Raft.NodeID == "" {
		c.Source.Raft.NodeID = c.App.NodeID
	}
	if c.Source.Raft.Peers == nil {
		c.Source.Raft.Peers = map[string]string{}
	}
	if c.Source.Raft.ApplyTimeout == 0 {
		c.Source.Raft.ApplyTimeout = 5 * time.Second
	}
	if c.Source.Reconnect.Initial == 0 {
		c.Source.Reconnect.Initial = 200 * time.Millisecond
	}
	if c.Source.Reconnect.Max == 0 {
		c.Source.Reconnect.Max = 10 * time.Second
	}
	if c.Resync.Initial == 0 {
		c.Resync.Initial = 100 * time.Millisecond
	}
	if c.Resync.Max == 0 {
		c.Resync.Max = 10 * time.Second
	}
	for i := range c.Views {
		v := &c.Views[i]
		if v.Cache == "" {
			v.Cache = v.Name
		}
		if v.Mode == "" {
			v.Mode = "synchronous"
		}
	}
	for i := range c.NearCaches {
		n := &c.NearCaches[i]
		if n.Cache == "" {
			n.Cache = n.Name
		}
		if n.Strategy == "" {
			n.Strategy = "all"
		}
		if n.Front == "" {
			n.Front = "lru"
		}
		if n.Front == "lru" && n.Units == 0 {
			n.Units = 10000
		}
		if n.Front == "ttl" && n.TTL == 0 {
			n.TTL = time.Minute
		}
	}
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}
func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

// applyEnvOverrides: pisa config.yaml con variables de entorno.
func (c *Config) applyEnvOverrides() {
	// APP / LOG
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("NODE_ID"); ok {
		c.App.NodeID = v
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}

	// SERVER
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}

	// SOURCE
	if v, ok := getEnvStr("SOURCE_DRIVER"); ok {
		c.Source.Driver = strings.ToLower(v)
	}
	if v, ok := getEnvDur("RECONNECT_INITIAL"); ok {
		c.Source.Reconnect.Initial = v
	}
	if v, ok := getEnvDur("RECONNECT_MAX"); ok {
		c.Source.Reconnect.Max = v
	}

	// REDIS
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Source.Redis.Addr = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Source.Redis.Password = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Source.Redis.DB = v
	}
	if v, ok := getEnvStr("REDIS_PREFIX"); ok {
		c.Source.Redis.Prefix = v
	}

	// POSTGRES
	if v, ok := getEnvStr("PG_DSN"); ok {
		c.Source.Postgres.DSN = v
	} else if v, ok := getEnvStr("DATABASE_URL"); ok {
		// fallback alias
		c.Source.Postgres.DSN = v
	}
	if v, ok := getEnvInt("PG_MAX_CONNS"); ok {
		c.Source.Postgres.MaxConns = v
	}
	if v, ok := getEnvBool("PG_ENSURE_SCHEMA"); ok {
		c.Source.Postgres.EnsureSchema = v
	}

	// RAFT
	if v, ok := getEnvStr("RAFT_NODE_ID"); ok {
		c.Source.Raft.NodeID = v
	} else if c.Source.Raft.NodeID == "" && c.App.NodeID != "" {
		c.Source.Raft.NodeID = c.App.NodeID
	}
	if v, ok := getEnvStr("RAFT_ADDR"); ok {
		c.Source.Raft.Addr = v
	}
	if v, ok := getEnvStr("RAFT_DIR"); ok {
		c.Source.Raft.Dir = v
	}
	if v, ok := getEnvKVList("RAFT_PEERS", ","); ok {
		c.Source.Raft.Peers = v
	}
	if v, ok := getEnvBool("RAFT_BOOTSTRAP"); ok {
		c.Source.Raft.Bootstrap = v
	}
	if v, ok := getEnvBool("RAFT_IN_MEMORY"); ok {
		c.Source.Raft.InMemory = v
	}
	if v, ok := getEnvDur("RAFT_APPLY_TIMEOUT"); ok {
		c.Source.Raft.ApplyTimeout = v
	}

	// RESYNC
	if v, ok := getEnvDur("RESYNC_INITIAL"); ok {
		c.Resync.Initial = v
	}
	if v, ok := getEnvDur("RESYNC_MAX"); ok {
		c.Resync.Max = v
	}
}

// Validate verifica los valores críticos de la configuración.
func (c *Config) Validate() error {
	switch c.Source.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Source.Redis.Addr) == "" {
			return fmt.Errorf("config: source.redis.addr is required for driver redis")
		}
	case "postgres":
		if strings.TrimSpace(c.Source.Postgres.DSN) == "" {
			return fmt.Errorf("config: source.postgres.dsn is required for driver postgres")
		}
	case "raft":
		if c.Source.Raft.NodeID == "" {
			return fmt.Errorf("config: source.raft.node_id is required for driver raft")
		}
		if !c.Source.Raft.InMemory && (c.Source.Raft.Addr == "" || c.Source.Raft.Dir == "") {
			return fmt.Errorf("config: source.raft.addr and source.raft.dir are required unless in_memory")
		}
	default:
		return fmt.Errorf("config: unknown source.driver %q", c.Source.Driver)
	}
	if c.Source.Reconnect.Max < c.Source.Reconnect.Initial {
		return fmt.Errorf("config: source.reconnect.max must be >= initial")
	}
	if c.Resync.Max < c.Resync.Initial {
		return fmt.Errorf("config: resync.max must be >= initial")
	}

	seen := map[string]bool{}
	for _, v := range c.Views {
		if strings.TrimSpace(v.Name) == "" {
			return fmt.Errorf("config: view without name")
		}
		if seen["view:"+v.Name] {
			return fmt.Errorf("config: duplicate view %q", v.Name)
		}
		seen["view:"+v.Name] = true
		if v.Mode != "synchronous" && v.Mode != "deferred" {
			return fmt.Errorf("config: view %q: unknown mode %q", v.Name, v.Mode)
		}
	}
	for _, n := range c.NearCaches {
		if strings.TrimSpace(n.Name) == "" {
			return fmt.Errorf("config: near cache without name")
		}
		if seen["near:"+n.Name] {
			return fmt.Errorf("config: duplicate near cache %q", n.Name)
		}
		seen["near:"+n.Name] = true
		switch strings.ToLower(n.Strategy) {
		case "all", "present", "none":
		default:
			return fmt.Errorf("config: near cache %q: unknown strategy %q", n.Name, n.Strategy)
		}
		switch n.Front {
		case "lru":
			if n.Units <= 0 {
				return fmt.Errorf("config: near cache %q: units must be > 0", n.Name)
			}
		case "ttl":
			if n.TTL <= 0 {
				return fmt.Errorf("config: near cache %q: ttl must be > 0", n.Name)
			}
		default:
			return fmt.Errorf("config: near cache %q: unknown front %q", n.Name, n.Front)
		}
	}
	return nil
}

// parse env of form "k1=v1<sep>k2=v2" into map
func parseKVList(s, sep string) map[string]string {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]string{}
	}
	items := strings.Split(s, sep)
	out := make(map[string]string, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		// split at first '='
		if i := strings.IndexRune(it, '='); i > 0 {
			k := strings.TrimSpace(it[:i])
			v := strings.TrimSpace(it[i+1:])
			if k != "" && v != "" {
				out[k] = v
			}
		}
	}
	return out
}

func getEnvKVList(key, sep string) (map[string]string, bool) {
	if s, ok := getEnvStr(key); ok {
		return parseKVList(s, sep), true
	}
	return nil, false
}
