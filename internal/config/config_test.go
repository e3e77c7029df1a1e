package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_DefaultsAndSections(t *testing.T) {
	p := writeYAML(t, `
source:
  driver: raft
  raft:
    node_id: n1
    addr: 127.0.0.1:7000
    dir: data/raft
views:
  - name: active-users
    cache: users
    key_prefix: "active:"
  - name: audit
    mode: deferred
near_caches:
  - name: products
    strategy: present
  - name: sessions
    front: ttl
`)
	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, ":8081", c.Server.Addr)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, filepath.Join(filepath.Dir(p), "data/raft"), c.Source.Raft.Dir)
	assert.Equal(t, 5*time.Second, c.Source.Raft.ApplyTimeout)
	assert.Equal(t, 100*time.Millisecond, c.Resync.Initial)

	require.Len(t, c.Views, 2)
	assert.Equal(t, "users", c.Views[0].Cache)
	assert.Equal(t, "synchronous", c.Views[0].Mode)
	assert.Equal(t, "audit", c.Views[1].Cache)

	require.Len(t, c.NearCaches, 2)
	assert.Equal(t, "lru", c.NearCaches[0].Front)
	assert.Equal(t, 10000, c.NearCaches[0].Units)
	assert.Equal(t, time.Minute, c.NearCaches[1].TTL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SOURCE_DRIVER", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6390")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("RAFT_PEERS", "n1=a:1, n2=b:2")
	t.Setenv("RESYNC_MAX", "30s")

	c, err := Load(writeYAML(t, "server:\n  addr: :9000\n"))
	require.NoError(t, err)
	assert.Equal(t, "redis", c.Source.Driver)
	assert.Equal(t, "localhost:6390", c.Source.Redis.Addr)
	assert.Equal(t, 3, c.Source.Redis.DB)
	assert.Equal(t, map[string]string{"n1": "a:1", "n2": "b:2"}, c.Source.Raft.Peers)
	assert.Equal(t, 30*time.Second, c.Resync.Max)
	assert.Equal(t, ":9000", c.Server.Addr)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"unknown driver":  "source:\n  driver: cassandra\n",
		"redis addr":      "source:\n  driver: redis\n",
		"duplicate view":  "views:\n  - name: a\n  - name: a\n",
		"bad mode":        "views:\n  - name: a\n    mode: eventually\n",
		"bad strategy":    "near_caches:\n  - name: a\n    strategy: sometimes\n",
		"bad front":       "near_caches:\n  - name: a\n    front: disk\n",
		"raft needs dirs": "source:\n  driver: raft\n  raft:\n    node_id: n1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeYAML(t, body))
			require.Error(t, err)
		})
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, "memory", c.Source.Driver)
	require.NoError(t, c.Validate())
}

func TestParseKVList(t *testing.T) {
	assert.Equal(t, map[string]string{"a": "1"}, parseKVList("a=1;=x;b=;;", ";"))
	assert.Empty(t, parseKVList("  ", ","))
}
