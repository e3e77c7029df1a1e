package nearcache

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	gocache "github.com/patrickmn/go-cache"
)

// Front es el tier local. Es un cache débil: puede desalojar entradas por su
// cuenta y un miss siempre cae al back tier.
type Front interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	// Remove borra key y reporta si estaba.
	Remove(key string) bool
	Contains(key string) bool
	Purge()
	Len() int
}

// LRUFront es un front acotado por cantidad de entradas.
type LRUFront struct {
	c *lru.Cache
}

// NewLRUFront crea un front LRU de units entradas.
func NewLRUFront(units int) (*LRUFront, error) {
	c, err := lru.New(units)
	if err != nil {
		return nil, fmt.Errorf("nearcache: lru front: %w", err)
	}
	return &LRUFront{c: c}, nil
}

func (f *LRUFront) Get(key string) ([]byte, bool) {
	v, ok := f.c.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (f *LRUFront) Set(key string, value []byte) { f.c.Add(key, value) }
func (f *LRUFront) Remove(key string) bool      { return f.c.Remove(key) }
func (f *LRUFront) Contains(key string) bool    { return f.c.Contains(key) }
func (f *LRUFront) Purge()                      { f.c.Purge() }
func (f *LRUFront) Len() int                    { return f.c.Len() }

// TTLFront es un front cuyas entradas vencen a los ttl de escritas.
type TTLFront struct {
	c *gocache.Cache
}

// NewTTLFront crea un front con expiración; el janitor corre cada ttl.
func NewTTLFront(ttl time.Duration) *TTLFront {
	return &TTLFront{c: gocache.New(ttl, ttl)}
}

func (f *TTLFront) Get(key string) ([]byte, bool) {
	v, ok := f.c.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (f *TTLFront) Set(key string, value []byte) { f.c.Set(key, value, gocache.DefaultExpiration) }

func (f *TTLFront) Remove(key string) bool {
	_, ok := f.c.Get(key)
	f.c.Delete(key)
	return ok
}

func (f *TTLFront) Contains(key string) bool {
	_, ok := f.c.Get(key)
	return ok
}

func (f *TTLFront) Purge()   { f.c.Flush() }
func (f *TTLFront) Len() int { return f.c.ItemCount() }

var (
	_ Front = (*LRUFront)(nil)
	_ Front = (*TTLFront)(nil)
)
