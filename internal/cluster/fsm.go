package cluster

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/dropDatabas3/hellogrid/internal/mutation"
)

// Entry es un valor replicado. Version es el índice del log que lo escribió.
type Entry struct {
	Value   []byte `json:"value"`
	Version uint64 `json:"version"`
}

type cacheState struct {
	Entries   map[string]Entry `json:"entries"`
	Destroyed bool             `json:"destroyed,omitempty"`
}

// Applied es el resultado de aplicar un Command. Mutation.Kind == 0 significa
// que el comando no cambió nada (p.ej. remove de una key ausente).
type Applied struct {
	Cache     string
	Mutation  mutation.Mutation
	Truncated bool
	Destroyed bool
	Err       error
}

// FSM mantiene los caches replicados en memoria. Todos los nodos aplican el
// mismo log, así que cada nodo ve las mismas mutaciones en el mismo orden.
type FSM struct {
	mu     sync.RWMutex
	caches map[string]*cacheState
	index  uint64

	hookMu    sync.RWMutex
	onApply   func(Applied)
	onRestore func()
}

func NewFSM() *FSM { return &FSM{caches: make(map[string]*cacheState)} }

// OnApply registra el callback que recibe cada comando aplicado, en orden
// de log y fuera del lock de la FSM.
func (f *FSM) OnApply(fn func(Applied)) {
	f.hookMu.Lock()
	f.onApply = fn
	f.hookMu.Unlock()
}

// OnRestore registra el callback que corre tras reemplazar el estado desde un snapshot.
func (f *FSM) OnRestore(fn func()) {
	f.hookMu.Lock()
	f.onRestore = fn
	f.hookMu.Unlock()
}

// Apply decodifica el comando y lo aplica.
func (f *FSM) Apply(l *raft.Log) interface{} {
	if l == nil || len(l.Data) == 0 {
		return Applied{}
	}
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return Applied{Err: fmt.Errorf("cluster: decode command: %w", err)}
	}

	f.mu.Lock()
	res := f.applyLocked(cmd, l.Index)
	if l.Index > f.index {
		f.index = l.Index
	}
	f.mu.Unlock()

	f.hookMu.RLock()
	hook := f.onApply
	f.hookMu.RUnlock()
	if hook != nil && res.Err == nil {
		hook(res)
	}
	return res
}

func (f *FSM) applyLocked(cmd Command, index uint64) Applied {
	res := Applied{Cache: cmd.Cache}
	c := f.caches[cmd.Cache]
	if c == nil {
		c = &cacheState{Entries: make(map[string]Entry)}
		f.caches[cmd.Cache] = c
	}
	if c.Destroyed {
		res.Err = ErrCacheDestroyed
		return res
	}

	switch cmd.Op {
	case OpPut:
		value := cmd.Value
		if value == nil {
			value = []byte{}
		}
		if old, ok := c.Entries[cmd.Key]; ok {
			res.Mutation = mutation.NewUpdate(cmd.Key, old.Value, value, index)
		} else {
			res.Mutation = mutation.NewInsert(cmd.Key, value, index)
		}
		c.Entries[cmd.Key] = Entry{Value: value, Version: index}

	case OpRemove, OpExpire, OpEvict:
		old, ok := c.Entries[cmd.Key]
		if !ok {
			return res
		}
		delete(c.Entries, cmd.Key)
		m := mutation.NewDelete(cmd.Key, old.Value, index)
		switch cmd.Op {
		case OpExpire:
			m = m.AsExpired()
		case OpEvict:
			m = m.AsSynthetic()
		}
		res.Mutation = m

	case OpTruncate:
		c.Entries = make(map[string]Entry)
		res.Mutation = mutation.Cleared(index)
		res.Truncated = true

	case OpDestroy:
		c.Entries = nil
		c.Destroyed = true
		res.Destroyed = true

	default:
		res.Err = fmt.Errorf("cluster: unknown op %q", cmd.Op)
	}
	return res
}

// Get lee una entrada del estado local.
func (f *FSM) Get(cache, key string) (Entry, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c := f.caches[cache]
	if c == nil {
		return Entry{}, false, nil
	}
	if c.Destroyed {
		return Entry{}, false, ErrCacheDestroyed
	}
	e, ok := c.Entries[key]
	return e, ok, nil
}

// Read copia las entradas de cache que pasan filter y devuelve el último
// índice aplicado como marcador.
func (f *FSM) Read(cache string, filter mutation.Filter) (map[string]Entry, uint64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]Entry)
	c := f.caches[cache]
	if c == nil {
		return out, f.index, nil
	}
	if c.Destroyed {
		return nil, 0, ErrCacheDestroyed
	}
	for k, e := range c.Entries {
		if filter == nil || filter(mutation.Entry{Key: k, Value: e.Value}) {
			out[k] = e
		}
	}
	return out, f.index, nil
}

// Index devuelve el último índice aplicado.
func (f *FSM) Index() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.index
}

type fsmState struct {
	Index  uint64                 `json:"index"`
	Caches map[string]*cacheState `json:"caches"`
}

// Snapshot copia el estado; Persist lo escribe como JSON comprimido.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st := fsmState{Index: f.index, Caches: make(map[string]*cacheState, len(f.caches))}
	for name, c := range f.caches {
		cp := &cacheState{Destroyed: c.Destroyed, Entries: make(map[string]Entry, len(c.Entries))}
		for k, e := range c.Entries {
			cp.Entries[k] = e
		}
		st.Caches[name] = cp
	}
	return &snapshot{state: st}, nil
}

// Restore reemplaza el estado. Las mutaciones intermedias no se emiten: los
// derivados se enteran por el callback OnRestore y resincronizan.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	gr, err := gzip.NewReader(rc)
	if err != nil {
		return err
	}
	defer gr.Close()
	var st fsmState
	if err := json.NewDecoder(gr).Decode(&st); err != nil {
		return fmt.Errorf("cluster: decode snapshot: %w", err)
	}
	if st.Caches == nil {
		st.Caches = make(map[string]*cacheState)
	}
	for _, c := range st.Caches {
		if c.Entries == nil && !c.Destroyed {
			c.Entries = make(map[string]Entry)
		}
	}

	f.mu.Lock()
	f.caches = st.Caches
	f.index = st.Index
	f.mu.Unlock()

	f.hookMu.RLock()
	hook := f.onRestore
	f.hookMu.RUnlock()
	if hook != nil {
		hook()
	}
	return nil
}

type snapshot struct{ state fsmState }

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	gw := gzip.NewWriter(sink)
	if err := json.NewEncoder(gw).Encode(s.state); err != nil {
		_ = gw.Close()
		_ = sink.Cancel()
		return err
	}
	if err := gw.Close(); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {}
