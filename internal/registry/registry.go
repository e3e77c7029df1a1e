// Package registry mantiene la tabla de registraciones activas de listeners
// y sus reglas de match (scope) y forma (shape).
//
// La tabla publica snapshots inmutables (copy-on-write): el router itera un
// snapshot sin carreras contra Register/Unregister concurrentes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dropDatabas3/hellogrid/internal/mutation"
)

var (
	// ErrDuplicateRegistration indica colisión de identificador bajo la política Fail.
	ErrDuplicateRegistration = errors.New("registry: duplicate registration")

	// ErrRegistrationVetoed indica que un interceptor vetó la registración.
	ErrRegistrationVetoed = errors.New("registry: registration vetoed")

	// ErrInvalidRegistration indica una registración sin listener.
	ErrInvalidRegistration = errors.New("registry: invalid registration")
)

// IsDuplicate verifica si el error es por identificador duplicado.
func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicateRegistration) }

// IsVetoed verifica si el error es por veto de un interceptor.
func IsVetoed(err error) bool { return errors.Is(err, ErrRegistrationVetoed) }

// Listener recibe las mutaciones ya transformadas y con shape aplicado.
type Listener interface {
	OnMutation(ctx context.Context, m mutation.Mutation) error
}

// ListenerFunc adapta una función a Listener.
type ListenerFunc func(ctx context.Context, m mutation.Mutation) error

func (f ListenerFunc) OnMutation(ctx context.Context, m mutation.Mutation) error { return f(ctx, m) }

// Deactivator es implementado por los listeners que quieren enterarse de que
// la fuente que observan fue desactivada (p.ej. una vista destruida).
type Deactivator interface {
	OnDeactivate(ctx context.Context, reason string)
}

// DuplicatePolicy resuelve colisiones de identificador.
type DuplicatePolicy int

const (
	// Fail devuelve ErrDuplicateRegistration y deja la tabla sin cambios.
	Fail DuplicatePolicy = iota
	// Replace reemplaza atómicamente la registración existente.
	Replace
	// Ignore no hace nada y devuelve éxito.
	Ignore
)

func (p DuplicatePolicy) String() string {
	switch p {
	case Replace:
		return "replace"
	case Ignore:
		return "ignore"
	default:
		return "fail"
	}
}

// Registration es la suscripción de un listener.
// Sin scopes equivale a All(); con varios scopes matchea si alguno matchea.
type Registration struct {
	ID     string
	Scopes []Scope
	Shape  Shape
	Mode   DeliveryMode

	// Phase es el pase de fan-out que observa. Las registraciones PreCommit
	// pueden vetar la operación; el zero value (PostCommit) solo ve cambios
	// confirmados.
	Phase mutation.Phase

	Transformer func(mutation.Mutation) mutation.Mutation
	Listener    Listener
}

// Handle es una registración publicada en la tabla. Es de solo lectura.
type Handle struct {
	Registration

	seq     uint64
	removed atomic.Bool
}

// Seq es el orden de inserción en la tabla.
func (h *Handle) Seq() uint64 { return h.seq }

// Removed reporta si la registración ya fue removida o reemplazada.
func (h *Handle) Removed() bool { return h.removed.Load() }

// Matches reporta si alguno de los scopes matchea m. Cada registración
// matchea a lo sumo una vez por mutación aunque sus scopes se solapen.
func (h *Handle) Matches(m mutation.Mutation) bool {
	if len(h.Scopes) == 0 {
		return true
	}
	for _, s := range h.Scopes {
		if s.Matches(m) {
			return true
		}
	}
	return false
}

// Event aplica transformer y luego shape.
func (h *Handle) Event(m mutation.Mutation) mutation.Mutation {
	ev := m.Transform(h.Transformer)
	if h.Shape == Lite {
		ev = ev.Lite()
	}
	return ev
}

// Table es el conjunto de registraciones activas.
type Table struct {
	mu    sync.Mutex
	byID  map[string]*Handle
	order []*Handle
	seq   uint64
	snap  atomic.Pointer[[]*Handle]

	chain chain
}

// NewTable crea una tabla vacía.
func NewTable() *Table {
	t := &Table{byID: make(map[string]*Handle)}
	empty := []*Handle{}
	t.snap.Store(&empty)
	return t
}

// Register agrega una registración resolviendo colisiones según policy.
// Con Ignore devuelve el handle existente.
func (t *Table) Register(ctx context.Context, reg Registration, policy DuplicatePolicy) (*Handle, error) {
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}

	// Atajo: Fail/Ignore no necesitan correr la cadena si ya hay colisión.
	t.mu.Lock()
	if existing, ok := t.byID[reg.ID]; ok && policy != Replace {
		t.mu.Unlock()
		if policy == Ignore {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRegistration, reg.ID)
	}
	t.mu.Unlock()

	reg, err := t.chain.inserting(ctx, reg)
	if err != nil {
		return nil, err
	}
	if reg.Listener == nil {
		return nil, fmt.Errorf("%w: %s has no listener", ErrInvalidRegistration, reg.ID)
	}

	t.mu.Lock()
	old, exists := t.byID[reg.ID]
	if exists {
		switch policy {
		case Ignore:
			t.mu.Unlock()
			return old, nil
		case Fail:
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRegistration, reg.ID)
		}
	}

	t.seq++
	h := &Handle{Registration: reg, seq: t.seq}
	t.byID[reg.ID] = h
	if exists {
		old.removed.Store(true)
		for i, cur := range t.order {
			if cur == old {
				t.order[i] = h
				break
			}
		}
	} else {
		t.order = append(t.order, h)
	}
	t.publishLocked()
	t.mu.Unlock()

	if exists {
		t.chain.notify(ctx, Event{Type: Removed, Registration: old.Registration})
	}
	t.chain.notify(ctx, Event{Type: Inserted, Registration: h.Registration})
	return h, nil
}

// Unregister remueve la registración y reporta si existía. Las entregas ya
// calculadas por un pase de fan-out en curso pueden completarse.
func (t *Table) Unregister(ctx context.Context, id string) bool {
	t.mu.Lock()
	h, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.byID, id)
	h.removed.Store(true)
	for i, cur := range t.order {
		if cur == h {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
	t.publishLocked()
	t.mu.Unlock()

	t.chain.notify(ctx, Event{Type: Removed, Registration: h.Registration})
	return true
}

// Snapshot devuelve la lista de registraciones vigente, en orden de registro.
// El slice es inmutable: no debe modificarse.
func (t *Table) Snapshot() []*Handle {
	return *t.snap.Load()
}

// Get busca una registración por identificador.
func (t *Table) Get(id string) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byID[id]
	return h, ok
}

// Len devuelve la cantidad de registraciones activas.
func (t *Table) Len() int {
	return len(t.Snapshot())
}

// Use agrega un interceptor al final de la cadena.
func (t *Table) Use(name string, i Interceptor) {
	t.chain.add(name, i)
}

func (t *Table) publishLocked() {
	s := make([]*Handle, len(t.order))
	copy(s, t.order)
	t.snap.Store(&s)
}
