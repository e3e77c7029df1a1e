package registry

import (
	"fmt"

	"github.com/dropDatabas3/hellogrid/internal/mutation"
)

// ScopeKind es la variante cerrada de Scope.
type ScopeKind int

const (
	ScopeAll ScopeKind = iota
	ScopeKey
	ScopeFilter
	ScopeTransitions
)

// Scope decide qué mutaciones le interesan a una registración.
type Scope struct {
	kind   ScopeKind
	key    string
	filter mutation.Filter
}

// All matchea todas las mutaciones.
func All() Scope { return Scope{kind: ScopeAll} }

// Key matchea las mutaciones cuya key es k.
func Key(k string) Scope { return Scope{kind: ScopeKey, key: k} }

// Where matchea cuando f(entry) es true, evaluado sobre la entrada
// post-mutación para Insert/Update y pre-mutación para Delete.
func Where(f mutation.Filter) Scope { return Scope{kind: ScopeFilter, filter: f} }

// Transitions matchea cuando la entrada anterior o la posterior pasa f.
// Lo usan las vistas para enterarse de los updates que salen del filtro.
func Transitions(f mutation.Filter) Scope { return Scope{kind: ScopeTransitions, filter: f} }

func (s Scope) Kind() ScopeKind { return s.kind }

// Matches evalúa el scope. La notificación estructural de clear matchea siempre.
func (s Scope) Matches(m mutation.Mutation) bool {
	if m.IsClear() {
		return true
	}
	switch s.kind {
	case ScopeAll:
		return true
	case ScopeKey:
		return m.Key == s.key
	case ScopeFilter:
		return s.filter != nil && s.filter(m.Entry())
	case ScopeTransitions:
		if s.filter == nil {
			return false
		}
		if e, ok := m.After(); ok && s.filter(e) {
			return true
		}
		if e, ok := m.Before(); ok && s.filter(e) {
			return true
		}
		return false
	default:
		return false
	}
}

func (s Scope) String() string {
	switch s.kind {
	case ScopeAll:
		return "all"
	case ScopeKey:
		return fmt.Sprintf("key(%s)", s.key)
	case ScopeFilter:
		return "filter"
	case ScopeTransitions:
		return "transitions"
	default:
		return "unknown"
	}
}

// Shape define qué parte de la mutación recibe el listener.
type Shape int

const (
	// Full preserva old/new value.
	Full Shape = iota
	// Lite entrega solo key + kind.
	Lite
)

func (s Shape) String() string {
	if s == Lite {
		return "lite"
	}
	return "full"
}

// DeliveryMode define cómo se entrega el evento.
type DeliveryMode int

const (
	// Synchronous ejecuta el listener inline en el hilo que produjo la mutación.
	Synchronous DeliveryMode = iota
	// Deferred encola el evento en una cola ordenada por registración.
	Deferred
)

func (d DeliveryMode) String() string {
	if d == Deferred {
		return "deferred"
	}
	return "synchronous"
}
