// Package mutation define el modelo inmutable de un cambio confirmado en el
// store autoritativo y las proyecciones (shape/transform) que usa el router.
package mutation

import (
	"errors"
	"fmt"
)

// Kind es el tipo de cambio.
type Kind int

const (
	Insert Kind = iota + 1
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Phase indica si el fan-out corre antes del commit (puede vetar) o después.
type Phase int

const (
	PostCommit Phase = iota
	PreCommit
)

func (p Phase) String() string {
	if p == PreCommit {
		return "pre-commit"
	}
	return "post-commit"
}

// ErrInvalid indica una mutación que viola los invariantes del modelo.
var ErrInvalid = errors.New("mutation: invalid")

// Mutation describe un cambio confirmado. Es un valor: los métodos devuelven copias.
// Los valores son opcionales; nil significa ausente.
type Mutation struct {
	Key       string
	Kind      Kind
	OldValue  []byte
	NewValue  []byte
	Synthetic bool   // eviction, expiry o procesador de sistema
	Expired   bool   // refinamiento de Synthetic para remociones por tiempo
	Version   uint64 // secuencia monotónica del source

	// clear solo lo fija Cleared: un Update del usuario sobre la key vacía
	// tiene la misma forma y no debe confundirse con un vaciado.
	clear bool
}

// Entry es la vista de una entrada que evalúan los filtros.
type Entry struct {
	Key   string
	Value []byte
}

// Filter es el predicado compartido por scopes y snapshots.
type Filter func(Entry) bool

// NewInsert construye una inserción.
func NewInsert(key string, value []byte, version uint64) Mutation {
	return Mutation{Key: key, Kind: Insert, NewValue: value, Version: version}
}

// NewUpdate construye una actualización.
func NewUpdate(key string, old, value []byte, version uint64) Mutation {
	return Mutation{Key: key, Kind: Update, OldValue: old, NewValue: value, Version: version}
}

// NewDelete construye una remoción.
func NewDelete(key string, old []byte, version uint64) Mutation {
	return Mutation{Key: key, Kind: Delete, OldValue: old, Version: version}
}

// Cleared construye la notificación estructural de "la vista completa fue vaciada":
// forma de Update sin key ni valores.
func Cleared(version uint64) Mutation {
	return Mutation{Kind: Update, Synthetic: true, Version: version, clear: true}
}

// IsClear reporta si m fue construida por Cleared.
func (m Mutation) IsClear() bool { return m.clear }

// AsSynthetic marca la mutación como causada por un mecanismo interno.
func (m Mutation) AsSynthetic() Mutation {
	m.Synthetic = true
	return m
}

// AsExpired marca la mutación como remoción por expiración (implica Synthetic).
func (m Mutation) AsExpired() Mutation {
	m.Synthetic = true
	m.Expired = true
	return m
}

// Validate verifica los invariantes del modelo.
func (m Mutation) Validate() error {
	switch m.Kind {
	case Insert:
		if m.OldValue != nil {
			return fmt.Errorf("%w: insert %q carries old value", ErrInvalid, m.Key)
		}
	case Update:
	case Delete:
		if m.NewValue != nil {
			return fmt.Errorf("%w: delete %q carries new value", ErrInvalid, m.Key)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalid, int(m.Kind))
	}
	if m.Expired && !m.Synthetic {
		return fmt.Errorf("%w: expired %q not synthetic", ErrInvalid, m.Key)
	}
	return nil
}

// Entry devuelve la entrada post-mutación para Insert/Update y la
// pre-mutación para Delete.
func (m Mutation) Entry() Entry {
	if m.Kind == Delete {
		return Entry{Key: m.Key, Value: m.OldValue}
	}
	return Entry{Key: m.Key, Value: m.NewValue}
}

// Before devuelve la entrada previa a la mutación y si existía.
func (m Mutation) Before() (Entry, bool) {
	if m.Kind == Insert {
		return Entry{}, false
	}
	return Entry{Key: m.Key, Value: m.OldValue}, true
}

// After devuelve la entrada posterior a la mutación y si existe.
func (m Mutation) After() (Entry, bool) {
	if m.Kind == Delete {
		return Entry{}, false
	}
	return Entry{Key: m.Key, Value: m.NewValue}, true
}

// Lite devuelve una copia sin old/new value: solo identidad (key + kind).
func (m Mutation) Lite() Mutation {
	m.OldValue = nil
	m.NewValue = nil
	return m
}

// Transform aplica f y restaura key, kind y version: f no puede cambiar la
// identidad de la mutación.
func (m Mutation) Transform(f func(Mutation) Mutation) Mutation {
	if f == nil {
		return m
	}
	out := f(m)
	out.Key = m.Key
	out.Kind = m.Kind
	out.Version = m.Version
	out.clear = m.clear
	return out
}

func (m Mutation) String() string {
	if m.IsClear() {
		return fmt.Sprintf("clear@%d", m.Version)
	}
	s := fmt.Sprintf("%s %q@%d", m.Kind, m.Key, m.Version)
	if m.Expired {
		s += " (expired)"
	} else if m.Synthetic {
		s += " (synthetic)"
	}
	return s
}
