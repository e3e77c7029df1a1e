package registry

import (
	"context"
	"fmt"
	"sync"
)

// EventType es el momento del ciclo de vida de una registración.
type EventType int

const (
	// Inserting corre antes del commit y puede vetar o sustituir.
	Inserting EventType = iota
	// Inserted corre después del commit. No vetable.
	Inserted
	// Removed corre después de remover o reemplazar. No vetable.
	Removed
)

func (e EventType) String() string {
	switch e {
	case Inserting:
		return "inserting"
	case Inserted:
		return "inserted"
	default:
		return "removed"
	}
}

// Event es lo que recibe cada interceptor.
type Event struct {
	Type         EventType
	Registration Registration
}

type action int

const (
	actContinue action = iota
	actVeto
	actSubstitute
)

// Verdict es la respuesta de un interceptor.
type Verdict struct {
	act        action
	reason     string
	substitute Registration
}

// Continue deja pasar el evento al siguiente interceptor.
func Continue() Verdict { return Verdict{act: actContinue} }

// Veto corta la cadena y rechaza la registración (solo en Inserting).
func Veto(reason string) Verdict { return Verdict{act: actVeto, reason: reason} }

// Substitute reemplaza la registración candidata y continúa (solo en Inserting).
// Si el reemplazo no trae ID conserva el original.
func Substitute(r Registration) Verdict { return Verdict{act: actSubstitute, substitute: r} }

// Interceptor observa el ciclo de vida de las registraciones.
type Interceptor func(ctx context.Context, ev Event) Verdict

type namedInterceptor struct {
	name string
	fn   Interceptor
}

// chain es una lista ordenada de interceptores evaluada estrictamente en orden.
type chain struct {
	mu    sync.RWMutex
	items []namedInterceptor
}

func (c *chain) add(name string, fn Interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, namedInterceptor{name: name, fn: fn})
}

func (c *chain) list() []namedInterceptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items
}

// inserting evalúa la fase vetable y devuelve la registración final.
func (c *chain) inserting(ctx context.Context, reg Registration) (Registration, error) {
	for _, it := range c.list() {
		v := it.fn(ctx, Event{Type: Inserting, Registration: reg})
		switch v.act {
		case actVeto:
			return Registration{}, fmt.Errorf("%w: %s by %s: %s", ErrRegistrationVetoed, reg.ID, it.name, v.reason)
		case actSubstitute:
			sub := v.substitute
			if sub.ID == "" {
				sub.ID = reg.ID
			}
			reg = sub
		}
	}
	return reg, nil
}

// notify evalúa las fases post-commit; los veredictos se ignoran.
func (c *chain) notify(ctx context.Context, ev Event) {
	for _, it := range c.list() {
		_ = it.fn(ctx, ev)
	}
}
