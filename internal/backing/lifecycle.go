package backing

import "fmt"

// LifecycleKind es el tipo de señal que emite un store.
type LifecycleKind int

const (
	// Disconnected: el stream de mutaciones se cortó; pueden perderse eventos.
	Disconnected LifecycleKind = iota + 1
	// Reconnected: el stream volvió; los derivados deben resincronizar.
	Reconnected
	// MemberLeft: un miembro del cluster salió; puede haber huecos.
	MemberLeft
	// Truncated: el cache se vació sin destruirse.
	Truncated
	// Destroyed: el cache dejó de existir.
	Destroyed
)

func (k LifecycleKind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Reconnected:
		return "reconnected"
	case MemberLeft:
		return "member-left"
	case Truncated:
		return "truncated"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(k))
	}
}

// Lifecycle es una señal concreta.
type Lifecycle struct {
	Kind   LifecycleKind
	Cache  string
	Member string // solo MemberLeft
	Reason string
}

func (l Lifecycle) String() string {
	s := l.Kind.String()
	if l.Cache != "" {
		s += " " + l.Cache
	}
	if l.Member != "" {
		s += " member=" + l.Member
	}
	if l.Reason != "" {
		s += ": " + l.Reason
	}
	return s
}
