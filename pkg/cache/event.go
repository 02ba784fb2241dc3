package cache

import "fmt"

// Scope selects what a flush evicts.
type Scope int

const (
	// ScopeAll evicts every group.
	ScopeAll Scope = iota
	// ScopeGroup evicts a single group (one table).
	ScopeGroup
)

func (s Scope) String() string {
	switch s {
	case ScopeAll:
		return "ALL"
	case ScopeGroup:
		return "GROUP"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

// Event describes a flush request. Origin is diagnostic only.
type Event struct {
	Scope  Scope
	Group  string
	Origin string
}

// GroupEvent returns an event evicting the given group.
func GroupEvent(group, origin string) Event {
	return Event{Scope: ScopeGroup, Group: group, Origin: origin}
}

// AllEvent returns an event evicting every group.
func AllEvent(origin string) Event {
	return Event{Scope: ScopeAll, Origin: origin}
}

func (e Event) String() string {
	if e.Scope == ScopeGroup {
		return fmt.Sprintf("GROUP(%s) from %s", e.Group, e.Origin)
	}
	return fmt.Sprintf("%s from %s", e.Scope, e.Origin)
}
