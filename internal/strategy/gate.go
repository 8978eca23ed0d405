package strategy

import "fmt"

// Gate holds at most one pending order reference per leg.
type Gate struct {
	refs map[Role]string
}

func NewGate() *Gate {
	return &Gate{refs: make(map[Role]string, 2)}
}

func (g *Gate) Ref(role Role) string {
	return g.refs[role]
}

func (g *Gate) Busy(role Role) bool {
	return g.refs[role] != ""
}

// Settled reports whether no leg has an order in flight.
func (g *Gate) Settled() bool {
	return !g.Busy(RoleActive) && !g.Busy(RolePassive)
}

// Admit returns ErrReentrancy when any leg the decision trades is busy.
func (g *Gate) Admit(d Decision) error {
	for _, role := range d.Roles() {
		if g.Busy(role) {
			return fmt.Errorf("%s leg ref %s: %w", role, g.refs[role], ErrReentrancy)
		}
	}
	return nil
}

func (g *Gate) Set(role Role, ref string) error {
	if g.Busy(role) {
		return fmt.Errorf("%s leg ref %s: %w", role, g.refs[role], ErrReentrancy)
	}
	g.refs[role] = ref
	return nil
}

// Clear releases the leg holding ref. Unknown refs are ignored.
func (g *Gate) Clear(ref string) (Role, bool) {
	if ref == "" {
		return "", false
	}
	for role, pending := range g.refs {
		if pending == ref {
			delete(g.refs, role)
			return role, true
		}
	}
	return "", false
}

func (g *Gate) Pending() map[Role]string {
	out := make(map[Role]string, len(g.refs))
	for role, ref := range g.refs {
		out[role] = ref
	}
	return out
}
