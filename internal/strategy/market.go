package strategy

// SnapshotCache holds the latest tick per leg.
type SnapshotCache struct {
	ticks map[Role]Tick
}

func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{ticks: make(map[Role]Tick, 2)}
}

// Update replaces the stored tick for role. Last write wins.
func (c *SnapshotCache) Update(role Role, tick Tick) {
	c.ticks[role] = tick
}

func (c *SnapshotCache) Get(role Role) (Tick, bool) {
	tick, ok := c.ticks[role]
	return tick, ok
}

// Usable reports whether role has a tick with non-zero bid, ask and last.
func (c *SnapshotCache) Usable(role Role) bool {
	tick, ok := c.ticks[role]
	return ok && tick.usable()
}

// Tradable reports whether both legs are usable.
func (c *SnapshotCache) Tradable() bool {
	return c.Usable(RoleActive) && c.Usable(RolePassive)
}
