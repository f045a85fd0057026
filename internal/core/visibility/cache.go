package visibility

import "slices"

type entry struct {
	checked  bool
	thisTick bool
	lastTick bool
}

// Cache holds one user's visibility results. Each entity is evaluated at most once per
// tick; Advance moves the current results into the previous-tick column.
//
// A Cache belongs to the simulation tick and is not safe for concurrent use.
type Cache struct {
	entries map[uint32]*entry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[uint32]*entry)}
}

func (c *Cache) lookup(id uint32) (visible, checked bool) {
	e, ok := c.entries[id]
	if !ok || !e.checked {
		return false, false
	}
	return e.thisTick, true
}

func (c *Cache) store(id uint32, visible bool) {
	e, ok := c.entries[id]
	if !ok {
		e = &entry{}
		c.entries[id] = e
	}
	e.checked = true
	e.thisTick = visible
}

// Checked reports whether id has been evaluated this tick.
func (c *Cache) Checked(id uint32) bool {
	_, checked := c.lookup(id)
	return checked
}

// WasVisible reports the previous tick's result for id.
func (c *Cache) WasVisible(id uint32) bool {
	e, ok := c.entries[id]
	return ok && e.lastTick
}

// Advance marks a tick boundary. Entities not evaluated during the finished tick are
// dropped, so a later evaluation treats them as previously hidden.
func (c *Cache) Advance() {
	for id, e := range c.entries {
		if !e.checked {
			delete(c.entries, id)
			continue
		}
		e.lastTick = e.thisTick
		e.checked = false
	}
}

// Forget removes id, typically after the entity was destroyed.
func (c *Cache) Forget(id uint32) {
	delete(c.entries, id)
}

// Reset clears everything, as for a user that rejoins.
func (c *Cache) Reset() {
	clear(c.entries)
}

// Transition is a change of visibility between two ticks.
type Transition struct {
	Entity  uint32
	Visible bool
}

// Transitions lists entities whose result this tick differs from last tick, ordered
// by entity id.
func (c *Cache) Transitions() []Transition {
	var out []Transition
	for id, e := range c.entries {
		if e.checked && e.thisTick != e.lastTick {
			out = append(out, Transition{Entity: id, Visible: e.thisTick})
		}
	}
	slices.SortFunc(out, func(a, b Transition) int {
		switch {
		case a.Entity < b.Entity:
			return -1
		case a.Entity > b.Entity:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Visible lists the entities evaluated visible this tick.
func (c *Cache) Visible() []uint32 {
	var out []uint32
	for id, e := range c.entries {
		if e.checked && e.thisTick {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
