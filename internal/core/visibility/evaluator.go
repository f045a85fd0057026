// Package visibility decides, per entity and user, whether the user receives the
// entity's state. Results are cached once per tick and compared with the previous
// tick to surface load and unload transitions.
package visibility

import (
	"sync/atomic"

	"github.com/zeusync/scenesync/internal/core/property"
)

// Subject is the entity side of a visibility query.
type Subject interface {
	EntityID() uint32
	ActiveFor(user property.UserID) bool
	// ImmersiveOnly entities are only shown to headset users.
	ImmersiveOnly() bool
	VisibilityFilters() []Filter
	// VisibilityParent returns nil for a root.
	VisibilityParent() Subject
	VisibilityChildren() []Subject
}

// Evaluator applies the visibility rules. It holds no per-user state; callers pass
// the user's Cache.
type Evaluator struct {
	evaluations atomic.Uint64
	hits        atomic.Uint64
}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Visible returns whether subject is visible to viewer, evaluating it at most once per
// tick. A hidden parent hides every descendant.
func (ev *Evaluator) Visible(cache *Cache, viewer Viewer, subject Subject) bool {
	id := subject.EntityID()
	if visible, ok := cache.lookup(id); ok {
		ev.hits.Add(1)
		return visible
	}
	visible := ev.evaluate(cache, viewer, subject)
	cache.store(id, visible)
	return visible
}

func (ev *Evaluator) evaluate(cache *Cache, viewer Viewer, subject Subject) bool {
	ev.evaluations.Add(1)

	if !subject.ActiveFor(viewer.UserID()) {
		return false
	}
	if subject.ImmersiveOnly() && viewer.Device() != DeviceHeadset {
		return false
	}
	for _, f := range subject.VisibilityFilters() {
		if !f.Allow(viewer) {
			return false
		}
	}
	if parent := subject.VisibilityParent(); parent != nil {
		return ev.Visible(cache, viewer, parent)
	}
	return true
}

// LoadableUnder returns root and every descendant visible to viewer, parents before
// children. A hidden node prunes its whole subtree.
func (ev *Evaluator) LoadableUnder(cache *Cache, viewer Viewer, root Subject) []Subject {
	var out []Subject
	var walk func(s Subject)
	walk = func(s Subject) {
		if !ev.Visible(cache, viewer, s) {
			return
		}
		out = append(out, s)
		for _, child := range s.VisibilityChildren() {
			walk(child)
		}
	}
	walk(root)
	return out
}

// Stats reports how many evaluations ran and how many queries the cache answered.
func (ev *Evaluator) Stats() (evaluations, hits uint64) {
	return ev.evaluations.Load(), ev.hits.Load()
}
