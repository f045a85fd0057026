// Package scene holds the authoritative scene graph: entities composed of typed
// properties, arranged in a tree and owned by an explicit Registry.
package scene

import (
	"fmt"
	"slices"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/property"
)

// Option adjusts an entity before it is registered.
type Option func(e *Entity)

// WithName sets the base name.
func WithName(name string) Option {
	return func(e *Entity) { e.Name.Set(name) }
}

// WithBehaviour attaches b so it is initialized together with the entity.
func WithBehaviour(b Behaviour) Option {
	return func(e *Entity) { e.behaviours = append(e.behaviours, b) }
}

// Registry owns every entity of a session and drives their lifecycle.
//
// It is mutated from the simulation tick only.
type Registry struct {
	nextID   EntityID
	entities map[EntityID]*Entity
	roots    []*Entity
	deleted  []EntityID
	logger   log.Log
}

func NewRegistry(logger log.Log) *Registry {
	return &Registry{
		entities: make(map[EntityID]*Entity),
		logger:   logger.With(log.String("component", "scene")),
	}
}

// Create registers a new entity under parent (nil for a root) and initializes it.
func (r *Registry) Create(kind NodeKind, parent *Entity, opts ...Option) (*Entity, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKind, uint8(kind))
	}
	if parent != nil {
		if registered, ok := r.entities[parent.id]; !ok || registered != parent {
			return nil, fmt.Errorf("%w: parent %d", ErrUnknownEntity, parent.id)
		}
	}

	e := newEntity(kind)
	for _, opt := range opts {
		opt(e)
	}
	r.nextID++
	id := r.nextID
	// assign before linking so children stay sorted by id
	e.id = id
	r.entities[id] = e
	r.link(e, parent)
	e.Commit()
	e.Init(id)

	r.logger.Debug("Entity created",
		log.Uint32("entity", uint32(id)),
		log.Stringer("kind", kind),
	)
	return e, nil
}

func (r *Registry) link(e, parent *Entity) {
	e.parent = parent
	if parent == nil {
		e.ParentID.Set(0)
		i, _ := slices.BinarySearchFunc(r.roots, e.id, compareID)
		r.roots = slices.Insert(r.roots, i, e)
		return
	}
	e.ParentID.Set(uint32(parent.id))
	parent.addChild(e)
}

func (r *Registry) unlink(e *Entity) {
	if e.parent == nil {
		r.roots = slices.DeleteFunc(r.roots, func(x *Entity) bool { return x == e })
		return
	}
	e.parent.removeChild(e)
	e.parent = nil
}

func compareID(x *Entity, id EntityID) int {
	return int(int64(x.id) - int64(id))
}

func (r *Registry) Get(id EntityID) (*Entity, bool) {
	e, ok := r.entities[id]
	return e, ok
}

func (r *Registry) Len() int { return len(r.entities) }

// Roots returns the top-level entities ordered by id.
func (r *Registry) Roots() []*Entity {
	return slices.Clone(r.roots)
}

// Walk visits every entity parent-first, siblings in id order.
func (r *Registry) Walk(fn func(e *Entity)) {
	var visit func(e *Entity)
	visit = func(e *Entity) {
		fn(e)
		for _, c := range e.children {
			visit(c)
		}
	}
	for _, root := range r.roots {
		visit(root)
	}
}

// All returns every entity in Walk order.
func (r *Registry) All() []*Entity {
	out := make([]*Entity, 0, len(r.entities))
	r.Walk(func(e *Entity) { out = append(out, e) })
	return out
}

// Tick calls Tick on every entity. Entities created during the pass are ticked next
// time; entities destroyed during the pass are skipped.
func (r *Registry) Tick() {
	for _, e := range r.All() {
		e.Tick()
	}
}

// Destroy disposes id and its whole subtree. The removed ids, children before their
// parents, are queued for DrainDeleted.
func (r *Registry) Destroy(id EntityID) error {
	e, ok := r.entities[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	r.unlink(e)

	var dispose func(e *Entity)
	dispose = func(e *Entity) {
		for _, c := range e.children {
			dispose(c)
		}
		e.Dispose()
		delete(r.entities, e.id)
		r.deleted = append(r.deleted, e.id)
	}
	dispose(e)

	r.logger.Debug("Entity destroyed", log.Uint32("entity", uint32(id)))
	return nil
}

// DrainDeleted returns and clears the ids destroyed since the previous call.
func (r *Registry) DrainDeleted() []EntityID {
	out := r.deleted
	r.deleted = nil
	return out
}

// Reparent moves id under parent. A zero parent makes it a root.
func (r *Registry) Reparent(id, parent EntityID) error {
	e, ok := r.entities[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	var target *Entity
	if parent != 0 {
		target, ok = r.entities[parent]
		if !ok {
			return fmt.Errorf("%w: parent %d", ErrUnknownEntity, parent)
		}
		for p := target; p != nil; p = p.parent {
			if p == e {
				return fmt.Errorf("%w: %d under %d", ErrCycle, id, parent)
			}
		}
	}
	if e.parent == target {
		return nil
	}
	r.unlink(e)
	r.link(e, target)
	return nil
}

// Dirty returns the live entities with pending property changes in Walk order.
func (r *Registry) Dirty() []*Entity {
	var out []*Entity
	r.Walk(func(e *Entity) {
		if e.Dirty() {
			out = append(out, e)
		}
	})
	return out
}

// Commit marks every property as transmitted.
func (r *Registry) Commit() {
	for _, e := range r.entities {
		e.Commit()
	}
}

// ForgetUser drops user's overrides on every entity.
func (r *Registry) ForgetUser(user property.UserID) {
	for _, e := range r.entities {
		e.ForgetUser(user)
	}
}
