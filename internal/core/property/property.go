// Package property implements the per-entity property store: a base value, sparse
// per-user overrides, dirty tracking against what each recipient was last sent, and
// structural diffs for list and dictionary values.
//
// Properties are owned by the simulation tick and are not safe for concurrent use.
package property

import "github.com/zeusync/scenesync/internal/core/value"

var _ Syncable = (*Property[int])(nil)

// Option configures a Property at construction.
type Option[T any] func(*Property[T])

// WithEqual replaces the default structural equality, e.g. with a float tolerance.
func WithEqual[T any](eq EqualFunc[T]) Option[T] {
	return func(p *Property[T]) { p.equal = eq }
}

// WithSerializer sets the per-recipient serializer.
func WithSerializer[T any](s Serializer[T]) Option[T] {
	return func(p *Property[T]) { p.serialize = s }
}

// Property is a scalar value with optional per-user overrides.
//
// Reading for a user returns that user's override if present, else the base. An
// override wins over the base until ClearFor is called; Set never touches overrides.
type Property[T any] struct {
	key       Key
	base      T
	sentBase  T
	dirtyBase bool
	users     overrides[T]

	equal     EqualFunc[T]
	serialize Serializer[T]
	observers observers[func(old, new T)]
}

// New creates a property holding initial as its base. The initial value counts as
// already transmitted: entities are introduced to users through a full Load.
func New[T any](key Key, initial T, opts ...Option[T]) *Property[T] {
	p := &Property[T]{
		key:       key,
		base:      initial,
		sentBase:  initial,
		users:     newOverrides[T](),
		equal:     DeepEqual[T],
		serialize: DefaultSerializer[T],
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Property[T]) Key() Key { return p.key }

// Base returns the value seen by users without an override.
func (p *Property[T]) Base() T { return p.base }

// Get returns the value user observes. It never fails.
func (p *Property[T]) Get(user UserID) T {
	if v, ok := p.users.get(user); ok {
		return v
	}
	return p.base
}

// HasOverride reports whether user has its own value.
func (p *Property[T]) HasOverride(user UserID) bool {
	return p.users.has(user)
}

// Overrides lists the users that currently have an override.
func (p *Property[T]) Overrides() []UserID {
	return p.users.users()
}

// Set updates the base value and notifies observers if it changed. The property is
// dirty only while the base differs from what the base audience was last sent, so
// writing a value and reverting it before the next drain produces nothing.
func (p *Property[T]) Set(v T) {
	if p.equal(p.base, v) {
		return
	}
	old := p.base
	p.base = v
	p.dirtyBase = !p.equal(v, p.sentBase)
	p.observers.each(func(fn func(old, new T)) { fn(old, v) })
}

// SetFor sets an override for a single user.
func (p *Property[T]) SetFor(user UserID, v T) {
	p.users.set(user, v, p.sentBase, p.equal)
}

// ClearFor removes user's override; the user falls back to the base.
func (p *Property[T]) ClearFor(user UserID) {
	p.users.clear(user)
}

// Observe registers fn to run after every base change. The returned func unsubscribes.
func (p *Property[T]) Observe(fn func(old, new T)) (cancel func()) {
	return p.observers.add(fn)
}

func (p *Property[T]) Dirty() bool {
	return p.dirtyBase || p.users.pending(p.base, p.equal)
}

func (p *Property[T]) Changes(user UserID) []Change {
	switch {
	case p.users.has(user):
		if !p.users.isDirty(user) {
			return nil
		}
		v, _ := p.users.get(user)
		return []Change{p.set(v, user)}
	case p.users.isCleared(user):
		if p.equal(p.base, p.users.lastSent(user, p.sentBase)) {
			return nil
		}
		return []Change{p.set(p.base, user)}
	case p.dirtyBase:
		return []Change{p.set(p.base, user)}
	default:
		return nil
	}
}

func (p *Property[T]) set(v T, user UserID) Change {
	return Change{Kind: ChangeSet, Key: p.key, Value: p.serialize(v, user)}
}

func (p *Property[T]) Snapshot(user UserID) value.Value {
	return p.serialize(p.Get(user), user)
}

func (p *Property[T]) Commit() {
	p.sentBase = p.base
	p.dirtyBase = false
	p.users.commit()
}

func (p *Property[T]) ForgetUser(user UserID) {
	p.users.forget(user)
}

func (p *Property[T]) Close() {
	p.observers.reset()
}
