package property

import (
	"errors"
	"fmt"

	"github.com/zeusync/scenesync/internal/core/value"
)

// ErrIndexOutOfRange is returned by list mutations given an invalid index.
var ErrIndexOutOfRange = errors.New("property: index out of range")

var _ Syncable = (*ListProperty[int])(nil)

type listEdit[T any] struct {
	kind  ChangeKind
	index int
	elem  T
}

// ListProperty is a list value that drains single-element mutations as ListAdd,
// ListRemove and ListSet instead of resending the whole list.
//
// Users with an override always receive the full list when their copy changes.
type ListProperty[T any] struct {
	key      Key
	items    []T
	sent     []T
	journal  []listEdit[T]
	replaced bool
	users    overrides[[]T]

	elemEqual EqualFunc[T]
	listEqual EqualFunc[[]T]
	serialize Serializer[T]
	observers observers[func(items []T)]
}

// NewList creates a list property. elemEqual may be nil for structural equality and
// serialize may be nil for the default element encoding.
func NewList[T any](key Key, initial []T, elemEqual EqualFunc[T], serialize Serializer[T]) *ListProperty[T] {
	if elemEqual == nil {
		elemEqual = DeepEqual[T]
	}
	if serialize == nil {
		serialize = DefaultSerializer[T]
	}
	items := append([]T(nil), initial...)
	return &ListProperty[T]{
		key:       key,
		items:     items,
		sent:      append([]T(nil), items...),
		users:     newOverrides[[]T](),
		elemEqual: elemEqual,
		listEqual: sliceEqual(elemEqual),
		serialize: serialize,
	}
}

func (l *ListProperty[T]) Key() Key { return l.key }

func (l *ListProperty[T]) Len() int { return len(l.items) }

// Items returns a copy of the base list.
func (l *ListProperty[T]) Items() []T {
	return append([]T(nil), l.items...)
}

// At returns the base element at i.
func (l *ListProperty[T]) At(i int) (T, bool) {
	if i < 0 || i >= len(l.items) {
		var zero T
		return zero, false
	}
	return l.items[i], true
}

// Get returns the list user observes.
func (l *ListProperty[T]) Get(user UserID) []T {
	if v, ok := l.users.get(user); ok {
		return append([]T(nil), v...)
	}
	return l.Items()
}

func (l *ListProperty[T]) Append(elem T) {
	l.items = append(l.items, elem)
	l.record(ChangeListAdd, len(l.items)-1, elem)
}

// Insert places elem at index i, shifting later elements. i == Len() appends.
func (l *ListProperty[T]) Insert(i int, elem T) error {
	if i < 0 || i > len(l.items) {
		return fmt.Errorf("%w: insert at %d, len %d", ErrIndexOutOfRange, i, len(l.items))
	}
	var zero T
	l.items = append(l.items, zero)
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = elem
	l.record(ChangeListAdd, i, elem)
	return nil
}

func (l *ListProperty[T]) RemoveAt(i int) error {
	if i < 0 || i >= len(l.items) {
		return fmt.Errorf("%w: remove at %d, len %d", ErrIndexOutOfRange, i, len(l.items))
	}
	removed := l.items[i]
	l.items = append(l.items[:i], l.items[i+1:]...)
	l.record(ChangeListRemove, i, removed)
	return nil
}

// SetAt replaces the element at i. Writing an equal element is a no-op.
func (l *ListProperty[T]) SetAt(i int, elem T) error {
	if i < 0 || i >= len(l.items) {
		return fmt.Errorf("%w: set at %d, len %d", ErrIndexOutOfRange, i, len(l.items))
	}
	if l.elemEqual(l.items[i], elem) {
		return nil
	}
	l.items[i] = elem
	l.record(ChangeListSet, i, elem)
	return nil
}

// Replace swaps the whole list. The next drain sends a single full SetProperty.
func (l *ListProperty[T]) Replace(items []T) {
	if l.listEqual(l.items, items) {
		return
	}
	l.items = append([]T(nil), items...)
	l.journal = l.journal[:0]
	l.replaced = true
	l.notify()
}

func (l *ListProperty[T]) record(kind ChangeKind, i int, elem T) {
	if !l.replaced {
		l.journal = append(l.journal, listEdit[T]{kind: kind, index: i, elem: elem})
	}
	l.notify()
}

func (l *ListProperty[T]) notify() {
	l.observers.each(func(fn func(items []T)) { fn(l.items) })
}

func (l *ListProperty[T]) SetFor(user UserID, items []T) {
	l.users.set(user, append([]T(nil), items...), l.sent, l.listEqual)
}

func (l *ListProperty[T]) ClearFor(user UserID) {
	l.users.clear(user)
}

func (l *ListProperty[T]) HasOverride(user UserID) bool {
	return l.users.has(user)
}

// Observe registers fn to run after every base mutation with the current items. fn
// must not retain the slice.
func (l *ListProperty[T]) Observe(fn func(items []T)) (cancel func()) {
	return l.observers.add(fn)
}

func (l *ListProperty[T]) baseDirty() bool {
	return !l.listEqual(l.items, l.sent)
}

func (l *ListProperty[T]) Dirty() bool {
	return l.baseDirty() || l.users.pending(l.items, l.listEqual)
}

func (l *ListProperty[T]) Changes(user UserID) []Change {
	switch {
	case l.users.has(user):
		if !l.users.isDirty(user) {
			return nil
		}
		v, _ := l.users.get(user)
		return []Change{l.full(v, user)}
	case l.users.isCleared(user):
		if l.listEqual(l.items, l.users.lastSent(user, l.sent)) {
			return nil
		}
		return []Change{l.full(l.items, user)}
	case !l.baseDirty():
		return nil
	case l.replaced || len(l.journal) > len(l.items):
		return []Change{l.full(l.items, user)}
	default:
		out := make([]Change, len(l.journal))
		for i, e := range l.journal {
			c := Change{Kind: e.kind, Key: l.key, Index: uint32(e.index)}
			if e.kind != ChangeListRemove {
				c.Value = l.serialize(e.elem, user)
			}
			out[i] = c
		}
		return out
	}
}

func (l *ListProperty[T]) full(items []T, user UserID) Change {
	return Change{Kind: ChangeSet, Key: l.key, Value: l.encode(items, user)}
}

func (l *ListProperty[T]) encode(items []T, user UserID) value.Value {
	out := make([]value.Value, len(items))
	for i, e := range items {
		out[i] = l.serialize(e, user)
	}
	return value.List(out...)
}

func (l *ListProperty[T]) Snapshot(user UserID) value.Value {
	if v, ok := l.users.get(user); ok {
		return l.encode(v, user)
	}
	return l.encode(l.items, user)
}

func (l *ListProperty[T]) Commit() {
	l.sent = append(l.sent[:0], l.items...)
	l.journal = l.journal[:0]
	l.replaced = false
	l.users.commit()
}

func (l *ListProperty[T]) ForgetUser(user UserID) {
	l.users.forget(user)
}

func (l *ListProperty[T]) Close() {
	l.observers.reset()
}
