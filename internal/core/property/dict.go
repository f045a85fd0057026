package property

import (
	"maps"

	"github.com/zeusync/scenesync/internal/core/value"
)

var _ Syncable = (*DictProperty[int])(nil)

// DictProperty is a string-keyed map that drains per-key DictAdd, DictSet and
// DictRemove operations, diffed against what was last sent.
type DictProperty[V any] struct {
	key      Key
	entries  map[string]V
	sent     map[string]V
	replaced bool
	users    overrides[map[string]V]

	elemEqual EqualFunc[V]
	dictEqual EqualFunc[map[string]V]
	serialize Serializer[V]
	observers observers[func(key string, old, new V, present bool)]
}

// NewDict creates a dictionary property. elemEqual and serialize may be nil.
func NewDict[V any](key Key, initial map[string]V, elemEqual EqualFunc[V], serialize Serializer[V]) *DictProperty[V] {
	if elemEqual == nil {
		elemEqual = DeepEqual[V]
	}
	if serialize == nil {
		serialize = DefaultSerializer[V]
	}
	entries := maps.Clone(initial)
	if entries == nil {
		entries = make(map[string]V)
	}
	return &DictProperty[V]{
		key:       key,
		entries:   entries,
		sent:      maps.Clone(entries),
		users:     newOverrides[map[string]V](),
		elemEqual: elemEqual,
		dictEqual: mapEqual(elemEqual),
		serialize: serialize,
	}
}

func (d *DictProperty[V]) Key() Key { return d.key }

func (d *DictProperty[V]) Len() int { return len(d.entries) }

// Lookup returns the base value stored under k.
func (d *DictProperty[V]) Lookup(k string) (V, bool) {
	v, ok := d.entries[k]
	return v, ok
}

// Get returns the map user observes.
func (d *DictProperty[V]) Get(user UserID) map[string]V {
	if v, ok := d.users.get(user); ok {
		return maps.Clone(v)
	}
	return maps.Clone(d.entries)
}

// Put stores v under k. Writing an equal value is a no-op.
func (d *DictProperty[V]) Put(k string, v V) {
	old, ok := d.entries[k]
	if ok && d.elemEqual(old, v) {
		return
	}
	d.entries[k] = v
	d.observers.each(func(fn func(string, V, V, bool)) { fn(k, old, v, true) })
}

func (d *DictProperty[V]) Delete(k string) {
	old, ok := d.entries[k]
	if !ok {
		return
	}
	delete(d.entries, k)
	var zero V
	d.observers.each(func(fn func(string, V, V, bool)) { fn(k, old, zero, false) })
}

// Replace swaps the whole map. The next drain sends a single full SetProperty.
// Observers see one call per key that was added, changed or removed, in key order.
func (d *DictProperty[V]) Replace(entries map[string]V) {
	if d.dictEqual(d.entries, entries) {
		return
	}
	old := d.entries
	d.entries = maps.Clone(entries)
	if d.entries == nil {
		d.entries = make(map[string]V)
	}
	d.replaced = true

	for _, k := range value.SortedKeys(d.entries) {
		v := d.entries[k]
		prev, ok := old[k]
		if ok && d.elemEqual(prev, v) {
			continue
		}
		d.observers.each(func(fn func(string, V, V, bool)) { fn(k, prev, v, true) })
	}
	var zero V
	for _, k := range value.SortedKeys(old) {
		if _, ok := d.entries[k]; ok {
			continue
		}
		prev := old[k]
		d.observers.each(func(fn func(string, V, V, bool)) { fn(k, prev, zero, false) })
	}
}

func (d *DictProperty[V]) SetFor(user UserID, entries map[string]V) {
	d.users.set(user, maps.Clone(entries), d.sent, d.dictEqual)
}

func (d *DictProperty[V]) ClearFor(user UserID) {
	d.users.clear(user)
}

func (d *DictProperty[V]) HasOverride(user UserID) bool {
	return d.users.has(user)
}

// Observe registers fn to run after each Put, Delete or Replace on the base map.
// present is false for deletions.
func (d *DictProperty[V]) Observe(fn func(key string, old, new V, present bool)) (cancel func()) {
	return d.observers.add(fn)
}

func (d *DictProperty[V]) baseDirty() bool {
	return !d.dictEqual(d.entries, d.sent)
}

func (d *DictProperty[V]) Dirty() bool {
	return d.baseDirty() || d.users.pending(d.entries, d.dictEqual)
}

func (d *DictProperty[V]) Changes(user UserID) []Change {
	switch {
	case d.users.has(user):
		if !d.users.isDirty(user) {
			return nil
		}
		v, _ := d.users.get(user)
		return []Change{d.full(v, user)}
	case d.users.isCleared(user):
		if d.dictEqual(d.entries, d.users.lastSent(user, d.sent)) {
			return nil
		}
		return []Change{d.full(d.entries, user)}
	case !d.baseDirty():
		return nil
	case d.replaced:
		return []Change{d.full(d.entries, user)}
	default:
		return d.diff(user)
	}
}

// diff walks keys in sorted order so every recipient sees the same op sequence.
func (d *DictProperty[V]) diff(user UserID) []Change {
	var out []Change
	for _, k := range value.SortedKeys(d.entries) {
		v := d.entries[k]
		old, ok := d.sent[k]
		switch {
		case !ok:
			out = append(out, Change{Kind: ChangeDictAdd, Key: d.key, MapKey: k, Value: d.serialize(v, user)})
		case !d.elemEqual(old, v):
			out = append(out, Change{Kind: ChangeDictSet, Key: d.key, MapKey: k, Value: d.serialize(v, user)})
		}
	}
	for _, k := range value.SortedKeys(d.sent) {
		if _, ok := d.entries[k]; !ok {
			out = append(out, Change{Kind: ChangeDictRemove, Key: d.key, MapKey: k})
		}
	}
	return out
}

func (d *DictProperty[V]) full(entries map[string]V, user UserID) Change {
	return Change{Kind: ChangeSet, Key: d.key, Value: d.encode(entries, user)}
}

func (d *DictProperty[V]) encode(entries map[string]V, user UserID) value.Value {
	out := make(map[string]value.Value, len(entries))
	for k, v := range entries {
		out[k] = d.serialize(v, user)
	}
	return value.Map(out)
}

func (d *DictProperty[V]) Snapshot(user UserID) value.Value {
	if v, ok := d.users.get(user); ok {
		return d.encode(v, user)
	}
	return d.encode(d.entries, user)
}

func (d *DictProperty[V]) Commit() {
	d.sent = maps.Clone(d.entries)
	d.replaced = false
	d.users.commit()
}

func (d *DictProperty[V]) ForgetUser(user UserID) {
	d.users.forget(user)
}

func (d *DictProperty[V]) Close() {
	d.observers.reset()
}
