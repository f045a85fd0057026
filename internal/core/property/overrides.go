package property

// overrides holds the per-user side of a property: the override values themselves, what
// was last transmitted to each overridden user and which of them need a resend.
type overrides[T any] struct {
	values map[UserID]T
	// sent is only populated for users that have received an override value.
	sent    map[UserID]T
	dirty   map[UserID]struct{}
	cleared map[UserID]struct{}
}

func newOverrides[T any]() overrides[T] {
	return overrides[T]{
		values:  make(map[UserID]T),
		sent:    make(map[UserID]T),
		dirty:   make(map[UserID]struct{}),
		cleared: make(map[UserID]struct{}),
	}
}

func (o *overrides[T]) get(user UserID) (T, bool) {
	v, ok := o.values[user]
	return v, ok
}

func (o *overrides[T]) has(user UserID) bool {
	_, ok := o.values[user]
	return ok
}

// lastSent returns what user currently holds: its transmitted override if any, else base.
func (o *overrides[T]) lastSent(user UserID, base T) T {
	if v, ok := o.sent[user]; ok {
		return v
	}
	return base
}

// set stores v for user and reports whether the stored value changed.
func (o *overrides[T]) set(user UserID, v T, sentBase T, eq EqualFunc[T]) bool {
	if cur, ok := o.values[user]; ok && eq(cur, v) {
		return false
	}
	o.values[user] = v
	delete(o.cleared, user)
	if eq(v, o.lastSent(user, sentBase)) {
		delete(o.dirty, user)
	} else {
		o.dirty[user] = struct{}{}
	}
	return true
}

// clear removes user's override. If the override was already transmitted the user is
// remembered so the next drain can send the base back.
func (o *overrides[T]) clear(user UserID) bool {
	if _, ok := o.values[user]; !ok {
		return false
	}
	delete(o.values, user)
	delete(o.dirty, user)
	if _, sent := o.sent[user]; sent {
		o.cleared[user] = struct{}{}
	}
	return true
}

func (o *overrides[T]) isDirty(user UserID) bool {
	_, ok := o.dirty[user]
	return ok
}

func (o *overrides[T]) isCleared(user UserID) bool {
	_, ok := o.cleared[user]
	return ok
}

// pending reports whether any overridden or cleared user still needs a resend.
func (o *overrides[T]) pending(base T, eq EqualFunc[T]) bool {
	if len(o.dirty) > 0 {
		return true
	}
	for user := range o.cleared {
		if !eq(base, o.sent[user]) {
			return true
		}
	}
	return false
}

func (o *overrides[T]) commit() {
	for user, v := range o.values {
		o.sent[user] = v
	}
	for user := range o.cleared {
		delete(o.sent, user)
	}
	clear(o.dirty)
	clear(o.cleared)
}

func (o *overrides[T]) forget(user UserID) {
	delete(o.values, user)
	delete(o.sent, user)
	delete(o.dirty, user)
	delete(o.cleared, user)
}

func (o *overrides[T]) users() []UserID {
	out := make([]UserID, 0, len(o.values))
	for user := range o.values {
		out = append(out, user)
	}
	return out
}
