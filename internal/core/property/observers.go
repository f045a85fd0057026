package property

// observers is an explicit subscriber list. Entries are removed by the cancel func
// returned from add or all at once by reset.
type observers[F any] struct {
	next    uint64
	entries []observerEntry[F]
}

type observerEntry[F any] struct {
	id uint64
	fn F
}

func (o *observers[F]) add(fn F) func() {
	o.next++
	id := o.next
	o.entries = append(o.entries, observerEntry[F]{id: id, fn: fn})
	return func() {
		for i, e := range o.entries {
			if e.id == id {
				o.entries = append(o.entries[:i], o.entries[i+1:]...)
				return
			}
		}
	}
}

func (o *observers[F]) each(call func(F)) {
	if len(o.entries) == 0 {
		return
	}
	// copy so an observer may cancel itself while being notified
	snapshot := append([]observerEntry[F](nil), o.entries...)
	for _, e := range snapshot {
		call(e.fn)
	}
}

func (o *observers[F]) len() int { return len(o.entries) }

func (o *observers[F]) reset() { o.entries = nil }
