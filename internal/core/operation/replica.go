package operation

import (
	"fmt"
	"slices"
	"sync"

	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/value"
)

// ReplicaEntity is the client-side copy of one entity.
type ReplicaEntity struct {
	ID         scene.EntityID
	Parent     scene.EntityID
	Kind       scene.NodeKind
	Properties map[property.Key]value.Value
}

func (e ReplicaEntity) clone() ReplicaEntity {
	props := make(map[property.Key]value.Value, len(e.Properties))
	for k, v := range e.Properties {
		props[k] = v.Clone()
	}
	e.Properties = props
	return e
}

// Replica applies operations the way a client does. Applying the same SetProperty
// twice leaves the same state as applying it once.
type Replica struct {
	mu       sync.RWMutex
	entities map[scene.EntityID]*ReplicaEntity
}

func NewReplica() *Replica {
	return &Replica{entities: make(map[scene.EntityID]*ReplicaEntity)}
}

// Apply mutates the replica. Operations on entities never loaded return
// ErrUnknownEntity and leave the replica untouched.
func (r *Replica) Apply(op Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apply(op)
}

// ApplyTransaction applies every operation in order and returns the ones that failed.
// A failed operation does not stop the rest.
func (r *Replica) ApplyTransaction(tx *Transaction) []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, op := range tx.Operations {
		if err := r.apply(op); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *Replica) apply(op Operation) error {
	if o, ok := op.(LoadEntity); ok {
		e := &ReplicaEntity{
			ID:         o.Entity,
			Parent:     o.Parent,
			Kind:       o.Kind,
			Properties: make(map[property.Key]value.Value, len(o.Properties)),
		}
		for _, p := range o.Properties {
			e.Properties[p.Key] = p.Value.Clone()
		}
		r.entities[o.Entity] = e
		return nil
	}

	e, ok := r.entities[op.Target()]
	if !ok {
		return fmt.Errorf("%w: %s on %d", ErrUnknownEntity, op.Op(), op.Target())
	}

	switch o := op.(type) {
	case DeleteEntity:
		delete(r.entities, o.Entity)
	case SetProperty:
		e.Properties[o.Key] = o.Value.Clone()
		if o.Key == property.KeyParentID && o.Value.Kind == value.KindUint {
			e.Parent = scene.EntityID(o.Value.Uint)
		}
	case ListAdd:
		list, err := listOf(e, o.Key)
		if err != nil {
			return err
		}
		if int(o.Index) > len(list) {
			return fmt.Errorf("%w: add at %d, len %d", ErrIndexOutOfRange, o.Index, len(list))
		}
		e.Properties[o.Key] = value.List(slices.Insert(list, int(o.Index), o.Value.Clone())...)
	case ListRemove:
		list, err := listOf(e, o.Key)
		if err != nil {
			return err
		}
		if int(o.Index) >= len(list) {
			return fmt.Errorf("%w: remove at %d, len %d", ErrIndexOutOfRange, o.Index, len(list))
		}
		e.Properties[o.Key] = value.List(slices.Delete(list, int(o.Index), int(o.Index)+1)...)
	case ListSet:
		list, err := listOf(e, o.Key)
		if err != nil {
			return err
		}
		if int(o.Index) >= len(list) {
			return fmt.Errorf("%w: set at %d, len %d", ErrIndexOutOfRange, o.Index, len(list))
		}
		list[o.Index] = o.Value.Clone()
		e.Properties[o.Key] = value.List(list...)
	case DictAdd:
		return putEntry(e, o.Key, o.MapKey, o.Value)
	case DictSet:
		return putEntry(e, o.Key, o.MapKey, o.Value)
	case DictRemove:
		dict, err := dictOf(e, o.Key)
		if err != nil {
			return err
		}
		delete(dict, o.MapKey)
		e.Properties[o.Key] = value.Map(dict)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownOperation, op)
	}
	return nil
}

// listOf returns a private copy of the list stored under key. A missing property is
// an empty list.
func listOf(e *ReplicaEntity, key property.Key) ([]value.Value, error) {
	v, ok := e.Properties[key]
	if !ok {
		return nil, nil
	}
	if v.Kind != value.KindList {
		return nil, fmt.Errorf("%w: %s is %s", ErrKindMismatch, key, v.Kind)
	}
	return slices.Clone(v.List), nil
}

func dictOf(e *ReplicaEntity, key property.Key) (map[string]value.Value, error) {
	v, ok := e.Properties[key]
	if !ok {
		return make(map[string]value.Value), nil
	}
	if v.Kind != value.KindMap {
		return nil, fmt.Errorf("%w: %s is %s", ErrKindMismatch, key, v.Kind)
	}
	out := make(map[string]value.Value, len(v.Map))
	for k, item := range v.Map {
		out[k] = item
	}
	return out, nil
}

func putEntry(e *ReplicaEntity, key property.Key, mapKey string, v value.Value) error {
	dict, err := dictOf(e, key)
	if err != nil {
		return err
	}
	dict[mapKey] = v.Clone()
	e.Properties[key] = value.Map(dict)
	return nil
}

// Entity returns a copy of the replicated entity.
func (r *Replica) Entity(id scene.EntityID) (ReplicaEntity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	if !ok {
		return ReplicaEntity{}, false
	}
	return e.clone(), true
}

// Get returns one property of one entity.
func (r *Replica) Get(id scene.EntityID, key property.Key) (value.Value, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	if !ok {
		return value.Value{}, false
	}
	v, ok := e.Properties[key]
	return v, ok
}

// IDs returns the loaded entity ids in ascending order.
func (r *Replica) IDs() []scene.EntityID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]scene.EntityID, 0, len(r.entities))
	for id := range r.entities {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Clone returns an independent copy of the replica.
func (r *Replica) Clone() *Replica {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewReplica()
	for id, e := range r.entities {
		c := e.clone()
		out.entities[id] = &c
	}
	return out
}

func (r *Replica) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}
