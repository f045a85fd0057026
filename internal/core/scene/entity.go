package scene

import (
	"fmt"
	"slices"

	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/value"
	"github.com/zeusync/scenesync/internal/core/visibility"
)

var _ visibility.Subject = (*Entity)(nil)

// positionTolerance absorbs float jitter from tracking updates.
const positionTolerance = 1e-4

// Behaviour attaches logic to an entity. The registry drives the calls: Init once
// after the entity is registered, Tick every simulation tick, Dispose on destroy.
type Behaviour interface {
	Init(e *Entity)
	Tick(e *Entity)
	Dispose(e *Entity)
}

// Transform mirrors the spatial properties so simulation code reads plain values.
type Transform struct {
	Position value.Vector3
	Rotation value.Quaternion
	Scale    value.Vector3
}

// Entity is a scene-graph node composed of typed property components.
type Entity struct {
	id       EntityID
	kind     NodeKind
	parent   *Entity
	children []*Entity
	filters  []visibility.Filter

	Active   *property.Property[bool]
	Static   *property.Property[bool]
	VROnly   *property.Property[bool]
	ParentID *property.Property[uint32]
	Position *property.Property[value.Vector3]
	Rotation *property.Property[value.Quaternion]
	Scale    *property.Property[value.Vector3]
	Anchor   *property.Property[string]
	Name     *property.Property[string]

	props      map[property.Key]property.Syncable
	keys       []property.Key
	behaviours []Behaviour
	cancels    []func()
	transform  Transform

	initialized bool
	disposed    bool
}

func newEntity(kind NodeKind) *Entity {
	e := &Entity{
		kind:     kind,
		Active:   property.New(property.KeyActive, true, property.WithEqual(property.Comparable[bool])),
		Static:   property.New(property.KeyStatic, false, property.WithEqual(property.Comparable[bool])),
		VROnly:   property.New(property.KeyVROnly, false, property.WithEqual(property.Comparable[bool])),
		ParentID: property.New(property.KeyParentID, uint32(0), property.WithEqual(property.Comparable[uint32])),
		Position: property.New(property.KeyPosition, value.Vector3{}, property.WithEqual(property.Vector3Equal(positionTolerance))),
		Rotation: property.New(property.KeyRotation, value.IdentityRotation, property.WithEqual(property.QuaternionEqual(positionTolerance))),
		Scale:    property.New(property.KeyScale, value.Vector3{X: 1, Y: 1, Z: 1}, property.WithEqual(property.Vector3Equal(positionTolerance))),
		Anchor:   property.New(property.KeyAnchor, "", property.WithEqual(property.Comparable[string])),
		Name:     property.New(property.KeyName, "", property.WithEqual(property.Comparable[string])),
		props:    make(map[property.Key]property.Syncable),
	}
	for _, p := range []property.Syncable{
		e.Active, e.Static, e.VROnly, e.ParentID, e.Position, e.Rotation, e.Scale, e.Anchor, e.Name,
	} {
		e.register(p)
	}
	for _, p := range kindComponents(kind) {
		e.register(p)
	}
	e.transform = Transform{Rotation: value.IdentityRotation, Scale: value.Vector3{X: 1, Y: 1, Z: 1}}
	return e
}

// kindComponents returns the extra properties a node kind carries.
func kindComponents(kind NodeKind) []property.Syncable {
	switch kind {
	case KindText:
		return []property.Syncable{property.New(property.KeyText, "", property.WithEqual(property.Comparable[string]))}
	case KindAudio:
		return []property.Syncable{
			property.New(property.KeyMediaURL, "", property.WithEqual(property.Comparable[string])),
			property.New(property.KeyVolume, float32(1), property.WithEqual(property.Float32Equal(1e-3))),
		}
	case KindVideo:
		return []property.Syncable{
			property.New(property.KeyMediaURL, "", property.WithEqual(property.Comparable[string])),
			property.New(property.KeyVolume, float32(1), property.WithEqual(property.Float32Equal(1e-3))),
		}
	case KindLight:
		return []property.Syncable{property.New(property.KeyColor, value.Vector3{X: 1, Y: 1, Z: 1}, property.WithEqual(property.Vector3Equal(1e-3)))}
	case KindAvatar:
		return []property.Syncable{property.NewList[string](property.KeyTags, nil, nil, nil)}
	default:
		return nil
	}
}

func (e *Entity) register(p property.Syncable) {
	e.props[p.Key()] = p
	i, _ := slices.BinarySearch(e.keys, p.Key())
	e.keys = slices.Insert(e.keys, i, p.Key())
}

func (e *Entity) ID() EntityID         { return e.id }
func (e *Entity) Kind() NodeKind       { return e.kind }
func (e *Entity) Parent() *Entity      { return e.parent }
func (e *Entity) Disposed() bool       { return e.disposed }
func (e *Entity) Transform() Transform { return e.transform }

// Children returns the direct children ordered by id.
func (e *Entity) Children() []*Entity {
	return slices.Clone(e.children)
}

// AddProperty registers an application-defined property. Keys must be unique per entity.
func (e *Entity) AddProperty(p property.Syncable) error {
	if e.disposed {
		return ErrDisposed
	}
	if _, ok := e.props[p.Key()]; ok {
		return fmt.Errorf("%w: %s on entity %d", ErrDuplicateProperty, p.Key(), e.id)
	}
	e.register(p)
	return nil
}

// Property returns the property registered under key.
func (e *Entity) Property(key property.Key) (property.Syncable, bool) {
	p, ok := e.props[key]
	return p, ok
}

// Properties returns every property ordered by key.
func (e *Entity) Properties() []property.Syncable {
	out := make([]property.Syncable, len(e.keys))
	for i, k := range e.keys {
		out[i] = e.props[k]
	}
	return out
}

// Text returns the text property of a KindText entity.
func (e *Entity) Text() (*property.Property[string], bool) {
	p, ok := e.props[property.KeyText].(*property.Property[string])
	return p, ok
}

// Tags returns the tag list of a KindAvatar entity.
func (e *Entity) Tags() (*property.ListProperty[string], bool) {
	p, ok := e.props[property.KeyTags].(*property.ListProperty[string])
	return p, ok
}

// AddFilter attaches a visibility filter. It applies to the whole subtree.
func (e *Entity) AddFilter(f visibility.Filter) {
	e.filters = append(e.filters, f)
}

func (e *Entity) ClearFilters() {
	e.filters = nil
}

// Attach adds a behaviour. If the entity is already initialized the behaviour is
// initialized immediately.
func (e *Entity) Attach(b Behaviour) {
	e.behaviours = append(e.behaviours, b)
	if e.initialized && !e.disposed {
		b.Init(e)
	}
}

// Init assigns the id and wires the transform observers. Called by the Registry.
func (e *Entity) Init(id EntityID) {
	if e.initialized {
		return
	}
	e.id = id
	e.initialized = true
	e.transform.Position = e.Position.Base()
	e.transform.Rotation = e.Rotation.Base()
	e.transform.Scale = e.Scale.Base()
	e.cancels = append(e.cancels,
		e.Position.Observe(func(_, v value.Vector3) { e.transform.Position = v }),
		e.Rotation.Observe(func(_, v value.Quaternion) { e.transform.Rotation = v }),
		e.Scale.Observe(func(_, v value.Vector3) { e.transform.Scale = v }),
	)
	for _, b := range e.behaviours {
		b.Init(e)
	}
}

// Tick runs attached behaviours. Called by the Registry once per simulation tick.
func (e *Entity) Tick() {
	if e.disposed {
		return
	}
	for _, b := range e.behaviours {
		b.Tick(e)
	}
}

// Dispose runs behaviour teardown and drops every property observer.
func (e *Entity) Dispose() {
	if e.disposed {
		return
	}
	e.disposed = true
	for _, b := range e.behaviours {
		b.Dispose(e)
	}
	for _, cancel := range e.cancels {
		cancel()
	}
	e.cancels = nil
	for _, p := range e.props {
		p.Close()
	}
}

// Snapshot serializes every property as user sees it, ordered by key.
func (e *Entity) Snapshot(user property.UserID) []PropertyState {
	out := make([]PropertyState, len(e.keys))
	for i, k := range e.keys {
		out[i] = PropertyState{Key: k, Value: e.props[k].Snapshot(user)}
	}
	return out
}

// PropertyState is one property's serialized value.
type PropertyState struct {
	Key   property.Key
	Value value.Value
}

// Dirty reports whether any property has something to drain.
func (e *Entity) Dirty() bool {
	for _, p := range e.props {
		if p.Dirty() {
			return true
		}
	}
	return false
}

// Changes collects the property deltas for user, ordered by key.
func (e *Entity) Changes(user property.UserID) []property.Change {
	var out []property.Change
	for _, k := range e.keys {
		out = append(out, e.props[k].Changes(user)...)
	}
	return out
}

func (e *Entity) Commit() {
	for _, p := range e.props {
		p.Commit()
	}
}

func (e *Entity) ForgetUser(user property.UserID) {
	for _, p := range e.props {
		p.ForgetUser(user)
	}
}

func (e *Entity) EntityID() uint32 { return uint32(e.id) }

func (e *Entity) ActiveFor(user property.UserID) bool {
	return !e.disposed && e.Active.Get(user)
}

func (e *Entity) ImmersiveOnly() bool { return e.VROnly.Base() }

func (e *Entity) VisibilityFilters() []visibility.Filter { return e.filters }

func (e *Entity) VisibilityParent() visibility.Subject {
	if e.parent == nil {
		return nil
	}
	return e.parent
}

func (e *Entity) VisibilityChildren() []visibility.Subject {
	out := make([]visibility.Subject, len(e.children))
	for i, c := range e.children {
		out[i] = c
	}
	return out
}

func (e *Entity) addChild(c *Entity) {
	i, _ := slices.BinarySearchFunc(e.children, c.id, func(x *Entity, id EntityID) int {
		return int(int64(x.id) - int64(id))
	})
	e.children = slices.Insert(e.children, i, c)
}

func (e *Entity) removeChild(c *Entity) {
	e.children = slices.DeleteFunc(e.children, func(x *Entity) bool { return x == c })
}
