package scene

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/value"
	"github.com/zeusync/scenesync/internal/core/visibility"
)

type recorder struct {
	calls []string
}

func (r *recorder) Init(e *Entity)    { r.calls = append(r.calls, "init") }
func (r *recorder) Tick(e *Entity)    { r.calls = append(r.calls, "tick") }
func (r *recorder) Dispose(e *Entity) { r.calls = append(r.calls, "dispose") }

func newRegistry() *Registry {
	return NewRegistry(log.NewNop())
}

func TestLifecycleOrder(t *testing.T) {
	r := newRegistry()
	rec := &recorder{}
	e, err := r.Create(KindMesh, nil, WithBehaviour(rec))
	require.NoError(t, err)
	assert.Equal(t, EntityID(1), e.ID())

	r.Tick()
	r.Tick()
	require.NoError(t, r.Destroy(e.ID()))
	r.Tick()

	assert.Equal(t, []string{"init", "tick", "tick", "dispose"}, rec.calls)
	assert.True(t, e.Disposed())
}

func TestPositionReflectsOntoTransform(t *testing.T) {
	r := newRegistry()
	e, err := r.Create(KindMesh, nil)
	require.NoError(t, err)

	e.Position.Set(value.Vector3{X: 1, Y: 2, Z: 3})
	assert.Equal(t, value.Vector3{X: 1, Y: 2, Z: 3}, e.Transform().Position)

	require.NoError(t, r.Destroy(e.ID()))
	e.Position.Set(value.Vector3{X: 9})
	assert.Equal(t, value.Vector3{X: 1, Y: 2, Z: 3}, e.Transform().Position)
}

func TestDestroyQueuesSubtreeChildrenFirst(t *testing.T) {
	r := newRegistry()
	root, _ := r.Create(KindEmpty, nil)
	child, _ := r.Create(KindEmpty, root)
	grandchild, _ := r.Create(KindEmpty, child)
	other, _ := r.Create(KindEmpty, nil)

	require.NoError(t, r.Destroy(root.ID()))
	assert.Equal(t, []EntityID{grandchild.ID(), child.ID(), root.ID()}, r.DrainDeleted())
	assert.Empty(t, r.DrainDeleted())
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []*Entity{other}, r.Roots())

	assert.ErrorIs(t, r.Destroy(root.ID()), ErrUnknownEntity)
}

func TestWalkIsParentFirst(t *testing.T) {
	r := newRegistry()
	a, _ := r.Create(KindEmpty, nil)
	b, _ := r.Create(KindEmpty, nil)
	a1, _ := r.Create(KindEmpty, a)
	b1, _ := r.Create(KindEmpty, b)
	a2, _ := r.Create(KindEmpty, a)

	assert.Equal(t, []*Entity{a, a1, a2, b, b1}, r.All())
}

func TestReparent(t *testing.T) {
	r := newRegistry()
	a, _ := r.Create(KindEmpty, nil)
	b, _ := r.Create(KindEmpty, nil)
	c, _ := r.Create(KindEmpty, a)

	require.NoError(t, r.Reparent(c.ID(), b.ID()))
	assert.Equal(t, b, c.Parent())
	assert.Empty(t, a.Children())
	assert.Equal(t, uint32(b.ID()), c.ParentID.Base())
	assert.True(t, c.Dirty())

	assert.ErrorIs(t, r.Reparent(b.ID(), c.ID()), ErrCycle)

	require.NoError(t, r.Reparent(c.ID(), 0))
	assert.Nil(t, c.Parent())
	assert.Len(t, r.Roots(), 3)
}

func TestKindComponents(t *testing.T) {
	r := newRegistry()
	text, _ := r.Create(KindText, nil)
	p, ok := text.Text()
	require.True(t, ok)
	p.Set("hello")

	avatar, _ := r.Create(KindAvatar, nil)
	_, ok = avatar.Tags()
	assert.True(t, ok)

	_, ok = text.Tags()
	assert.False(t, ok)

	_, err := r.Create(NodeKind(200), nil)
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestAddPropertyRejectsDuplicateKey(t *testing.T) {
	r := newRegistry()
	e, _ := r.Create(KindEmpty, nil)
	custom := property.New(property.KeyCustom, 10)

	require.NoError(t, e.AddProperty(custom))
	assert.ErrorIs(t, e.AddProperty(property.New(property.KeyCustom, 1)), ErrDuplicateProperty)
	got, ok := e.Property(property.KeyCustom)
	require.True(t, ok)
	assert.Same(t, custom, got)
}

func TestCreatedEntityStartsClean(t *testing.T) {
	r := newRegistry()
	root, _ := r.Create(KindEmpty, nil, WithName("root"))
	child, _ := r.Create(KindEmpty, root)

	assert.False(t, root.Dirty())
	assert.False(t, child.Dirty())
	assert.Equal(t, uint32(root.ID()), child.ParentID.Base())
}

func TestEntityIsVisibilitySubject(t *testing.T) {
	r := newRegistry()
	e, _ := r.Create(KindEmpty, nil)
	c, _ := r.Create(KindEmpty, e)
	e.AddFilter(visibility.DenyUsers("u"))

	ev := visibility.NewEvaluator()
	v := viewer{id: "u"}
	assert.False(t, ev.Visible(visibility.NewCache(), v, c))
	assert.Empty(t, ev.LoadableUnder(visibility.NewCache(), v, e))

	e.Active.SetFor("w", false)
	assert.False(t, ev.Visible(visibility.NewCache(), viewer{id: "w"}, e))
	assert.True(t, ev.Visible(visibility.NewCache(), viewer{id: "x"}, c))
}

type viewer struct {
	id property.UserID
}

func (v viewer) UserID() property.UserID        { return v.id }
func (v viewer) Device() visibility.DeviceClass { return visibility.DeviceDesktop }
