package property

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scenesync/internal/core/value"
)

const (
	alice UserID = "alice"
	bob   UserID = "bob"
)

func TestOverrideIsolation(t *testing.T) {
	p := New(KeyName, "lobby")
	p.SetFor(alice, "vestibule")

	assert.Equal(t, "vestibule", p.Get(alice))
	assert.Equal(t, "lobby", p.Get(bob))
	assert.True(t, p.HasOverride(alice))
	assert.False(t, p.HasOverride(bob))
}

func TestOverrideWinsUntilCleared(t *testing.T) {
	p := New(KeyText, "base")
	p.SetFor(alice, "mine")
	p.Commit()

	p.Set("new base")
	assert.Equal(t, "mine", p.Get(alice))
	assert.Empty(t, p.Changes(alice))
	require.Len(t, p.Changes(bob), 1)
	assert.Equal(t, value.String("new base"), p.Changes(bob)[0].Value)
	p.Commit()

	p.ClearFor(alice)
	assert.Equal(t, "new base", p.Get(alice))
	require.True(t, p.Dirty())
	changes := p.Changes(alice)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeSet, changes[0].Kind)
	assert.Equal(t, value.String("new base"), changes[0].Value)
	assert.Empty(t, p.Changes(bob))

	p.Commit()
	assert.False(t, p.Dirty())
}

func TestClearingUnsentOverrideProducesNothing(t *testing.T) {
	p := New(KeyText, "base")
	p.SetFor(alice, "draft")
	p.ClearFor(alice)

	assert.False(t, p.Dirty())
	assert.Empty(t, p.Changes(alice))
}

func TestWriteThenRevertIsClean(t *testing.T) {
	p := New(KeyActive, true)
	p.Set(false)
	assert.True(t, p.Dirty())
	p.Set(true)
	assert.False(t, p.Dirty())
	assert.Empty(t, p.Changes(alice))
}

func TestOverrideEqualToSentBaseIsClean(t *testing.T) {
	p := New(KeyVolume, 0.5)
	p.SetFor(alice, 0.5)
	assert.False(t, p.Dirty())
	assert.Empty(t, p.Changes(alice))
}

func TestFloatTolerance(t *testing.T) {
	p := New(KeyPosition, value.Vector3{X: 1}, WithEqual(Vector3Equal(0.01)))
	p.Set(value.Vector3{X: 1.001})
	assert.False(t, p.Dirty())

	p.Set(value.Vector3{X: 2})
	assert.True(t, p.Dirty())
}

func TestObserversRunOnChangeAndStopAfterCancel(t *testing.T) {
	p := New(KeyScale, 1)
	var seen [][2]int
	cancel := p.Observe(func(old, new int) { seen = append(seen, [2]int{old, new}) })

	p.Set(1)
	p.Set(2)
	cancel()
	p.Set(3)

	assert.Equal(t, [][2]int{{1, 2}}, seen)
}

func TestCloseDropsObservers(t *testing.T) {
	p := New(KeyScale, 1)
	calls := 0
	p.Observe(func(int, int) { calls++ })
	p.Close()
	p.Set(5)
	assert.Zero(t, calls)
}

func TestSerializerSeesRecipient(t *testing.T) {
	greeting := map[UserID]string{alice: "bonjour", bob: "hello"}
	p := New(KeyText, "greeting", WithSerializer(func(v string, user UserID) value.Value {
		return value.String(greeting[user])
	}))

	assert.Equal(t, value.String("bonjour"), p.Snapshot(alice))
	assert.Equal(t, value.String("hello"), p.Snapshot(bob))
}

func TestForgetUserDropsOverride(t *testing.T) {
	p := New(KeyName, "x")
	p.SetFor(alice, "y")
	p.Commit()
	p.ForgetUser(alice)

	assert.False(t, p.HasOverride(alice))
	assert.Equal(t, "x", p.Get(alice))
	assert.False(t, p.Dirty())
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "position", KeyPosition.String())
	assert.Equal(t, "custom(3)", (KeyCustom + 3).String())
}
