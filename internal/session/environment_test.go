package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scenesync/internal/core/channel"
	"github.com/zeusync/scenesync/internal/core/events/bus"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/operation"
	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/relay"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/transport"
	"github.com/zeusync/scenesync/internal/core/value"
	"github.com/zeusync/scenesync/internal/core/visibility"
)

// client records what the server sent to one user and mirrors scene state in a
// replica, as the SDK would.
type client struct {
	t       *testing.T
	mu      sync.Mutex
	codec   operation.Codec
	replica *operation.Replica
	signals []transport.SignalMessage
	peer    []transport.Frame
	txs     []*operation.Transaction
	closed  bool
}

func newClient(t *testing.T) *client {
	return &client{t: t, codec: operation.NewObjectCodec(log.NewNop()), replica: operation.NewReplica()}
}

func (c *client) Kind() transport.Kind { return transport.KindWebSocket }

func (c *client) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.NewError(transport.ErrorCodeConnectionClosed, "client", transport.ErrConnectionClosed)
	}
	f, err := transport.DecodeFrame(data)
	require.NoError(c.t, err)
	switch {
	case f.Channel.DataType == channel.Signaling:
		msg, err := transport.DecodeSignal(f.Payload)
		require.NoError(c.t, err)
		c.signals = append(c.signals, msg)
	case f.Origin != "":
		c.peer = append(c.peer, f)
	default:
		tx, err := c.codec.DecodeTransaction(f.Payload)
		require.NoError(c.t, err)
		c.txs = append(c.txs, tx)
		assert.Empty(c.t, c.replica.ApplyTransaction(tx))
	}
	return nil
}

func (c *client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *client) lastSignal(typ transport.SignalType) (transport.SignalMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.signals) - 1; i >= 0; i-- {
		if c.signals[i].Type == typ {
			return c.signals[i], true
		}
	}
	return transport.SignalMessage{}, false
}

func (c *client) lastTx() *operation.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.txs) == 0 {
		return nil
	}
	return c.txs[len(c.txs)-1]
}

func (c *client) txCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.txs)
}

func newTestEnv(t *testing.T) *Environment {
	t.Helper()
	return newTestEnvWithRenewal(t, 100*time.Millisecond)
}

func newTestEnvWithRenewal(t *testing.T, wait time.Duration) *Environment {
	t.Helper()
	tokens, err := transport.NewTokenIssuer([]byte("test secret"), time.Minute)
	require.NoError(t, err)
	cfg := transport.DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.RenewalWait = wait
	d := transport.NewDispatcher(cfg, tokens, log.NewNop())
	th := relay.NewThrottle(relay.DefaultConfig(), relay.NewPositions())
	return NewEnvironment(DefaultConfig(), d, th, bus.New(), log.NewNop())
}

func join(t *testing.T, env *Environment, id property.UserID, device visibility.DeviceClass) *client {
	t.Helper()
	ctx := context.Background()
	_, err := env.Identify(id, device, operation.ObjectEncoding)
	require.NoError(t, err)
	c := newClient(t)
	require.NoError(t, env.Attach(id, c))
	_, err = env.SetStatus(ctx, id, StatusReady)
	require.NoError(t, err)
	msg, ok := c.lastSignal(transport.SignalToken)
	require.True(t, ok)
	require.NoError(t, env.Join(ctx, id, msg.Token))
	return c
}

func tick(env *Environment) TickStats {
	return env.Tick(context.Background(), time.Now())
}

func replicaString(t *testing.T, c *client, id scene.EntityID, key property.Key) string {
	t.Helper()
	v, ok := c.replica.Get(id, key)
	require.True(t, ok, "entity %d key %s", id, key)
	require.Equal(t, value.KindString, v.Kind)
	return v.Str
}

func TestHandshake(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u, err := env.Identify("alice", visibility.DeviceDesktop, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, u.Status())
	assert.Equal(t, operation.ObjectEncoding, u.Encoding())

	_, err = env.Identify("", visibility.DeviceDesktop, "")
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	_, err = env.Identify("bob", visibility.DeviceDesktop, "morse")
	assert.ErrorIs(t, err, operation.ErrUnknownCodec)

	c := newClient(t)
	require.NoError(t, env.Attach("alice", c))
	assert.ErrorIs(t, env.Join(ctx, "alice", "whatever"), ErrNotReady)

	status, err := env.SetStatus(ctx, "alice", StatusReady)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, status)
	_, err = env.SetStatus(ctx, "alice", StatusReady)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	token, ok := c.lastSignal(transport.SignalToken)
	require.True(t, ok)
	assert.NotEmpty(t, token.Token)
	assert.Greater(t, token.Expires, time.Now().UnixMilli())

	err = env.Join(ctx, "alice", "forged")
	assert.Equal(t, transport.ErrorCodeInvalidToken, transport.GetErrorCode(err))
	assert.False(t, u.Authenticated())

	require.NoError(t, env.Join(ctx, "alice", token.Token))
	assert.Equal(t, StatusActive, u.Status())
	assert.True(t, u.Authenticated())
	assert.True(t, env.Dispatcher().Bound("alice", channel.ReliableData))

	last, ok := c.lastSignal(transport.SignalStatus)
	require.True(t, ok)
	assert.Equal(t, "ACTIVE", last.Status)
}

func TestOnlyActiveUsersReceiveScene(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.CreateEntity(scene.KindEmpty, 0, scene.WithName("root"))
	require.NoError(t, err)

	_, err = env.Identify("lurker", visibility.DeviceDesktop, "")
	require.NoError(t, err)
	lurker := newClient(t)
	require.NoError(t, env.Attach("lurker", lurker))

	stats := tick(env)
	assert.Zero(t, stats.Transactions)
	assert.Zero(t, lurker.txCount())
}

func TestLateJoinLoadsCurrentState(t *testing.T) {
	env := newTestEnv(t)
	root, err := env.CreateEntity(scene.KindEmpty, 0, scene.WithName("root"))
	require.NoError(t, err)
	child, err := env.CreateEntity(scene.KindText, root.ID(), scene.WithName("child"))
	require.NoError(t, err)
	text, ok := child.Text()
	require.True(t, ok)
	text.Set("hello")
	tick(env)

	alice := join(t, env, "alice", visibility.DeviceDesktop)
	stats := tick(env)
	assert.Equal(t, 2, stats.Loads)
	assert.Zero(t, stats.Updates)

	tx := alice.lastTx()
	require.NotNil(t, tx)
	require.Len(t, tx.Operations, 2)
	assert.Equal(t, root.ID(), tx.Operations[0].Target(), "parents load first")
	assert.Equal(t, "hello", replicaString(t, alice, child.ID(), property.KeyText))
	assert.Equal(t, "child", replicaString(t, alice, child.ID(), property.KeyName))

	entity, ok := alice.replica.Entity(child.ID())
	require.True(t, ok)
	assert.Equal(t, root.ID(), entity.Parent)

	// nothing changed, nothing sent
	tick(env)
	assert.Equal(t, 1, alice.txCount())
}

func TestPropertyChangeSendsDiffOnly(t *testing.T) {
	env := newTestEnv(t)
	e, err := env.CreateEntity(scene.KindEmpty, 0)
	require.NoError(t, err)
	alice := join(t, env, "alice", visibility.DeviceDesktop)
	tick(env)

	e.Name.Set("renamed")
	e.Position.Set(value.Vector3{X: 1})
	stats := tick(env)
	assert.Zero(t, stats.Loads)
	assert.Equal(t, 2, stats.Updates)
	for _, op := range alice.lastTx().Operations {
		assert.Equal(t, operation.OpSetProperty, op.Op())
	}
	assert.Equal(t, "renamed", replicaString(t, alice, e.ID(), property.KeyName))

	// a write reverted before the tick produces nothing
	e.Name.Set("other")
	e.Name.Set("renamed")
	assert.Zero(t, tick(env).Updates)
}

func TestOverrideReachesOnlyItsUser(t *testing.T) {
	env := newTestEnv(t)
	e, err := env.CreateEntity(scene.KindEmpty, 0, scene.WithName("base"))
	require.NoError(t, err)
	alice := join(t, env, "alice", visibility.DeviceDesktop)
	bob := join(t, env, "bob", visibility.DeviceDesktop)
	tick(env)
	bobTxs := bob.txCount()

	e.Name.SetFor("alice", "private")
	tick(env)
	assert.Equal(t, "private", replicaString(t, alice, e.ID(), property.KeyName))
	assert.Equal(t, "base", replicaString(t, bob, e.ID(), property.KeyName))
	assert.Equal(t, bobTxs, bob.txCount())

	e.Name.ClearFor("alice")
	tick(env)
	assert.Equal(t, "base", replicaString(t, alice, e.ID(), property.KeyName))
}

func TestListEditsBecomeStructuralOps(t *testing.T) {
	env := newTestEnv(t)
	avatar, err := env.CreateEntity(scene.KindAvatar, 0)
	require.NoError(t, err)
	tags, ok := avatar.Tags()
	require.True(t, ok)
	tags.Replace([]string{"a", "b", "c"})

	alice := join(t, env, "alice", visibility.DeviceDesktop)
	tick(env)

	require.NoError(t, tags.SetAt(1, "x"))
	tick(env)
	tx := alice.lastTx()
	require.Len(t, tx.Operations, 1)
	set, ok := tx.Operations[0].(operation.ListSet)
	require.True(t, ok)
	assert.Equal(t, uint32(1), set.Index)

	got, ok := alice.replica.Get(avatar.ID(), property.KeyTags)
	require.True(t, ok)
	assert.True(t, got.Equal(value.List(value.String("a"), value.String("x"), value.String("c"))), got.String())
}

func TestDestroyDeletesWhatWasLoaded(t *testing.T) {
	env := newTestEnv(t)
	root, err := env.CreateEntity(scene.KindEmpty, 0)
	require.NoError(t, err)
	child, err := env.CreateEntity(scene.KindEmpty, root.ID())
	require.NoError(t, err)
	alice := join(t, env, "alice", visibility.DeviceDesktop)
	tick(env)
	require.Equal(t, 2, alice.replica.Len())

	// never loaded, so never deleted
	ghost, err := env.CreateEntity(scene.KindEmpty, 0)
	require.NoError(t, err)
	require.NoError(t, env.Registry().Destroy(ghost.ID()))

	require.NoError(t, env.Registry().Destroy(root.ID()))
	stats := tick(env)
	assert.Equal(t, 2, stats.Deletes)
	ops := alice.lastTx().Operations
	require.Len(t, ops, 2)
	assert.Equal(t, child.ID(), ops[0].Target(), "children are deleted first")
	assert.Zero(t, alice.replica.Len())
}

func TestParentFilterHidesSubtree(t *testing.T) {
	env := newTestEnv(t)
	room, err := env.CreateEntity(scene.KindEmpty, 0)
	require.NoError(t, err)
	room.AddFilter(visibility.RequireDevice(visibility.DeviceHeadset))
	_, err = env.CreateEntity(scene.KindMesh, room.ID())
	require.NoError(t, err)

	desktop := join(t, env, "desk", visibility.DeviceDesktop)
	headset := join(t, env, "vr", visibility.DeviceHeadset)
	tick(env)

	assert.Zero(t, desktop.replica.Len())
	assert.Equal(t, 2, headset.replica.Len())

	snap, err := env.Snapshot("desk")
	require.NoError(t, err)
	assert.Empty(t, snap)
	snap, err = env.Snapshot("vr")
	require.NoError(t, err)
	assert.Len(t, snap, 2)
}

func TestReparentUnderHiddenParentDeletes(t *testing.T) {
	env := newTestEnv(t)
	hidden, err := env.CreateEntity(scene.KindEmpty, 0)
	require.NoError(t, err)
	hidden.AddFilter(visibility.DenyUsers("alice"))
	lamp, err := env.CreateEntity(scene.KindLight, 0)
	require.NoError(t, err)

	alice := join(t, env, "alice", visibility.DeviceDesktop)
	bob := join(t, env, "bob", visibility.DeviceDesktop)
	tick(env)
	_, ok := alice.replica.Entity(lamp.ID())
	require.True(t, ok)

	require.NoError(t, env.Registry().Reparent(lamp.ID(), hidden.ID()))
	tick(env)

	_, ok = alice.replica.Entity(lamp.ID())
	assert.False(t, ok, "alice lost the lamp")
	entity, ok := bob.replica.Entity(lamp.ID())
	require.True(t, ok)
	assert.Equal(t, hidden.ID(), entity.Parent)

	// moving it back loads it again
	require.NoError(t, env.Registry().Reparent(lamp.ID(), 0))
	tick(env)
	_, ok = alice.replica.Entity(lamp.ID())
	assert.True(t, ok)
}

func TestLookup(t *testing.T) {
	env := newTestEnv(t)
	open, err := env.CreateEntity(scene.KindEmpty, 0)
	require.NoError(t, err)
	secret, err := env.CreateEntity(scene.KindEmpty, 0)
	require.NoError(t, err)
	secret.AddFilter(visibility.DenyUsers("alice"))
	join(t, env, "alice", visibility.DeviceDesktop)

	got, err := env.Lookup("alice", []scene.EntityID{open.ID(), secret.ID(), 999})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, open.ID(), got[0].Entity)

	_, err = env.Lookup("nobody", nil)
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestInboundSignalsDriveHandshake(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.CreateEntity(scene.KindEmpty, 0)
	require.NoError(t, err)
	_, err = env.Identify("alice", visibility.DeviceDesktop, "")
	require.NoError(t, err)
	c := newClient(t)
	require.NoError(t, env.Attach("alice", c))

	deliverSignal(t, env, "alice", transport.SignalMessage{Type: transport.SignalReady})
	tick(env)
	token, ok := c.lastSignal(transport.SignalToken)
	require.True(t, ok)

	deliverSignal(t, env, "alice", transport.SignalMessage{Type: transport.SignalJoin, Token: "bad"})
	tick(env)
	_, ok = c.lastSignal(transport.SignalError)
	assert.True(t, ok)

	deliverSignal(t, env, "alice", transport.SignalMessage{Type: transport.SignalJoin, Token: token.Token})
	stats := tick(env)
	assert.Equal(t, 1, stats.Loads)
	assert.Equal(t, 1, c.replica.Len())
}

func deliverSignal(t *testing.T, env *Environment, user property.UserID, msg transport.SignalMessage) {
	t.Helper()
	data, err := transport.EncodeSignal(msg)
	require.NoError(t, err)
	require.NoError(t, env.Deliver(transport.Inbound{User: user, Channel: channel.SignalingChannel, Payload: data}))
}

func TestTrackingRelayedToActivePeers(t *testing.T) {
	env := newTestEnv(t)
	alice := join(t, env, "alice", visibility.DeviceDesktop)
	bob := join(t, env, "bob", visibility.DeviceDesktop)

	pose := relay.EncodePose(value.Vector3{X: 3}, value.IdentityRotation)
	require.NoError(t, env.Deliver(transport.Inbound{User: "alice", Channel: channel.TrackingChannel, Payload: pose}))
	tick(env)

	require.Len(t, bob.peer, 1)
	assert.Equal(t, property.UserID("alice"), bob.peer[0].Origin)
	assert.Equal(t, channel.TrackingChannel, bob.peer[0].Channel)
	assert.Empty(t, alice.peer)

	pos, ok := env.Throttle().Positions().Get("alice")
	require.True(t, ok)
	assert.Equal(t, value.Vector3{X: 3}, pos)
}

func TestFramesBeforeTokenAreDropped(t *testing.T) {
	env := newTestEnv(t)
	bob := join(t, env, "bob", visibility.DeviceDesktop)
	_, err := env.Identify("mallory", visibility.DeviceDesktop, "")
	require.NoError(t, err)
	require.NoError(t, env.Attach("mallory", newClient(t)))

	pose := relay.EncodePose(value.Vector3{}, value.IdentityRotation)
	require.NoError(t, env.Deliver(transport.Inbound{User: "mallory", Channel: channel.TrackingChannel, Payload: pose}))
	tick(env)
	assert.Empty(t, bob.peer)
	assert.ErrorIs(t, env.BindChannel("mallory", channel.ReliableData, newClient(t)), ErrNotAuthenticated)
}

func TestBridgedFramesReachOnlyThePeer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := join(t, env, "alice", visibility.DeviceDesktop)
	bob := join(t, env, "bob", visibility.DeviceDesktop)
	carol := join(t, env, "carol", visibility.DeviceDesktop)

	_, err := env.OpenBridge(ctx, "alice", "bob", "cam", false, channel.Video)
	require.NoError(t, err)
	_, ok := alice.lastSignal(transport.SignalBridgeOpen)
	assert.True(t, ok)

	video := channel.New(false, channel.Video)
	require.NoError(t, env.Deliver(transport.Inbound{User: "alice", Channel: video, Target: "bob", Payload: []byte("frame")}))
	require.NoError(t, env.Deliver(transport.Inbound{User: "alice", Channel: video, Target: "carol", Payload: []byte("frame")}))
	tick(env)

	require.Len(t, bob.peer, 1)
	assert.Equal(t, []byte("frame"), bob.peer[0].Payload)
	assert.Empty(t, carol.peer)
}

func TestLogoutReleasesEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e, err := env.CreateEntity(scene.KindEmpty, 0)
	require.NoError(t, err)
	alice := join(t, env, "alice", visibility.DeviceDesktop)
	bob := join(t, env, "bob", visibility.DeviceDesktop)
	e.Name.SetFor("alice", "mine")
	tick(env)

	_, err = env.OpenBridge(ctx, "alice", "bob", "voice", false, channel.Voice)
	require.NoError(t, err)

	var events []bus.UserEvent
	var closed []bus.BridgeEvent
	_, err = env.Events().SubscribeTopic(bus.TopicSession, bus.EventLogout, func(ev bus.Event) error {
		events = append(events, ev.Data().(bus.UserEvent))
		return nil
	})
	require.NoError(t, err)
	_, err = env.Events().SubscribeTopic(bus.TopicSession, bus.EventBridgeClosed, func(ev bus.Event) error {
		closed = append(closed, ev.Data().(bus.BridgeEvent))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, env.Logout(ctx, "alice", "bye"))
	require.NoError(t, env.Dispatcher().Flush(ctx))

	logout, ok := alice.lastSignal(transport.SignalLogout)
	require.True(t, ok)
	assert.Equal(t, "bye", logout.Reason)
	assert.True(t, alice.closed)

	bridgeClose, ok := bob.lastSignal(transport.SignalBridgeClose)
	require.True(t, ok)
	assert.Equal(t, "alice", bridgeClose.Peer)

	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].User)
	require.Len(t, closed, 1)
	assert.Equal(t, "voice", closed[0].Label)

	_, ok = env.User("alice")
	assert.False(t, ok)
	assert.False(t, env.Dispatcher().Registered("alice"))
	assert.False(t, e.Name.HasOverride("alice"))
	assert.ErrorIs(t, env.Logout(ctx, "alice", "again"), ErrUnknownUser)
}

func TestExpiredTokenDoesNotStallOtherUsers(t *testing.T) {
	env := newTestEnvWithRenewal(t, time.Hour)
	ctx := context.Background()
	e, err := env.CreateEntity(scene.KindEmpty, 0, scene.WithName("before"))
	require.NoError(t, err)
	alice := join(t, env, "alice", visibility.DeviceDesktop)
	bob := join(t, env, "bob", visibility.DeviceDesktop)
	tick(env)
	token, ok := alice.lastSignal(transport.SignalToken)
	require.True(t, ok)

	env.Dispatcher().ExpireToken("alice")
	e.Name.Set("after")
	stats := tick(env)

	assert.Less(t, stats.Took, time.Second)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, "after", replicaString(t, bob, e.ID(), property.KeyName))
	assert.Equal(t, "before", replicaString(t, alice, e.ID(), property.KeyName))

	require.NoError(t, env.Renew("alice", token.Token))
	require.NoError(t, env.Dispatcher().Flush(ctx))
	assert.Equal(t, "after", replicaString(t, alice, e.ID(), property.KeyName))
}

func TestLostTransactionsReloadAfterRenewal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	kept, err := env.CreateEntity(scene.KindEmpty, 0, scene.WithName("before"))
	require.NoError(t, err)
	gone, err := env.CreateEntity(scene.KindEmpty, 0)
	require.NoError(t, err)
	alice := join(t, env, "alice", visibility.DeviceDesktop)
	tick(env)
	require.Equal(t, 2, alice.replica.Len())
	token, ok := alice.lastSignal(transport.SignalToken)
	require.True(t, ok)

	env.Dispatcher().ExpireToken("alice")
	kept.Name.Set("after")
	require.NoError(t, env.Registry().Destroy(gone.ID()))
	tick(env)

	// The renewal wait runs out and the queued transaction is dropped.
	require.NoError(t, env.Dispatcher().Flush(ctx))
	assert.Equal(t, "before", replicaString(t, alice, kept.ID(), property.KeyName))

	require.NoError(t, env.Renew("alice", token.Token))
	stats := tick(env)

	assert.Equal(t, 1, stats.Loads)
	assert.Equal(t, 1, stats.Deletes)
	assert.Equal(t, 1, alice.replica.Len())
	assert.Equal(t, "after", replicaString(t, alice, kept.ID(), property.KeyName))
	_, ok = alice.replica.Get(gone.ID(), property.KeyName)
	assert.False(t, ok)
}

func TestResumeBindsBeforeReleasingHeldSends(t *testing.T) {
	env := newTestEnvWithRenewal(t, time.Hour)
	ctx := context.Background()
	e, err := env.CreateEntity(scene.KindEmpty, 0, scene.WithName("before"))
	require.NoError(t, err)
	alice := join(t, env, "alice", visibility.DeviceDesktop)
	stream := newClient(t)
	require.NoError(t, env.BindChannel("alice", channel.ReliableData, stream))
	tick(env)
	require.Equal(t, 1, stream.txCount())
	token, ok := alice.lastSignal(transport.SignalToken)
	require.True(t, ok)

	env.Dispatcher().ConnectionLost("alice", stream, errors.New("stream reset"))
	e.Name.Set("after")
	stats := tick(env)
	assert.Zero(t, stats.Failed)

	fresh := newClient(t)
	fresh.replica = stream.replica
	bindings := map[channel.ID]transport.Binding{channel.ReliableData: fresh}
	assert.Error(t, env.Resume("alice", "forged", bindings))
	require.NoError(t, env.Resume("alice", token.Token, bindings))
	require.NoError(t, env.Dispatcher().Flush(ctx))

	assert.Equal(t, 1, fresh.txCount())
	assert.Equal(t, "after", replicaString(t, fresh, e.ID(), property.KeyName))
	_, ok = env.User("alice")
	assert.True(t, ok)
}

func TestSignalingLossLogsOut(t *testing.T) {
	env := newTestEnv(t)
	alice := join(t, env, "alice", visibility.DeviceDesktop)

	env.Dispatcher().ConnectionLost("alice", alice, errors.New("reset by peer"))
	tick(env)

	_, ok := env.User("alice")
	assert.False(t, ok)
}

func TestDoRunsOnTickGoroutine(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.TickInterval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- env.Run(ctx) }()

	var id scene.EntityID
	err := env.Do(context.Background(), func(env *Environment) error {
		e, err := env.CreateEntity(scene.KindEmpty, 0)
		if err != nil {
			return err
		}
		id = e.ID()
		return nil
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	errBoom := errors.New("boom")
	assert.ErrorIs(t, env.Do(context.Background(), func(*Environment) error { return errBoom }), errBoom)

	cancel()
	require.NoError(t, <-stopped)
	assert.ErrorIs(t, env.Do(context.Background(), func(*Environment) error { return nil }), ErrStopped)
}

func TestStatusParsing(t *testing.T) {
	for _, s := range []Status{StatusCreated, StatusReady, StatusActive} {
		got, ok := ParseStatus(s.String())
		require.True(t, ok)
		assert.Equal(t, s, got)
	}
	_, ok := ParseStatus("sleeping")
	assert.False(t, ok)
}
