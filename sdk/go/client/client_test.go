package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scenesync/internal/config"
	"github.com/zeusync/scenesync/internal/core/channel"
	"github.com/zeusync/scenesync/internal/core/events/bus"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/relay"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/transport"
	"github.com/zeusync/scenesync/internal/core/value"
	"github.com/zeusync/scenesync/internal/server"
	"github.com/zeusync/scenesync/internal/session"
)

func startServer(t *testing.T) (*session.Environment, string) {
	t.Helper()
	tokens, err := transport.NewTokenIssuer(nil, time.Minute)
	require.NoError(t, err)
	d := transport.NewDispatcher(transport.DefaultConfig(), tokens, log.NewNop())
	th := relay.NewThrottle(relay.DefaultConfig(), relay.NewPositions())
	cfg := session.DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	env := session.NewEnvironment(cfg, d, th, bus.New(), log.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = env.Run(ctx)
	}()

	scfg := config.Default().Server
	scfg.IdleTimeout = 0
	ts := httptest.NewServer(server.NewServer(scfg, env, log.NewNop()).Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return env, ts.URL
}

func newJoinedClient(t *testing.T, url, user string) *Client {
	t.Helper()
	cfg := DefaultClientConfig()
	cfg.ServerURL = url
	cfg.User = user
	cfg.LogLevel = log.LevelSilent
	c, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, "CREATED", c.Status())
	require.NoError(t, c.Join(ctx))
	assert.Equal(t, "ACTIVE", c.Status())
	assert.NotEmpty(t, c.Token())
	return c
}

// collect forwards events of one type into a channel.
func collect(c *Client, typ EventType) <-chan Event {
	ch := make(chan Event, 16)
	c.OnEvent(typ, func(e Event) error {
		select {
		case ch <- e:
		default:
		}
		return nil
	})
	return ch
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(Config{ServerURL: "http://localhost"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewClient(Config{ServerURL: "http://localhost", User: "alice", Encoding: "xml"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	c, err := NewClient(Config{ServerURL: "ftp://localhost", User: "alice"})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrInvalidConfig)
	assert.ErrorIs(t, c.Join(context.Background()), ErrNotConnected)
}

func TestClientMirrorsVisibleScene(t *testing.T) {
	env, url := startServer(t)
	c := newJoinedClient(t, url, "alice")
	txs := collect(c, EventTypeTransaction)

	var id scene.EntityID
	err := env.Do(context.Background(), func(env *session.Environment) error {
		e, err := env.CreateEntity(scene.KindText, 0, scene.WithName("lobby"))
		if err != nil {
			return err
		}
		id = e.ID()
		return nil
	})
	require.NoError(t, err)

	next(t, txs)
	v, ok := c.Get(id, property.KeyName)
	require.True(t, ok)
	assert.Equal(t, "lobby", v.Str)
	assert.Equal(t, []scene.EntityID{id}, c.Entities())
	snap := c.Replica()

	err = env.Do(context.Background(), func(env *session.Environment) error {
		e, _ := env.Registry().Get(id)
		e.Name.Set("hall")
		return nil
	})
	require.NoError(t, err)

	next(t, txs)
	v, _ = c.Get(id, property.KeyName)
	assert.Equal(t, "hall", v.Str)

	old, ok := snap.Get(id, property.KeyName)
	require.True(t, ok)
	assert.Equal(t, "lobby", old.Str)
}

func TestClientEventsFollowHandshake(t *testing.T) {
	_, url := startServer(t)
	c := newJoinedClient(t, url, "alice")

	var got []string
	for len(got) < 5 {
		select {
		case e := <-c.Events():
			got = append(got, string(e.Type)+":"+e.Signal.Status)
		case <-time.After(3 * time.Second):
			t.Fatalf("events so far: %v", got)
		}
	}
	assert.Equal(t, []string{
		"status:CREATED",
		"connected:CREATED",
		"token:",
		"status:READY",
		"status:ACTIVE",
	}, got)
	assert.Zero(t, c.EventsDropped())
}

func TestClientRejectedWhileIdentityInUse(t *testing.T) {
	_, url := startServer(t)
	newJoinedClient(t, url, "alice")

	cfg := DefaultClientConfig()
	cfg.ServerURL = url
	cfg.User = "alice"
	cfg.LogLevel = log.LevelSilent
	intruder, err := NewClient(cfg)
	require.NoError(t, err)
	defer intruder.Close()

	err = intruder.Connect(context.Background())
	assert.ErrorIs(t, err, ErrRejected)
	assert.False(t, intruder.IsConnected())
}

func TestClientPoseReachesPeers(t *testing.T) {
	_, url := startServer(t)
	alice := newJoinedClient(t, url, "alice")
	bob := newJoinedClient(t, url, "bob")
	frames := collect(bob, EventTypePeerFrame)

	require.NoError(t, alice.SendPose(context.Background(), value.Vector3{X: 1, Y: 2, Z: 3}, value.Quaternion{W: 1}))

	e := next(t, frames)
	assert.Equal(t, property.UserID("alice"), e.Frame.Origin)
	assert.Equal(t, channel.Tracking, e.Frame.Channel.DataType)
	pos, err := relay.DecodePose(e.Frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, value.Vector3{X: 1, Y: 2, Z: 3}, pos)
}

func TestClientBridge(t *testing.T) {
	_, url := startServer(t)
	alice := newJoinedClient(t, url, "alice")
	bob := newJoinedClient(t, url, "bob")
	opened := collect(bob, EventTypeBridgeOpened)
	closed := collect(bob, EventTypeBridgeClosed)
	frames := collect(bob, EventTypePeerFrame)

	ctx := context.Background()
	require.NoError(t, alice.OpenBridge(ctx, "bob", channel.Video, "camera"))
	e := next(t, opened)
	assert.Equal(t, "alice", e.Signal.Peer)
	assert.Equal(t, "camera", e.Signal.Label)

	require.NoError(t, alice.SendTo(ctx, "bob", channel.New(false, channel.Video), []byte("frame-1")))
	e = next(t, frames)
	assert.Equal(t, property.UserID("alice"), e.Frame.Origin)
	assert.Equal(t, []byte("frame-1"), e.Frame.Payload)

	require.NoError(t, alice.CloseBridge(ctx, "bob", "camera"))
	assert.Equal(t, "camera", next(t, closed).Signal.Label)
}

func TestClientLogout(t *testing.T) {
	env, url := startServer(t)
	c := newJoinedClient(t, url, "alice")
	out := collect(c, EventTypeLoggedOut)

	require.NoError(t, c.Logout(context.Background()))
	next(t, out)
	assert.Empty(t, c.Status())
	assert.Empty(t, c.Token())

	err := env.Do(context.Background(), func(env *session.Environment) error {
		if _, ok := env.User("alice"); ok {
			return errors.New("user still registered")
		}
		return nil
	})
	assert.NoError(t, err)
}

func TestWebsocketURL(t *testing.T) {
	for in, want := range map[string]string{
		"http://localhost:8080":    "ws://localhost:8080/ws",
		"https://example.com/api/": "wss://example.com/api/ws",
		"ws://127.0.0.1:1":         "ws://127.0.0.1:1/ws",
	} {
		got, err := websocketURL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}
