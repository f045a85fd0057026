package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scenesync/internal/core/channel"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/operation"
	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/value"
)

type fakeBinding struct {
	mu       sync.Mutex
	frames   [][]byte
	failures int
	err      error
	closed   bool
	onSend   func(frame []byte)
}

func (b *fakeBinding) Kind() Kind { return KindWebSocket }

func (b *fakeBinding) Send(_ context.Context, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return NewError(ErrorCodeConnectionClosed, "fake", ErrConnectionClosed)
	}
	if b.failures > 0 {
		b.failures--
		if b.err != nil {
			return b.err
		}
		return NewError(ErrorCodeConnectionLost, "fake", ErrConnectionLost)
	}
	if b.onSend != nil {
		b.onSend(frame)
	}
	b.frames = append(b.frames, append([]byte(nil), frame...))
	return nil
}

func (b *fakeBinding) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBinding) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *fakeBinding) decoded(t *testing.T) []Frame {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Frame, 0, len(b.frames))
	for _, raw := range b.frames {
		f, err := DecodeFrame(raw)
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

func (b *fakeBinding) signals(t *testing.T) []SignalMessage {
	t.Helper()
	var out []SignalMessage
	for _, f := range b.decoded(t) {
		if f.Channel.DataType != channel.Signaling {
			continue
		}
		msg, err := DecodeSignal(f.Payload)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func testConfig() Config {
	return Config{
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		RenewalWait:  2 * time.Second,
		SendTimeout:  2 * time.Second,
	}
}

func newTestDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	tokens, err := NewTokenIssuer([]byte("test secret"), time.Minute)
	require.NoError(t, err)
	return NewDispatcher(cfg, tokens, log.NewNop())
}

func register(t *testing.T, d *Dispatcher, user property.UserID) *fakeBinding {
	t.Helper()
	d.Register(user, operation.NewCompactCodec(log.NewNop()))
	b := &fakeBinding{}
	require.NoError(t, d.BindAll(user, b))
	return b
}

func dataTx(name string) *operation.Transaction {
	tx := operation.NewTransaction(true, channel.Data)
	tx.Append(operation.SetProperty{Entity: 1, Key: property.KeyName, Value: value.String(name)})
	return tx
}

func TestSendEncodesWithUserCodec(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	b := register(t, d, "alice")

	require.NoError(t, d.Send(context.Background(), "alice", dataTx("lamp")))

	frames := b.decoded(t)
	require.Len(t, frames, 1)
	assert.Equal(t, channel.ReliableData, frames[0].Channel)

	tx, err := operation.NewCompactCodec(log.NewNop()).DecodeTransaction(frames[0].Payload)
	require.NoError(t, err)
	require.Len(t, tx.Operations, 1)
	assert.True(t, operation.Equal(dataTx("lamp").Operations[0], tx.Operations[0]))
	assert.Equal(t, uint64(1), d.Stats().Sent)
}

func TestSendWithoutTransportIsNoop(t *testing.T) {
	d := newTestDispatcher(t, testConfig())

	assert.NoError(t, d.Send(context.Background(), "ghost", dataTx("x")))

	d.Register("bob", operation.NewObjectCodec(log.NewNop()))
	assert.NoError(t, d.Send(context.Background(), "bob", dataTx("x")))
	assert.Equal(t, uint64(2), d.Stats().NoBinding)
}

func TestUnreliableFallsBackToReliable(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	d.Register("alice", operation.NewCompactCodec(log.NewNop()))
	b := &fakeBinding{}
	require.NoError(t, d.Bind("alice", channel.ReliableData, b))

	tx := operation.NewTransaction(false, channel.Data)
	tx.Append(operation.DeleteEntity{Entity: 3})
	require.NoError(t, d.Send(context.Background(), "alice", tx))

	frames := b.decoded(t)
	require.Len(t, frames, 1)
	assert.Equal(t, channel.UnreliableData, frames[0].Channel)
}

func TestReliableSendRetriesTransientFailures(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	b := register(t, d, "alice")
	b.failures = 2

	require.NoError(t, d.Send(context.Background(), "alice", dataTx("x")))
	assert.Len(t, b.decoded(t), 1)
	assert.Equal(t, uint64(2), d.Stats().Retried)
}

func TestReliableSendSurfacesExhaustedRetries(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	b := register(t, d, "alice")
	b.failures = 10

	err := d.Send(context.Background(), "alice", dataTx("x"))
	require.Error(t, err)

	var transportErr *Error
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, ErrorCodeRetryExhausted, transportErr.Code)
	assert.True(t, transportErr.IsTemporary())
	assert.Equal(t, 3, transportErr.Context["attempts"])
	assert.Equal(t, uint64(1), d.Stats().Failed)
}

func TestClosedBindingIsNotRetried(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	b := register(t, d, "alice")
	require.NoError(t, b.Close())

	err := d.Send(context.Background(), "alice", dataTx("x"))
	assert.Equal(t, ErrorCodeConnectionClosed, GetErrorCode(err))
	assert.Zero(t, d.Stats().Retried)
}

func TestUnreliableFailureIsDroppedSilently(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	b := register(t, d, "alice")
	b.failures = 1

	tx := operation.NewTransaction(false, channel.Tracking)
	tx.Append(operation.DeleteEntity{Entity: 1})
	assert.NoError(t, d.Send(context.Background(), "alice", tx))
	assert.Empty(t, b.decoded(t))
	assert.Equal(t, uint64(1), d.Stats().Dropped)
	assert.Zero(t, d.Stats().Retried)
}

func TestExpiredTokenHoldsUntilRenewal(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	b := register(t, d, "alice")
	token, _, err := d.IssueToken("alice")
	require.NoError(t, err)

	d.ExpireToken("alice")

	done := make(chan error, 1)
	go func() { done <- d.Send(context.Background(), "alice", dataTx("held")) }()

	select {
	case <-done:
		t.Fatal("send completed while token expired")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Empty(t, b.decoded(t))

	require.NoError(t, d.RenewToken("alice", token))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send still held after renewal")
	}
	assert.Len(t, b.decoded(t), 1)
	assert.Equal(t, uint64(1), d.Stats().Held)
}

func TestExpiredTokenFailsAfterBoundedWait(t *testing.T) {
	cfg := testConfig()
	cfg.RenewalWait = 20 * time.Millisecond
	d := newTestDispatcher(t, cfg)
	b := register(t, d, "alice")
	d.ExpireToken("alice")

	start := time.Now()
	err := d.Send(context.Background(), "alice", dataTx("x"))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, ErrorCodeTokenExpired, GetErrorCode(err))
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Empty(t, b.decoded(t))
}

func TestSignalingIsNotHeldByToken(t *testing.T) {
	cfg := testConfig()
	cfg.RenewalWait = time.Hour
	d := newTestDispatcher(t, cfg)
	b := register(t, d, "alice")
	d.ExpireToken("alice")

	require.NoError(t, d.Signal(context.Background(), "alice", SignalMessage{Type: SignalStatus, Status: "READY"}))
	signals := b.signals(t)
	require.Len(t, signals, 1)
	assert.Equal(t, "READY", signals[0].Status)
}

func TestRenewRejectsForeignToken(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	register(t, d, "alice")
	register(t, d, "bob")
	token, _, err := d.IssueToken("bob")
	require.NoError(t, err)

	err = d.RenewToken("alice", token)
	assert.Equal(t, ErrorCodeInvalidToken, GetErrorCode(err))
	assert.NoError(t, d.ValidateToken("bob", token))
}

func TestOpenBridgeNotifiesBothBeforeRegistering(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	alice := register(t, d, "alice")
	bob := register(t, d, "bob")

	var visibleAtNotify atomic.Int32
	check := func([]byte) { visibleAtNotify.Add(int32(len(d.Bridges("alice")))) }
	alice.onSend = check
	bob.onSend = check

	bridge, err := d.OpenBridge(context.Background(), "alice", "bob", "voice", false, channel.Voice)
	require.NoError(t, err)
	assert.Zero(t, visibleAtNotify.Load())

	aliceSignals := alice.signals(t)
	bobSignals := bob.signals(t)
	require.Len(t, aliceSignals, 1)
	require.Len(t, bobSignals, 1)
	assert.Equal(t, SignalBridgeOpen, aliceSignals[0].Type)
	assert.Equal(t, "bob", aliceSignals[0].Peer)
	assert.Equal(t, "alice", bobSignals[0].Peer)
	assert.Equal(t, bridge.ID, bobSignals[0].Bridge)

	require.Len(t, d.Bridges("bob"), 1)
	assert.Equal(t, channel.VoiceChannel, d.Bridges("bob")[0].Channel)

	_, err = d.OpenBridge(context.Background(), "bob", "alice", "voice", false, channel.Voice)
	assert.Equal(t, ErrorCodeBridgeExists, GetErrorCode(err))
}

func TestOpenBridgeValidation(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	register(t, d, "alice")

	_, err := d.OpenBridge(context.Background(), "alice", "bob", "x", true, channel.Data)
	assert.Equal(t, ErrorCodeNotPeerToPeer, GetErrorCode(err))

	_, err = d.OpenBridge(context.Background(), "alice", "bob", "x", false, channel.Voice)
	assert.Equal(t, ErrorCodeUserNotFound, GetErrorCode(err))

	d.Register("bob", operation.NewCompactCodec(log.NewNop()))
	_, err = d.OpenBridge(context.Background(), "alice", "bob", "x", false, channel.Voice)
	require.Error(t, err)
	assert.Empty(t, d.Bridges("alice"))
}

func TestCloseBridgeNotifiesSurvivor(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	alice := register(t, d, "alice")
	bob := register(t, d, "bob")
	_, err := d.OpenBridge(context.Background(), "alice", "bob", "cam", true, channel.Video)
	require.NoError(t, err)

	require.NoError(t, d.CloseBridge(context.Background(), "alice", "bob", "cam"))

	assert.Len(t, alice.signals(t), 1)
	bobSignals := bob.signals(t)
	require.Len(t, bobSignals, 2)
	assert.Equal(t, SignalBridgeClose, bobSignals[1].Type)
	assert.Equal(t, "alice", bobSignals[1].Peer)
	assert.Empty(t, d.Bridges("bob"))

	err = d.CloseBridge(context.Background(), "alice", "bob", "cam")
	assert.Equal(t, ErrorCodeBridgeNotFound, GetErrorCode(err))
}

func TestRelayBridgeTagsOrigin(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	register(t, d, "alice")
	bob := register(t, d, "bob")
	_, err := d.OpenBridge(context.Background(), "alice", "bob", "voice", false, channel.Voice)
	require.NoError(t, err)

	require.NoError(t, d.RelayBridge(context.Background(), "alice", "bob", "voice", []byte{1, 2, 3}))

	frames := bob.decoded(t)
	last := frames[len(frames)-1]
	assert.Equal(t, channel.VoiceChannel, last.Channel)
	assert.Equal(t, property.UserID("alice"), last.Origin)
	assert.Equal(t, []byte{1, 2, 3}, last.Payload)

	err = d.RelayBridge(context.Background(), "alice", "bob", "other", nil)
	assert.Equal(t, ErrorCodeBridgeNotFound, GetErrorCode(err))
}

func TestReleaseUserStopsDispatchAndNotifiesPeers(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	alice := register(t, d, "alice")
	bob := register(t, d, "bob")
	carol := register(t, d, "carol")
	_, err := d.OpenBridge(context.Background(), "alice", "bob", "voice", false, channel.Voice)
	require.NoError(t, err)
	_, err = d.OpenBridge(context.Background(), "carol", "alice", "voice", false, channel.Voice)
	require.NoError(t, err)

	released := d.ReleaseUser(context.Background(), "alice", "logout")
	assert.Len(t, released, 2)
	require.NoError(t, d.Flush(context.Background()))
	assert.True(t, alice.isClosed())
	assert.False(t, d.Registered("alice"))

	for _, peer := range []*fakeBinding{bob, carol} {
		signals := peer.signals(t)
		last := signals[len(signals)-1]
		assert.Equal(t, SignalBridgeClose, last.Type)
		assert.Equal(t, "alice", last.Peer)
		assert.Equal(t, "logout", last.Reason)
	}
	assert.Empty(t, d.Bridges("bob"))

	assert.NoError(t, d.Send(context.Background(), "alice", dataTx("x")))
	assert.Nil(t, d.ReleaseUser(context.Background(), "alice", "again"))
}

func TestReleaseUserFailsHeldSends(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	register(t, d, "alice")
	d.ExpireToken("alice")

	done := make(chan error, 1)
	go func() { done <- d.Send(context.Background(), "alice", dataTx("x")) }()
	time.Sleep(20 * time.Millisecond)
	d.ReleaseUser(context.Background(), "alice", "logout")

	select {
	case err := <-done:
		assert.Equal(t, ErrorCodeConnectionClosed, GetErrorCode(err))
	case <-time.After(time.Second):
		t.Fatal("held send not released")
	}
}

func TestConnectionLostOnSignalingEndsSession(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	b := register(t, d, "alice")

	var lost atomic.Value
	d.OnSessionLost(func(user property.UserID, cause error) {
		lost.Store(user)
		assert.Equal(t, ErrorCodeConnectionLost, GetErrorCode(cause))
	})

	d.ConnectionLost("alice", b, errors.New("eof"))
	assert.Equal(t, property.UserID("alice"), lost.Load())
	assert.False(t, d.Bound("alice", channel.SignalingChannel))
}

func TestConnectionLostOnDataHoldsSends(t *testing.T) {
	cfg := testConfig()
	cfg.RenewalWait = 20 * time.Millisecond
	d := newTestDispatcher(t, cfg)
	d.Register("alice", operation.NewCompactCodec(log.NewNop()))
	signaling := &fakeBinding{}
	data := &fakeBinding{}
	require.NoError(t, d.Bind("alice", channel.SignalingChannel, signaling))
	require.NoError(t, d.Bind("alice", channel.ReliableData, data))

	d.OnSessionLost(func(property.UserID, error) { t.Fatal("session should survive") })
	d.ConnectionLost("alice", data, errors.New("reset"))

	assert.True(t, d.Bound("alice", channel.SignalingChannel))
	assert.False(t, d.Bound("alice", channel.ReliableData))

	replacement := &fakeBinding{}
	require.NoError(t, d.Bind("alice", channel.ReliableData, replacement))
	err := d.Send(context.Background(), "alice", dataTx("x"))
	assert.Equal(t, ErrorCodeTokenExpired, GetErrorCode(err))
}

func TestSendDuringLostBindingWaitsForRebind(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	d.Register("alice", operation.NewCompactCodec(log.NewNop()))
	signaling := &fakeBinding{}
	data := &fakeBinding{}
	require.NoError(t, d.Bind("alice", channel.SignalingChannel, signaling))
	require.NoError(t, d.Bind("alice", channel.ReliableData, data))
	token, _, err := d.IssueToken("alice")
	require.NoError(t, err)

	d.ConnectionLost("alice", data, errors.New("reset"))

	done := make(chan error, 1)
	go func() { done <- d.Send(context.Background(), "alice", dataTx("during")) }()
	require.NoError(t, d.Post(context.Background(), "alice", dataTx("posted")))

	select {
	case err := <-done:
		t.Fatalf("send returned %v while the binding was lost", err)
	case <-time.After(30 * time.Millisecond):
	}

	fresh := &fakeBinding{}
	require.NoError(t, d.Bind("alice", channel.ReliableData, fresh))
	require.NoError(t, d.RenewToken("alice", token))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send still held after renewal")
	}
	require.NoError(t, d.Flush(context.Background()))
	assert.Len(t, fresh.decoded(t), 2)
	assert.Empty(t, data.decoded(t))
}

func TestHeldSendFailsWithoutRebind(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	d.Register("alice", operation.NewCompactCodec(log.NewNop()))
	data := &fakeBinding{}
	require.NoError(t, d.Bind("alice", channel.SignalingChannel, &fakeBinding{}))
	require.NoError(t, d.Bind("alice", channel.ReliableData, data))
	token, _, err := d.IssueToken("alice")
	require.NoError(t, err)

	d.ConnectionLost("alice", data, errors.New("reset"))

	done := make(chan error, 1)
	go func() { done <- d.Send(context.Background(), "alice", dataTx("x")) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.RenewToken("alice", token))

	select {
	case err := <-done:
		assert.Equal(t, ErrorCodeConnectionLost, GetErrorCode(err))
	case <-time.After(time.Second):
		t.Fatal("held send never finished")
	}
}

func TestPostDoesNotWaitForHeldToken(t *testing.T) {
	cfg := testConfig()
	cfg.RenewalWait = time.Hour
	d := newTestDispatcher(t, cfg)
	b := register(t, d, "alice")
	token, _, err := d.IssueToken("alice")
	require.NoError(t, err)
	d.ExpireToken("alice")

	start := time.Now()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, d.Post(context.Background(), "alice", dataTx(name)))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Empty(t, b.decoded(t))

	require.NoError(t, d.RenewToken("alice", token))
	require.NoError(t, d.Flush(context.Background()))

	codec := operation.NewCompactCodec(log.NewNop())
	var names []string
	for _, f := range b.decoded(t) {
		tx, err := codec.DecodeTransaction(f.Payload)
		require.NoError(t, err)
		names = append(names, tx.Operations[0].(operation.SetProperty).Value.Str)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestFailedQueuedSendsAreReported(t *testing.T) {
	cfg := testConfig()
	cfg.RenewalWait = 20 * time.Millisecond
	d := newTestDispatcher(t, cfg)
	register(t, d, "alice")
	d.ExpireToken("alice")

	type report struct {
		user  property.UserID
		names []string
		cause error
	}
	reports := make(chan report, 4)
	d.OnSendFailed(func(user property.UserID, txs []*operation.Transaction, cause error) {
		var names []string
		for _, tx := range txs {
			names = append(names, tx.Operations[0].(operation.SetProperty).Value.Str)
		}
		reports <- report{user: user, names: names, cause: cause}
	})

	require.NoError(t, d.Post(context.Background(), "alice", dataTx("first")))
	require.NoError(t, d.Post(context.Background(), "alice", dataTx("second")))

	select {
	case r := <-reports:
		assert.Equal(t, property.UserID("alice"), r.user)
		assert.Equal(t, []string{"first", "second"}, r.names)
		assert.Equal(t, ErrorCodeTokenExpired, GetErrorCode(r.cause))
	case <-time.After(time.Second):
		t.Fatal("failure not reported")
	}
}

func TestPostRefusesBeyondQueueLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RenewalWait = time.Hour
	cfg.QueueLimit = 1
	d := newTestDispatcher(t, cfg)
	register(t, d, "alice")
	d.ExpireToken("alice")

	var full int
	for i := 0; i < 4; i++ {
		if err := d.Post(context.Background(), "alice", dataTx("x")); err != nil {
			assert.Equal(t, ErrorCodeQueueFull, GetErrorCode(err))
			assert.ErrorIs(t, err, ErrSendQueueFull)
			full++
		}
	}
	assert.GreaterOrEqual(t, full, 1)
	d.ReleaseUser(context.Background(), "alice", "done")
}

func TestSignalsAreNotQueuedBehindHeldData(t *testing.T) {
	cfg := testConfig()
	cfg.RenewalWait = time.Hour
	d := newTestDispatcher(t, cfg)
	b := register(t, d, "alice")
	d.ExpireToken("alice")

	require.NoError(t, d.Post(context.Background(), "alice", dataTx("held")))
	require.NoError(t, d.PostSignal(context.Background(), "alice", SignalMessage{Type: SignalStatus, Status: "READY"}))

	signals := b.signals(t)
	require.Len(t, signals, 1)
	assert.Equal(t, "READY", signals[0].Status)
	d.ReleaseUser(context.Background(), "alice", "done")
}

func TestSendPreservesPerChannelOrder(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	b := register(t, d, "alice")
	b.failures = 1

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, d.Send(context.Background(), "alice", dataTx(name)))
	}

	codec := operation.NewCompactCodec(log.NewNop())
	var names []string
	for _, f := range b.decoded(t) {
		tx, err := codec.DecodeTransaction(f.Payload)
		require.NoError(t, err)
		names = append(names, tx.Operations[0].(operation.SetProperty).Value.Str)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}
