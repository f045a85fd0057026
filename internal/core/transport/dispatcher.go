// Package transport moves encoded transactions and peer frames to users over
// whichever concrete connection each logical channel is currently bound to.
//
// The Dispatcher's registry (users, channel bindings, bridges) is the only state
// touched from both the simulation tick and I/O goroutines. Registry changes take
// the registry lock; payload writes never do.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/scenesync/internal/core/channel"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/operation"
	"github.com/zeusync/scenesync/internal/core/property"
)

// Config bounds how long and how often the dispatcher tries before giving up.
type Config struct {
	MaxRetries   int
	RetryBackoff time.Duration
	// RenewalWait is the longest a send is held while the user's token is expired.
	RenewalWait time.Duration
	// SendTimeout caps one reliable send including its retries. Zero means no cap.
	SendTimeout   time.Duration
	CompressAbove int
	// QueueLimit caps the sends waiting behind a held send per user and lane.
	// Zero means no cap.
	QueueLimit int
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		RetryBackoff:  20 * time.Millisecond,
		RenewalWait:   10 * time.Second,
		SendTimeout:   5 * time.Second,
		CompressAbove: 1024,
		QueueLimit:    256,
	}
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	Sent      uint64
	Bytes     uint64
	Dropped   uint64
	Retried   uint64
	Failed    uint64
	NoBinding uint64
	Held      uint64
}

// Bridge is a registered peer-to-peer route between two users.
type Bridge struct {
	ID      string
	Users   [2]property.UserID
	Label   string
	Channel channel.ID
	Opened  time.Time
}

func (b Bridge) Has(user property.UserID) bool {
	return b.Users[0] == user || b.Users[1] == user
}

// Peer returns the other end of the bridge.
func (b Bridge) Peer(user property.UserID) property.UserID {
	if b.Users[0] == user {
		return b.Users[1]
	}
	return b.Users[0]
}

type bridgeKey struct {
	a, b  property.UserID
	label string
}

func newBridgeKey(x, y property.UserID, label string) bridgeKey {
	if y < x {
		x, y = y, x
	}
	return bridgeKey{a: x, b: y, label: label}
}

type endpoint struct {
	user     property.UserID
	codec    operation.Codec
	channels map[channel.ID]*Channel
	token    tokenGate

	// Signals and data queue separately so a held transaction never delays
	// a status or bridge message.
	signals lane
	data    lane
}

func (ep *endpoint) lane(id channel.ID) *lane {
	if id.DataType == channel.Signaling {
		return &ep.signals
	}
	return &ep.data
}

var (
	errNoRoute = errors.New("no binding for channel")
	errHeld    = errors.New("send held for token renewal")
	errQueued  = errors.New("send queued")
)

type Dispatcher struct {
	cfg    Config
	tokens *TokenIssuer
	logger log.Log
	now    func() time.Time

	mu      sync.RWMutex
	users   map[property.UserID]*endpoint
	bridges map[bridgeKey]*Bridge

	lostMu        sync.RWMutex
	onSessionLost func(user property.UserID, cause error)
	onSendFailed  func(user property.UserID, txs []*operation.Transaction, cause error)

	releasing sync.WaitGroup

	sent      atomic.Uint64
	bytes     atomic.Uint64
	dropped   atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64
	noBinding atomic.Uint64
	held      atomic.Uint64
}

func NewDispatcher(cfg Config, tokens *TokenIssuer, logger log.Log) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		tokens:  tokens,
		logger:  logger.With(log.String("component", "dispatcher")),
		now:     time.Now,
		users:   make(map[property.UserID]*endpoint),
		bridges: make(map[bridgeKey]*Bridge),
	}
}

// OnSessionLost sets the callback run when a user's signaling channel is lost.
// It runs without dispatcher locks held. Without a callback the user is released.
func (d *Dispatcher) OnSessionLost(fn func(user property.UserID, cause error)) {
	d.lostMu.Lock()
	d.onSessionLost = fn
	d.lostMu.Unlock()
}

// OnSendFailed sets the callback run when queued transactions for a user could
// not be delivered: the held wait ran out, the binding never came back or the
// retries were exhausted. It runs on a dispatcher goroutine with the failed
// transactions in send order.
func (d *Dispatcher) OnSendFailed(fn func(user property.UserID, txs []*operation.Transaction, cause error)) {
	d.lostMu.Lock()
	d.onSendFailed = fn
	d.lostMu.Unlock()
}

// Register adds a user with the codec negotiated at join. Registering again keeps
// the bindings and swaps the codec.
func (d *Dispatcher) Register(user property.UserID, codec operation.Codec) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ep, ok := d.users[user]; ok {
		ep.codec = codec
		return
	}

	ep := &endpoint{
		user:     user,
		codec:    codec,
		channels: make(map[channel.ID]*Channel),
	}
	for _, id := range channel.All() {
		ep.channels[id] = NewChannel(id)
	}
	d.users[user] = ep
	d.logger.Debug("user registered", log.String("user", string(user)), log.String("encoding", codec.Name()))
}

func (d *Dispatcher) Registered(user property.UserID) bool {
	return d.endpoint(user) != nil
}

func (d *Dispatcher) Codec(user property.UserID) (operation.Codec, bool) {
	ep := d.endpoint(user)
	if ep == nil {
		return nil, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return ep.codec, true
}

// Users returns registered users in sorted order.
func (d *Dispatcher) Users() []property.UserID {
	d.mu.RLock()
	out := make([]property.UserID, 0, len(d.users))
	for user := range d.users {
		out = append(out, user)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *Dispatcher) endpoint(user property.UserID) *endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.users[user]
}

// Bind attaches b to one channel of user. The id is normalized first, so binding
// reliable tracking binds the unreliable tracking channel.
func (d *Dispatcher) Bind(user property.UserID, id channel.ID, b Binding) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ep, ok := d.users[user]
	if !ok {
		return NewError(ErrorCodeUserNotFound, "bind", ErrUserNotFound).WithContext("user", string(user))
	}
	ep.channels[channel.New(id.Reliable, id.DataType)].Bind(b)
	return nil
}

// BindAll attaches b to every channel of user.
func (d *Dispatcher) BindAll(user property.UserID, b Binding) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ep, ok := d.users[user]
	if !ok {
		return NewError(ErrorCodeUserNotFound, "bind", ErrUserNotFound).WithContext("user", string(user))
	}
	for _, ch := range ep.channels {
		ch.Bind(b)
	}
	return nil
}

func (d *Dispatcher) Unbind(user property.UserID, id channel.ID) Binding {
	d.mu.Lock()
	defer d.mu.Unlock()

	ep, ok := d.users[user]
	if !ok {
		return nil
	}
	return ep.channels[channel.New(id.Reliable, id.DataType)].Unbind()
}

func (d *Dispatcher) Bound(user property.UserID, id channel.ID) bool {
	ep := d.endpoint(user)
	if ep == nil {
		return false
	}
	return d.route(ep, channel.New(id.Reliable, id.DataType)) != nil
}

// Binding returns the transport frames for id currently go out on, or nil.
func (d *Dispatcher) Binding(user property.UserID, id channel.ID) Binding {
	ep := d.endpoint(user)
	if ep == nil {
		return nil
	}
	if ch := d.route(ep, channel.New(id.Reliable, id.DataType)); ch != nil {
		return ch.Binding()
	}
	return nil
}

// route finds the channel a frame for id goes out on. Unbound unreliable channels
// fall back to the reliable channel of the same data type.
func (d *Dispatcher) route(ep *endpoint, id channel.ID) *Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if ch := ep.channels[id]; ch != nil && ch.Binding() != nil {
		return ch
	}
	if !id.Reliable {
		if ch := ep.channels[channel.ID{Reliable: true, DataType: id.DataType}]; ch != nil && ch.Binding() != nil {
			return ch
		}
	}
	return nil
}

// Send encodes tx with the user's codec and writes it on the transaction's channel,
// waiting for the outcome. A user without a bound transport is skipped with a
// warning. Reliable sends queue behind earlier ones, wait for an expired token up
// to RenewalWait and retry transient failures; the returned error is then an
// *Error the caller may retry. Unreliable sends are attempted once.
func (d *Dispatcher) Send(ctx context.Context, user property.UserID, tx *operation.Transaction) error {
	return d.sendTx(ctx, user, tx, true)
}

// Post is Send without waiting for a held transaction. A send that can go out
// at once does so on the caller and its error is returned; one that has to be
// held is queued and nil is returned. Queued transactions that fail later are
// reported through OnSendFailed.
func (d *Dispatcher) Post(ctx context.Context, user property.UserID, tx *operation.Transaction) error {
	return d.sendTx(ctx, user, tx, false)
}

func (d *Dispatcher) sendTx(ctx context.Context, user property.UserID, tx *operation.Transaction, wait bool) error {
	if tx == nil || tx.Empty() {
		return nil
	}

	ep := d.endpoint(user)
	if ep == nil {
		d.noBinding.Add(1)
		d.logger.Warn("send to user without transport", log.String("user", string(user)))
		return nil
	}

	d.mu.RLock()
	codec := ep.codec
	d.mu.RUnlock()

	payload, err := codec.EncodeTransaction(tx)
	if err != nil {
		return fmt.Errorf("encode transaction for %s: %w", user, err)
	}

	id := tx.Channel()
	if !id.Reliable {
		err = d.deliver(ctx, ep, id, "", payload, false)
	} else {
		err = d.enqueue(ctx, ep, &outgoing{id: id, payload: payload, tx: tx}, wait)
	}
	if errors.Is(err, errNoRoute) {
		d.logger.Warn("send to user without transport",
			log.String("user", string(user)),
			log.Stringer("channel", id))
		return nil
	}
	return err
}

// SendFrame writes one best-effort frame. It is never retried or held, and
// reports whether the frame left the server.
func (d *Dispatcher) SendFrame(ctx context.Context, user property.UserID, f Frame) bool {
	ep := d.endpoint(user)
	if ep == nil {
		d.noBinding.Add(1)
		return false
	}
	f.Channel = channel.New(f.Channel.Reliable, f.Channel.DataType)
	return d.sendBestEffort(ctx, ep, f)
}

// Signal sends msg on the user's signaling channel and waits for the outcome.
func (d *Dispatcher) Signal(ctx context.Context, user property.UserID, msg SignalMessage) error {
	return d.signalUser(ctx, user, msg, true)
}

// PostSignal queues msg on the user's signaling channel without waiting behind
// earlier signals.
func (d *Dispatcher) PostSignal(ctx context.Context, user property.UserID, msg SignalMessage) error {
	return d.signalUser(ctx, user, msg, false)
}

func (d *Dispatcher) signalUser(ctx context.Context, user property.UserID, msg SignalMessage, wait bool) error {
	ep := d.endpoint(user)
	if ep == nil {
		d.noBinding.Add(1)
		d.logger.Warn("signal to unregistered user",
			log.String("user", string(user)),
			log.String("signal", string(msg.Type)))
		return nil
	}
	err := d.signal(ctx, ep, msg, wait)
	if errors.Is(err, errNoRoute) {
		d.logger.Warn("signal to user without signaling channel", log.String("user", string(user)))
		return nil
	}
	return err
}

func (d *Dispatcher) signal(ctx context.Context, ep *endpoint, msg SignalMessage, wait bool) error {
	data, err := EncodeSignal(msg)
	if err != nil {
		return err
	}
	return d.enqueue(ctx, ep, &outgoing{id: channel.SignalingChannel, payload: data}, wait)
}

// enqueue sends o on the caller when its lane is free and the user's token is
// valid. Otherwise o joins the lane's queue, drained in order by one goroutine
// that may hold it for token renewal. With wait set the caller blocks until o
// is delivered or fails; without it a queued send returns nil.
func (d *Dispatcher) enqueue(ctx context.Context, ep *endpoint, o *outgoing, wait bool) error {
	l := ep.lane(o.id)
	if wait {
		o.done = make(chan error, 1)
	}

	if !l.claim() {
		if err := l.push(o, d.cfg.QueueLimit); err != nil {
			d.failed.Add(1)
			return err.WithContext("user", string(ep.user))
		}
		return d.await(ctx, o)
	}

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		d.handOff(ep, l)
		return NewError(ErrorCodeConnectionClosed, "send to released user", ErrConnectionClosed)
	}

	err := d.deliver(ctx, ep, o.id, o.origin, o.payload, false)
	if errors.Is(err, errHeld) {
		l.pushFront(o)
		go d.drain(ep, l)
		return d.await(ctx, o)
	}
	d.handOff(ep, l)
	return err
}

func (d *Dispatcher) await(ctx context.Context, o *outgoing) error {
	if o.done == nil {
		return nil
	}
	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handOff releases a lane claimed by a caller, starting a drain for anything
// queued meanwhile.
func (d *Dispatcher) handOff(ep *endpoint, l *lane) {
	if l.pending() {
		go d.drain(ep, l)
		return
	}
	if o, ok := l.next(); ok {
		l.pushFront(o)
		go d.drain(ep, l)
	}
}

// drain delivers a lane's queue in order, holding each send for token renewal.
// A failure fails everything queued behind it, since later transactions build
// on the lost one, and reports them through OnSendFailed.
func (d *Dispatcher) drain(ep *endpoint, l *lane) {
	for {
		o, ok := l.next()
		if !ok {
			return
		}

		err := d.deliver(context.Background(), ep, o.id, o.origin, o.payload, true)
		if errors.Is(err, errNoRoute) {
			d.logger.Warn("queued send to user without transport",
				log.String("user", string(ep.user)),
				log.Stringer("channel", o.id))
			err = nil
		}
		o.finish(err)
		if err == nil {
			continue
		}

		rest, closed := l.takeAll()
		failed := append([]*outgoing{o}, rest...)
		for _, r := range rest {
			r.finish(err)
		}
		d.failed.Add(uint64(len(rest)))
		if !closed {
			d.sendFailed(ep.user, failed, err)
		}
	}
}

func (d *Dispatcher) sendFailed(user property.UserID, failed []*outgoing, cause error) {
	var txs []*operation.Transaction
	for _, o := range failed {
		if o.tx != nil {
			txs = append(txs, o.tx)
		}
	}
	if len(txs) == 0 {
		return
	}

	d.lostMu.RLock()
	fn := d.onSendFailed
	d.lostMu.RUnlock()

	d.logger.Warn("queued transactions not delivered",
		log.String("user", string(user)),
		log.Int("transactions", len(txs)),
		log.Error(cause))
	if fn != nil {
		fn(user, txs, cause)
	}
}

// deliver writes one frame. Reliable data waits for an expired token first when
// hold is set and reports errHeld otherwise; the route is resolved after the
// wait, so a binding replaced during a reconnect is the one written to.
func (d *Dispatcher) deliver(ctx context.Context, ep *endpoint, id channel.ID, origin property.UserID, payload []byte, hold bool) error {
	if !id.Reliable {
		if !d.sendBestEffort(ctx, ep, Frame{Channel: id, Origin: origin, Payload: payload}) {
			if d.route(ep, id) == nil {
				return errNoRoute
			}
		}
		return nil
	}

	waited := false
	if id.DataType != channel.Signaling {
		if !hold {
			if !ep.token.valid(d.now()) {
				return errHeld
			}
		} else {
			held, err := ep.token.wait(ctx, d.now(), d.cfg.RenewalWait)
			if held {
				waited = true
				d.held.Add(1)
			}
			if err != nil {
				d.failed.Add(1)
				code := ErrorCodeTokenExpired
				if errors.Is(err, ErrConnectionClosed) {
					code = ErrorCodeConnectionClosed
				}
				return NewError(code, "send held for token renewal", err).
					WithContext("user", string(ep.user)).
					WithContext("channel", id.String())
			}
		}
	}

	ch := d.route(ep, id)
	if ch == nil {
		d.noBinding.Add(1)
		if waited {
			d.failed.Add(1)
			return NewError(ErrorCodeConnectionLost, "no binding after token renewal", ErrConnectionLost).
				WithContext("user", string(ep.user)).
				WithContext("channel", id.String())
		}
		return errNoRoute
	}

	frame, err := EncodeFrame(Frame{Channel: id, Origin: origin, Payload: payload}, d.cfg.CompressAbove)
	if err != nil {
		return err
	}

	sendCtx, cancel := d.sendContext(ctx)
	defer cancel()

	attempts, err := ch.send(sendCtx, frame, retryPolicy{maxRetries: d.cfg.MaxRetries, backoff: d.cfg.RetryBackoff})
	if attempts > 1 {
		d.retried.Add(uint64(attempts - 1))
	}
	if err != nil {
		d.failed.Add(1)
		out := d.sendFailure(err).
			WithContext("user", string(ep.user)).
			WithContext("channel", id.String()).
			WithContext("attempts", attempts)
		d.logger.Warn("reliable send failed",
			log.String("user", string(ep.user)),
			log.Stringer("channel", id),
			log.Int("attempts", attempts),
			log.Error(err))
		if id.DataType == channel.Signaling {
			d.sessionLost(ep.user, out)
		}
		return out
	}

	d.sent.Add(1)
	d.bytes.Add(uint64(len(frame)))
	return nil
}

func (d *Dispatcher) sendFailure(err error) *Error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return NewError(ErrorCodeConnectionTimeout, "send timed out", err)
	case retryable(err):
		return NewError(ErrorCodeRetryExhausted, "send failed", err)
	default:
		return WrapError(err, "send failed")
	}
}

func (d *Dispatcher) sendBestEffort(ctx context.Context, ep *endpoint, f Frame) bool {
	ch := d.route(ep, f.Channel)
	if ch == nil {
		d.noBinding.Add(1)
		return false
	}
	if !ep.token.valid(d.now()) {
		d.dropped.Add(1)
		return false
	}

	frame, err := EncodeFrame(f, 0)
	if err != nil {
		d.dropped.Add(1)
		return false
	}
	if _, err := ch.send(ctx, frame, retryPolicy{}); err != nil {
		d.dropped.Add(1)
		d.logger.Debug("best-effort frame dropped",
			log.String("user", string(ep.user)),
			log.Stringer("channel", f.Channel),
			log.Error(err))
		return false
	}

	d.sent.Add(1)
	d.bytes.Add(uint64(len(frame)))
	return true
}

func (d *Dispatcher) sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.SendTimeout > 0 {
		return context.WithTimeout(ctx, d.cfg.SendTimeout)
	}
	return context.WithCancel(ctx)
}

// OpenBridge registers a peer-to-peer route between a and b. The notice to each
// user is queued on its signaling channel before the bridge is registered; the
// caller does not wait for the notices to be written.
func (d *Dispatcher) OpenBridge(ctx context.Context, a, b property.UserID, label string, reliable bool, dt channel.DataType) (Bridge, error) {
	if !dt.PeerToPeer() {
		return Bridge{}, NewError(ErrorCodeNotPeerToPeer, "open bridge", ErrNotPeerToPeer).
			WithContext("data_type", dt.String())
	}
	if a == b {
		return Bridge{}, NewError(ErrorCodeNotPeerToPeer, "bridge to self", ErrNotPeerToPeer)
	}

	key := newBridgeKey(a, b, label)
	d.mu.RLock()
	epA, epB := d.users[a], d.users[b]
	_, exists := d.bridges[key]
	d.mu.RUnlock()

	if epA == nil || epB == nil {
		return Bridge{}, NewError(ErrorCodeUserNotFound, "open bridge", ErrUserNotFound)
	}
	if exists {
		return Bridge{}, NewError(ErrorCodeBridgeExists, "open bridge", ErrBridgeExists).WithContext("label", label)
	}

	bridge := Bridge{
		ID:      uuid.NewString(),
		Users:   [2]property.UserID{key.a, key.b},
		Label:   label,
		Channel: channel.New(reliable, dt),
		Opened:  d.now(),
	}

	for _, ep := range []*endpoint{epA, epB} {
		if d.route(ep, channel.SignalingChannel) == nil {
			return Bridge{}, fmt.Errorf("open bridge %q: notify %s: %w", label, ep.user,
				NewError(ErrorCodeConnectionLost, "bridge peer has no signaling channel", ErrConnectionLost))
		}
	}

	var notified []*endpoint
	for _, side := range []struct {
		ep   *endpoint
		peer property.UserID
	}{{epA, b}, {epB, a}} {
		err := d.signal(ctx, side.ep, SignalMessage{
			Type:   SignalBridgeOpen,
			Bridge: bridge.ID,
			Peer:   string(side.peer),
			Label:  label,
			Status: bridge.Channel.String(),
		}, false)
		if err != nil {
			for _, ep := range notified {
				_ = d.signal(ctx, ep, SignalMessage{Type: SignalBridgeClose, Bridge: bridge.ID, Label: label, Reason: "peer unreachable"}, false)
			}
			if errors.Is(err, errNoRoute) {
				err = NewError(ErrorCodeConnectionLost, "bridge peer has no signaling channel", ErrConnectionLost)
			}
			return Bridge{}, fmt.Errorf("open bridge %q: notify %s: %w", label, side.ep.user, err)
		}
		notified = append(notified, side.ep)
	}

	d.mu.Lock()
	if _, exists := d.bridges[key]; exists {
		d.mu.Unlock()
		return Bridge{}, NewError(ErrorCodeBridgeExists, "open bridge", ErrBridgeExists).WithContext("label", label)
	}
	d.bridges[key] = &bridge
	d.mu.Unlock()

	d.logger.Info("bridge opened",
		log.String("bridge", bridge.ID),
		log.String("user_a", string(key.a)),
		log.String("user_b", string(key.b)),
		log.String("label", label))
	return bridge, nil
}

// CloseBridge removes the bridge and tells peer, the surviving side.
func (d *Dispatcher) CloseBridge(ctx context.Context, by, peer property.UserID, label string) error {
	key := newBridgeKey(by, peer, label)

	d.mu.Lock()
	bridge, ok := d.bridges[key]
	if ok {
		delete(d.bridges, key)
	}
	d.mu.Unlock()

	if !ok {
		return NewError(ErrorCodeBridgeNotFound, "close bridge", ErrBridgeNotFound).WithContext("label", label)
	}

	d.logger.Info("bridge closed", log.String("bridge", bridge.ID), log.String("by", string(by)))
	return d.notifyClosed(ctx, *bridge, by, "closed by peer")
}

func (d *Dispatcher) notifyClosed(ctx context.Context, bridge Bridge, leaver property.UserID, reason string) error {
	survivor := d.endpoint(bridge.Peer(leaver))
	if survivor == nil {
		return nil
	}
	err := d.signal(ctx, survivor, SignalMessage{
		Type:   SignalBridgeClose,
		Bridge: bridge.ID,
		Peer:   string(leaver),
		Label:  bridge.Label,
		Reason: reason,
	}, false)
	if errors.Is(err, errNoRoute) {
		return nil
	}
	if err != nil {
		d.logger.Warn("bridge close notification failed",
			log.String("bridge", bridge.ID),
			log.String("user", string(survivor.user)),
			log.Error(err))
	}
	return err
}

// Bridges lists the bridges user is part of, ordered by label then peer.
func (d *Dispatcher) Bridges(user property.UserID) []Bridge {
	d.mu.RLock()
	var out []Bridge
	for _, bridge := range d.bridges {
		if bridge.Has(user) {
			out = append(out, *bridge)
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].Peer(user) < out[j].Peer(user)
	})
	return out
}

// RelayBridge forwards payload from one end of a bridge to the other, tagged
// with the sender.
func (d *Dispatcher) RelayBridge(ctx context.Context, from, to property.UserID, label string, payload []byte) error {
	key := newBridgeKey(from, to, label)

	d.mu.RLock()
	bridge, ok := d.bridges[key]
	ep := d.users[to]
	d.mu.RUnlock()

	if !ok {
		return NewError(ErrorCodeBridgeNotFound, "relay", ErrBridgeNotFound).WithContext("label", label)
	}
	if ep == nil {
		return NewError(ErrorCodeUserNotFound, "relay", ErrUserNotFound).WithContext("user", string(to))
	}

	var err error
	if bridge.Channel.Reliable {
		err = d.enqueue(ctx, ep, &outgoing{id: bridge.Channel, origin: from, payload: payload}, false)
	} else {
		err = d.deliver(ctx, ep, bridge.Channel, from, payload, false)
	}
	if errors.Is(err, errNoRoute) {
		return nil
	}
	return err
}

// ReleaseUser stops all dispatch to user and removes its bridges. Queued data
// fails at once; signals already queued, such as a logout notice, are still
// written before the user's bindings are closed and each surviving peer is told.
// That tail runs on its own goroutine so other users' dispatch is not blocked;
// Flush waits for it.
func (d *Dispatcher) ReleaseUser(ctx context.Context, user property.UserID, reason string) []Bridge {
	d.mu.Lock()
	ep := d.users[user]
	delete(d.users, user)
	var released []Bridge
	for key, bridge := range d.bridges {
		if bridge.Has(user) {
			released = append(released, *bridge)
			delete(d.bridges, key)
		}
	}
	d.mu.Unlock()

	if ep == nil && len(released) == 0 {
		return nil
	}
	if ep != nil {
		for _, o := range ep.data.close(true) {
			o.finish(NewError(ErrorCodeConnectionClosed, "user released", ErrConnectionClosed))
		}
		ep.signals.close(false)
		ep.token.release()
	}

	d.releasing.Add(1)
	go func() {
		defer d.releasing.Done()
		if ep != nil {
			waitCtx, cancel := d.sendContext(context.WithoutCancel(ctx))
			_ = ep.signals.wait(waitCtx)
			cancel()
			d.closeBindings(ep)
		}
		for _, bridge := range released {
			_ = d.notifyClosed(context.WithoutCancel(ctx), bridge, user, reason)
		}
	}()

	d.logger.Info("user released",
		log.String("user", string(user)),
		log.String("reason", reason),
		log.Int("bridges", len(released)))
	return released
}

func (d *Dispatcher) closeBindings(ep *endpoint) {
	d.mu.Lock()
	var bindings []Binding
	seen := make(map[Binding]bool)
	for _, ch := range ep.channels {
		if b := ch.Unbind(); b != nil && !seen[b] {
			seen[b] = true
			bindings = append(bindings, b)
		}
	}
	d.mu.Unlock()

	for _, b := range bindings {
		_ = b.Close()
	}
}

// Flush waits until every queued send has been delivered or failed and every
// released user's bindings are closed.
func (d *Dispatcher) Flush(ctx context.Context) error {
	for {
		d.mu.RLock()
		var busy []*lane
		for _, ep := range d.users {
			for _, l := range []*lane{&ep.signals, &ep.data} {
				l.mu.Lock()
				if l.busy {
					busy = append(busy, l)
				}
				l.mu.Unlock()
			}
		}
		d.mu.RUnlock()

		if len(busy) == 0 {
			break
		}
		for _, l := range busy {
			if err := l.wait(ctx); err != nil {
				return err
			}
		}
	}

	done := make(chan struct{})
	go func() {
		d.releasing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionLost handles a dead binding. Losing the signaling channel ends the
// session; losing anything else unbinds it and holds reliable sends until the
// client reconnects and renews its token.
func (d *Dispatcher) ConnectionLost(user property.UserID, b Binding, cause error) {
	d.mu.Lock()
	ep, ok := d.users[user]
	lostSignaling := false
	lost := 0
	if ok {
		for id, ch := range ep.channels {
			if ch.unbindIf(b) {
				lost++
				if id.DataType == channel.Signaling {
					lostSignaling = true
				}
			}
		}
	}
	d.mu.Unlock()

	if !ok || lost == 0 {
		return
	}

	if lostSignaling {
		d.logger.Error("signaling channel lost",
			log.String("user", string(user)),
			log.Stringer("binding", b.Kind()),
			log.Error(cause))
		d.sessionLost(user, NewError(ErrorCodeConnectionLost, "signaling channel lost", cause))
		return
	}

	ep.token.expire()
	d.logger.Warn("connection lost, holding sends for token renewal",
		log.String("user", string(user)),
		log.Stringer("binding", b.Kind()),
		log.Int("channels", lost),
		log.Error(cause))
}

func (d *Dispatcher) sessionLost(user property.UserID, cause error) {
	d.lostMu.RLock()
	fn := d.onSessionLost
	d.lostMu.RUnlock()

	if fn != nil {
		fn(user, cause)
		return
	}
	d.ReleaseUser(context.Background(), user, "session lost")
}

// IssueToken mints a token for user and makes it current.
func (d *Dispatcher) IssueToken(user property.UserID) (string, time.Time, error) {
	ep := d.endpoint(user)
	if ep == nil {
		return "", time.Time{}, NewError(ErrorCodeUserNotFound, "issue token", ErrUserNotFound)
	}
	token, expires, err := d.tokens.Issue(user)
	if err != nil {
		return "", time.Time{}, err
	}
	ep.token.set(token, expires)
	return token, expires, nil
}

// ExpireToken marks the user's token expired. Reliable sends are held from now on.
func (d *Dispatcher) ExpireToken(user property.UserID) {
	if ep := d.endpoint(user); ep != nil {
		ep.token.expire()
	}
}

// RenewToken accepts a token presented by the client and releases held sends.
func (d *Dispatcher) RenewToken(user property.UserID, token string) error {
	ep := d.endpoint(user)
	if ep == nil {
		return NewError(ErrorCodeUserNotFound, "renew token", ErrUserNotFound)
	}
	expires, err := d.tokens.Verify(user, token)
	if err != nil {
		return WrapError(err, "renew token")
	}
	ep.token.set(token, expires)
	d.logger.Debug("token renewed", log.String("user", string(user)), log.Time("expires", expires))
	return nil
}

// ValidateToken checks a token presented on a non-signaling request.
func (d *Dispatcher) ValidateToken(user property.UserID, token string) error {
	if _, err := d.tokens.Verify(user, token); err != nil {
		return WrapError(err, "validate token")
	}
	return nil
}

// Token returns the user's current token and its expiry.
func (d *Dispatcher) Token(user property.UserID) (string, time.Time, bool) {
	ep := d.endpoint(user)
	if ep == nil {
		return "", time.Time{}, false
	}
	token, expires := ep.token.current()
	return token, expires, token != ""
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sent:      d.sent.Load(),
		Bytes:     d.bytes.Load(),
		Dropped:   d.dropped.Load(),
		Retried:   d.retried.Load(),
		Failed:    d.failed.Load(),
		NoBinding: d.noBinding.Load(),
		Held:      d.held.Load(),
	}
}

func (d *Dispatcher) LogStats() {
	s := d.Stats()
	d.logger.Info("dispatcher stats",
		log.Uint64("sent", s.Sent),
		log.Uint64("bytes", s.Bytes),
		log.Uint64("dropped", s.Dropped),
		log.Uint64("retried", s.Retried),
		log.Uint64("failed", s.Failed),
		log.Uint64("no_binding", s.NoBinding),
		log.Uint64("held", s.Held))
}
