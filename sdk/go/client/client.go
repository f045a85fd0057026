// Package client is a Go SDK for scenesync servers. It speaks the websocket
// protocol, walks the join handshake and mirrors the visible scene in a local
// replica.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/scenesync/internal/core/channel"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/operation"
	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/relay"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/transport"
	"github.com/zeusync/scenesync/internal/core/value"
)

// Client is one user's connection to a server
type Client struct {
	conn  *transport.WebSocketBinding
	codec operation.Codec

	// Session state, guarded by stateMu
	stateMu sync.RWMutex
	status  string
	token   string
	expires time.Time

	// Mirrored scene, guarded by replicaMu
	replicaMu sync.RWMutex
	replica   *operation.Replica

	// Event handlers and handshake waiters
	handlerMu     sync.RWMutex
	eventHandlers map[EventType][]EventHandler
	waitersMu     sync.Mutex
	waiters       []*waiter
	events        chan Event
	eventsDropped atomic.Uint64

	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	receiver  sync.WaitGroup

	config Config
	logger log.Log
}

// Config holds configuration for the client
type Config struct {
	// ServerURL is the http(s) base URL of the server.
	ServerURL string
	User      string
	Device    string

	// Encoding selects the transaction codec, object or compact.
	Encoding       string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	CompressAbove  int

	// EventBuffer sizes the Events channel. Events are dropped when it is full.
	EventBuffer int

	// Logging
	LogLevel log.Level
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		ServerURL:      "http://127.0.0.1:8080",
		Device:         "desktop",
		Encoding:       operation.ObjectEncoding,
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
		CompressAbove:  1024,
		EventBuffer:    256,
		LogLevel:       log.LevelInfo,
	}
}

// EventHandler defines a function type for handling client events
type EventHandler func(event Event) error

// EventType represents different types of client events
type EventType string

const (
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeStatus       EventType = "status"
	EventTypeToken        EventType = "token"
	EventTypeTransaction  EventType = "transaction"
	EventTypePeerFrame    EventType = "peer_frame"
	EventTypeBridgeOpened EventType = "bridge_opened"
	EventTypeBridgeClosed EventType = "bridge_closed"
	EventTypeLoggedOut    EventType = "logged_out"
	EventTypeError        EventType = "error"
)

// Event represents a client event. Only the fields matching Type are set.
type Event struct {
	Type        EventType
	Timestamp   time.Time
	Signal      transport.SignalMessage
	Transaction *operation.Transaction
	Frame       transport.Frame
	Error       error
}

type waiter struct {
	match func(transport.SignalMessage) bool
	ch    chan transport.SignalMessage
}

// NewClient creates a new client. Connect opens the connection.
func NewClient(config Config) (*Client, error) {
	if config.User == "" || config.ServerURL == "" {
		return nil, fmt.Errorf("%w: user and server url are required", ErrInvalidConfig)
	}
	codec, err := operation.Negotiate(config.Encoding, log.NewNop())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultClientConfig().ConnectTimeout
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultClientConfig().EventBuffer
	}

	client := &Client{
		codec:         codec,
		replica:       operation.NewReplica(),
		eventHandlers: make(map[EventType][]EventHandler),
		events:        make(chan Event, config.EventBuffer),
		done:          make(chan struct{}),
		config:        config,
		logger:        log.New(config.LogLevel).With(log.String("component", "client"), log.String("user", config.User)),
	}
	return client, nil
}

// Connect opens the websocket and identifies the user. It returns once the
// server has answered with the user's status. A token from an earlier join is
// presented again so an authenticated session resumes.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.connected.Load() {
		return ErrAlreadyConnected
	}

	wsURL, err := websocketURL(c.config.ServerURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	c.logger.Info("Connecting to server", log.String("url", wsURL))
	dialer := websocket.Dialer{HandshakeTimeout: c.config.ConnectTimeout}
	conn, _, err := dialer.DialContext(connectCtx, wsURL, nil)
	if err != nil {
		c.logger.Error("Failed to connect to server", log.Error(err))
		return err
	}
	c.conn = transport.NewWebSocketBinding(conn, c.config.WriteTimeout, 0)
	c.connected.Store(true)

	reply := c.expect(func(msg transport.SignalMessage) bool {
		return msg.Type == transport.SignalStatus || msg.Type == transport.SignalError
	})
	c.receiver.Add(1)
	go func() {
		defer c.receiver.Done()
		c.messageReceiver()
	}()

	identity := transport.SignalMessage{
		Type:     transport.SignalIdentity,
		User:     c.config.User,
		Device:   c.config.Device,
		Encoding: c.config.Encoding,
		Token:    c.Token(),
	}
	if err := c.signal(connectCtx, identity); err != nil {
		_ = c.Disconnect()
		return err
	}
	msg, err := c.wait(connectCtx, reply)
	if err != nil {
		_ = c.Disconnect()
		return err
	}
	if msg.Type == transport.SignalError {
		_ = c.Disconnect()
		return fmt.Errorf("%w: %s", ErrRejected, msg.Reason)
	}

	c.logger.Info("Connected to server", log.String("status", msg.Status))
	c.emitEvent(Event{Type: EventTypeConnected, Timestamp: time.Now(), Signal: msg})
	return nil
}

// Join asks for a token if the user has none yet, presents it and waits until
// the server reports the user ACTIVE.
func (c *Client) Join(ctx context.Context) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	if c.Status() == "ACTIVE" {
		return nil
	}

	token := c.Token()
	if token == "" {
		tokenReply := c.expect(func(msg transport.SignalMessage) bool {
			return msg.Type == transport.SignalToken || msg.Type == transport.SignalError
		})
		if err := c.signal(ctx, transport.SignalMessage{Type: transport.SignalReady}); err != nil {
			return err
		}
		msg, err := c.wait(ctx, tokenReply)
		if err != nil {
			return err
		}
		if msg.Type == transport.SignalError {
			return fmt.Errorf("%w: %s", ErrRejected, msg.Reason)
		}
		token = msg.Token
	}

	active := c.expect(func(msg transport.SignalMessage) bool {
		return (msg.Type == transport.SignalStatus && msg.Status == "ACTIVE") || msg.Type == transport.SignalError
	})
	if err := c.signal(ctx, transport.SignalMessage{Type: transport.SignalJoin, Token: token}); err != nil {
		return err
	}
	msg, err := c.wait(ctx, active)
	if err != nil {
		return err
	}
	if msg.Type == transport.SignalError {
		return fmt.Errorf("%w: %s", ErrRejected, msg.Reason)
	}
	c.logger.Info("Joined")
	return nil
}

// Renew presents the current token again, for example after the server
// reported a transport loss.
func (c *Client) Renew(ctx context.Context) error {
	token := c.Token()
	if token == "" {
		return ErrNotJoined
	}
	return c.signal(ctx, transport.SignalMessage{Type: transport.SignalRenew, Token: token})
}

// Logout ends the session. The server answers with a logout signal and closes
// every bridge of the user.
func (c *Client) Logout(ctx context.Context) error {
	return c.signal(ctx, transport.SignalMessage{Type: transport.SignalLogout, Reason: "client logout"})
}

// OpenBridge asks the server for a peer-to-peer route to peer carrying dt.
func (c *Client) OpenBridge(ctx context.Context, peer string, dt channel.DataType, label string) error {
	return c.signal(ctx, transport.SignalMessage{
		Type:   transport.SignalBridgeOpen,
		Peer:   peer,
		Label:  label,
		Status: dt.String(),
	})
}

func (c *Client) CloseBridge(ctx context.Context, peer, label string) error {
	return c.signal(ctx, transport.SignalMessage{Type: transport.SignalBridgeClose, Peer: peer, Label: label})
}

// SendPose publishes the user's head pose on the unreliable tracking channel.
func (c *Client) SendPose(ctx context.Context, position value.Vector3, rotation value.Quaternion) error {
	return c.send(ctx, transport.Frame{
		Channel: channel.New(false, channel.Tracking),
		Payload: relay.EncodePose(position, rotation),
	})
}

// SendVoice relays an audio packet to every active peer.
func (c *Client) SendVoice(ctx context.Context, payload []byte) error {
	return c.send(ctx, transport.Frame{Channel: channel.New(false, channel.Voice), Payload: payload})
}

// SendTo writes payload over an open bridge to peer.
func (c *Client) SendTo(ctx context.Context, peer string, id channel.ID, payload []byte) error {
	return c.send(ctx, transport.Frame{Channel: id, Origin: property.UserID(peer), Payload: payload})
}

// Disconnect closes the connection. The server treats the loss of signaling as
// the end of the session.
func (c *Client) Disconnect() error {
	if !c.connected.CompareAndSwap(true, false) {
		return ErrNotConnected
	}

	c.logger.Info("Disconnecting from server")
	_ = c.conn.Close()
	c.receiver.Wait()

	c.emitEvent(Event{Type: EventTypeDisconnected, Timestamp: time.Now()})
	return nil
}

// Close closes the client and releases all resources
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.connected.Load() {
		_ = c.Disconnect()
	}
	close(c.done)
	c.logger.Info("Client closed")
	return nil
}

// OnEvent registers an event handler for a specific event type
func (c *Client) OnEvent(eventType EventType, handler EventHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
}

// Events delivers every client event in order. The channel is never closed.
func (c *Client) Events() <-chan Event { return c.events }

// EventsDropped counts events lost because Events was not drained.
func (c *Client) EventsDropped() uint64 { return c.eventsDropped.Load() }

// Replica returns a snapshot of the mirrored scene.
func (c *Client) Replica() *operation.Replica {
	c.replicaMu.RLock()
	defer c.replicaMu.RUnlock()
	return c.replica.Clone()
}

// Status returns the last status the server reported.
func (c *Client) Status() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.status
}

// Token returns the current token, or "" before READY.
func (c *Client) Token() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.token
}

func (c *Client) TokenExpires() time.Time {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.expires
}

// Entity returns a copy of the mirrored entity.
func (c *Client) Entity(id scene.EntityID) (operation.ReplicaEntity, bool) {
	c.replicaMu.RLock()
	defer c.replicaMu.RUnlock()
	return c.replica.Entity(id)
}

// Get returns one mirrored property value.
func (c *Client) Get(id scene.EntityID, key property.Key) (value.Value, bool) {
	c.replicaMu.RLock()
	defer c.replicaMu.RUnlock()
	return c.replica.Get(id, key)
}

// Entities lists the ids of every mirrored entity.
func (c *Client) Entities() []scene.EntityID {
	c.replicaMu.RLock()
	defer c.replicaMu.RUnlock()
	return c.replica.IDs()
}

func (c *Client) IsConnected() bool { return c.connected.Load() }

func (c *Client) IsClosed() bool { return c.closed.Load() }

func (c *Client) signal(ctx context.Context, msg transport.SignalMessage) error {
	payload, err := transport.EncodeSignal(msg)
	if err != nil {
		return err
	}
	return c.send(ctx, transport.Frame{Channel: channel.SignalingChannel, Payload: payload})
}

func (c *Client) send(ctx context.Context, frame transport.Frame) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}
	data, err := transport.EncodeFrame(frame, c.config.CompressAbove)
	if err != nil {
		return err
	}
	return c.conn.Send(ctx, data)
}

// expect registers interest in the next signal matching fn. Register before
// sending the request so the reply cannot slip past.
func (c *Client) expect(fn func(transport.SignalMessage) bool) *waiter {
	w := &waiter{match: fn, ch: make(chan transport.SignalMessage, 1)}
	c.waitersMu.Lock()
	c.waiters = append(c.waiters, w)
	c.waitersMu.Unlock()
	return w
}

func (c *Client) wait(ctx context.Context, w *waiter) (transport.SignalMessage, error) {
	select {
	case msg := <-w.ch:
		return msg, nil
	case <-ctx.Done():
		c.dropWaiter(w)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return transport.SignalMessage{}, ErrConnectionTimeout
		}
		return transport.SignalMessage{}, ctx.Err()
	case <-c.done:
		return transport.SignalMessage{}, ErrClientClosed
	}
}

func (c *Client) dropWaiter(w *waiter) {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Client) notifyWaiters(msg transport.SignalMessage) {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.match(msg) {
			w.ch <- msg
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

// messageReceiver reads frames until the connection drops
func (c *Client) messageReceiver() {
	c.logger.Debug("Message receiver started")
	defer c.logger.Debug("Message receiver stopped")

	for {
		data, err := c.conn.Receive()
		if err != nil {
			if c.connected.CompareAndSwap(true, false) {
				c.logger.Warn("Connection lost", log.Error(err))
				_ = c.conn.Close()
				c.emitEvent(Event{Type: EventTypeDisconnected, Timestamp: time.Now(), Error: err})
			}
			return
		}

		frame, err := transport.DecodeFrame(data)
		if err != nil {
			c.logger.Warn("Malformed frame dropped", log.Error(err))
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame transport.Frame) {
	now := time.Now()
	switch {
	case frame.Channel.DataType == channel.Signaling:
		msg, err := transport.DecodeSignal(frame.Payload)
		if err != nil {
			c.logger.Warn("Malformed signal dropped", log.Error(err))
			return
		}
		c.handleSignal(msg, now)
	case frame.Origin != "":
		c.emitEvent(Event{Type: EventTypePeerFrame, Timestamp: now, Frame: frame})
	default:
		tx, err := c.codec.DecodeTransaction(frame.Payload)
		if err != nil {
			c.logger.Warn("Malformed transaction dropped", log.Error(err))
			return
		}
		c.replicaMu.Lock()
		errs := c.replica.ApplyTransaction(tx)
		c.replicaMu.Unlock()
		for _, err := range errs {
			c.logger.Warn("Operation not applied", log.Error(err))
		}
		c.emitEvent(Event{Type: EventTypeTransaction, Timestamp: now, Transaction: tx})
	}
}

func (c *Client) handleSignal(msg transport.SignalMessage, now time.Time) {
	event := Event{Timestamp: now, Signal: msg}
	switch msg.Type {
	case transport.SignalStatus:
		c.stateMu.Lock()
		c.status = msg.Status
		c.stateMu.Unlock()
		event.Type = EventTypeStatus
	case transport.SignalToken:
		c.stateMu.Lock()
		c.token = msg.Token
		c.expires = time.UnixMilli(msg.Expires)
		c.stateMu.Unlock()
		event.Type = EventTypeToken
	case transport.SignalBridgeOpen:
		event.Type = EventTypeBridgeOpened
	case transport.SignalBridgeClose:
		event.Type = EventTypeBridgeClosed
	case transport.SignalLogout:
		c.stateMu.Lock()
		c.status, c.token = "", ""
		c.stateMu.Unlock()
		c.replicaMu.Lock()
		c.replica = operation.NewReplica()
		c.replicaMu.Unlock()
		event.Type = EventTypeLoggedOut
	case transport.SignalError:
		event.Type = EventTypeError
		event.Error = fmt.Errorf("%w: %s", ErrRejected, msg.Reason)
	default:
		c.logger.Debug("Unhandled signal", log.String("type", string(msg.Type)))
		return
	}
	c.emitEvent(event)
	c.notifyWaiters(msg)
}

// emitEvent emits an event to the Events channel and registered handlers
func (c *Client) emitEvent(event Event) {
	select {
	case c.events <- event:
	default:
		c.eventsDropped.Add(1)
	}

	c.handlerMu.RLock()
	handlers := c.eventHandlers[event.Type]
	c.handlerMu.RUnlock()

	for _, handler := range handlers {
		go func(h EventHandler) {
			if err := h(event); err != nil {
				c.logger.Error("Event handler error", log.Error(err))
			}
		}(handler)
	}
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
