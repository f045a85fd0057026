package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/zeusync/scenesync/internal/core/channel"
	"github.com/zeusync/scenesync/internal/core/events/bus"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/operation"
	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/transport"
	"github.com/zeusync/scenesync/internal/core/visibility"
)

// Identify registers a user on first contact, negotiating its transaction
// encoding. Identifying again keeps the user's state and updates its device.
func (env *Environment) Identify(id property.UserID, device visibility.DeviceClass, encoding string) (*User, error) {
	if id == "" {
		return nil, ErrInvalidIdentity
	}
	if u, ok := env.users[id]; ok {
		u.device = device
		return u, nil
	}

	codec, err := operation.Negotiate(encoding, env.logger)
	if err != nil {
		return nil, fmt.Errorf("identify %s: %w", id, err)
	}
	u := newUser(id, device, codec.Name(), env.now())
	env.users[id] = u
	env.dispatcher.Register(id, codec)

	env.logger.Info("User identified",
		log.String("user", string(id)),
		log.Stringer("device", device),
		log.String("encoding", codec.Name()))
	env.publish(bus.EventIdentified, bus.UserEvent{User: string(id), Status: u.status.String()})
	return u, nil
}

// Attach makes b the user's signaling transport. Other channels follow once the
// user presents a valid token.
func (env *Environment) Attach(id property.UserID, b transport.Binding) error {
	u, err := env.user(id)
	if err != nil {
		return err
	}
	u.primary = b
	if u.authenticated {
		return env.dispatcher.BindAll(id, b)
	}
	return env.dispatcher.Bind(id, channel.SignalingChannel, b)
}

// BindChannel routes one channel of an authenticated user through b.
func (env *Environment) BindChannel(id property.UserID, ch channel.ID, b transport.Binding) error {
	u, err := env.user(id)
	if err != nil {
		return err
	}
	if !u.authenticated && ch.DataType != channel.Signaling {
		return ErrNotAuthenticated
	}
	return env.dispatcher.Bind(id, ch, b)
}

// SetStatus moves a user forward through CREATED, READY and ACTIVE. Reaching
// READY issues a token that is sent on the signaling channel.
func (env *Environment) SetStatus(ctx context.Context, id property.UserID, status Status) (Status, error) {
	u, err := env.user(id)
	if err != nil {
		return 0, err
	}
	switch status {
	case StatusReady:
		if u.status != StatusCreated {
			return u.status, fmt.Errorf("%w: %s to %s", ErrInvalidStatus, u.status, status)
		}
		token, expires, err := env.dispatcher.IssueToken(id)
		if err != nil {
			return u.status, err
		}
		u.status = StatusReady
		env.signal(ctx, u, transport.SignalMessage{Type: transport.SignalToken, Token: token, Expires: expires.UnixMilli()})
		env.signal(ctx, u, transport.SignalMessage{Type: transport.SignalStatus, Status: u.status.String()})
		env.publish(bus.EventReady, bus.UserEvent{User: string(id), Status: u.status.String()})
		return u.status, nil
	case StatusActive:
		token, _, ok := env.dispatcher.Token(id)
		if !ok {
			return u.status, fmt.Errorf("%w: %s to %s", ErrNotReady, u.status, status)
		}
		return u.status, env.Join(ctx, id, token)
	default:
		return u.status, fmt.Errorf("%w: %s to %s", ErrInvalidStatus, u.status, status)
	}
}

// Join activates a READY user that presents a valid token. The next tick loads
// everything the user can see.
func (env *Environment) Join(ctx context.Context, id property.UserID, token string) error {
	u, err := env.user(id)
	if err != nil {
		return err
	}
	if u.status == StatusCreated {
		return fmt.Errorf("%w: %s", ErrNotReady, id)
	}
	if err := env.dispatcher.ValidateToken(id, token); err != nil {
		return err
	}
	if err := env.authenticate(u); err != nil {
		return err
	}
	if u.status == StatusActive {
		return nil
	}

	u.status = StatusActive
	u.joined = env.now()
	u.cache.Reset()
	env.signal(ctx, u, transport.SignalMessage{Type: transport.SignalStatus, Status: u.status.String()})

	env.logger.Info("User joined", log.String("user", string(id)))
	env.publish(bus.EventJoined, bus.UserEvent{User: string(id), Status: u.status.String()})
	return nil
}

// Renew accepts a fresh token after a reconnect and releases held sends. The
// user's primary binding is restored first so released sends find a route.
func (env *Environment) Renew(id property.UserID, token string) error {
	u, err := env.user(id)
	if err != nil {
		return err
	}
	if err := env.dispatcher.ValidateToken(id, token); err != nil {
		return err
	}
	if err := env.authenticate(u); err != nil {
		return err
	}
	return env.dispatcher.RenewToken(id, token)
}

// Resume attaches the bindings of a secondary transport for an authenticated
// user and then renews its token, so sends held for the renewal go out on them.
func (env *Environment) Resume(id property.UserID, token string, bindings map[channel.ID]transport.Binding) error {
	u, err := env.user(id)
	if err != nil {
		return err
	}
	if !u.authenticated {
		return ErrNotAuthenticated
	}
	if err := env.dispatcher.ValidateToken(id, token); err != nil {
		return err
	}
	for ch, b := range bindings {
		if ch.DataType == channel.Signaling {
			continue
		}
		if err := env.dispatcher.Bind(id, ch, b); err != nil {
			return err
		}
	}
	return env.dispatcher.RenewToken(id, token)
}

func (env *Environment) authenticate(u *User) error {
	u.authenticated = true
	if u.primary == nil {
		return nil
	}
	return env.dispatcher.BindAll(u.id, u.primary)
}

// Logout ends a user's session: dispatch stops, its bridges are released with
// their peers told, overrides and relay state are dropped. The logout notice and
// the peers' notices are written off the tick.
func (env *Environment) Logout(ctx context.Context, id property.UserID, reason string) error {
	u, err := env.user(id)
	if err != nil {
		return err
	}
	delete(env.users, id)

	env.signal(ctx, u, transport.SignalMessage{Type: transport.SignalLogout, Reason: reason})
	released := env.dispatcher.ReleaseUser(ctx, id, reason)
	env.registry.ForgetUser(id)
	env.throttle.Forget(id)

	env.logger.Info("User logged out",
		log.String("user", string(id)),
		log.String("reason", reason),
		log.Int("bridges", len(released)))
	for _, b := range released {
		env.publish(bus.EventBridgeClosed, bridgeEvent(b, id))
	}
	env.publish(bus.EventLogout, bus.UserEvent{User: string(id), Status: u.status.String(), Reason: reason})
	return nil
}

// sessionLost runs on an I/O goroutine when a signaling channel dies.
func (env *Environment) sessionLost(id property.UserID, cause error) {
	reason := "signaling lost"
	if cause != nil {
		reason = cause.Error()
	}
	env.enqueue(func() {
		if err := env.Logout(context.Background(), id, reason); err != nil && !errors.Is(err, ErrUnknownUser) {
			env.logger.Error("Logout after session loss failed", log.String("user", string(id)), log.Error(err))
		}
	})
}

// OpenBridge connects two active users for peer-to-peer traffic of type dt.
func (env *Environment) OpenBridge(ctx context.Context, a, b property.UserID, label string, reliable bool, dt channel.DataType) (transport.Bridge, error) {
	for _, id := range []property.UserID{a, b} {
		u, err := env.user(id)
		if err != nil {
			return transport.Bridge{}, err
		}
		if !u.Active() {
			return transport.Bridge{}, fmt.Errorf("%w: %s", ErrNotActive, id)
		}
	}
	bridge, err := env.dispatcher.OpenBridge(ctx, a, b, label, reliable, dt)
	if err != nil {
		return transport.Bridge{}, err
	}
	env.publish(bus.EventBridgeOpened, bridgeEvent(bridge, a))
	return bridge, nil
}

func (env *Environment) CloseBridge(ctx context.Context, by, peer property.UserID, label string) error {
	var closed *transport.Bridge
	for _, b := range env.dispatcher.Bridges(by) {
		if b.Label == label && b.Peer(by) == peer {
			closed = &b
			break
		}
	}
	if err := env.dispatcher.CloseBridge(ctx, by, peer, label); err != nil {
		return err
	}
	if closed != nil {
		env.publish(bus.EventBridgeClosed, bridgeEvent(*closed, by))
	}
	return nil
}

// SetHost names the authoritative host, which never receives relayed frames.
func (env *Environment) SetHost(id property.UserID) error {
	if _, err := env.user(id); err != nil {
		return err
	}
	env.throttle.SetHost(id)
	return nil
}

func bridgeEvent(b transport.Bridge, by property.UserID) bus.BridgeEvent {
	return bus.BridgeEvent{
		ID:    b.ID,
		Users: [2]string{string(b.Users[0]), string(b.Users[1])},
		Label: b.Label,
		By:    string(by),
	}
}

// signal queues a control message, logging instead of failing. It never waits
// behind earlier signals; losing the signaling channel is handled by the
// dispatcher.
func (env *Environment) signal(ctx context.Context, u *User, msg transport.SignalMessage) {
	if err := env.dispatcher.PostSignal(ctx, u.id, msg); err != nil {
		env.logger.Warn("Signal failed",
			log.String("user", string(u.id)),
			log.String("signal", string(msg.Type)),
			log.Error(err))
	}
}
