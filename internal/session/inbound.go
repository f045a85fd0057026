package session

import (
	"context"
	"time"

	"github.com/zeusync/scenesync/internal/core/channel"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/transport"
	"github.com/zeusync/scenesync/internal/core/visibility"
)

func (env *Environment) handleInbound(ctx context.Context, in transport.Inbound, now time.Time) {
	u, ok := env.users[in.User]
	if !ok {
		env.logger.Debug("Frame from unknown user dropped", log.String("user", string(in.User)))
		return
	}

	if in.Channel.DataType == channel.Signaling {
		msg, err := transport.DecodeSignal(in.Payload)
		if err != nil {
			env.logger.Warn("Undecodable signal dropped", log.String("user", string(u.id)), log.Error(err))
			return
		}
		env.handleSignal(ctx, u, msg)
		return
	}

	if !u.authenticated {
		env.logger.Warn("Frame before token dropped",
			log.String("user", string(u.id)),
			log.Stringer("channel", in.Channel))
		return
	}

	switch in.Channel.DataType {
	case channel.Tracking, channel.Voice:
		if !u.Active() {
			return
		}
		env.forwarder.Forward(ctx, u.id, in.Channel, in.Payload, env.activeIDs(), now)
	default:
		if in.Target == "" {
			env.logger.Debug("Untargeted client frame dropped",
				log.String("user", string(u.id)),
				log.Stringer("channel", in.Channel))
			return
		}
		env.relayBridged(ctx, u, in)
	}
}

// relayBridged forwards a frame over the first bridge between the user and its
// target that carries the frame's data type.
func (env *Environment) relayBridged(ctx context.Context, u *User, in transport.Inbound) {
	for _, b := range env.dispatcher.Bridges(u.id) {
		if b.Peer(u.id) != in.Target || b.Channel.DataType != in.Channel.DataType {
			continue
		}
		if err := env.dispatcher.RelayBridge(ctx, u.id, in.Target, b.Label, in.Payload); err != nil {
			env.logger.Warn("Bridge relay failed",
				log.String("user", string(u.id)),
				log.String("peer", string(in.Target)),
				log.Error(err))
		}
		return
	}
	env.logger.Debug("Frame without bridge dropped",
		log.String("user", string(u.id)),
		log.String("peer", string(in.Target)))
}

func (env *Environment) handleSignal(ctx context.Context, u *User, msg transport.SignalMessage) {
	var err error
	switch msg.Type {
	case transport.SignalIdentity:
		if msg.Device != "" {
			u.device = visibility.ParseDeviceClass(msg.Device)
		}
		env.signal(ctx, u, transport.SignalMessage{Type: transport.SignalStatus, Status: u.status.String()})
	case transport.SignalReady:
		_, err = env.SetStatus(ctx, u.id, StatusReady)
	case transport.SignalJoin:
		err = env.Join(ctx, u.id, msg.Token)
	case transport.SignalRenew:
		err = env.Renew(u.id, msg.Token)
	case transport.SignalLogout:
		err = env.Logout(ctx, u.id, "client logout")
	case transport.SignalBridgeOpen:
		dt, ok := channel.ParseDataType(msg.Status)
		if !ok {
			dt = channel.Video
		}
		_, err = env.OpenBridge(ctx, u.id, userID(msg.Peer), msg.Label, false, dt)
	case transport.SignalBridgeClose:
		err = env.CloseBridge(ctx, u.id, userID(msg.Peer), msg.Label)
	default:
		env.logger.Warn("Unexpected signal dropped",
			log.String("user", string(u.id)),
			log.String("signal", string(msg.Type)))
		return
	}

	if err != nil {
		env.logger.Warn("Signal rejected",
			log.String("user", string(u.id)),
			log.String("signal", string(msg.Type)),
			log.Error(err))
		if msg.Type != transport.SignalLogout {
			env.signal(ctx, u, transport.SignalMessage{Type: transport.SignalError, Reason: err.Error()})
		}
	}
}
