package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/scenesync/internal/core/channel"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/transport"
	"github.com/zeusync/scenesync/internal/core/visibility"
	"github.com/zeusync/scenesync/internal/session"
)

// handleWebSocket upgrades the request and runs the connection until it drops.
// The first frame must be an identity signal. A token may come with it, or in
// the token query parameter, to resume an authenticated session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", log.String("remote", r.RemoteAddr), log.Error(err))
		return
	}

	b := transport.NewWebSocketBinding(conn, s.cfg.WriteTimeout, s.cfg.IdleTimeout)
	s.track(b)
	defer s.untrack(b)

	ctx := r.Context()
	user, err := s.handshake(ctx, b, r.URL.Query().Get("token"))
	if err != nil {
		s.logger.Warn("WebSocket handshake failed", log.String("remote", r.RemoteAddr), log.Error(err))
		s.reject(ctx, b, err)
		_ = b.Close()
		return
	}

	s.readLoop(user, b, b.Receive)
	_ = b.Close()
}

func (s *Server) handshake(ctx context.Context, b *transport.WebSocketBinding, token string) (property.UserID, error) {
	if s.cfg.IdleTimeout <= 0 {
		_ = b.SetReadDeadline(time.Now().Add(handshakeTimeout))
	}
	data, err := b.Receive()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if s.cfg.IdleTimeout <= 0 {
		_ = b.SetReadDeadline(time.Time{})
	}

	frame, err := transport.DecodeFrame(data)
	if err != nil {
		return "", err
	}
	if frame.Channel.DataType != channel.Signaling {
		return "", fmt.Errorf("%w: first frame on %s", ErrInvalidMessage, frame.Channel)
	}
	msg, err := transport.DecodeSignal(frame.Payload)
	if err != nil {
		return "", err
	}
	if msg.Type != transport.SignalIdentity {
		return "", fmt.Errorf("%w: first signal is %s", ErrInvalidMessage, msg.Type)
	}
	if msg.Token != "" {
		token = msg.Token
	}

	id := property.UserID(msg.User)
	err = s.env.Do(ctx, func(env *session.Environment) error {
		if u, ok := env.User(id); ok && u.Authenticated() && token == "" {
			return fmt.Errorf("%w: %s", ErrIdentityInUse, id)
		}
		if _, err := env.Identify(id, visibility.ParseDeviceClass(msg.Device), msg.Encoding); err != nil {
			return err
		}
		if err := env.Attach(id, b); err != nil {
			return err
		}
		if token != "" {
			return env.Renew(id, token)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	// The tick answers the identity signal with the current status.
	if err := s.env.Deliver(transport.Inbound{User: id, Channel: frame.Channel, Payload: frame.Payload}); err != nil {
		s.logger.Warn("Identity signal dropped", log.String("user", string(id)), log.Error(err))
	}
	s.logger.Info("WebSocket connected", log.String("user", string(id)), log.Stringer("remote", b.RemoteAddr()))
	return id, nil
}

// reject tells the client why the handshake failed before the connection closes.
func (s *Server) reject(ctx context.Context, b transport.Binding, cause error) {
	payload, err := transport.EncodeSignal(transport.SignalMessage{Type: transport.SignalError, Reason: cause.Error()})
	if err != nil {
		return
	}
	frame, err := transport.EncodeFrame(transport.Frame{Channel: channel.SignalingChannel, Payload: payload}, 0)
	if err != nil {
		return
	}
	_ = b.Send(ctx, frame)
}

// readLoop feeds frames into the environment until receive fails, then reports
// the binding lost.
func (s *Server) readLoop(user property.UserID, b transport.Binding, receive func() ([]byte, error)) {
	for {
		data, err := receive()
		if err != nil {
			if !isClosure(err) {
				s.logger.Debug("Receive failed", log.String("user", string(user)), log.Stringer("binding", b.Kind()), log.Error(err))
			}
			s.env.Dispatcher().ConnectionLost(user, b, err)
			return
		}

		s.receive(user, data)
	}
}

// receive decodes one inbound frame and hands it to the environment, applying
// the per-user frame rate to everything but signaling.
func (s *Server) receive(user property.UserID, data []byte) {
	frame, err := transport.DecodeFrame(data)
	if err != nil {
		s.logger.Warn("Malformed frame dropped", log.String("user", string(user)), log.Error(err))
		return
	}
	if frame.Channel.DataType != channel.Signaling && !s.limiter.Allow(user) {
		if s.limited.Add(1)%100 == 1 {
			s.logger.Warn("Inbound frame rate exceeded", log.String("user", string(user)), log.Uint64("dropped", s.limited.Load()))
		}
		return
	}
	err = s.env.Deliver(transport.Inbound{
		User:    user,
		Channel: frame.Channel,
		Payload: frame.Payload,
		Target:  frame.Origin,
	})
	if err != nil {
		s.logger.Warn("Inbound frame dropped", log.String("user", string(user)), log.Error(err))
	}
}

func isClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, transport.ErrConnectionClosed)
}
