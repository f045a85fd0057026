package server

import (
	"context"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zeusync/scenesync/internal/core/channel"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/transport"
	"github.com/zeusync/scenesync/internal/session"
)

const (
	quicCodeNormal    quic.ApplicationErrorCode = 0
	quicCodeHandshake quic.ApplicationErrorCode = 1
)

// quicCloser is the tracked handle for an open QUIC connection.
type quicCloser struct {
	conn *quic.Conn
}

func (c *quicCloser) Close() error {
	return c.conn.CloseWithError(quicCodeNormal, "server closing")
}

func (s *Server) listenQUIC(ctx context.Context) error {
	tlsConf, err := transport.ServerTLSConfig()
	if err != nil {
		return fmt.Errorf("%w: quic tls: %v", ErrListenerFailed, err)
	}
	ln, err := quic.ListenAddr(s.cfg.QUICAddr, tlsConf, transport.QUICConfig(s.cfg.IdleTimeout, s.cfg.IdleTimeout/4))
	if err != nil {
		return fmt.Errorf("%w: quic %s: %v", ErrListenerFailed, s.cfg.QUICAddr, err)
	}
	s.quicLn = ln

	s.workers.Add(1)
	go s.acceptQUIC(ctx, ln)
	return nil
}

func (s *Server) acceptQUIC(ctx context.Context, ln *quic.Listener) {
	defer s.workers.Done()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !s.closed.Load() {
				s.logger.Error("QUIC accept failed", log.Error(err))
			}
			return
		}
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			s.serveQUIC(ctx, conn)
		}()
	}
}

// serveQUIC attaches a QUIC connection to an identified, authenticated user.
// The first stream opens with an identity signal carrying the user's token.
// Reliable channels then use that stream and unreliable ones use datagrams;
// signaling stays on the websocket. The channels are bound before the token is
// renewed so sends held during the reconnect go out on this connection.
func (s *Server) serveQUIC(ctx context.Context, conn *quic.Conn) {
	closer := &quicCloser{conn: conn}
	s.track(closer)
	defer s.untrack(closer)

	user, token, stream, err := s.quicHandshake(ctx, conn)
	if err != nil {
		s.logger.Warn("QUIC handshake failed", log.Stringer("remote", conn.RemoteAddr()), log.Error(err))
		_ = conn.CloseWithError(quicCodeHandshake, err.Error())
		return
	}

	reliable := transport.NewQUICBinding(conn, stream)
	datagrams := transport.NewQUICDatagramBinding(conn)
	bindings := make(map[channel.ID]transport.Binding)
	for _, ch := range channel.All() {
		if ch.DataType == channel.Signaling {
			continue
		}
		if ch.Reliable {
			bindings[ch] = reliable
		} else {
			bindings[ch] = datagrams
		}
	}
	err = s.env.Do(ctx, func(env *session.Environment) error {
		return env.Resume(user, token, bindings)
	})
	if err != nil {
		s.logger.Warn("QUIC binding failed", log.String("user", string(user)), log.Error(err))
		_ = conn.CloseWithError(quicCodeHandshake, err.Error())
		return
	}
	s.logger.Info("QUIC connected", log.String("user", string(user)), log.Stringer("remote", conn.RemoteAddr()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readLoop(user, datagrams, func() ([]byte, error) { return conn.ReceiveDatagram(ctx) })
	}()
	s.readLoop(user, reliable, func() ([]byte, error) { return transport.ReadStreamFrame(stream) })

	_ = conn.CloseWithError(quicCodeNormal, "stream closed")
	<-done
}

// quicHandshake reads the identity signal that opens a QUIC connection and
// checks its token without renewing it.
func (s *Server) quicHandshake(ctx context.Context, conn *quic.Conn) (property.UserID, string, *quic.Stream, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(hctx)
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: accept stream: %v", ErrInvalidMessage, err)
	}
	_ = stream.SetReadDeadline(time.Now().Add(handshakeTimeout))
	data, err := transport.ReadStreamFrame(stream)
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	_ = stream.SetReadDeadline(time.Time{})

	frame, err := transport.DecodeFrame(data)
	if err != nil {
		return "", "", nil, err
	}
	msg, err := transport.DecodeSignal(frame.Payload)
	if err != nil {
		return "", "", nil, err
	}
	if msg.Type != transport.SignalIdentity {
		return "", "", nil, fmt.Errorf("%w: first signal is %s", ErrInvalidMessage, msg.Type)
	}
	if msg.Token == "" {
		return "", "", nil, ErrMissingToken
	}

	id := property.UserID(msg.User)
	if err := s.env.Dispatcher().ValidateToken(id, msg.Token); err != nil {
		return "", "", nil, err
	}
	return id, msg.Token, stream, nil
}
