package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/zeusync/scenesync/internal/core/channel"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/transport"
	"github.com/zeusync/scenesync/internal/session"
)

// relayRequest carries a client's SDP offer. The offer must contain the
// pre-negotiated data channels of the channels the client wants relayed.
type relayRequest struct {
	User string `json:"user"`
	SDP  string `json:"sdp"`
}

type relayResponse struct {
	SDP string `json:"sdp"`
}

// relayPeer is one relayed client: a peer connection with a data channel per
// non-signaling channel.
type relayPeer struct {
	user     property.UserID
	pc       *webrtc.PeerConnection
	relays   []*transport.RelayBinding
	bindings map[channel.ID]transport.Binding
	opened   atomic.Int32
}

func (p *relayPeer) Close() error { return p.pc.Close() }

// handleRelay answers a WebRTC offer for an authenticated user. Once every data
// channel is open they replace the user's bindings and its token is renewed;
// signaling stays on the websocket.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if !s.decode(w, r, &req) {
		return
	}
	user := property.UserID(req.User)
	if err := s.authorize(r, user); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.SDP == "" {
		s.fail(w, r, fmt.Errorf("%w: empty offer", ErrBadRequest))
		return
	}
	err := s.env.Do(r.Context(), func(env *session.Environment) error {
		u, ok := env.User(user)
		if !ok {
			return fmt.Errorf("%w: %s", session.ErrUnknownUser, user)
		}
		if !u.Authenticated() {
			return session.ErrNotAuthenticated
		}
		return nil
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	answer, err := s.answerRelay(r.Context(), user, bearerToken(r), req.SDP)
	s.respond(w, r, relayResponse{SDP: answer}, err)
}

func (s *Server) answerRelay(ctx context.Context, user property.UserID, token, offer string) (string, error) {
	pc, err := transport.NewRelayPeerConnection(s.cfg.ICEServers)
	if err != nil {
		return "", err
	}
	peer := &relayPeer{user: user, pc: pc, bindings: make(map[channel.ID]transport.Binding)}
	for _, ch := range channel.All() {
		if ch.DataType == channel.Signaling {
			continue
		}
		b, err := transport.OpenRelayBinding(pc, ch)
		if err != nil {
			_ = pc.Close()
			return "", err
		}
		peer.relays = append(peer.relays, b)
		peer.bindings[ch] = b
	}

	for _, b := range peer.relays {
		b.OnFrame(func(data []byte) { s.receive(user, data) })
		b.OnOpen(func() {
			if int(peer.opened.Add(1)) == len(peer.relays) {
				go s.resumeRelay(peer, token)
			}
		})
		b.OnClose(func() {
			s.env.Dispatcher().ConnectionLost(user, b, transport.ErrConnectionClosed)
		})
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			s.logger.Warn("Relay connection failed", log.String("user", string(user)))
			_ = pc.Close()
		case webrtc.PeerConnectionStateClosed:
			s.untrack(peer)
			for _, b := range peer.relays {
				s.env.Dispatcher().ConnectionLost(user, b, transport.ErrConnectionLost)
			}
		}
	})
	s.track(peer)

	sdp, err := negotiate(ctx, pc, offer)
	if err != nil {
		s.untrack(peer)
		_ = pc.Close()
		return "", err
	}
	return sdp, nil
}

// negotiate applies offer and returns the answer with every candidate gathered,
// so the client needs no trickle.
func negotiate(ctx context.Context, pc *webrtc.PeerConnection, offer string) (string, error) {
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("%w: offer: %v", ErrBadRequest, err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-time.After(handshakeTimeout):
		return "", fmt.Errorf("ICE gathering timed out after %s", handshakeTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

func (s *Server) resumeRelay(peer *relayPeer, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	err := s.env.Do(ctx, func(env *session.Environment) error {
		return env.Resume(peer.user, token, peer.bindings)
	})
	if err != nil {
		s.logger.Warn("Relay binding failed", log.String("user", string(peer.user)), log.Error(err))
		_ = peer.Close()
		return
	}
	s.logger.Info("Relay connected", log.String("user", string(peer.user)), log.Int("channels", len(peer.relays)))
}
