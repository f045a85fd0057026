package transport

import (
	"context"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/zeusync/scenesync/internal/core/channel"
)

var _ Binding = (*RelayBinding)(nil)

// DataChannelInit maps a logical channel onto data channel options: reliable
// channels are ordered with unlimited retransmits, unreliable ones are unordered
// and never retransmitted. Channels are pre-negotiated on a fixed stream id so
// client and server open the same set without in-band announcements.
func DataChannelInit(id channel.ID) *webrtc.DataChannelInit {
	ordered := id.Reliable
	negotiated := true
	stream := relayStreamID(id)
	init := &webrtc.DataChannelInit{Ordered: &ordered, Negotiated: &negotiated, ID: &stream}
	if !id.Reliable {
		var none uint16
		init.MaxRetransmits = &none
	}
	return init
}

func relayStreamID(id channel.ID) uint16 {
	all := channel.All()
	for i, ch := range all {
		if ch == id {
			return uint16(i)
		}
	}
	return uint16(len(all))
}

// NewRelayPeerConnection creates a peer connection for relayed clients.
// Loopback candidates are gathered so a client on the same host can connect.
func NewRelayPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, NewError(ErrorCodeTransportFailed, "create peer connection", err)
	}
	return pc, nil
}

// RelayBinding carries frames over a WebRTC data channel. It is the fallback when
// a client cannot hold a direct socket to the server.
type RelayBinding struct {
	id     channel.ID
	dc     *webrtc.DataChannel
	closed atomic.Bool
}

func NewRelayBinding(id channel.ID, dc *webrtc.DataChannel) *RelayBinding {
	return &RelayBinding{id: id, dc: dc}
}

// OpenRelayBinding creates the data channel for id on pc.
func OpenRelayBinding(pc *webrtc.PeerConnection, id channel.ID) (*RelayBinding, error) {
	dc, err := pc.CreateDataChannel(id.String(), DataChannelInit(id))
	if err != nil {
		return nil, NewError(ErrorCodeTransportFailed, "create data channel", err)
	}
	return NewRelayBinding(id, dc), nil
}

func (b *RelayBinding) Kind() Kind { return KindRelay }

func (b *RelayBinding) Label() string { return b.dc.Label() }

// Channel is the logical channel the data channel carries.
func (b *RelayBinding) Channel() channel.ID { return b.id }

// Open reports whether the data channel can carry frames.
func (b *RelayBinding) Open() bool {
	return !b.closed.Load() && b.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// OnOpen runs fn once the data channel opens.
func (b *RelayBinding) OnOpen(fn func()) { b.dc.OnOpen(fn) }

// OnFrame runs fn for every message received on the data channel.
func (b *RelayBinding) OnFrame(fn func(data []byte)) {
	b.dc.OnMessage(func(msg webrtc.DataChannelMessage) { fn(msg.Data) })
}

// OnClose runs fn when the data channel closes from either end.
func (b *RelayBinding) OnClose(fn func()) { b.dc.OnClose(fn) }

func (b *RelayBinding) Send(_ context.Context, frame []byte) error {
	if b.closed.Load() {
		return NewError(ErrorCodeConnectionClosed, "relay send", ErrConnectionClosed)
	}
	if state := b.dc.ReadyState(); state != webrtc.DataChannelStateOpen {
		return NewError(ErrorCodeConnectionLost, "relay send", ErrConnectionLost).
			WithContext("state", state.String())
	}
	if err := b.dc.Send(frame); err != nil {
		return NewError(ErrorCodeConnectionLost, "relay send", err)
	}
	return nil
}

func (b *RelayBinding) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.dc.Close()
}
