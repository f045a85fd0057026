package transport

import (
	"context"
	"fmt"
)

// Kind names the concrete transport behind a Binding.
type Kind uint8

const (
	KindWebSocket Kind = iota + 1
	KindQUIC
	KindQUICDatagram
	KindRelay
)

func (k Kind) String() string {
	switch k {
	case KindWebSocket:
		return "websocket"
	case KindQUIC:
		return "quic"
	case KindQUICDatagram:
		return "quic-datagram"
	case KindRelay:
		return "relay"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Binding is a concrete pipe a logical channel is bound to. One Binding may serve
// several channels. Send must be safe for concurrent use.
type Binding interface {
	Kind() Kind
	Send(ctx context.Context, frame []byte) error
	Close() error
}
