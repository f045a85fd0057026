package transport

import (
	"fmt"

	"github.com/zeusync/scenesync/internal/core/codec"
)

// SignalType tags a message on the signaling channel.
type SignalType string

const (
	// server to client
	SignalStatus      SignalType = "status"
	SignalToken       SignalType = "token"
	SignalBridgeOpen  SignalType = "bridge_open"
	SignalBridgeClose SignalType = "bridge_close"
	SignalLogout      SignalType = "logout"
	SignalError       SignalType = "error"

	// client to server
	SignalIdentity SignalType = "identity"
	SignalReady    SignalType = "ready"
	SignalJoin     SignalType = "join"
	SignalRenew    SignalType = "renew"
)

// SignalMessage is the CBOR body of every signaling frame. Fields not used by a
// given type stay empty.
type SignalMessage struct {
	Type     SignalType `cbor:"1,keyasint"`
	User     string     `cbor:"2,keyasint,omitempty"`
	Status   string     `cbor:"3,keyasint,omitempty"`
	Token    string     `cbor:"4,keyasint,omitempty"`
	Expires  int64      `cbor:"5,keyasint,omitempty"` // unix millis
	Bridge   string     `cbor:"6,keyasint,omitempty"`
	Peer     string     `cbor:"7,keyasint,omitempty"`
	Label    string     `cbor:"8,keyasint,omitempty"`
	Device   string     `cbor:"9,keyasint,omitempty"`
	Encoding string     `cbor:"10,keyasint,omitempty"`
	Reason   string     `cbor:"11,keyasint,omitempty"`
}

func EncodeSignal(msg SignalMessage) ([]byte, error) {
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: signal without type", ErrInvalidFrame)
	}
	return codec.Marshal(msg)
}

func DecodeSignal(data []byte) (SignalMessage, error) {
	var msg SignalMessage
	if err := codec.Unmarshal(data, &msg); err != nil {
		return SignalMessage{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if msg.Type == "" {
		return SignalMessage{}, fmt.Errorf("%w: signal without type", ErrInvalidFrame)
	}
	return msg, nil
}
