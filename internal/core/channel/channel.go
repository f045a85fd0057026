// Package channel names the logical pipes state travels on: a reliability flag
// crossed with a data type.
package channel

import "fmt"

// DataType is the kind of traffic a channel carries.
type DataType uint8

const (
	Signaling DataType = iota
	Data
	Tracking
	Voice
	Video
	dataTypeCount
)

var dataTypeNames = [...]string{
	Signaling: "signaling",
	Data:      "data",
	Tracking:  "tracking",
	Voice:     "voice",
	Video:     "video",
}

func (d DataType) String() string {
	if d < dataTypeCount {
		return dataTypeNames[d]
	}
	return fmt.Sprintf("datatype(%d)", uint8(d))
}

func (d DataType) Valid() bool { return d < dataTypeCount }

// ParseDataType is the inverse of String.
func ParseDataType(s string) (DataType, bool) {
	for i, name := range dataTypeNames {
		if name == s {
			return DataType(i), true
		}
	}
	return 0, false
}

// PeerToPeer reports whether the type is relayed between users rather than produced
// by the server.
func (d DataType) PeerToPeer() bool {
	return d == Tracking || d == Voice || d == Video
}

// ID identifies a logical channel.
type ID struct {
	Reliable bool
	DataType DataType
}

// New builds an ID, applying the fixed rules: signaling is always reliable, tracking
// and voice are always best-effort.
func New(reliable bool, dt DataType) ID {
	switch dt {
	case Signaling:
		reliable = true
	case Tracking, Voice:
		reliable = false
	}
	return ID{Reliable: reliable, DataType: dt}
}

var (
	SignalingChannel = New(true, Signaling)
	ReliableData     = New(true, Data)
	UnreliableData   = New(false, Data)
	TrackingChannel  = New(false, Tracking)
	VoiceChannel     = New(false, Voice)
)

// All lists every distinct channel, reliable ones first.
func All() []ID {
	return []ID{
		SignalingChannel,
		ReliableData,
		New(true, Video),
		UnreliableData,
		TrackingChannel,
		VoiceChannel,
		New(false, Video),
	}
}

// Byte packs the id into one byte: bit 7 reliability, low bits data type.
func (id ID) Byte() byte {
	b := byte(id.DataType) & 0x7f
	if id.Reliable {
		b |= 0x80
	}
	return b
}

// FromByte is the inverse of Byte. It rejects unknown data types.
func FromByte(b byte) (ID, error) {
	dt := DataType(b & 0x7f)
	if !dt.Valid() {
		return ID{}, fmt.Errorf("channel: unknown data type %d", uint8(dt))
	}
	return ID{Reliable: b&0x80 != 0, DataType: dt}, nil
}

func (id ID) String() string {
	if id.Reliable {
		return "reliable/" + id.DataType.String()
	}
	return "unreliable/" + id.DataType.String()
}
