package transport

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/zeusync/scenesync/internal/core/channel"
	"github.com/zeusync/scenesync/internal/core/property"
)

// Frame layout: [u8 channel][u8 flags]([u8 n][origin n bytes])?[payload].
const (
	flagCompressed byte = 1 << 0
	flagOrigin     byte = 1 << 1
	knownFlags          = flagCompressed | flagOrigin

	// MaxFrameSize bounds a decoded payload.
	MaxFrameSize = 16 << 20

	maxOriginLen = 255
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
	)
	if err != nil {
		panic("transport: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(MaxFrameSize),
	)
	if err != nil {
		panic("transport: zstd decoder initialization failed: " + err.Error())
	}
}

// Frame is one message on one logical channel. Origin is set on frames relayed
// between peers and names the sending user.
type Frame struct {
	Channel channel.ID
	Origin  property.UserID
	Payload []byte
}

// EncodeFrame serializes f. Reliable payloads of at least compressAbove bytes are
// zstd-compressed when that makes them smaller; compressAbove <= 0 disables it.
func EncodeFrame(f Frame, compressAbove int) ([]byte, error) {
	if len(f.Origin) > maxOriginLen {
		return nil, fmt.Errorf("%w: origin longer than %d bytes", ErrInvalidFrame, maxOriginLen)
	}
	if len(f.Payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	var flags byte
	payload := f.Payload
	if f.Channel.Reliable && compressAbove > 0 && len(payload) >= compressAbove {
		if compressed := zstdEncoder.EncodeAll(payload, nil); len(compressed) < len(payload) {
			payload = compressed
			flags |= flagCompressed
		}
	}
	if f.Origin != "" {
		flags |= flagOrigin
	}

	out := make([]byte, 0, 3+len(f.Origin)+len(payload))
	out = append(out, f.Channel.Byte(), flags)
	if f.Origin != "" {
		out = append(out, byte(len(f.Origin)))
		out = append(out, f.Origin...)
	}
	return append(out, payload...), nil
}

// DecodeFrame parses a frame. An uncompressed payload aliases data.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < 2 {
		return Frame{}, fmt.Errorf("%w: %d byte header", ErrInvalidFrame, len(data))
	}
	id, err := channel.FromByte(data[0])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	flags := data[1]
	if flags&^knownFlags != 0 {
		return Frame{}, fmt.Errorf("%w: unknown flags %#x", ErrInvalidFrame, flags)
	}

	f := Frame{Channel: id}
	rest := data[2:]
	if flags&flagOrigin != 0 {
		if len(rest) < 1 || len(rest) < 1+int(rest[0]) {
			return Frame{}, fmt.Errorf("%w: truncated origin", ErrInvalidFrame)
		}
		n := int(rest[0])
		f.Origin = property.UserID(rest[1 : 1+n])
		rest = rest[1+n:]
	}

	if flags&flagCompressed != 0 {
		payload, err := zstdDecoder.DecodeAll(rest, nil)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		rest = payload
	}
	if len(rest) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	f.Payload = rest
	return f, nil
}
