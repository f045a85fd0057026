package relay

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/zeusync/scenesync/internal/core/channel"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/transport"
)

// FrameSender is the best-effort half of the dispatcher.
type FrameSender interface {
	SendFrame(ctx context.Context, user property.UserID, f transport.Frame) bool
}

// Forwarder fans a peer frame out to the other users, asking the throttle first.
type Forwarder struct {
	throttle *Throttle
	sender   FrameSender
	logger   log.Log

	forwarded  atomic.Uint64
	suppressed atomic.Uint64
}

func NewForwarder(throttle *Throttle, sender FrameSender, logger log.Log) *Forwarder {
	return &Forwarder{
		throttle: throttle,
		sender:   sender,
		logger:   logger.With(log.String("component", "relay")),
	}
}

// Forward relays payload from sender to each recipient the throttle allows.
// Tracking frames also update the sender's position. It returns how many frames
// left the server.
func (f *Forwarder) Forward(ctx context.Context, sender property.UserID, id channel.ID, payload []byte, recipients []property.UserID, now time.Time) int {
	if id.DataType == channel.Tracking {
		if pos, err := DecodePose(payload); err == nil {
			f.throttle.Positions().Update(sender, pos)
		} else {
			f.logger.Debug("tracking frame without pose", log.String("user", string(sender)), log.Error(err))
		}
	}

	frame := transport.Frame{Channel: id, Origin: sender, Payload: payload}
	sent := 0
	for _, recipient := range recipients {
		if !f.throttle.ShouldRelay(sender, recipient, id.DataType, now) {
			if recipient != sender {
				f.suppressed.Add(1)
			}
			continue
		}
		if f.sender.SendFrame(ctx, recipient, frame) {
			sent++
		}
	}
	f.forwarded.Add(uint64(sent))
	return sent
}

func (f *Forwarder) Stats() (forwarded, suppressed uint64) {
	return f.forwarded.Load(), f.suppressed.Load()
}
