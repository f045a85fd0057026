package transport

import (
	"sync/atomic"
	"time"

	"github.com/zeusync/scenesync/internal/core/channel"
	"github.com/zeusync/scenesync/internal/core/property"
)

// Inbound is a frame received by an I/O goroutine, waiting for the tick.
type Inbound struct {
	User    property.UserID
	Channel channel.ID
	Payload []byte

	// Target names the peer a bridged frame is addressed to.
	Target   property.UserID
	Received time.Time
}

// Inbox hands inbound frames from I/O goroutines to the simulation tick. Push never
// blocks; when the queue is full the frame is counted and dropped.
type Inbox struct {
	queue   chan Inbound
	dropped atomic.Uint64
}

func NewInbox(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Inbox{queue: make(chan Inbound, capacity)}
}

func (i *Inbox) Push(msg Inbound) error {
	select {
	case i.queue <- msg:
		return nil
	default:
		i.dropped.Add(1)
		return NewError(ErrorCodeQueueFull, "inbox push", ErrQueueFull).
			WithContext("user", string(msg.User))
	}
}

// Drain returns what was queued when it was called, in arrival order. Frames pushed
// while draining wait for the next call.
func (i *Inbox) Drain() []Inbound {
	n := len(i.queue)
	if n == 0 {
		return nil
	}
	out := make([]Inbound, 0, n)
	for range n {
		select {
		case msg := <-i.queue:
			out = append(out, msg)
		default:
			return out
		}
	}
	return out
}

func (i *Inbox) Len() int { return len(i.queue) }

func (i *Inbox) Dropped() uint64 { return i.dropped.Load() }
