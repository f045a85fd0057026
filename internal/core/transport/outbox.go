package transport

import (
	"context"
	"sync"

	"github.com/zeusync/scenesync/internal/core/channel"
	"github.com/zeusync/scenesync/internal/core/operation"
	"github.com/zeusync/scenesync/internal/core/property"
)

// outgoing is one reliable frame waiting for its turn on a lane.
type outgoing struct {
	id      channel.ID
	origin  property.UserID
	payload []byte

	// tx is the transaction the payload encodes, nil for signals.
	tx *operation.Transaction
	// done receives the outcome when a caller waits for it.
	done chan error
}

func (o *outgoing) finish(err error) {
	if o.done != nil {
		o.done <- err
	}
}

// lane orders the reliable sends of one user. While nothing is queued a send
// goes out on the caller's goroutine; once a send has to be held, it and
// everything behind it are drained by one goroutine in order.
type lane struct {
	mu     sync.Mutex
	queue  []*outgoing
	busy   bool
	closed bool
	idle   chan struct{}
}

// claim makes the caller the lane's sender if nobody else is sending.
func (l *lane) claim() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy {
		return false
	}
	l.busy = true
	l.idle = make(chan struct{})
	return true
}

// push appends o behind the current sender. It fails when the lane is
// closed or limit items are already waiting.
func (l *lane) push(o *outgoing, limit int) *Error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return NewError(ErrorCodeConnectionClosed, "send to released user", ErrConnectionClosed)
	}
	if limit > 0 && len(l.queue) >= limit {
		return NewError(ErrorCodeQueueFull, "send queue", ErrSendQueueFull).WithContext("limit", limit)
	}
	l.queue = append(l.queue, o)
	return nil
}

func (l *lane) pushFront(o *outgoing) {
	l.mu.Lock()
	l.queue = append([]*outgoing{o}, l.queue...)
	l.mu.Unlock()
}

// next pops the head of the queue, or marks the lane idle when it is empty.
func (l *lane) next() (*outgoing, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		l.busy = false
		if l.idle != nil {
			close(l.idle)
			l.idle = nil
		}
		return nil, false
	}
	o := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return o, true
}

func (l *lane) pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) > 0
}

// takeAll empties the queue and reports whether the lane was closed.
func (l *lane) takeAll() ([]*outgoing, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rest := l.queue
	l.queue = nil
	return rest, l.closed
}

// close refuses new sends. With drop set, queued sends are returned for the
// caller to fail; otherwise they are still delivered.
func (l *lane) close(drop bool) []*outgoing {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if !drop {
		return nil
	}
	rest := l.queue
	l.queue = nil
	return rest
}

// wait blocks until the lane has nothing queued or in flight.
func (l *lane) wait(ctx context.Context) error {
	l.mu.Lock()
	idle := l.idle
	l.mu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
