package transport

import (
	"context"
	"sync"
	"time"

	"github.com/zeusync/scenesync/internal/core/channel"
)

type retryPolicy struct {
	maxRetries int
	backoff    time.Duration
}

// Channel is one logical pipe of one user. The binding behind it can change while
// the user reconnects; frames sent on the channel keep their order across retries.
type Channel struct {
	id channel.ID

	mu      sync.RWMutex
	binding Binding

	sendMu sync.Mutex
}

func NewChannel(id channel.ID) *Channel {
	return &Channel{id: id}
}

func (c *Channel) ID() channel.ID { return c.id }

// Bind attaches b and returns the binding it replaced.
func (c *Channel) Bind(b Binding) Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.binding
	c.binding = b
	return old
}

func (c *Channel) Unbind() Binding {
	return c.Bind(nil)
}

// unbindIf detaches b if it is the current binding.
func (c *Channel) unbindIf(b Binding) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.binding != b || b == nil {
		return false
	}
	c.binding = nil
	return true
}

func (c *Channel) Binding() Binding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.binding
}

// send writes frame, retrying retryable failures with doubling backoff. The send
// lock is held across attempts. It returns the number of attempts made.
func (c *Channel) send(ctx context.Context, frame []byte, policy retryPolicy) (int, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	backoff := policy.backoff
	var err error
	for attempt := 0; attempt <= policy.maxRetries; attempt++ {
		if attempt > 0 {
			if waitErr := sleep(ctx, backoff); waitErr != nil {
				return attempt, waitErr
			}
			backoff *= 2
		}

		b := c.Binding()
		if b == nil {
			err = NewError(ErrorCodeConnectionLost, "channel unbound", ErrConnectionLost).
				WithContext("channel", c.id.String())
			continue
		}

		if err = b.Send(ctx, frame); err == nil {
			return attempt + 1, nil
		}
		if !retryable(err) {
			return attempt + 1, err
		}
	}
	return policy.maxRetries + 1, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
