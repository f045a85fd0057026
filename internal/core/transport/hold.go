package transport

import (
	"context"
	"sync"
	"time"
)

// tokenGate holds reliable sends while a user's token is expired. Renewal or
// release wakes every waiter at once.
type tokenGate struct {
	mu       sync.Mutex
	token    string
	expires  time.Time
	expired  bool
	released bool
	renewed  chan struct{}
}

func (g *tokenGate) set(token string, expires time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.token = token
	g.expires = expires
	g.expired = false
	g.wakeLocked()
}

func (g *tokenGate) expire() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireLocked()
}

func (g *tokenGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = true
	g.wakeLocked()
}

func (g *tokenGate) expireLocked() {
	g.expired = true
	if g.renewed == nil {
		g.renewed = make(chan struct{})
	}
}

func (g *tokenGate) wakeLocked() {
	if g.renewed != nil {
		close(g.renewed)
		g.renewed = nil
	}
}

// check reports whether sends may proceed now. A user that never received a
// token is not gated.
func (g *tokenGate) checkLocked(now time.Time) bool {
	if !g.expired && !g.expires.IsZero() && !now.Before(g.expires) {
		g.expireLocked()
	}
	return !g.expired
}

func (g *tokenGate) valid(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.released && g.checkLocked(now)
}

// wait blocks until the token is valid, the limit elapses or ctx ends. held is
// true when the caller had to wait at all.
func (g *tokenGate) wait(ctx context.Context, now time.Time, limit time.Duration) (held bool, err error) {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return false, ErrConnectionClosed
	}
	if g.checkLocked(now) {
		g.mu.Unlock()
		return false, nil
	}
	renewed := g.renewed
	g.mu.Unlock()

	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case <-renewed:
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.released {
			return true, ErrConnectionClosed
		}
		return true, nil
	case <-timer.C:
		return true, ErrTokenExpired
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

func (g *tokenGate) current() (string, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.token, g.expires
}
