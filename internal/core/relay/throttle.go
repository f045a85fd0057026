// Package relay rate-limits peer-to-peer frames by distance. Nearby peers get
// frequent updates; distant ones get fewer. The newest frame always wins: a
// suppressed frame is dropped, never queued.
package relay

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/scenesync/internal/core/channel"
	"github.com/zeusync/scenesync/internal/core/property"
)

const shardCount = 16

type Config struct {
	NearThreshold float64
	FarThreshold  float64
	MinDelay      time.Duration
	MaxDelay      time.Duration
	// StartAt is the number of tracked peers below which every frame is relayed.
	StartAt int
}

func DefaultConfig() Config {
	return Config{
		NearThreshold: 200,
		FarThreshold:  1000,
		MinDelay:      200 * time.Millisecond,
		MaxDelay:      time.Second,
		StartAt:       3,
	}
}

type pairKey struct {
	sender   property.UserID
	receiver property.UserID
	group    channel.DataType
}

type shard struct {
	mu   sync.Mutex
	last map[pairKey]time.Time
}

// Throttle decides per (sender, receiver, group) whether a frame may be relayed
// now. Bookkeeping is sharded by sender so concurrent senders rarely contend.
type Throttle struct {
	cfg       Config
	positions *Positions
	shards    [shardCount]shard

	hostMu sync.RWMutex
	host   property.UserID
}

func NewThrottle(cfg Config, positions *Positions) *Throttle {
	t := &Throttle{cfg: cfg, positions: positions}
	for i := range t.shards {
		t.shards[i].last = make(map[pairKey]time.Time)
	}
	return t
}

func (t *Throttle) Config() Config { return t.cfg }

func (t *Throttle) Positions() *Positions { return t.positions }

// SetHost names the authoritative host, which never receives relayed frames.
func (t *Throttle) SetHost(user property.UserID) {
	t.hostMu.Lock()
	t.host = user
	t.hostMu.Unlock()
}

func (t *Throttle) Host() property.UserID {
	t.hostMu.RLock()
	defer t.hostMu.RUnlock()
	return t.host
}

func (t *Throttle) shardFor(sender property.UserID) *shard {
	return &t.shards[xxhash.Sum64String(string(sender))%shardCount]
}

// AllowedDelay maps a distance to the minimum spacing between relayed frames:
// MinDelay up to NearThreshold, MaxDelay from FarThreshold, linear in between.
func (t *Throttle) AllowedDelay(distance float64) time.Duration {
	switch {
	case distance <= t.cfg.NearThreshold:
		return t.cfg.MinDelay
	case distance >= t.cfg.FarThreshold:
		return t.cfg.MaxDelay
	}
	span := t.cfg.FarThreshold - t.cfg.NearThreshold
	frac := (distance - t.cfg.NearThreshold) / span
	return t.cfg.MinDelay + time.Duration(frac*float64(t.cfg.MaxDelay-t.cfg.MinDelay))
}

// ShouldRelay reports whether a frame from sender may go to receiver at now, and
// records the relay when it may. A receiver without a known position counts as
// far away.
func (t *Throttle) ShouldRelay(sender, receiver property.UserID, group channel.DataType, now time.Time) bool {
	if sender == receiver || receiver == t.Host() {
		return false
	}
	if t.cfg.MaxDelay == 0 {
		return true
	}

	delay := t.cfg.MaxDelay
	if t.positions.Len() < t.cfg.StartAt {
		delay = 0
	} else if d, ok := t.positions.Distance(sender, receiver); ok {
		delay = t.AllowedDelay(d)
	}

	key := pairKey{sender: sender, receiver: receiver, group: group}
	sh := t.shardFor(sender)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if last, ok := sh.last[key]; ok && now.Sub(last) < delay {
		return false
	}
	sh.last[key] = now
	return true
}

// Forget drops all bookkeeping involving user.
func (t *Throttle) Forget(user property.UserID) {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for key := range sh.last {
			if key.sender == user || key.receiver == user {
				delete(sh.last, key)
			}
		}
		sh.mu.Unlock()
	}
	t.positions.Forget(user)

	t.hostMu.Lock()
	if t.host == user {
		t.host = ""
	}
	t.hostMu.Unlock()
}

// Tracked is the number of (sender, receiver, group) entries held.
func (t *Throttle) Tracked() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		n += len(sh.last)
		sh.mu.Unlock()
	}
	return n
}
