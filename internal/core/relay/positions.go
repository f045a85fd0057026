package relay

import (
	"errors"
	"sync"

	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/value"
)

var ErrNotAPose = errors.New("relay: tracking payload does not start with a position")

// Positions holds the last tracked position of each user. Tracking frames update
// it from I/O goroutines; the throttle reads it.
type Positions struct {
	mu  sync.RWMutex
	pos map[property.UserID]value.Vector3
}

func NewPositions() *Positions {
	return &Positions{pos: make(map[property.UserID]value.Vector3)}
}

func (p *Positions) Update(user property.UserID, v value.Vector3) {
	p.mu.Lock()
	p.pos[user] = v
	p.mu.Unlock()
}

func (p *Positions) Get(user property.UserID) (value.Vector3, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.pos[user]
	return v, ok
}

// Distance between two tracked users. ok is false unless both are tracked.
func (p *Positions) Distance(a, b property.UserID) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pa, okA := p.pos[a]
	pb, okB := p.pos[b]
	if !okA || !okB {
		return 0, false
	}
	return pa.Distance(pb), true
}

func (p *Positions) Forget(user property.UserID) {
	p.mu.Lock()
	delete(p.pos, user)
	p.mu.Unlock()
}

func (p *Positions) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pos)
}

// EncodePose builds a tracking payload: a compact Vector3 position followed by a
// compact Quaternion rotation.
func EncodePose(position value.Vector3, rotation value.Quaternion) []byte {
	w := value.NewWriter(make([]byte, 0, 40))
	w.WriteValue(value.Vec3(position))
	w.WriteValue(value.Quat(rotation))
	return w.Bytes()
}

// DecodePose reads the position at the front of a tracking payload. Anything
// after it is ignored.
func DecodePose(payload []byte) (value.Vector3, error) {
	r := value.NewReader(payload)
	v := r.ReadValue()
	if err := r.Err(); err != nil {
		return value.Vector3{}, err
	}
	pos, ok := v.AsVector3()
	if !ok {
		return value.Vector3{}, ErrNotAPose
	}
	return pos, nil
}
