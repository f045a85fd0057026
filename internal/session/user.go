package session

import (
	"strings"
	"time"

	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/transport"
	"github.com/zeusync/scenesync/internal/core/visibility"
)

// Status is where a user is in the handshake.
type Status uint8

const (
	StatusCreated Status = iota + 1
	StatusReady
	StatusActive
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusReady:
		return "READY"
	case StatusActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

func ParseStatus(s string) (Status, bool) {
	switch strings.ToUpper(s) {
	case "CREATED":
		return StatusCreated, true
	case "READY":
		return StatusReady, true
	case "ACTIVE":
		return StatusActive, true
	default:
		return 0, false
	}
}

var _ visibility.Viewer = (*User)(nil)

// User is a connected participant. It is owned by the Environment and touched
// from the tick only.
type User struct {
	id       property.UserID
	device   visibility.DeviceClass
	encoding string
	status   Status
	cache    *visibility.Cache

	// primary carries signaling from the first contact and every other channel
	// once a valid token has been presented.
	primary       transport.Binding
	authenticated bool

	// stale holds entities the user may still have because their Delete was
	// lost; the next tick deletes them again.
	stale map[scene.EntityID]struct{}

	identified time.Time
	joined     time.Time
}

func newUser(id property.UserID, device visibility.DeviceClass, encoding string, now time.Time) *User {
	return &User{
		id:         id,
		device:     device,
		encoding:   encoding,
		status:     StatusCreated,
		cache:      visibility.NewCache(),
		stale:      make(map[scene.EntityID]struct{}),
		identified: now,
	}
}

func (u *User) UserID() property.UserID        { return u.id }
func (u *User) Device() visibility.DeviceClass { return u.device }
func (u *User) Encoding() string               { return u.encoding }
func (u *User) Status() Status                 { return u.status }
func (u *User) Authenticated() bool            { return u.authenticated }
func (u *User) Joined() time.Time              { return u.joined }
func (u *User) Identified() time.Time          { return u.identified }
func (u *User) Active() bool                   { return u.status == StatusActive }
func (u *User) Primary() transport.Binding     { return u.primary }
func (u *User) Visible() []uint32              { return u.cache.Visible() }

// Info is a read-only copy of a user handed outside the tick.
type Info struct {
	ID            property.UserID `json:"id"`
	Device        string          `json:"device"`
	Encoding      string          `json:"encoding"`
	Status        string          `json:"status"`
	Authenticated bool            `json:"authenticated"`
}

func (u *User) Info() Info {
	return Info{
		ID:            u.id,
		Device:        u.device.String(),
		Encoding:      u.encoding,
		Status:        u.status.String(),
		Authenticated: u.authenticated,
	}
}

func userID(s string) property.UserID { return property.UserID(s) }
