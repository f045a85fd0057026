package visibility

import (
	"slices"

	"github.com/zeusync/scenesync/internal/core/property"
)

// DeviceClass is the kind of client a user is connected from.
type DeviceClass uint8

const (
	DeviceDesktop DeviceClass = iota
	DeviceMobile
	DeviceHeadset
)

func (d DeviceClass) String() string {
	switch d {
	case DeviceDesktop:
		return "desktop"
	case DeviceMobile:
		return "mobile"
	case DeviceHeadset:
		return "headset"
	default:
		return "unknown"
	}
}

// ParseDeviceClass maps a handshake string onto a DeviceClass. Unknown values are desktop.
func ParseDeviceClass(s string) DeviceClass {
	switch s {
	case "mobile":
		return DeviceMobile
	case "headset", "vr", "xr":
		return DeviceHeadset
	default:
		return DeviceDesktop
	}
}

// Viewer is the user side of a visibility query.
type Viewer interface {
	UserID() property.UserID
	Device() DeviceClass
}

// Filter rejects users that must not see an entity or anything below it.
type Filter interface {
	Allow(viewer Viewer) bool
}

// FilterFunc adapts a predicate to Filter.
type FilterFunc func(viewer Viewer) bool

func (f FilterFunc) Allow(viewer Viewer) bool { return f(viewer) }

// AllowUsers passes only the listed users.
func AllowUsers(users ...property.UserID) Filter {
	return FilterFunc(func(v Viewer) bool {
		return slices.Contains(users, v.UserID())
	})
}

// DenyUsers rejects the listed users.
func DenyUsers(users ...property.UserID) Filter {
	return FilterFunc(func(v Viewer) bool {
		return !slices.Contains(users, v.UserID())
	})
}

// RequireDevice passes users connected from one of the given device classes.
func RequireDevice(classes ...DeviceClass) Filter {
	return FilterFunc(func(v Viewer) bool {
		return slices.Contains(classes, v.Device())
	})
}
