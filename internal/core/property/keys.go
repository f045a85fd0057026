package property

import "fmt"

// UserID identifies a connected user. Overrides and per-user dirty state are keyed by it.
type UserID string

// Key is the stable numeric tag a property carries on the wire. New keys are additive only.
type Key uint32

const (
	KeyPosition Key = iota + 1
	KeyRotation
	KeyScale
	KeyParentID
	KeyActive
	KeyStatic
	KeyVROnly
	KeyAnchor
	KeyName
	KeyText
	KeyColor
	KeyMediaURL
	KeyVolume
	KeyTags
	KeyAttributes
)

// KeyCustom is the first key available to application-defined properties.
const KeyCustom Key = 1024

var keyNames = map[Key]string{
	KeyPosition:   "position",
	KeyRotation:   "rotation",
	KeyScale:      "scale",
	KeyParentID:   "parent_id",
	KeyActive:     "active",
	KeyStatic:     "static",
	KeyVROnly:     "vr_only",
	KeyAnchor:     "anchor",
	KeyName:       "name",
	KeyText:       "text",
	KeyColor:      "color",
	KeyMediaURL:   "media_url",
	KeyVolume:     "volume",
	KeyTags:       "tags",
	KeyAttributes: "attributes",
}

func (k Key) String() string {
	if name, ok := keyNames[k]; ok {
		return name
	}
	if k >= KeyCustom {
		return fmt.Sprintf("custom(%d)", uint32(k-KeyCustom))
	}
	return fmt.Sprintf("key(%d)", uint32(k))
}
