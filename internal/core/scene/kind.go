package scene

import "fmt"

// EntityID is unique for the lifetime of a session. Zero means "no entity".
type EntityID uint32

// NodeKind tags what an entity represents. Kind-specific behaviour is a switch over
// this tag, not a type hierarchy.
type NodeKind uint8

const (
	KindEmpty NodeKind = iota
	KindMesh
	KindText
	KindAvatar
	KindAudio
	KindVideo
	KindLight
	KindAnchor
	kindCount
)

var kindNames = [...]string{
	KindEmpty:  "empty",
	KindMesh:   "mesh",
	KindText:   "text",
	KindAvatar: "avatar",
	KindAudio:  "audio",
	KindVideo:  "video",
	KindLight:  "light",
	KindAnchor: "anchor",
}

func (k NodeKind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a known kind.
func (k NodeKind) Valid() bool { return k < kindCount }

// ParseNodeKind is the inverse of String.
func ParseNodeKind(s string) (NodeKind, bool) {
	for i, name := range kindNames {
		if name == s {
			return NodeKind(i), true
		}
	}
	return KindEmpty, false
}
