package property

import "github.com/zeusync/scenesync/internal/core/value"

// ChangeKind classifies one drained delta.
type ChangeKind uint8

const (
	ChangeSet ChangeKind = iota + 1
	ChangeListAdd
	ChangeListRemove
	ChangeListSet
	ChangeDictAdd
	ChangeDictRemove
	ChangeDictSet
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeSet:
		return "set"
	case ChangeListAdd:
		return "list_add"
	case ChangeListRemove:
		return "list_remove"
	case ChangeListSet:
		return "list_set"
	case ChangeDictAdd:
		return "dict_add"
	case ChangeDictRemove:
		return "dict_remove"
	case ChangeDictSet:
		return "dict_set"
	default:
		return "unknown"
	}
}

// Change is a delta for one recipient, already serialized for that recipient.
type Change struct {
	Kind   ChangeKind
	Key    Key
	Index  uint32
	MapKey string
	Value  value.Value
}

// Syncable is what an entity exposes for each of its properties so the session tick can
// drain deltas without knowing the property's element type.
//
// All methods are called from the simulation tick only.
type Syncable interface {
	Key() Key
	// Dirty reports whether any recipient would receive a change from Changes.
	Dirty() bool
	// Changes returns the deltas user needs to catch up with the current value. It must
	// only be asked for users that already hold the entity.
	Changes(user UserID) []Change
	// Snapshot is the full current value as user sees it, used for Load.
	Snapshot(user UserID) value.Value
	// Commit records the current state as transmitted to everyone.
	Commit()
	// ForgetUser drops any override and bookkeeping for user.
	ForgetUser(user UserID)
	// Close drops every observer. Called when the owning entity is disposed.
	Close()
}
