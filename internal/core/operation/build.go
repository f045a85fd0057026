package operation

import (
	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/scene"
)

// NewLoad captures e as user currently sees it.
func NewLoad(e *scene.Entity, user property.UserID) LoadEntity {
	states := e.Snapshot(user)
	props := make([]PropertyValue, len(states))
	for i, s := range states {
		props[i] = PropertyValue{Key: s.Key, Value: s.Value}
	}
	var parent scene.EntityID
	if p := e.Parent(); p != nil {
		parent = p.ID()
	}
	return LoadEntity{Entity: e.ID(), Parent: parent, Kind: e.Kind(), Properties: props}
}

// FromChanges maps drained property changes of one entity onto operations.
func FromChanges(entity scene.EntityID, changes []property.Change) []Operation {
	out := make([]Operation, 0, len(changes))
	for _, c := range changes {
		switch c.Kind {
		case property.ChangeSet:
			out = append(out, SetProperty{Entity: entity, Key: c.Key, Value: c.Value})
		case property.ChangeListAdd:
			out = append(out, ListAdd{Entity: entity, Key: c.Key, Index: c.Index, Value: c.Value})
		case property.ChangeListRemove:
			out = append(out, ListRemove{Entity: entity, Key: c.Key, Index: c.Index})
		case property.ChangeListSet:
			out = append(out, ListSet{Entity: entity, Key: c.Key, Index: c.Index, Value: c.Value})
		case property.ChangeDictAdd:
			out = append(out, DictAdd{Entity: entity, Key: c.Key, MapKey: c.MapKey, Value: c.Value})
		case property.ChangeDictRemove:
			out = append(out, DictRemove{Entity: entity, Key: c.Key, MapKey: c.MapKey})
		case property.ChangeDictSet:
			out = append(out, DictSet{Entity: entity, Key: c.Key, MapKey: c.MapKey, Value: c.Value})
		}
	}
	return out
}
