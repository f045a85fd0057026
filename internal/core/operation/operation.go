// Package operation turns property changes into wire operations, batches them into
// transactions and encodes them in one of two encodings negotiated per connection.
package operation

import (
	"fmt"

	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/value"
)

// ID is the numeric operation tag. Values are stable across versions.
type ID uint32

const (
	OpLoad        ID = 1
	OpDelete      ID = 2
	OpSetProperty ID = 3
	OpListAdd     ID = 4
	OpListRemove  ID = 5
	OpListSet     ID = 6
	OpDictAdd     ID = 7
	OpDictRemove  ID = 8
	OpDictSet     ID = 9
)

var opNames = map[ID]string{
	OpLoad:        "load",
	OpDelete:      "delete",
	OpSetProperty: "set_property",
	OpListAdd:     "list_add",
	OpListRemove:  "list_remove",
	OpListSet:     "list_set",
	OpDictAdd:     "dict_add",
	OpDictRemove:  "dict_remove",
	OpDictSet:     "dict_set",
}

func (id ID) String() string {
	if name, ok := opNames[id]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint32(id))
}

// Operation is one entry of a Transaction.
type Operation interface {
	Op() ID
	Target() scene.EntityID
}

// PropertyValue is a property carried inside a Load.
type PropertyValue struct {
	Key   property.Key `cbor:"1,keyasint"`
	Value value.Value  `cbor:"2,keyasint"`
}

// LoadEntity introduces an entity with every property as the recipient sees it.
type LoadEntity struct {
	Entity     scene.EntityID  `cbor:"1,keyasint"`
	Parent     scene.EntityID  `cbor:"2,keyasint,omitempty"`
	Kind       scene.NodeKind  `cbor:"3,keyasint"`
	Properties []PropertyValue `cbor:"4,keyasint,omitempty"`
}

type DeleteEntity struct {
	Entity scene.EntityID `cbor:"1,keyasint"`
}

type SetProperty struct {
	Entity scene.EntityID `cbor:"1,keyasint"`
	Key    property.Key   `cbor:"2,keyasint"`
	Value  value.Value    `cbor:"3,keyasint"`
}

type ListAdd struct {
	Entity scene.EntityID `cbor:"1,keyasint"`
	Key    property.Key   `cbor:"2,keyasint"`
	Index  uint32         `cbor:"3,keyasint"`
	Value  value.Value    `cbor:"4,keyasint"`
}

type ListRemove struct {
	Entity scene.EntityID `cbor:"1,keyasint"`
	Key    property.Key   `cbor:"2,keyasint"`
	Index  uint32         `cbor:"3,keyasint"`
}

type ListSet struct {
	Entity scene.EntityID `cbor:"1,keyasint"`
	Key    property.Key   `cbor:"2,keyasint"`
	Index  uint32         `cbor:"3,keyasint"`
	Value  value.Value    `cbor:"4,keyasint"`
}

type DictAdd struct {
	Entity scene.EntityID `cbor:"1,keyasint"`
	Key    property.Key   `cbor:"2,keyasint"`
	MapKey string         `cbor:"3,keyasint"`
	Value  value.Value    `cbor:"4,keyasint"`
}

type DictRemove struct {
	Entity scene.EntityID `cbor:"1,keyasint"`
	Key    property.Key   `cbor:"2,keyasint"`
	MapKey string         `cbor:"3,keyasint"`
}

type DictSet struct {
	Entity scene.EntityID `cbor:"1,keyasint"`
	Key    property.Key   `cbor:"2,keyasint"`
	MapKey string         `cbor:"3,keyasint"`
	Value  value.Value    `cbor:"4,keyasint"`
}

func (LoadEntity) Op() ID   { return OpLoad }
func (DeleteEntity) Op() ID { return OpDelete }
func (SetProperty) Op() ID  { return OpSetProperty }
func (ListAdd) Op() ID      { return OpListAdd }
func (ListRemove) Op() ID   { return OpListRemove }
func (ListSet) Op() ID      { return OpListSet }
func (DictAdd) Op() ID      { return OpDictAdd }
func (DictRemove) Op() ID   { return OpDictRemove }
func (DictSet) Op() ID      { return OpDictSet }

func (o LoadEntity) Target() scene.EntityID   { return o.Entity }
func (o DeleteEntity) Target() scene.EntityID { return o.Entity }
func (o SetProperty) Target() scene.EntityID  { return o.Entity }
func (o ListAdd) Target() scene.EntityID      { return o.Entity }
func (o ListRemove) Target() scene.EntityID   { return o.Entity }
func (o ListSet) Target() scene.EntityID      { return o.Entity }
func (o DictAdd) Target() scene.EntityID      { return o.Entity }
func (o DictRemove) Target() scene.EntityID   { return o.Entity }
func (o DictSet) Target() scene.EntityID      { return o.Entity }
