// Package value defines the serialized form of a property value as it travels on the
// wire. Both operation encodings carry a Value; the property store produces one per
// recipient through its serializer.
package value

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Kind tags which member of Value is populated.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBytes
	KindVector3
	KindQuaternion
	KindList
	KindMap
	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindVector3:
		return "vector3"
	case KindQuaternion:
		return "quaternion"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a kind this version understands.
func (k Kind) Valid() bool {
	return k < kindCount
}

// Value is a tagged union. Only the member selected by Kind is meaningful.
type Value struct {
	Kind  Kind             `cbor:"1,keyasint"`
	Bool  bool             `cbor:"2,keyasint,omitempty"`
	Int   int64            `cbor:"3,keyasint,omitempty"`
	Uint  uint64           `cbor:"4,keyasint,omitempty"`
	Float float64          `cbor:"5,keyasint,omitempty"`
	Str   string           `cbor:"6,keyasint,omitempty"`
	Bytes []byte           `cbor:"7,keyasint,omitempty"`
	Vec   [4]float32       `cbor:"8,keyasint,omitempty"`
	List  []Value          `cbor:"9,keyasint,omitempty"`
	Map   map[string]Value `cbor:"10,keyasint,omitempty"`
}

// Vector3 is a position or scale.
type Vector3 struct {
	X, Y, Z float32
}

// Distance returns the euclidean distance between two points.
func (v Vector3) Distance(o Vector3) float64 {
	dx := float64(v.X - o.X)
	dy := float64(v.Y - o.Y)
	dz := float64(v.Z - o.Z)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Quaternion is a rotation.
type Quaternion struct {
	X, Y, Z, W float32
}

// IdentityRotation is the zero rotation.
var IdentityRotation = Quaternion{W: 1}

func Nil() Value                { return Value{Kind: KindNil} }
func Bool(b bool) Value         { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value         { return Value{Kind: KindInt, Int: i} }
func Uint(u uint64) Value       { return Value{Kind: KindUint, Uint: u} }
func Float(f float64) Value     { return Value{Kind: KindFloat, Float: f} }
func String(s string) Value     { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value      { return Value{Kind: KindBytes, Bytes: b} }
func List(items ...Value) Value { return Value{Kind: KindList, List: items} }

func Vec3(v Vector3) Value {
	return Value{Kind: KindVector3, Vec: [4]float32{v.X, v.Y, v.Z, 0}}
}

func Quat(q Quaternion) Value {
	return Value{Kind: KindQuaternion, Vec: [4]float32{q.X, q.Y, q.Z, q.W}}
}

func Map(entries map[string]Value) Value {
	return Value{Kind: KindMap, Map: entries}
}

// AsVector3 returns the vector carried by a Vector3 value.
func (v Value) AsVector3() (Vector3, bool) {
	if v.Kind != KindVector3 {
		return Vector3{}, false
	}
	return Vector3{X: v.Vec[0], Y: v.Vec[1], Z: v.Vec[2]}, true
}

// AsQuaternion returns the rotation carried by a Quaternion value.
func (v Value) AsQuaternion() (Quaternion, bool) {
	if v.Kind != KindQuaternion {
		return Quaternion{}, false
	}
	return Quaternion{X: v.Vec[0], Y: v.Vec[1], Z: v.Vec[2], W: v.Vec[3]}, true
}

// Equal compares two values structurally. Empty and nil collections are equal, so a
// value survives an encoding that drops empty fields.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNil:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindInt:
		return v.Int == o.Int
	case KindUint:
		return v.Uint == o.Uint
	case KindFloat:
		return v.Float == o.Float || (math.IsNaN(v.Float) && math.IsNaN(o.Float))
	case KindString:
		return v.Str == o.Str
	case KindBytes:
		return string(v.Bytes) == string(o.Bytes)
	case KindVector3:
		return v.Vec[0] == o.Vec[0] && v.Vec[1] == o.Vec[1] && v.Vec[2] == o.Vec[2]
	case KindQuaternion:
		return v.Vec == o.Vec
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.Map) != len(o.Map) {
			return false
		}
		for k, a := range v.Map {
			b, ok := o.Map[k]
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Clone returns a deep copy so replicas never alias a sender's slices or maps.
func (v Value) Clone() Value {
	out := v
	switch v.Kind {
	case KindBytes:
		out.Bytes = append([]byte(nil), v.Bytes...)
	case KindList:
		out.List = make([]Value, len(v.List))
		for i, item := range v.List {
			out.List[i] = item.Clone()
		}
	case KindMap:
		out.Map = make(map[string]Value, len(v.Map))
		for k, item := range v.Map {
			out.Map[k] = item.Clone()
		}
	}
	return out
}

func (v Value) String() string {
	switch v.Kind {
	case KindNil:
		return "nil"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindUint:
		return fmt.Sprintf("%du", v.Uint)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindBytes:
		return fmt.Sprintf("bytes[%d]", len(v.Bytes))
	case KindVector3:
		return fmt.Sprintf("(%g, %g, %g)", v.Vec[0], v.Vec[1], v.Vec[2])
	case KindQuaternion:
		return fmt.Sprintf("(%g, %g, %g, %g)", v.Vec[0], v.Vec[1], v.Vec[2], v.Vec[3])
	case KindList:
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMap:
		keys := SortedKeys(v.Map)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + v.Map[k].String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return v.Kind.String()
	}
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
