package property

import (
	"fmt"

	"github.com/zeusync/scenesync/internal/core/value"
)

// Encode converts the Go types properties commonly hold into a wire value. Unsupported
// types encode as their fmt representation.
func Encode(v any) value.Value {
	switch t := v.(type) {
	case nil:
		return value.Nil()
	case value.Value:
		return t
	case bool:
		return value.Bool(t)
	case int:
		return value.Int(int64(t))
	case int32:
		return value.Int(int64(t))
	case int64:
		return value.Int(t)
	case uint:
		return value.Uint(uint64(t))
	case uint32:
		return value.Uint(uint64(t))
	case uint64:
		return value.Uint(t)
	case float32:
		return value.Float(float64(t))
	case float64:
		return value.Float(t)
	case string:
		return value.String(t)
	case []byte:
		return value.Bytes(t)
	case value.Vector3:
		return value.Vec3(t)
	case value.Quaternion:
		return value.Quat(t)
	case []string:
		items := make([]value.Value, len(t))
		for i, s := range t {
			items[i] = value.String(s)
		}
		return value.List(items...)
	case map[string]string:
		entries := make(map[string]value.Value, len(t))
		for k, s := range t {
			entries[k] = value.String(s)
		}
		return value.Map(entries)
	case fmt.Stringer:
		return value.String(t.String())
	default:
		return value.String(fmt.Sprint(t))
	}
}

// DefaultSerializer ignores the recipient and uses Encode.
func DefaultSerializer[T any](v T, _ UserID) value.Value {
	return Encode(v)
}
