package property

import (
	"math"
	"reflect"

	"github.com/zeusync/scenesync/internal/core/value"
)

// EqualFunc decides whether two values are the same for dirty tracking.
type EqualFunc[T any] func(a, b T) bool

// Serializer renders a value for one recipient. Most serializers ignore the user; a
// localized text property is the typical one that does not.
type Serializer[T any] func(v T, user UserID) value.Value

// DeepEqual is the default structural equality.
func DeepEqual[T any](a, b T) bool {
	return reflect.DeepEqual(a, b)
}

// Comparable uses == and is the cheapest choice for scalar kinds.
func Comparable[T comparable](a, b T) bool {
	return a == b
}

// Float32Equal treats values within eps of each other as equal.
func Float32Equal(eps float32) EqualFunc[float32] {
	return func(a, b float32) bool {
		return float32(math.Abs(float64(a-b))) <= eps
	}
}

// Vector3Equal compares component-wise with tolerance eps.
func Vector3Equal(eps float32) EqualFunc[value.Vector3] {
	f := Float32Equal(eps)
	return func(a, b value.Vector3) bool {
		return f(a.X, b.X) && f(a.Y, b.Y) && f(a.Z, b.Z)
	}
}

// QuaternionEqual compares component-wise with tolerance eps.
func QuaternionEqual(eps float32) EqualFunc[value.Quaternion] {
	f := Float32Equal(eps)
	return func(a, b value.Quaternion) bool {
		return f(a.X, b.X) && f(a.Y, b.Y) && f(a.Z, b.Z) && f(a.W, b.W)
	}
}

func sliceEqual[T any](eq EqualFunc[T]) EqualFunc[[]T] {
	return func(a, b []T) bool {
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !eq(a[i], b[i]) {
				return false
			}
		}
		return true
	}
}

func mapEqual[V any](eq EqualFunc[V]) EqualFunc[map[string]V] {
	return func(a, b map[string]V) bool {
		if len(a) != len(b) {
			return false
		}
		for k, av := range a {
			bv, ok := b[k]
			if !ok || !eq(av, bv) {
				return false
			}
		}
		return true
	}
}
