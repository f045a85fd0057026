package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleValues() []Value {
	return []Value{
		Nil(),
		Bool(true),
		Int(-42),
		Uint(7),
		Float(3.25),
		String("héllo"),
		Bytes([]byte{1, 2, 3}),
		Vec3(Vector3{X: 1, Y: 2, Z: 3}),
		Quat(IdentityRotation),
		List(Int(1), String("two"), List(Bool(false))),
		Map(map[string]Value{"b": Int(2), "a": Vec3(Vector3{X: 1})}),
	}
}

func TestCompactRoundTrip(t *testing.T) {
	for _, v := range sampleValues() {
		t.Run(v.Kind.String(), func(t *testing.T) {
			w := NewWriter(nil)
			w.WriteValue(v)

			r := NewReader(w.Bytes())
			got := r.ReadValue()
			require.NoError(t, r.Err())
			assert.Zero(t, r.Remaining())
			assert.True(t, v.Equal(got), "want %s, got %s", v, got)
		})
	}
}

func TestReaderNeverPanicsOnTruncation(t *testing.T) {
	for _, v := range sampleValues() {
		w := NewWriter(nil)
		w.WriteValue(v)
		full := w.Bytes()
		for cut := 0; cut < len(full); cut++ {
			r := NewReader(full[:cut])
			assert.NotPanics(t, func() { r.ReadValue() })
			assert.Error(t, r.Err(), "kind %s cut at %d", v.Kind, cut)
		}
	}
}

func TestReaderRejectsUnknownKind(t *testing.T) {
	r := NewReader([]byte{0xEE})
	r.ReadValue()
	assert.ErrorIs(t, r.Err(), ErrUnknownKind)
}

func TestReaderRejectsOversizedLength(t *testing.T) {
	w := NewWriter(nil)
	w.WriteUint8(uint8(KindList))
	w.WriteUint32(1 << 30)

	r := NewReader(w.Bytes())
	r.ReadValue()
	assert.ErrorIs(t, r.Err(), ErrTooLarge)
}

func TestEqualTreatsEmptyCollectionsAsEqual(t *testing.T) {
	assert.True(t, List().Equal(Value{Kind: KindList, List: []Value{}}))
	assert.True(t, Map(nil).Equal(Map(map[string]Value{})))
	assert.False(t, Int(1).Equal(Uint(1)))
}

func TestCloneDoesNotAlias(t *testing.T) {
	orig := List(Bytes([]byte{1}))
	cp := orig.Clone()
	cp.List[0].Bytes[0] = 9
	assert.Equal(t, byte(1), orig.List[0].Bytes[0])
}

func TestVectorDistance(t *testing.T) {
	a := Vector3{X: 0, Y: 0, Z: 0}
	b := Vector3{X: 3, Y: 4, Z: 0}
	assert.InDelta(t, 5.0, a.Distance(b), 1e-9)
}
