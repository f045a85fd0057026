package value

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrShortBuffer is returned when a read runs past the end of the buffer.
	ErrShortBuffer = errors.New("value: buffer too short")
	// ErrUnknownKind is returned for a kind tag this version does not understand.
	ErrUnknownKind = errors.New("value: unknown kind")
	// ErrTooLarge is returned when a declared length exceeds the remaining buffer.
	ErrTooLarge = errors.New("value: declared length exceeds buffer")
)

// maxDepth bounds nested lists/maps so a hostile buffer cannot blow the stack.
const maxDepth = 32

// Writer appends little-endian primitives to a byte slice.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer that appends to buf[:0].
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf[:0]}
}

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }
func (w *Writer) Reset()        { w.buf = w.buf[:0] }

func (w *Writer) WriteUint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

func (w *Writer) WriteUint32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *Writer) WriteInt32(v int32)   { w.WriteUint32(uint32(v)) }
func (w *Writer) WriteUint64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *Writer) WriteInt64(v int64)   { w.WriteUint64(uint64(v)) }

func (w *Writer) WriteFloat32(v float32) { w.WriteUint32(math.Float32bits(v)) }
func (w *Writer) WriteFloat64(v float64) { w.WriteUint64(math.Float64bits(v)) }

func (w *Writer) WriteBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) WriteString(s string) {
	w.WriteUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteRaw appends b without a length prefix.
func (w *Writer) WriteRaw(b []byte) { w.buf = append(w.buf, b...) }

// WriteValue appends the kind tag followed by the fixed layout of that kind.
func (w *Writer) WriteValue(v Value) {
	w.WriteUint8(uint8(v.Kind))
	switch v.Kind {
	case KindNil:
	case KindBool:
		w.WriteBool(v.Bool)
	case KindInt:
		w.WriteInt64(v.Int)
	case KindUint:
		w.WriteUint64(v.Uint)
	case KindFloat:
		w.WriteFloat64(v.Float)
	case KindString:
		w.WriteString(v.Str)
	case KindBytes:
		w.WriteBytes(v.Bytes)
	case KindVector3:
		w.WriteFloat32(v.Vec[0])
		w.WriteFloat32(v.Vec[1])
		w.WriteFloat32(v.Vec[2])
	case KindQuaternion:
		for _, f := range v.Vec {
			w.WriteFloat32(f)
		}
	case KindList:
		w.WriteUint32(uint32(len(v.List)))
		for _, item := range v.List {
			w.WriteValue(item)
		}
	case KindMap:
		keys := SortedKeys(v.Map)
		w.WriteUint32(uint32(len(keys)))
		for _, k := range keys {
			w.WriteString(k)
			w.WriteValue(v.Map[k])
		}
	}
}

// Reader consumes primitives written by Writer. It never panics: every read is
// bounds-checked and the first failure sticks in Err.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Err returns the first error encountered, if any.
func (r *Reader) Err() error { return r.err }

// Remaining is the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.err = ErrShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) ReadUint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) ReadBool() bool { return r.ReadUint8() != 0 }

func (r *Reader) ReadUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) ReadInt32() int32 { return int32(r.ReadUint32()) }

func (r *Reader) ReadUint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) ReadInt64() int64     { return int64(r.ReadUint64()) }
func (r *Reader) ReadFloat32() float32 { return math.Float32frombits(r.ReadUint32()) }
func (r *Reader) ReadFloat64() float64 { return math.Float64frombits(r.ReadUint64()) }

func (r *Reader) readLen() int {
	n := r.ReadUint32()
	if r.err != nil {
		return 0
	}
	if uint64(n) > uint64(r.Remaining()) {
		r.err = ErrTooLarge
		return 0
	}
	return int(n)
}

func (r *Reader) ReadBytes() []byte {
	n := r.readLen()
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *Reader) ReadString() string {
	n := r.readLen()
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// ReadRaw returns the next n bytes without copying.
func (r *Reader) ReadRaw(n int) []byte {
	return r.take(n)
}

func (r *Reader) ReadValue() Value {
	return r.readValue(0)
}

func (r *Reader) readValue(depth int) Value {
	if depth > maxDepth {
		r.fail(fmt.Errorf("%w: nesting deeper than %d", ErrTooLarge, maxDepth))
		return Value{}
	}
	kind := Kind(r.ReadUint8())
	if r.err != nil {
		return Value{}
	}
	switch kind {
	case KindNil:
		return Nil()
	case KindBool:
		return Bool(r.ReadBool())
	case KindInt:
		return Int(r.ReadInt64())
	case KindUint:
		return Uint(r.ReadUint64())
	case KindFloat:
		return Float(r.ReadFloat64())
	case KindString:
		return String(r.ReadString())
	case KindBytes:
		return Bytes(r.ReadBytes())
	case KindVector3:
		return Vec3(Vector3{X: r.ReadFloat32(), Y: r.ReadFloat32(), Z: r.ReadFloat32()})
	case KindQuaternion:
		return Quat(Quaternion{X: r.ReadFloat32(), Y: r.ReadFloat32(), Z: r.ReadFloat32(), W: r.ReadFloat32()})
	case KindList:
		// every element takes at least one byte, so readLen bounds the allocation
		n := r.readLen()
		items := make([]Value, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			items = append(items, r.readValue(depth+1))
		}
		return List(items...)
	case KindMap:
		n := r.readLen()
		entries := make(map[string]Value, n)
		for i := 0; i < n && r.err == nil; i++ {
			k := r.ReadString()
			entries[k] = r.readValue(depth + 1)
		}
		return Map(entries)
	default:
		r.fail(fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind)))
		return Value{}
	}
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
