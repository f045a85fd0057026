package operation

import (
	"errors"
	"fmt"

	"github.com/zeusync/scenesync/internal/core/channel"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/property"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/value"
	"github.com/zeusync/scenesync/pkg/generic"
)

var _ Codec = (*CompactCodec)(nil)

const (
	txFlagReliable = 1 << 0
	// txHeaderSize is flags, data type and operation count.
	txHeaderSize = 1 + 1 + 4
	// minOpSize is the operation id alone.
	minOpSize = 4
)

var writerPool = generic.NewResetPool(
	func() *value.Writer { return value.NewWriter(make([]byte, 0, 512)) },
	func(w *value.Writer) { w.Reset() },
)

// CompactCodec writes every operation as [u32 op id] followed by the fixed fields of
// that operation, little-endian. Transactions are
// [u8 flags][u8 data type][u32 count] then count times [u32 length][operation].
type CompactCodec struct {
	logger log.Log
}

func NewCompactCodec(logger log.Log) *CompactCodec {
	return &CompactCodec{logger: logger.With(log.String("codec", CompactEncoding))}
}

func (c *CompactCodec) Name() string { return CompactEncoding }

func (c *CompactCodec) EncodeOperation(op Operation) ([]byte, error) {
	return appendOperation(nil, op)
}

func appendOperation(dst []byte, op Operation) ([]byte, error) {
	w := writerPool.Get()
	defer writerPool.Put(w)

	if err := writeOperation(w, op); err != nil {
		return nil, err
	}
	return append(dst, w.Bytes()...), nil
}

func writeOperation(w *value.Writer, op Operation) error {
	w.WriteUint32(uint32(op.Op()))
	switch o := op.(type) {
	case LoadEntity:
		w.WriteUint32(uint32(o.Entity))
		w.WriteUint32(uint32(o.Parent))
		w.WriteUint8(uint8(o.Kind))
		w.WriteUint32(uint32(len(o.Properties)))
		for _, p := range o.Properties {
			w.WriteUint32(uint32(p.Key))
			w.WriteValue(p.Value)
		}
	case DeleteEntity:
		w.WriteUint32(uint32(o.Entity))
	case SetProperty:
		w.WriteUint32(uint32(o.Entity))
		w.WriteUint32(uint32(o.Key))
		w.WriteValue(o.Value)
	case ListAdd:
		writeIndexed(w, o.Entity, o.Key, o.Index)
		w.WriteValue(o.Value)
	case ListRemove:
		writeIndexed(w, o.Entity, o.Key, o.Index)
	case ListSet:
		writeIndexed(w, o.Entity, o.Key, o.Index)
		w.WriteValue(o.Value)
	case DictAdd:
		writeKeyed(w, o.Entity, o.Key, o.MapKey)
		w.WriteValue(o.Value)
	case DictRemove:
		writeKeyed(w, o.Entity, o.Key, o.MapKey)
	case DictSet:
		writeKeyed(w, o.Entity, o.Key, o.MapKey)
		w.WriteValue(o.Value)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownOperation, op)
	}
	return nil
}

func writeIndexed(w *value.Writer, e scene.EntityID, k property.Key, i uint32) {
	w.WriteUint32(uint32(e))
	w.WriteUint32(uint32(k))
	w.WriteUint32(i)
}

func writeKeyed(w *value.Writer, e scene.EntityID, k property.Key, mapKey string) {
	w.WriteUint32(uint32(e))
	w.WriteUint32(uint32(k))
	w.WriteString(mapKey)
}

func (c *CompactCodec) DecodeOperation(data []byte) (Operation, error) {
	return readOperation(value.NewReader(data))
}

func readOperation(r *value.Reader) (Operation, error) {
	if r.Remaining() < minOpSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrNotReadable, r.Remaining())
	}
	id := ID(r.ReadUint32())

	var op Operation
	switch id {
	case OpLoad:
		o := LoadEntity{
			Entity: scene.EntityID(r.ReadUint32()),
			Parent: scene.EntityID(r.ReadUint32()),
			Kind:   scene.NodeKind(r.ReadUint8()),
		}
		n := r.ReadUint32()
		// each property needs at least a key and a kind byte
		if uint64(n)*5 > uint64(r.Remaining()) {
			return nil, fmt.Errorf("%w: load declares %d properties", ErrNotReadable, n)
		}
		if n > 0 {
			o.Properties = make([]PropertyValue, 0, n)
		}
		for i := uint32(0); i < n && r.Err() == nil; i++ {
			key := property.Key(r.ReadUint32())
			o.Properties = append(o.Properties, PropertyValue{Key: key, Value: r.ReadValue()})
		}
		op = o
	case OpDelete:
		op = DeleteEntity{Entity: scene.EntityID(r.ReadUint32())}
	case OpSetProperty:
		op = SetProperty{
			Entity: scene.EntityID(r.ReadUint32()),
			Key:    property.Key(r.ReadUint32()),
			Value:  r.ReadValue(),
		}
	case OpListAdd:
		e, k, i := readIndexed(r)
		op = ListAdd{Entity: e, Key: k, Index: i, Value: r.ReadValue()}
	case OpListRemove:
		e, k, i := readIndexed(r)
		op = ListRemove{Entity: e, Key: k, Index: i}
	case OpListSet:
		e, k, i := readIndexed(r)
		op = ListSet{Entity: e, Key: k, Index: i, Value: r.ReadValue()}
	case OpDictAdd:
		e, k, m := readKeyed(r)
		op = DictAdd{Entity: e, Key: k, MapKey: m, Value: r.ReadValue()}
	case OpDictRemove:
		e, k, m := readKeyed(r)
		op = DictRemove{Entity: e, Key: k, MapKey: m}
	case OpDictSet:
		e, k, m := readKeyed(r)
		op = DictSet{Entity: e, Key: k, MapKey: m, Value: r.ReadValue()}
	default:
		return nil, fmt.Errorf("%w: id %d", ErrUnknownOperation, uint32(id))
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotReadable, id, err)
	}
	return op, nil
}

func readIndexed(r *value.Reader) (scene.EntityID, property.Key, uint32) {
	return scene.EntityID(r.ReadUint32()), property.Key(r.ReadUint32()), r.ReadUint32()
}

func readKeyed(r *value.Reader) (scene.EntityID, property.Key, string) {
	return scene.EntityID(r.ReadUint32()), property.Key(r.ReadUint32()), r.ReadString()
}

func (c *CompactCodec) EncodeTransaction(tx *Transaction) ([]byte, error) {
	w := writerPool.Get()
	defer writerPool.Put(w)

	var flags uint8
	if tx.Reliable {
		flags |= txFlagReliable
	}
	w.WriteUint8(flags)
	w.WriteUint8(uint8(tx.DataType))
	w.WriteUint32(uint32(len(tx.Operations)))

	op := value.NewWriter(nil)
	for _, o := range tx.Operations {
		op.Reset()
		if err := writeOperation(op, o); err != nil {
			return nil, err
		}
		w.WriteBytes(op.Bytes())
	}
	return append([]byte(nil), w.Bytes()...), nil
}

func (c *CompactCodec) DecodeTransaction(data []byte) (*Transaction, error) {
	if len(data) < txHeaderSize {
		return nil, fmt.Errorf("%w: transaction header", ErrNotReadable)
	}
	r := value.NewReader(data)
	flags := r.ReadUint8()
	dt := channel.DataType(r.ReadUint8())
	if !dt.Valid() {
		return nil, fmt.Errorf("%w: data type %d", ErrNotReadable, uint8(dt))
	}
	n := r.ReadUint32()

	tx := &Transaction{Reliable: flags&txFlagReliable != 0, DataType: dt}
	for i := uint32(0); i < n; i++ {
		body := r.ReadBytes()
		if r.Err() != nil {
			// the length prefix itself is broken, nothing after it can be framed
			tx.Dropped += int(n - i)
			c.logger.Warn("Truncated transaction",
				log.Uint32("index", i),
				log.Uint32("count", n),
				log.Error(r.Err()),
			)
			break
		}
		op, err := readOperation(value.NewReader(body))
		if err != nil {
			tx.Dropped++
			c.logDrop(i, err)
			continue
		}
		tx.Operations = append(tx.Operations, op)
	}
	return tx, nil
}

func (c *CompactCodec) logDrop(index uint32, err error) {
	if errors.Is(err, ErrUnknownOperation) {
		c.logger.Warn("Skipping unknown operation", log.Uint32("index", index), log.Error(err))
		return
	}
	c.logger.Warn("Skipping unreadable operation", log.Uint32("index", index), log.Error(err))
}
