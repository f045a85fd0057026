package operation

import (
	"fmt"

	"github.com/zeusync/scenesync/internal/core/channel"
	"github.com/zeusync/scenesync/internal/core/codec"
	"github.com/zeusync/scenesync/internal/core/observability/log"
)

var _ Codec = (*ObjectCodec)(nil)

// envelope carries the type name next to the CBOR body so the receiver can pick
// the concrete type by lookup.
type envelope struct {
	Type string           `cbor:"t"`
	Body codec.RawMessage `cbor:"b"`
}

type txEnvelope struct {
	Reliable   bool               `cbor:"r"`
	DataType   channel.DataType   `cbor:"d"`
	Operations []codec.RawMessage `cbor:"o"`
}

type decoder func(body []byte) (Operation, error)

func decodeAs[T Operation](body []byte) (Operation, error) {
	var op T
	if err := codec.Unmarshal(body, &op); err != nil {
		return nil, err
	}
	return op, nil
}

var objectTypes = map[string]decoder{
	OpLoad.String():        decodeAs[LoadEntity],
	OpDelete.String():      decodeAs[DeleteEntity],
	OpSetProperty.String(): decodeAs[SetProperty],
	OpListAdd.String():     decodeAs[ListAdd],
	OpListRemove.String():  decodeAs[ListRemove],
	OpListSet.String():     decodeAs[ListSet],
	OpDictAdd.String():     decodeAs[DictAdd],
	OpDictRemove.String():  decodeAs[DictRemove],
	OpDictSet.String():     decodeAs[DictSet],
}

// ObjectCodec is the self-describing encoding: each operation is a CBOR map holding
// its type name and body.
type ObjectCodec struct {
	logger log.Log
}

func NewObjectCodec(logger log.Log) *ObjectCodec {
	return &ObjectCodec{logger: logger.With(log.String("codec", ObjectEncoding))}
}

func (c *ObjectCodec) Name() string { return ObjectEncoding }

func (c *ObjectCodec) EncodeOperation(op Operation) ([]byte, error) {
	env, err := wrap(op)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(env)
}

func wrap(op Operation) (envelope, error) {
	if _, ok := opNames[op.Op()]; !ok {
		return envelope{}, fmt.Errorf("%w: %T", ErrUnknownOperation, op)
	}
	body, err := codec.Marshal(op)
	if err != nil {
		return envelope{}, fmt.Errorf("encode %s: %w", op.Op(), err)
	}
	return envelope{Type: op.Op().String(), Body: body}, nil
}

func (c *ObjectCodec) DecodeOperation(data []byte) (Operation, error) {
	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotReadable, err)
	}
	decode, ok := objectTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: type %q", ErrUnknownOperation, env.Type)
	}
	op, err := decode(env.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotReadable, env.Type, err)
	}
	return op, nil
}

func (c *ObjectCodec) EncodeTransaction(tx *Transaction) ([]byte, error) {
	out := txEnvelope{
		Reliable:   tx.Reliable,
		DataType:   tx.DataType,
		Operations: make([]codec.RawMessage, len(tx.Operations)),
	}
	for i, op := range tx.Operations {
		data, err := c.EncodeOperation(op)
		if err != nil {
			return nil, err
		}
		out.Operations[i] = data
	}
	return codec.Marshal(out)
}

func (c *ObjectCodec) DecodeTransaction(data []byte) (*Transaction, error) {
	var env txEnvelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotReadable, err)
	}
	if !env.DataType.Valid() {
		return nil, fmt.Errorf("%w: data type %d", ErrNotReadable, uint8(env.DataType))
	}
	tx := &Transaction{Reliable: env.Reliable, DataType: env.DataType}
	for i, raw := range env.Operations {
		op, err := c.DecodeOperation(raw)
		if err != nil {
			tx.Dropped++
			c.logger.Warn("Skipping operation", log.Int("index", i), log.Error(err))
			continue
		}
		tx.Operations = append(tx.Operations, op)
	}
	return tx, nil
}
