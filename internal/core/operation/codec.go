package operation

import (
	"bytes"
	"fmt"

	"github.com/zeusync/scenesync/internal/core/observability/log"
)

const (
	// ObjectEncoding is the self-describing CBOR encoding.
	ObjectEncoding = "object"
	// CompactEncoding is the numeric-id binary encoding.
	CompactEncoding = "compact"
)

// Codec encodes operations and transactions. A connection uses exactly one Codec,
// chosen at join time.
type Codec interface {
	Name() string
	EncodeOperation(op Operation) ([]byte, error)
	// DecodeOperation never panics. Malformed input yields ErrNotReadable or
	// ErrUnknownOperation.
	DecodeOperation(data []byte) (Operation, error)
	EncodeTransaction(tx *Transaction) ([]byte, error)
	// DecodeTransaction drops unreadable operations individually, logging each and
	// counting them in Transaction.Dropped. An error means the header itself was bad.
	DecodeTransaction(data []byte) (*Transaction, error)
}

// Negotiate returns the codec for name. An empty name selects the object encoding,
// which is what clients that predate negotiation speak.
func Negotiate(name string, logger log.Log) (Codec, error) {
	switch name {
	case "", ObjectEncoding:
		return NewObjectCodec(logger), nil
	case CompactEncoding:
		return NewCompactCodec(logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// Equal reports whether two operations carry the same data. Values are compared by
// their compact encoding, which is canonical.
func Equal(a, b Operation) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Op() != b.Op() {
		return false
	}
	ea, errA := appendOperation(nil, a)
	eb, errB := appendOperation(nil, b)
	return errA == nil && errB == nil && bytes.Equal(ea, eb)
}
