// Package codec configures the CBOR encoder shared by the object-graph operation
// encoding and the signaling messages.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	// encMode uses Core Deterministic Encoding: sorted map keys and smallest integer
	// forms, so equal values always produce equal bytes.
	encMode cbor.EncMode
	// decMode ignores unknown fields and caps container sizes for untrusted input.
	decMode cbor.DecMode
)

const (
	maxNestedLevels = 32
	maxContainerLen = 1 << 16
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels:  maxNestedLevels,
		MaxArrayElements: maxContainerLen,
		MaxMapPairs:      maxContainerLen,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage delays decoding of an embedded value until its type is known.
type RawMessage = cbor.RawMessage

type (
	Encoder = cbor.Encoder
	Decoder = cbor.Decoder
)

func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose renders data in CBOR diagnostic notation. Used in debug logs.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
