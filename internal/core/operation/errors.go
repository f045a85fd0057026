package operation

import "errors"

var (
	// ErrNotReadable marks a truncated or corrupt buffer. The message is dropped.
	ErrNotReadable = errors.New("operation: buffer not readable")
	// ErrUnknownOperation marks an operation id or type name this version does not know.
	ErrUnknownOperation = errors.New("operation: unknown operation")
	// ErrUnknownEntity marks an operation that targets an entity the replica never loaded.
	ErrUnknownEntity = errors.New("operation: unknown entity")
	// ErrUnknownCodec is returned by Negotiate for an unsupported encoding name.
	ErrUnknownCodec = errors.New("operation: unknown codec")
	// ErrKindMismatch marks a list or dict operation on a property of another shape.
	ErrKindMismatch = errors.New("operation: property kind mismatch")
	// ErrIndexOutOfRange marks a list operation past the end of the replica's list.
	ErrIndexOutOfRange = errors.New("operation: index out of range")
)
