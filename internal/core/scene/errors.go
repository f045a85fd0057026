package scene

import "errors"

var (
	ErrUnknownEntity     = errors.New("scene: unknown entity")
	ErrDisposed          = errors.New("scene: entity disposed")
	ErrCycle             = errors.New("scene: reparent would create a cycle")
	ErrDuplicateProperty = errors.New("scene: property key already registered")
	ErrInvalidKind       = errors.New("scene: invalid node kind")
)
