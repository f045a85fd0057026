package session

import "errors"

var (
	ErrUnknownUser      = errors.New("session: unknown user")
	ErrInvalidIdentity  = errors.New("session: invalid identity")
	ErrInvalidStatus    = errors.New("session: invalid status transition")
	ErrNotReady         = errors.New("session: user is not ready")
	ErrNotActive        = errors.New("session: user is not active")
	ErrNotAuthenticated = errors.New("session: no valid token presented")
	ErrStopped          = errors.New("session: environment stopped")
)
