package server

import "errors"

var (
	ErrServerClosed         = errors.New("server is closed")
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrListenerFailed       = errors.New("failed to create listener")
	ErrInvalidMessage       = errors.New("invalid message")
	ErrIdentityInUse        = errors.New("identity is in use by an authenticated session")
	ErrMissingToken         = errors.New("missing token")
	ErrBadRequest           = errors.New("bad request")
)
