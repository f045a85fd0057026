package transport

import (
	"errors"
	"time"
)

var (
	// Connection errors

	ErrConnectionClosed  = errors.New("connection is closed")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrConnectionLost    = errors.New("connection lost")

	// User errors

	ErrUserNotFound         = errors.New("user not registered")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrTokenExpired         = errors.New("token expired")
	ErrInvalidToken         = errors.New("invalid token")

	// Frame errors

	ErrInvalidFrame  = errors.New("invalid frame")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrQueueFull     = errors.New("inbound queue is full")
	ErrSendQueueFull = errors.New("send queue is full")

	// Bridge errors

	ErrBridgeNotFound = errors.New("bridge not found")
	ErrBridgeExists   = errors.New("bridge already exists")
	ErrNotPeerToPeer  = errors.New("data type is not peer-to-peer")

	// Delivery errors

	ErrRetryExhausted  = errors.New("retry budget exhausted")
	ErrTransportFailed = errors.New("transport failed")
)

// ErrorCode is a numeric error code callers can switch on without string matching.
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = 0

	// Connection error codes (1000-1999)

	ErrorCodeConnectionClosed     ErrorCode = 1001
	ErrorCodeConnectionTimeout    ErrorCode = 1002
	ErrorCodeConnectionLost       ErrorCode = 1004
	ErrorCodeAuthenticationFailed ErrorCode = 1008

	// User error codes (2000-2999)

	ErrorCodeUserNotFound ErrorCode = 2001
	ErrorCodeTokenExpired ErrorCode = 2007
	ErrorCodeInvalidToken ErrorCode = 2008

	// Frame error codes (3000-3999)

	ErrorCodeFrameTooLarge ErrorCode = 3001
	ErrorCodeQueueFull     ErrorCode = 3004
	ErrorCodeInvalidFrame  ErrorCode = 3007

	// Bridge error codes (5000-5999)

	ErrorCodeBridgeNotFound ErrorCode = 5001
	ErrorCodeBridgeExists   ErrorCode = 5004
	ErrorCodeNotPeerToPeer  ErrorCode = 5006

	// Delivery error codes (7000-7999)

	ErrorCodeTransportFailed ErrorCode = 7003
	ErrorCodeRetryExhausted  ErrorCode = 7008

	ErrorCodeUnknownError ErrorCode = 9999
)

// Error is a transport failure with a code and optional context.
type Error struct {
	Code      ErrorCode
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp int64
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Context:   make(map[string]any),
		Timestamp: time.Now().Unix(),
	}
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// IsTemporary reports whether the caller may retry the operation later.
func (e *Error) IsTemporary() bool {
	switch e.Code {
	case ErrorCodeConnectionTimeout,
		ErrorCodeConnectionLost,
		ErrorCodeQueueFull,
		ErrorCodeTokenExpired,
		ErrorCodeTransportFailed,
		ErrorCodeRetryExhausted:
		return true
	default:
		return false
	}
}

func (e *Error) IsRetryable() bool {
	return e.IsTemporary()
}

// IsFatal reports whether the user's session cannot continue.
func (e *Error) IsFatal() bool {
	switch e.Code {
	case ErrorCodeConnectionClosed,
		ErrorCodeAuthenticationFailed,
		ErrorCodeInvalidToken:
		return true
	default:
		return false
	}
}

var errorCodeMap = map[error]ErrorCode{
	ErrConnectionClosed:     ErrorCodeConnectionClosed,
	ErrConnectionTimeout:    ErrorCodeConnectionTimeout,
	ErrConnectionLost:       ErrorCodeConnectionLost,
	ErrUserNotFound:         ErrorCodeUserNotFound,
	ErrAuthenticationFailed: ErrorCodeAuthenticationFailed,
	ErrTokenExpired:         ErrorCodeTokenExpired,
	ErrInvalidToken:         ErrorCodeInvalidToken,
	ErrInvalidFrame:         ErrorCodeInvalidFrame,
	ErrFrameTooLarge:        ErrorCodeFrameTooLarge,
	ErrQueueFull:            ErrorCodeQueueFull,
	ErrSendQueueFull:        ErrorCodeQueueFull,
	ErrBridgeNotFound:       ErrorCodeBridgeNotFound,
	ErrBridgeExists:         ErrorCodeBridgeExists,
	ErrNotPeerToPeer:        ErrorCodeNotPeerToPeer,
	ErrRetryExhausted:       ErrorCodeRetryExhausted,
	ErrTransportFailed:      ErrorCodeTransportFailed,
}

// GetErrorCode returns the code for err, looking through wrapping.
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeSuccess
	}

	var transportErr *Error
	if errors.As(err, &transportErr) {
		return transportErr.Code
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return ErrorCodeUnknownError
}

// WrapError wraps a standard error into an *Error carrying its code.
func WrapError(err error, message string) *Error {
	return NewError(GetErrorCode(err), message, err)
}

// retryable reports whether a failed send attempt is worth repeating.
func retryable(err error) bool {
	var transportErr *Error
	if errors.As(err, &transportErr) {
		return transportErr.IsRetryable()
	}
	return !errors.Is(err, ErrConnectionClosed)
}
