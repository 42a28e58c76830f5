package transport

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("transport: not found")
	ErrAuthentication = errors.New("transport: authentication failed")
	ErrClosed         = errors.New("transport: closed")
	ErrInvalidURL     = errors.New("transport: invalid server url")
)

const (
	CodeInvalidRequest = "E_INVALID_REQUEST"
	CodeInternalError  = "E_INTERNAL_ERROR"
	CodeAccessDenied   = "E_ACCESS_DENIED"
	CodeNotFound       = "E_NOT_FOUND"
	CodeAuthFailed     = "E_AUTH_INVALID_CREDENTIALS"
	CodeUnknownError   = "E_UNKNOWN_ERR"
)

// Error is a connect, read or write failure on the link itself. The whole
// operation should be retried later; nothing is retried mid-transfer.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RemoteError is a refusal reported by the server.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func NewRemoteError(code, message string) *RemoteError {
	if code == "" {
		code = CodeUnknownError
	}
	return &RemoteError{Code: code, Message: message}
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: %s - %s", e.Code, e.Message)
}

// Is maps well-known codes onto the package sentinels.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == CodeNotFound
	case ErrAuthentication:
		return e.Code == CodeAuthFailed || e.Code == CodeAccessDenied
	}
	return false
}
