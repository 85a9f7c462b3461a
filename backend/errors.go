package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
)

// ErrorKind classifies engine failures
type ErrorKind string

const (
	ErrConnectionNotReady   ErrorKind = "connection_not_ready"
	ErrAuthenticationFailed ErrorKind = "authentication_failed"
	ErrSessionExpired       ErrorKind = "session_expired"
	ErrNetwork              ErrorKind = "network_error"
	ErrTimeout              ErrorKind = "timeout"
	ErrPermissionDenied     ErrorKind = "permission_denied"
	ErrUnknown              ErrorKind = "unknown"
)

// Retryable reports the default retry policy for the kind
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrConnectionNotReady, ErrSessionExpired, ErrNetwork, ErrTimeout:
		return true
	}
	return false
}

// EngineError is the classified form of every engine-level failure
type EngineError struct {
	Kind      ErrorKind
	Retryable bool
	Message   string
	Cause     error
}

// NewError builds an EngineError with the kind's default retry policy
func NewError(kind ErrorKind, message string, cause error) *EngineError {
	return &EngineError{Kind: kind, Retryable: kind.Retryable(), Message: message, Cause: cause}
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Data returns the UI payload for the error
func (e *EngineError) Data() *ErrorData {
	return &ErrorData{Kind: e.Kind, Retryable: e.Retryable, Message: e.Message}
}

// ErrorData is the payload of an error event
type ErrorData struct {
	Kind      ErrorKind `json:"kind"`
	Retryable bool      `json:"retryable"`
	Message   string    `json:"message"`
}

// CodedError is implemented by protocol errors that carry a numeric code
type CodedError interface {
	error
	ErrorCode() int
}

// Protocol error codes that map onto the taxonomy
const (
	codeAuthRequired    = -32000
	codeSessionNotFound = -32001
)

// Classify maps any error onto the taxonomy. Nil stays nil.
func Classify(err error) *EngineError {
	if err == nil {
		return nil
	}

	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(ErrTimeout, "operation timed out", err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, os.ErrClosed):
		return NewError(ErrConnectionNotReady, "connection lost", err)
	case errors.Is(err, os.ErrPermission):
		return NewError(ErrPermissionDenied, "permission denied", err)
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return NewError(ErrUnknown, "agent binary not found", err)
	}

	var coded CodedError
	if errors.As(err, &coded) {
		switch coded.ErrorCode() {
		case codeAuthRequired:
			return NewError(ErrAuthenticationFailed, "authentication required", err)
		case codeSessionNotFound:
			return NewError(ErrSessionExpired, "session not found", err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewError(ErrTimeout, "network timeout", err)
		}
		return NewError(ErrNetwork, "network error", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "auth") && (strings.Contains(msg, "required") || strings.Contains(msg, "failed") || strings.Contains(msg, "login")):
		return NewError(ErrAuthenticationFailed, "authentication failed", err)
	case strings.Contains(msg, "session") && (strings.Contains(msg, "expired") || strings.Contains(msg, "not found")):
		return NewError(ErrSessionExpired, "session expired", err)
	}
	return NewError(ErrUnknown, err.Error(), err)
}

// IsRetryable reports whether err is worth retrying
func IsRetryable(err error) bool {
	ee := Classify(err)
	return ee != nil && ee.Retryable
}
