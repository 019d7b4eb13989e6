package channel

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes channel errors.
type ErrorCode string

const (
	// CodeTimeout indicates no response arrived within the request timeout.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeTransportUnavailable indicates no transport could carry a message.
	CodeTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"

	// CodeRemote indicates the remote action failed. Message carries the
	// remote error text.
	CodeRemote ErrorCode = "REMOTE"

	// CodeStorage indicates the mailbox store rejected an operation.
	CodeStorage ErrorCode = "STORAGE"

	// CodeProtocol indicates a malformed or unexpected message.
	CodeProtocol ErrorCode = "PROTOCOL"

	// CodeClosed indicates the channel was closed before the request settled.
	CodeClosed ErrorCode = "CLOSED"

	// CodeNotFound indicates a path that does not resolve.
	CodeNotFound ErrorCode = "NOT_FOUND"
)

// Error is returned for every failed invocation.
type Error struct {
	Code    ErrorCode
	Message string

	// Channel is the target channel of the request.
	Channel string

	// ReqID is the correlation id of the request.
	ReqID string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.ReqID != "" {
		return fmt.Sprintf("%s: %s (channel=%s, req=%s)", e.Code, e.Message, e.Channel, e.ReqID)
	}
	if e.Channel != "" {
		return fmt.Sprintf("%s: %s (channel=%s)", e.Code, e.Message, e.Channel)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func hasCode(err error, code ErrorCode) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool { return hasCode(err, CodeTimeout) }

// IsRemote reports whether err was raised by the remote side.
func IsRemote(err error) bool { return hasCode(err, CodeRemote) }

// IsClosed reports whether err is caused by the channel closing.
func IsClosed(err error) bool { return hasCode(err, CodeClosed) }

// IsNotFound reports whether err is an unresolved path.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// CodeOf returns the code of err, or "" when err is not a channel error.
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
