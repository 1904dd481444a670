package define

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCapacityExceeded     = errors.New("maximum number of prepared foreign transactions reached")
	ErrResourceExhausted    = errors.New("out of foreign transaction resolver slots")
	ErrPermissionDenied     = errors.New("password is required")
	ErrAlreadyResolved      = errors.New("prepared transaction does not exist")
	ErrDuplicateParticipant = errors.New("foreign transaction participant already registered")
)

const (
	CodeConnectionFailure = "08006"
	CodeUndefinedObject   = "42704"
)

// ConnectError means the endpoint could not be reached.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("could not connect to server %q: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// RemoteError is a structured failure reported by the endpoint.
type RemoteError struct {
	Code    string
	Message string
	Detail  string
	Hint    string
	Context string
	Command string
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Code != "" {
		fmt.Fprintf(&b, " (SQLSTATE %s)", e.Code)
	}
	if e.Detail != "" {
		b.WriteString(", detail: " + e.Detail)
	}
	if e.Hint != "" {
		b.WriteString(", hint: " + e.Hint)
	}
	if e.Context != "" {
		b.WriteString(", context: " + e.Context)
	}
	if e.Command != "" {
		b.WriteString(", remote SQL command: " + e.Command)
	}
	return b.String()
}

// Unwrap lets errors.Is(err, ErrAlreadyResolved) detect a missing prepared transaction.
func (e *RemoteError) Unwrap() error {
	if e.Code == CodeUndefinedObject {
		return ErrAlreadyResolved
	}
	return nil
}

// IsConnectionFailure reports whether the error classifies a dead connection.
func (e *RemoteError) IsConnectionFailure() bool {
	return strings.HasPrefix(e.Code, "08")
}
