package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCapability means no connected server advertises the
	// requested capability.
	ErrUnknownCapability = errors.New("unknown capability")
	// ErrNotConnected means the server is registered but not usable.
	ErrNotConnected = errors.New("server not connected")
	// ErrAlreadyRegistered means a live record exists for the server name.
	ErrAlreadyRegistered = errors.New("server already registered")
	// ErrNotRegistered means no record exists for the server name.
	ErrNotRegistered = errors.New("server not registered")
	// ErrDenied wraps authorization denials of connections and executions.
	ErrDenied = errors.New("execution denied")
	// ErrRateLimited means the per-agent connection manager limit was hit.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrContentBlocked means the content scanner blocked a payload.
	ErrContentBlocked = errors.New("content blocked")
	// ErrInvalidParams means parameters failed schema validation.
	ErrInvalidParams = errors.New("invalid parameters")
	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("connection manager closed")
)

// ConnectionError reports a failure to register or connect a server.
type ConnectionError struct {
	Server string
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s %q: %v", e.Op, e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExecutionError reports a failed tool, prompt or resource call.
type ExecutionError struct {
	Server string
	Tool   string
	Reason string
	Err    error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("execute %q", e.Tool)
	if e.Server != "" {
		msg += fmt.Sprintf(" on %q", e.Server)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }
