package toolpool

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed tool invocation.
type ErrorKind string

const (
	// KindTimeout means the call exceeded its deadline. The connection is kept.
	KindTimeout ErrorKind = "timeout"
	// KindBackend means the server executed the call and reported an error.
	KindBackend ErrorKind = "backend"
	// KindProtocol means the request was rejected at the protocol level, for
	// example an unknown tool or malformed arguments.
	KindProtocol ErrorKind = "protocol"
	// KindConnection means the server could not be reached even after a
	// reconnect. It is the only unrecoverable kind.
	KindConnection ErrorKind = "connection"
)

// ErrUnknownServer is wrapped by errors for servers missing from the pool.
var ErrUnknownServer = errors.New("unknown tool server")

// ErrPoolClosed is wrapped by errors for calls after CloseAll.
var ErrPoolClosed = errors.New("tool pool closed")

// ToolError is returned by every failing pool operation.
type ToolError struct {
	Server string
	Tool   string
	Kind   ErrorKind
	Err    error
}

func (e *ToolError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("tool %s/%s: %s: %v", e.Server, e.Tool, e.Kind, e.Err)
	}
	return fmt.Sprintf("tool server %s: %s: %v", e.Server, e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Recoverable reports whether the run may continue by showing the error to
// the model.
func (e *ToolError) Recoverable() bool {
	return e.Kind != KindConnection
}

// IsRecoverable reports whether err is a recoverable *ToolError.
func IsRecoverable(err error) bool {
	var te *ToolError
	return errors.As(err, &te) && te.Recoverable()
}

// KindOf returns the kind of a *ToolError, or "" for other errors.
func KindOf(err error) ErrorKind {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
