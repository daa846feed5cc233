package pqlmem

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Use errors.Is to classify an error returned by the Manager.
var (
	// ErrConfiguration reports invalid options or a malformed database URI.
	ErrConfiguration = errors.New("configuration error")
	// ErrInitialization reports that the engine could not be initialized or started.
	ErrInitialization = errors.New("initialization error")
	// ErrNotReady reports that no engine handle is available for the operation.
	ErrNotReady = errors.New("not ready")
	// ErrOperation reports that a create, drop, execute or migrate call failed.
	ErrOperation = errors.New("operation failed")
)

// ErrHandleReleased is returned by an Engine when it is handed a handle that was already stopped.
var ErrHandleReleased = errors.New("engine handle released")

// Error carries the kind of failure plus the database context it happened in.
type Error struct {
	Kind     error
	Op       string
	URI      string
	Database string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Database != "" {
		fmt.Fprintf(&b, " %q", e.Database)
	}
	if e.URI != "" {
		fmt.Fprintf(&b, " (%s)", e.URI)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func configError(op string, err error) error {
	return &Error{Kind: ErrConfiguration, Op: op, Err: err}
}

func opError(op, uri, name string, err error) error {
	if errors.Is(err, ErrHandleReleased) {
		return &Error{Kind: ErrNotReady, Op: op, URI: RedactURI(uri), Database: name, Err: err}
	}
	return &Error{Kind: ErrOperation, Op: op, URI: RedactURI(uri), Database: name, Err: err}
}
