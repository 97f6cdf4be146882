package kvstore

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNotConfigured = errors.New("storage not configured")
	ErrNoBackends    = errors.New("no storage backend could be constructed")
	ErrClosed        = errors.New("storage backend is closed")
)

// UnsupportedKindError is returned when a configuration names a backend kind
// the factory has no strategy chain for.
type UnsupportedKindError struct {
	Kind Kind
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("unsupported storage backend kind: %q", string(e.Kind))
}

// BackendError wraps an engine-level read, write or delete failure.
type BackendError struct {
	Engine string
	Op     string
	Key    string
	Err    error
}

func (e *BackendError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s %q: %v", e.Engine, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Engine, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func backendErr(engine, op, key string, err error) error {
	return &BackendError{Engine: engine, Op: op, Key: key, Err: err}
}
