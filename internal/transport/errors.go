package transport

import (
	"errors"
	"fmt"
)

// ErrKind separates failures the supervisor retries from those it must not.
type ErrKind int

const (
	// KindNetwork covers DNS, TCP, TLS, HTTP status and mid-stream read
	// failures. Retried with backoff.
	KindNetwork ErrKind = iota

	// KindAuth covers credential rejection (401/403). Never retried
	// automatically; requires a credential update.
	KindAuth
)

// ConnError is a connection-level failure terminating a stream.
type ConnError struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// IsAuth reports whether err is a credential rejection.
func IsAuth(err error) bool {
	var ce *ConnError
	return errors.As(err, &ce) && ce.Kind == KindAuth
}

func netErr(op string, err error) *ConnError {
	return &ConnError{Kind: KindNetwork, Op: op, Err: err}
}

func authErr(op string, err error) *ConnError {
	return &ConnError{Kind: KindAuth, Op: op, Err: err}
}
