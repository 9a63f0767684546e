package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a connector failure for retry decisions. Retry policy
// is driven by the kind, never by unwrapping vendor errors downstream.
type ErrorKind string

const (
	// KindTransient covers timeouts, throttling (429), and 5xx responses.
	// The job stays retryable until its attempt budget is exhausted.
	KindTransient ErrorKind = "transient"
	// KindCredential covers expired or revoked credentials (401/403). The
	// data source is marked status=error and scheduling stops.
	KindCredential ErrorKind = "credential"
	// KindPermanent covers everything that will not heal by retrying.
	KindPermanent ErrorKind = "permanent"
)

// Error is a classified connector failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("connector: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Credential wraps err as a credential failure.
func Credential(op string, err error) error {
	return &Error{Kind: KindCredential, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// Classify returns the error kind, defaulting unknown errors to transient so
// flaky vendors get the retry budget rather than a broken job.
func Classify(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTransient
}
