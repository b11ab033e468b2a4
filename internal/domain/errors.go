package domain

import (
	"errors"
	"fmt"
)

// ErrorKind buckets every failure the monitor can see into the handling
// policy that applies to it.
type ErrorKind string

const (
	// KindRateTimeout: a rate limiter deadline elapsed before a token was
	// available. Retried at the next scheduling tick.
	KindRateTimeout ErrorKind = "rate_timeout"
	// KindNetwork: DNS/TCP/HTTP transport failure. Retried with backoff and
	// counted against consecutive_failures.
	KindNetwork ErrorKind = "network"
	// KindProtocol: transport succeeded but the payload was malformed.
	KindProtocol ErrorKind = "protocol"
	// KindRemoteFailure: upstream 5xx/429. Retried with backoff.
	KindRemoteFailure ErrorKind = "remote_failure"
	// KindAuth: callback rejected our credentials. Not retried; posting is
	// paused until the service restarts (configuration is not reloaded at
	// runtime).
	KindAuth ErrorKind = "auth"
	// KindPersistence: state write failed. The next snapshot is attempted.
	KindPersistence ErrorKind = "persistence"
	// KindFatal: invariant violation or unrecoverable configuration.
	KindFatal ErrorKind = "fatal"
)

// MonitorError carries an ErrorKind alongside the underlying cause so
// callers can branch on policy without string matching.
type MonitorError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *MonitorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *MonitorError) Unwrap() error {
	return e.Err
}

// NewError wraps err with an error kind and the operation that failed.
func NewError(kind ErrorKind, op string, err error) *MonitorError {
	return &MonitorError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from err, or KindNetwork if err carries
// none. Network is the default because unclassified failures come from the
// transport layer in practice.
func KindOf(err error) ErrorKind {
	var me *MonitorError
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindNetwork
}

// IsFatal reports whether err must tear the service down.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}
