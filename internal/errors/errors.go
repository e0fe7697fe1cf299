// Package errors defines the error taxonomy shared by the licensing engine
// and its HTTP surface: sentinel errors for engine outcomes and RFC 7807
// problem-details renderers for the transport layer.
package errors

import (
	"errors"
	"fmt"
)

// Engine sentinel errors. NetworkError is transient and never aborts the
// host application; a Rejected is an authoritative negative, non-retryable
// without new credentials. Trial expiry and fraud are states reported in
// outcomes, never errors.
var (
	ErrConfig           = errors.New("invalid product configuration")
	ErrHandleNotFound   = errors.New("handle not found")
	ErrNetwork          = errors.New("network error")
	ErrRejected         = errors.New("rejected by licensing service")
	ErrTrialNotStarted  = errors.New("trial not started")
	ErrAlreadyFired     = errors.New("trial callback already fired")
	ErrNoProductKey     = errors.New("no product key saved")
	ErrInvalidKeyFormat = errors.New("invalid product key format")
	ErrNotActivated     = errors.New("not activated")
	ErrFeatureNotFound  = errors.New("feature not found")
	ErrRateLimited      = errors.New("too many activation attempts")
	ErrStoreTampered    = errors.New("local state failed integrity check")
)

// RejectionError carries the service-reported reason for an authoritative
// rejection (revoked, deactivated remotely, fraud). It unwraps to
// ErrRejected so callers can match with errors.Is.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	if e.Reason == "" {
		return ErrRejected.Error()
	}
	return fmt.Sprintf("rejected by licensing service: %s", e.Reason)
}

func (e *RejectionError) Unwrap() error { return ErrRejected }

// NewRejection creates a RejectionError with the given reason.
func NewRejection(reason string) error {
	return &RejectionError{Reason: reason}
}

// NetworkError wraps a transport-level failure as a transient, retryable
// error. It unwraps to ErrNetwork.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return ErrNetwork.Error()
	}
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return ErrNetwork }

// WrapNetwork wraps err so it matches ErrNetwork. A nil err yields nil.
func WrapNetwork(err error) error {
	if err == nil {
		return nil
	}
	return &NetworkError{Err: err}
}

// IsRetryable reports whether the caller may retry the operation without
// new credentials. Only connectivity failures qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}
