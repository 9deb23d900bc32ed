package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass represents the classification of an error for retry and degradation logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on a later attempt.
	// Examples: activation timeouts, a cold tier that could not be reached.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassDenied indicates an activation refused by admission policy.
	ErrorClassDenied ErrorClass = "denied"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: unknown resource identifier, unregistered provider kind.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Sentinel errors shared across packages.
var (
	// ErrUnknownResource is returned when an identifier is not in the descriptor catalog.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrUnknownKind is returned when no factory is registered for a descriptor kind.
	ErrUnknownKind = errors.New("no factory registered for kind")

	// ErrAdmissionDenied is returned when the admission policy rejects an activation.
	ErrAdmissionDenied = errors.New("activation denied by policy")

	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("component closed")

	// ErrNotFound is returned by backends for absent or expired keys.
	ErrNotFound = errors.New("not found")
)

// ActivationError reports that a resource could not be brought to the Active state.
// Every waiter of a failed activation receives the same ActivationError.
type ActivationError struct {
	// ResourceID is the descriptor identifier that failed to activate.
	ResourceID string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ActivationError) Error() string {
	return fmt.Sprintf("activation of %s failed: %v", e.ResourceID, e.Err)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ActivationError) Unwrap() error {
	return e.Err
}

// CacheUnavailableError reports a tier that could not serve an operation.
// The tiered cache absorbs these; they only escape when every writable tier fails.
type CacheUnavailableError struct {
	// Tier is the cache tier that failed.
	Tier Tier

	// Op is the operation attempted (get, set, delete, open).
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("cache tier %s unavailable for %s: %v", e.Tier, e.Op, e.Err)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *CacheUnavailableError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a blocking call that exceeded its bound.
type TimeoutError struct {
	// Op names the bounded operation.
	Op string

	// Resource is the resource or tier involved, if any.
	Resource string

	// After is the bound that was exceeded.
	After time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s of %s timed out after %s", e.Op, e.Resource, e.After)
	}
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// Timeout reports true so callers using the net.Error convention can detect it.
func (e *TimeoutError) Timeout() bool { return true }

// NewActivationError wraps err as an activation failure of id.
func NewActivationError(id string, err error) *ActivationError {
	return &ActivationError{ResourceID: id, Err: err}
}

// NewCacheUnavailableError wraps err as a failure of the given tier.
func NewCacheUnavailableError(tier Tier, op string, err error) *CacheUnavailableError {
	return &CacheUnavailableError{Tier: tier, Op: op, Err: err}
}

// IsActivationError returns true if any error in the chain is an ActivationError.
func IsActivationError(err error) bool {
	var e *ActivationError
	return errors.As(err, &e)
}

// IsCacheUnavailable returns true if any error in the chain is a CacheUnavailableError.
func IsCacheUnavailable(err error) bool {
	var e *CacheUnavailableError
	return errors.As(err, &e)
}

// IsTimeout returns true if any error in the chain is a TimeoutError.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// ClassOf classifies an error for metrics and degradation decisions.
func ClassOf(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAdmissionDenied):
		return ErrorClassDenied
	case IsTimeout(err), IsCacheUnavailable(err):
		return ErrorClassTransient
	default:
		return ErrorClassPermanent
	}
}

// IsRetryable returns true if a later explicit attempt may succeed.
func IsRetryable(err error) bool {
	return ClassOf(err) == ErrorClassTransient
}
