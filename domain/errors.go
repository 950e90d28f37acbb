package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConflict is returned when a compare-and-set on a version counter loses.
	ErrConflict = errors.New("consistency conflict")
	ErrNotFound = errors.New("not found")
)

// ValidationError marks malformed input. It maps to 400 and is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// InvalidActionError is raised by the composer for actions that cannot be
// expressed, such as a missing status or an unknown visibility.
type InvalidActionError struct {
	Action string
	Reason string
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("invalid %s action: %s", e.Action, e.Reason)
}

// AuthorizationError marks a bad signature or credential. It maps to 401.
type AuthorizationError struct {
	Reason string
	Err    error
}

func (e *AuthorizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unauthorized: %s: %v", e.Reason, e.Err)
	}
	return "unauthorized: " + e.Reason
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// RetryableDeliveryError is a transient delivery fault.
type RetryableDeliveryError struct {
	StatusCode int
	Err        error
}

func (e *RetryableDeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("retryable delivery failure: status %d", e.StatusCode)
	}
	return fmt.Sprintf("retryable delivery failure: %v", e.Err)
}

func (e *RetryableDeliveryError) Unwrap() error { return e.Err }

// PermanentDeliveryFailure is a delivery that must not be attempted again,
// either because the remote rejected it or because retries ran out.
type PermanentDeliveryFailure struct {
	StatusCode int
	Reason     string
}

func (e *PermanentDeliveryFailure) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("permanent delivery failure: status %d: %s", e.StatusCode, e.Reason)
	}
	return "permanent delivery failure: " + e.Reason
}

// NotFoundError names the missing entity. It matches ErrNotFound.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsAuthorization(err error) bool {
	var a *AuthorizationError
	return errors.As(err, &a)
}
