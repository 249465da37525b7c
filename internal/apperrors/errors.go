// Package apperrors defines the error taxonomy shared by every control-plane
// subsystem: task store, queue dispatcher, vector store, and workflows all
// return errors built from these sentinels so callers can branch on kind
// with errors.Is/errors.As instead of string matching.
package apperrors

import (
	"database/sql"
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap one of these with fmt.Errorf("%w: ...") or via the
// constructors below; callers use errors.Is against the sentinel.
var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrUnavailableDependency = errors.New("dependency unavailable")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrCanceledByUser       = errors.New("canceled by user")
	ErrInternal             = errors.New("internal error")
)

// PerItemFailure records a failure against one item of a batch operation
// (forward_items, reindex, clickstream ingestion) without aborting the rest
// of the batch. Workflows accumulate these and flush them to the task store.
type PerItemFailure struct {
	ItemID string
	Err    error
}

func (e *PerItemFailure) Error() string {
	return fmt.Sprintf("item %s: %v", e.ItemID, e.Err)
}

func (e *PerItemFailure) Unwrap() error { return e.Err }

func NewPerItemFailure(itemID string, err error) *PerItemFailure {
	return &PerItemFailure{ItemID: itemID, Err: err}
}

// Validation wraps ErrValidation with operation context.
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

// NotFound wraps ErrNotFound with operation context.
func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Conflict wraps ErrConflict with operation context.
func Conflict(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

// UnavailableDependency wraps ErrUnavailableDependency with operation context.
func UnavailableDependency(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrUnavailableDependency)
}

// CapacityExceeded wraps ErrCapacityExceeded with operation context.
func CapacityExceeded(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrCapacityExceeded)
}

// CanceledByUser wraps ErrCanceledByUser with operation context.
func CanceledByUser(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrCanceledByUser)
}

// Internal wraps an underlying error as a generic internal failure, per §7's
// "generic Internal message" requirement — the underlying error is preserved
// for logging but callers should not branch on its text.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrInternal, err)
}

// WrapDBError converts database/sql errors into the taxonomy above,
// translating sql.ErrNoRows to ErrNotFound and duplicate-key style driver
// errors are left to callers to classify (the MySQL-wire driver returns
// distinguishable error codes, checked by the caller before reaching here).
func WrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return NotFound("%s", op)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryable reports whether an error represents a transient condition the
// queue dispatcher's backoff policy should retry rather than terminate.
// Only dependency unavailability and generic internal errors are retried;
// validation, not-found, conflict, capacity, and user cancellation are
// considered durable outcomes of the input itself and are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrUnavailableDependency):
		return true
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrCapacityExceeded),
		errors.Is(err, ErrCanceledByUser):
		return false
	case errors.Is(err, ErrInternal):
		return true
	default:
		return false
	}
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is or wraps ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsValidation reports whether err is or wraps ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
