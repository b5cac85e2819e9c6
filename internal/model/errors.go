package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientBalance is returned when a bucket would go negative.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrPriceUnavailable means no price could be found for an instrument.
	// It never reaches settlement callers: settlement falls back to entry price.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrConflict is returned by conditional updates whose expected status
	// no longer holds. Callers treat it as "someone else got there first".
	ErrConflict = errors.New("concurrent modification")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrOrderNotCancellable is returned when cancelling anything but a
	// SCHEDULED order or a PENDING scheduled trade.
	ErrOrderNotCancellable = errors.New("order not cancellable")
	// ErrLockNotActive is returned when releasing a lock that is already released.
	ErrLockNotActive = errors.New("lock not active")
	// ErrLockHeld is returned when a distributed lock is owned elsewhere.
	ErrLockHeld = errors.New("lock held by another owner")
	// ErrForbidden is returned when a user touches another user's record.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid builds a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RetryableError wraps a transient failure (store, network) that may succeed
// when retried. Settlement wraps store errors in it.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: retryable: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err unless it is nil or already classified as a business
// rejection (validation, balance, conflict, not found).
func Retryable(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsValidation(err) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound) {
		return err
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return err
	}
	return &RetryableError{Op: op, Err: err}
}

// IsRetryable reports whether err wraps a *RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
