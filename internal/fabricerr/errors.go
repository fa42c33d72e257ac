// Package fabricerr defines the error taxonomy shared by the task queue,
// policy engine and memory engine. Callers test with errors.Is.
package fabricerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound reports an unknown id, or an id owned by another tenant.
	ErrNotFound = errors.New("not found")

	// ErrConflict reports a conditional update that lost a race. Callers retry.
	ErrConflict = errors.New("conflict")

	// ErrStaleLease reports an ack or fail against a lease that expired or was reassigned.
	ErrStaleLease = errors.New("stale lease")

	// ErrStoreUnavailable reports a transient infrastructure failure.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidInput reports a malformed pattern, rule, payload or argument.
	ErrInvalidInput = errors.New("invalid input")
)

// Class is a stable, loggable name for a taxonomy member.
type Class string

const (
	ClassNone             Class = ""
	ClassNotFound         Class = "NOT_FOUND"
	ClassConflict         Class = "CONFLICT"
	ClassStaleLease       Class = "STALE_LEASE"
	ClassStoreUnavailable Class = "STORE_UNAVAILABLE"
	ClassInvalidInput     Class = "INVALID_INPUT"
	ClassUnknown          Class = "UNKNOWN"
)

// Invalid builds an ErrInvalidInput with a formatted detail.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// NotFound builds an ErrNotFound naming the entity and id.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %q: %w", entity, id, ErrNotFound)
}

// Wrap annotates err with op. Transient driver errors are mapped onto
// ErrStoreUnavailable so callers can branch on the taxonomy without knowing
// which backend produced them. Errors already in the taxonomy keep their class.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if Classify(err) != ClassUnknown {
		return fmt.Errorf("%s: %w", op, err)
	}
	if IsTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Classify returns the taxonomy class of err.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrConflict):
		return ClassConflict
	case errors.Is(err, ErrStaleLease):
		return ClassStaleLease
	case errors.Is(err, ErrStoreUnavailable):
		return ClassStoreUnavailable
	case errors.Is(err, ErrInvalidInput):
		return ClassInvalidInput
	default:
		return ClassUnknown
	}
}

// IsTransient reports whether err looks like a temporary store failure:
// SQLite BUSY/LOCKED, a closed pool, or an I/O failure underneath the driver.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "disk i/o error") ||
		strings.Contains(msg, "unable to open database")
}
