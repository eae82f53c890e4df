/*
errors.go - Centralized error types for the credit engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify with errors.Is / errors.As; the HTTP layer maps the
  categories below to status codes.

ERROR CATEGORIES:
  1. Validation  - bad input shape, rejected before any store access
  2. Business    - insufficient credits, already booked
  3. Not found   - stale references
  4. Concurrency - compare-and-swap lost, retry the whole operation
  5. Invariant   - ledger sums disagree with the member row (fatal)

SEE ALSO:
  - ledger.go: Raises InvalidAmount, InsufficientCredits, ConcurrencyConflict
  - booking/coordinator.go: Raises AlreadyBooked, OutcomeUnknown
*/
package cpd

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation marks malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidAmount is returned when a transaction amount has the wrong
	// sign for its type (spent > 0, allocation/refund < 0) or is zero.
	ErrInvalidAmount = fmt.Errorf("%w: invalid amount", ErrValidation)

	// ErrInsufficientCredits is returned when a spend exceeds the balance.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrNotFound is the parent of all lookup failures.
	ErrNotFound = errors.New("not found")

	ErrMemberNotFound       = fmt.Errorf("member %w", ErrNotFound)
	ErrOrganisationNotFound = fmt.Errorf("organisation %w", ErrNotFound)
	ErrItemNotFound         = fmt.Errorf("item %w", ErrNotFound)
	ErrBookingNotFound      = fmt.Errorf("booking %w", ErrNotFound)
	ErrCourseNotFound       = fmt.Errorf("course %w", ErrNotFound)
	ErrVariantNotFound      = fmt.Errorf("variant %w", ErrNotFound)
	ErrTransactionNotFound  = fmt.Errorf("transaction %w", ErrNotFound)

	// ErrConcurrencyConflict is returned when the member row changed between
	// read and write. Retry the whole operation, not just the write.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned when a row with the same
	// idempotency key already exists. Expected on retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrAlreadyBooked is returned when the member already holds an active
	// booking for the item under a different idempotency key.
	ErrAlreadyBooked = errors.New("already booked")

	// ErrOutcomeUnknown is returned when an operation hit its deadline. The
	// caller must re-check state with the idempotency key.
	ErrOutcomeUnknown = errors.New("outcome unknown, re-check with idempotency key")

	// ErrInvariantViolation is returned when ledger sums and the member row
	// disagree. Never corrected automatically.
	ErrInvariantViolation = errors.New("ledger invariant violation")

	// ErrInUse is returned when deleting something a booking still references.
	ErrInUse = errors.New("referenced by an active booking")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InsufficientCreditsError carries the authoritative balance at the moment
// the spend was rejected.
type InsufficientCreditsError struct {
	MemberID  MemberID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Requested.Sub(e.Available))
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// AlreadyBookedError points at the booking that already exists.
type AlreadyBookedError struct {
	Existing Booking
}

func (e *AlreadyBookedError) Error() string {
	return fmt.Sprintf("already booked: booking %s for item %s", e.Existing.ID, e.Existing.ItemID)
}

func (e *AlreadyBookedError) Unwrap() error { return ErrAlreadyBooked }

// InvariantViolationError describes a conservation mismatch.
type InvariantViolationError struct {
	MemberID MemberID
	Field    string
	Stored   decimal.Decimal
	Derived  decimal.Decimal
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("ledger invariant violation for %s: %s stored %s, derived %s",
		e.MemberID, e.Field, e.Stored, e.Derived)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrOutcomeUnknown)
}

// IsClientError returns true if the error is due to the caller's input or
// a business rule the caller can act on.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrAlreadyBooked) ||
		errors.Is(err, ErrInUse)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
