package catalogue

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/cpd-engine/cpd"
)

// =============================================================================
// PROVIDER - External product/price catalogue
// =============================================================================

// Provider is the payment provider's catalogue. Prices are immutable once
// created: a new amount means a new price.
type Provider interface {
	// EnsureProduct creates the provider product for a course and returns
	// its id. idempotencyKey makes a retried create return the same product.
	EnsureProduct(ctx context.Context, c Course, idempotencyKey string) (string, error)
	CreatePrice(ctx context.Context, p PriceParams) (string, error)
	// ArchivePrice deactivates a superseded price. Archived prices stay
	// valid for existing references.
	ArchivePrice(ctx context.Context, priceID string) error
}

type PriceParams struct {
	ProductID string
	CourseID  string
	// VariantID is empty for a course's flat price.
	VariantID      string
	Nickname       string
	AmountPence    int64
	Currency       string
	IdempotencyKey string
}

// ErrProvider is the parent of every provider failure.
var ErrProvider = errors.New("payment provider error")

// ProviderError is a classified provider failure.
type ProviderError struct {
	Op        string
	Code      string
	Message   string
	Status    int
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *ProviderError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProvider, e.Err}
	}
	return []error{ErrProvider}
}

// Retryable reports whether err is worth another attempt. Unclassified
// errors are assumed to be transport failures.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return !errors.Is(err, cpd.ErrValidation)
}
