/*
sync.go - Reconciling course prices with the payment provider

PURPOSE:
  After an admin edits a course, its provider product and per-variant
  prices must match. A course without variants syncs its flat price
  instead. Provider prices are immutable, so a changed amount means:
  create a new price, store its id on the item, archive the old.

SAFE TO RE-RUN:
  - Items whose stored price id matches their current price are skipped
  - Create calls carry idempotency keys, so a retry after a lost response
    returns the same provider object:
      price:<item>:<pence>            first price for the item
      price:<item>:<pence>:<old id>   price replacing <old id>
    The superseded id keeps a revert to an earlier amount from replaying
    the archived price.
  - The new id is persisted before the old price is archived, so the
    item always points at a live price

FAILURES:
  Validation (empty name, non-positive price) fails the whole sync before
  any provider call and is never retried. Provider failures are retried
  with exponential backoff up to MaxAttempts, and only when retryable. One
  variant failing does not stop the others; each failure is reported with
  its variant id.

SEE ALSO:
  - provider.go: Provider, ProviderError
  - stripe/provider.go: Stripe implementation
*/
package catalogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/warp/cpd-engine/cpd"
)

type SyncConfig struct {
	MaxAttempts   int
	BaseBackoff   time.Duration
	RatePerSecond float64
	Currency      string
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		MaxAttempts:   3,
		BaseBackoff:   200 * time.Millisecond,
		RatePerSecond: 20,
		Currency:      "gbp",
	}
}

type Syncer struct {
	repo     Repository
	provider Provider
	limiter  *rate.Limiter
	logger   *zap.Logger
	cfg      SyncConfig
}

func NewSyncer(repo Repository, provider Provider, logger *zap.Logger, cfg SyncConfig) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSyncConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Syncer{
		repo:     repo,
		provider: provider,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.Named("catalogue"),
		cfg:      cfg,
	}
}

// VariantFailure is one variant that could not be synced. A failed flat
// price carries the course id.
type VariantFailure struct {
	VariantID cpd.ItemID
	Details   string
	Retryable bool
}

type SyncResult struct {
	CourseID         cpd.ItemID
	ProductID        string
	SyncedVariantIDs []cpd.ItemID
	// Unchanged lists variants that were already in sync.
	Unchanged []cpd.ItemID
	Failures  []VariantFailure
	// CoursePriceID is set when the course has no variants and a
	// positive flat price.
	CoursePriceID string
}

// SyncError is returned when any part of a sync failed.
type SyncError struct {
	CourseID  cpd.ItemID
	Details   string
	Retryable bool
	Failures  []VariantFailure
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync course %s: %s", e.CourseID, e.Details)
}

func (e *SyncError) Unwrap() error { return e.Err }

// =============================================================================
// SYNC
// =============================================================================

// SyncCourse reconciles a course and its variants with the provider. On
// partial failure both the result and a *SyncError are returned.
func (s *Syncer) SyncCourse(ctx context.Context, courseID cpd.ItemID) (*SyncResult, error) {
	course, err := s.repo.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	variants, err := s.repo.ListVariants(ctx, courseID)
	if err != nil {
		return nil, err
	}

	// Validate everything before touching the provider.
	var invalid []VariantFailure
	for _, v := range variants {
		if err := ValidateForSync(v); err != nil {
			invalid = append(invalid, VariantFailure{VariantID: v.ID, Details: err.Error()})
		}
	}
	if len(variants) == 0 && course.Price.IsNegative() {
		invalid = append(invalid, VariantFailure{
			VariantID: course.ID,
			Details:   "course price must not be negative",
		})
	}
	if len(invalid) > 0 {
		return nil, &SyncError{
			CourseID: courseID,
			Details:  joinDetails(invalid),
			Failures: invalid,
			Err:      cpd.ErrValidation,
		}
	}

	result := &SyncResult{CourseID: courseID, ProductID: course.StripeProductID}

	if result.ProductID == "" {
		var productID string
		err := s.call(ctx, "create product", func() error {
			var err error
			productID, err = s.provider.EnsureProduct(ctx, *course, "product:"+string(course.ID))
			return err
		})
		if err != nil {
			return nil, &SyncError{
				CourseID:  courseID,
				Details:   err.Error(),
				Retryable: Retryable(err),
				Err:       err,
			}
		}
		if err := s.repo.SetCourseProduct(ctx, courseID, productID); err != nil {
			return nil, err
		}
		result.ProductID = productID
	}

	for _, v := range variants {
		if v.InSync() {
			result.Unchanged = append(result.Unchanged, v.ID)
			result.SyncedVariantIDs = append(result.SyncedVariantIDs, v.ID)
			continue
		}
		_, err := s.syncPrice(ctx, priceTarget{
			itemID:    v.ID,
			variantID: v.ID,
			nickname:  course.Title + " - " + v.Name,
			price:     v.Price,
			current:   v.StripePriceID,
			persist: func(priceID string) error {
				return s.repo.SetVariantPrice(ctx, v.ID, priceID, v.Price)
			},
		}, result.ProductID, courseID)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			s.logger.Warn("variant sync failed",
				zap.String("course_id", string(courseID)),
				zap.String("variant_id", string(v.ID)),
				zap.Error(err),
			)
			result.Failures = append(result.Failures, VariantFailure{
				VariantID: v.ID,
				Details:   err.Error(),
				Retryable: Retryable(err),
			})
			continue
		}
		result.SyncedVariantIDs = append(result.SyncedVariantIDs, v.ID)
	}

	// A free course without variants stays product-only.
	if len(variants) == 0 && course.Price.IsPositive() {
		if course.InSync() {
			result.CoursePriceID = course.StripePriceID
		} else {
			priceID, err := s.syncPrice(ctx, priceTarget{
				itemID:   course.ID,
				nickname: course.Title,
				price:    course.Price,
				current:  course.StripePriceID,
				persist: func(priceID string) error {
					return s.repo.SetCoursePrice(ctx, course.ID, priceID, course.Price)
				},
			}, result.ProductID, courseID)
			if err != nil {
				if ctx.Err() != nil {
					return result, ctx.Err()
				}
				s.logger.Warn("course price sync failed",
					zap.String("course_id", string(courseID)),
					zap.Error(err),
				)
				result.Failures = append(result.Failures, VariantFailure{
					VariantID: course.ID,
					Details:   err.Error(),
					Retryable: Retryable(err),
				})
			} else {
				result.CoursePriceID = priceID
			}
		}
	}

	if len(result.Failures) > 0 {
		retryable := false
		for _, f := range result.Failures {
			retryable = retryable || f.Retryable
		}
		return result, &SyncError{
			CourseID:  courseID,
			Details:   joinDetails(result.Failures),
			Retryable: retryable,
			Failures:  result.Failures,
			Err:       ErrProvider,
		}
	}

	s.logger.Info("course synced",
		zap.String("course_id", string(courseID)),
		zap.String("product_id", result.ProductID),
		zap.Int("variants", len(result.SyncedVariantIDs)),
		zap.Int("unchanged", len(result.Unchanged)),
		zap.String("course_price_id", result.CoursePriceID),
	)
	return result, nil
}

// priceTarget is one priced item: a variant, or a course without variants.
type priceTarget struct {
	itemID    cpd.ItemID
	variantID cpd.ItemID
	nickname  string
	price     decimal.Decimal
	current   string
	persist   func(priceID string) error
}

// priceKey names the provider price for an amount replacing current.
func priceKey(item cpd.ItemID, pence int64, current string) string {
	if current == "" {
		return fmt.Sprintf("price:%s:%d", item, pence)
	}
	return fmt.Sprintf("price:%s:%d:%s", item, pence, current)
}

func (s *Syncer) syncPrice(ctx context.Context, t priceTarget, productID string, courseID cpd.ItemID) (string, error) {
	pence := ToPence(t.price)
	var priceID string
	err := s.call(ctx, "create price", func() error {
		var err error
		priceID, err = s.provider.CreatePrice(ctx, PriceParams{
			ProductID:      productID,
			CourseID:       string(courseID),
			VariantID:      string(t.variantID),
			Nickname:       t.nickname,
			AmountPence:    pence,
			Currency:       s.cfg.Currency,
			IdempotencyKey: priceKey(t.itemID, pence, t.current),
		})
		return err
	})
	if err != nil {
		return "", err
	}

	if err := t.persist(priceID); err != nil {
		return "", fmt.Errorf("persisting price %s: %w", priceID, err)
	}

	if old := t.current; old != "" && old != priceID {
		err := s.call(ctx, "archive price", func() error {
			return s.provider.ArchivePrice(ctx, old)
		})
		if err != nil {
			// The item already points at the new price.
			s.logger.Warn("archiving superseded price failed",
				zap.String("item_id", string(t.itemID)),
				zap.String("price_id", old),
				zap.Error(err),
			)
		}
	}
	return priceID, nil
}

// call runs fn with pacing and bounded retries on retryable errors.
func (s *Syncer) call(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if werr := s.limiter.Wait(ctx); werr != nil {
			return werr
		}
		err = fn()
		if err == nil || !Retryable(err) {
			return err
		}
		if attempt == s.cfg.MaxAttempts {
			break
		}
		backoff := s.cfg.BaseBackoff * time.Duration(1<<(attempt-1))
		s.logger.Debug("provider call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

// ToPence converts pounds to the provider's minor unit, rounding half-up.
func ToPence(pounds decimal.Decimal) int64 {
	return pounds.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func joinDetails(fs []VariantFailure) string {
	parts := make([]string, 0, len(fs))
	for _, f := range fs {
		parts = append(parts, fmt.Sprintf("%s: %s", f.VariantID, f.Details))
	}
	return strings.Join(parts, "; ")
}

// IsSyncError unwraps a *SyncError.
func IsSyncError(err error) (*SyncError, bool) {
	var se *SyncError
	ok := errors.As(err, &se)
	return se, ok
}
