/*
coordinator.go - Redeeming CPD hours for a booking

PURPOSE:
  The Coordinator turns "book this item with my credit" into one atomic
  unit of work: re-read the balance, debit it through the ledger, and
  write the booking that references the debit. A booking row exists only
  if its debit committed.

STATE MACHINE (per attempt):
  Requested -> BalanceChecked -> Committed
                              -> Rejected (validation, insufficient, already booked)

IDEMPOTENCY:
  Every request carries a client-stable key. A second request with the
  same key returns the first result and debits nothing. The spent
  transaction is keyed "<key>:spent" and the refund "refund:<bookingID>".

CONCURRENCY:
  Two tabs booking at once both pass the balance check in their own view,
  but only one wins the compare-and-swap on the member row. The loser gets
  ErrConcurrencyConflict, re-reads, and is retried up to MaxAttempts times.

TIMEOUTS:
  Every operation runs under Timeout. If the deadline fires (or the caller
  goes away) the result is ErrOutcomeUnknown: the debit may have committed
  and the caller must re-check with the idempotency key.

SEE ALSO:
  - cpd/ledger.go: AppendIn, the only balance write
  - pricing/engine.go: ComputeWithSpend
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/cpd-engine/cpd"
	"github.com/warp/cpd-engine/pricing"
)

// Notifier receives post-commit events. Errors are logged, never propagated.
type Notifier interface {
	BookingConfirmed(ctx context.Context, b cpd.Booking) error
	BookingCancelled(ctx context.Context, b cpd.Booking) error
}

type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
	}
}

type Coordinator struct {
	store    cpd.Store
	ledger   *cpd.Ledger
	notifier Notifier
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
}

func NewCoordinator(store cpd.Store, ledger *cpd.Ledger, notifier Notifier, logger *zap.Logger, cfg Config) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Coordinator{
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		logger:   logger.Named("booking"),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Request is one bookWithCredits call.
type Request struct {
	MemberID       cpd.MemberID
	ItemID         cpd.ItemID
	IdempotencyKey string

	// CreditsToSpend is the redemption the client was shown. Nil means
	// "as much as the item can absorb from the current balance".
	CreditsToSpend *decimal.Decimal
}

func (r Request) Validate() error {
	if r.MemberID == "" {
		return cpd.Invalid("member_id", "required")
	}
	if r.ItemID == "" {
		return cpd.Invalid("item_id", "required")
	}
	if r.IdempotencyKey == "" {
		return cpd.Invalid("idempotency_key", "required")
	}
	if r.CreditsToSpend != nil && r.CreditsToSpend.IsNegative() {
		return cpd.Invalid("credits_to_spend", "must not be negative")
	}
	return nil
}

// Result describes a committed booking.
type Result struct {
	Booking    cpd.Booking
	Price      pricing.Breakdown
	NewBalance decimal.Decimal
	// Replayed is true when the key was already committed.
	Replayed bool
}

// =============================================================================
// BOOK
// =============================================================================

// BookWithCredits debits the member and creates the booking atomically.
func (c *Coordinator) BookWithCredits(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	item, err := c.store.GetItem(ctx, req.ItemID)
	if err != nil {
		return nil, c.outcome(ctx, err)
	}

	var result *Result
	err = c.retry(ctx, func() error {
		var err error
		result, err = c.attempt(ctx, req, *item)
		return err
	})

	if errors.Is(err, cpd.ErrDuplicateIdempotencyKey) {
		// Lost the insert race to the same key: the winner's booking stands.
		result, err = c.replay(ctx, req)
	}
	if err != nil {
		return nil, c.outcome(ctx, err)
	}

	if !result.Replayed {
		c.logger.Info("booking committed",
			zap.String("booking_id", string(result.Booking.ID)),
			zap.String("member_id", string(req.MemberID)),
			zap.String("item_id", string(req.ItemID)),
			zap.String("credits_spent", result.Booking.CreditsSpent.String()),
			zap.String("payment_method", string(result.Booking.PaymentMethod)),
		)
		c.notify(ctx, result.Booking, false)
	}
	return result, nil
}

func (c *Coordinator) attempt(ctx context.Context, req Request, item cpd.Item) (*Result, error) {
	var result *Result
	err := c.store.WithTx(ctx, func(uow cpd.Tx) error {
		// Already committed for this key?
		prior, err := uow.GetBookingByKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			if prior.MemberID != req.MemberID || prior.ItemID != req.ItemID {
				return cpd.Invalid("idempotency_key", "already used for a different booking")
			}
			result = &Result{Booking: *prior, NewBalance: prior.BalanceAfter, Replayed: true}
			return nil
		case !errors.Is(err, cpd.ErrNotFound):
			return err
		}

		if existing, err := uow.FindActiveBooking(ctx, req.MemberID, req.ItemID); err == nil {
			return &cpd.AlreadyBookedError{Existing: *existing}
		} else if !errors.Is(err, cpd.ErrNotFound) {
			return err
		}

		member, err := uow.GetMember(ctx, req.MemberID)
		if err != nil {
			return err
		}
		org, err := organisationOf(ctx, uow, member)
		if err != nil {
			return err
		}

		spend, err := creditsToSpend(req, item, *member)
		if err != nil {
			return err
		}
		price := pricing.ComputeWithSpend(item.CPDHours, spend, pricing.ContextFor(member, org))

		now := c.now().UTC()
		b := cpd.Booking{
			ID:             cpd.BookingID(uuid.NewString()),
			MemberID:       req.MemberID,
			ItemID:         item.ID,
			ItemKind:       item.Kind,
			CreditsSpent:   price.ApplicableHours,
			FinalPrice:     price.FinalPrice,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		b.PaymentMethod, b.Status = settle(price)

		balance := member.CPDHours
		if price.ApplicableHours.IsPositive() {
			tx, err := c.ledger.AppendIn(ctx, uow, cpd.Transaction{
				MemberID:       req.MemberID,
				Amount:         price.ApplicableHours.Neg(),
				Type:           cpd.TxSpent,
				Description:    fmt.Sprintf("Booked %s %q", item.Kind, item.Title),
				ReferenceID:    string(b.ID),
				IdempotencyKey: req.IdempotencyKey + ":spent",
				CreatedAt:      now,
			})
			if err != nil {
				return err
			}
			b.TransactionID = tx.ID
			balance = balance.Sub(price.ApplicableHours)
		}

		b.BalanceAfter = balance
		if err := uow.InsertBooking(ctx, b); err != nil {
			return err
		}
		result = &Result{Booking: b, Price: price, NewBalance: balance}
		return nil
	})
	return result, err
}

// creditsToSpend resolves the redemption against the balance read inside
// the unit of work.
func creditsToSpend(req Request, item cpd.Item, m cpd.Member) (decimal.Decimal, error) {
	maxHours := pricing.MaxApplicableHours(item.CPDHours)
	if req.CreditsToSpend == nil {
		return decimal.Min(maxHours, m.CPDHours), nil
	}
	spend := *req.CreditsToSpend
	if spend.GreaterThan(maxHours) {
		return decimal.Zero, cpd.Invalid("credits_to_spend", "%s exceeds the %s hours item %s can absorb", spend, maxHours, item.ID)
	}
	if spend.GreaterThan(m.CPDHours) {
		return decimal.Zero, &cpd.InsufficientCreditsError{MemberID: m.ID, Available: m.CPDHours, Requested: spend}
	}
	return spend, nil
}

// settle picks the payment method from what is left to pay.
func settle(price pricing.Breakdown) (cpd.PaymentMethod, cpd.BookingStatus) {
	switch {
	case price.FinalPrice.IsPositive():
		return cpd.PaymentCard, cpd.BookingPendingPayment
	case price.ApplicableHours.IsPositive():
		return cpd.PaymentCredits, cpd.BookingConfirmed
	default:
		return cpd.PaymentFree, cpd.BookingConfirmed
	}
}

func (c *Coordinator) replay(ctx context.Context, req Request) (*Result, error) {
	prior, err := c.store.GetBookingByKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if prior.MemberID != req.MemberID || prior.ItemID != req.ItemID {
		return nil, cpd.Invalid("idempotency_key", "already used for a different booking")
	}
	return &Result{Booking: *prior, NewBalance: prior.BalanceAfter, Replayed: true}, nil
}

func organisationOf(ctx context.Context, uow cpd.Tx, m *cpd.Member) (*cpd.Organisation, error) {
	if m.OrganisationID == nil {
		return nil, nil
	}
	org, err := uow.GetOrganisation(ctx, *m.OrganisationID)
	if errors.Is(err, cpd.ErrNotFound) {
		return nil, nil
	}
	return org, err
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel refunds the credit spent on a booking and marks it cancelled.
// Cancelling twice returns the existing cancellation.
func (c *Coordinator) Cancel(ctx context.Context, id cpd.BookingID) (*Result, error) {
	if id == "" {
		return nil, cpd.Invalid("booking_id", "required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var result *Result
	err := c.retry(ctx, func() error {
		var err error
		result, err = c.cancelAttempt(ctx, id)
		return err
	})
	if err != nil {
		return nil, c.outcome(ctx, err)
	}

	if !result.Replayed {
		c.logger.Info("booking cancelled",
			zap.String("booking_id", string(id)),
			zap.String("member_id", string(result.Booking.MemberID)),
			zap.String("refunded", result.Booking.CreditsSpent.String()),
		)
		c.notify(ctx, result.Booking, true)
	}
	return result, nil
}

func (c *Coordinator) cancelAttempt(ctx context.Context, id cpd.BookingID) (*Result, error) {
	var result *Result
	err := c.store.WithTx(ctx, func(uow cpd.Tx) error {
		b, err := uow.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		if b.Status == cpd.BookingCancelled {
			member, err := uow.GetMember(ctx, b.MemberID)
			if err != nil {
				return err
			}
			result = &Result{Booking: *b, NewBalance: member.CPDHours, Replayed: true}
			return nil
		}

		now := c.now().UTC()
		if b.CreditsSpent.IsPositive() {
			refund, err := c.ledger.AppendIn(ctx, uow, cpd.Transaction{
				MemberID:       b.MemberID,
				Amount:         b.CreditsSpent,
				Type:           cpd.TxRefund,
				Description:    fmt.Sprintf("Refund for cancelled booking %s", b.ID),
				ReferenceID:    string(b.TransactionID),
				IdempotencyKey: "refund:" + string(b.ID),
				CreatedAt:      now,
			})
			if err != nil && !errors.Is(err, cpd.ErrDuplicateIdempotencyKey) {
				return err
			}
			b.RefundTransactionID = refund.ID
		}

		b.Status = cpd.BookingCancelled
		b.UpdatedAt = now
		b.CancelledAt = &now
		if err := uow.UpdateBookingStatus(ctx, *b); err != nil {
			return err
		}

		member, err := uow.GetMember(ctx, b.MemberID)
		if err != nil {
			return err
		}
		result = &Result{Booking: *b, NewBalance: member.CPDHours}
		return nil
	})
	return result, err
}

// =============================================================================
// READS
// =============================================================================

func (c *Coordinator) Get(ctx context.Context, id cpd.BookingID) (*cpd.Booking, error) {
	return c.store.GetBooking(ctx, id)
}

// Lookup finds a booking by the idempotency key it was created with. This
// is how callers resolve ErrOutcomeUnknown.
func (c *Coordinator) Lookup(ctx context.Context, idempotencyKey string) (*cpd.Booking, error) {
	return c.store.GetBookingByKey(ctx, idempotencyKey)
}

func (c *Coordinator) ListForMember(ctx context.Context, memberID cpd.MemberID) ([]cpd.Booking, error) {
	if _, err := c.store.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	return c.store.ListBookings(ctx, memberID)
}

// =============================================================================
// HELPERS
// =============================================================================

// retry runs fn until it succeeds, fails with a non-conflict error, or the
// attempts run out.
func (c *Coordinator) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.BaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			c.logger.Debug("retrying after conflict", zap.Int("attempt", attempt+1))
		}
		err = fn()
		if !errors.Is(err, cpd.ErrConcurrencyConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: gave up after %d attempts, please try again", err, c.cfg.MaxAttempts)
}

// outcome converts deadline and cancellation errors into ErrOutcomeUnknown.
func (c *Coordinator) outcome(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		c.logger.Warn("booking outcome unknown", zap.Error(err))
		return fmt.Errorf("%w: %v", cpd.ErrOutcomeUnknown, err)
	}
	return err
}

func (c *Coordinator) notify(ctx context.Context, b cpd.Booking, cancelled bool) {
	if c.notifier == nil {
		return
	}
	// The unit of work is committed; the request deadline no longer applies.
	ctx = context.WithoutCancel(ctx)
	var err error
	if cancelled {
		err = c.notifier.BookingCancelled(ctx, b)
	} else {
		err = c.notifier.BookingConfirmed(ctx, b)
	}
	if err != nil {
		c.logger.Warn("notification failed",
			zap.String("booking_id", string(b.ID)),
			zap.Error(err),
		)
	}
}
