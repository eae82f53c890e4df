/*
ledger.go - Append-only credit ledger

PURPOSE:
  The Ledger is the only component allowed to change a member's balance.
  Every allocation, spend and refund is one transaction row plus one
  compare-and-swap on the member row, written in the same unit of work.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. PAIRED WRITES: No balance change without a transaction row.
  3. IDEMPOTENT: Same idempotency key = same transaction (no duplicates)
  4. NON-NEGATIVE: A spend never takes the balance below zero

CORRECTIONS:
  A cancelled spend is not edited. A refund transaction (opposite sign)
  is appended and references the spend. Both rows remain in history.

EXAMPLE FLOW:
  1. Monthly allocation: allocation +1.0
  2. Books a course:     spent      -1.0
  3. Cancels it:         refund     +1.0

  History: [+1.0, -1.0, +1.0] = 1.0 hours

SEE ALSO:
  - store.go: Low-level persistence interface
  - balance.go: Member.Apply and conservation checks
*/
package cpd

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger wraps a Store with the balance mutation rules.
type Ledger struct {
	Store  Store
	Logger *zap.Logger

	// Now is overridable in tests.
	Now func() time.Time
}

func NewLedger(store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{Store: store, Logger: logger.Named("ledger"), Now: time.Now}
}

// Balance returns the member's redeemable hours.
func (l *Ledger) Balance(ctx context.Context, memberID MemberID) (decimal.Decimal, error) {
	m, err := l.Store.GetMember(ctx, memberID)
	if err != nil {
		return decimal.Zero, err
	}
	return m.CPDHours, nil
}

// Transactions lists a member's history, newest first unless the filter
// asks otherwise.
func (l *Ledger) Transactions(ctx context.Context, memberID MemberID, filter TransactionFilter) ([]Transaction, error) {
	if _, err := l.Store.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	return l.Store.ListTransactions(ctx, memberID, filter)
}

// Append writes tx in its own unit of work.
func (l *Ledger) Append(ctx context.Context, tx Transaction) (Transaction, error) {
	var out Transaction
	err := l.Store.WithTx(ctx, func(uow Tx) error {
		var err error
		out, err = l.AppendIn(ctx, uow, tx)
		return err
	})
	// On ErrDuplicateIdempotencyKey out holds the prior row.
	return out, err
}

// AppendIn writes tx inside the caller's unit of work. This is the ONLY
// write path for balances.
//
// When tx carries an idempotency key that already exists, the stored
// transaction is returned together with ErrDuplicateIdempotencyKey.
func (l *Ledger) AppendIn(ctx context.Context, uow Tx, tx Transaction) (Transaction, error) {
	if err := ValidateTransaction(tx); err != nil {
		return Transaction{}, err
	}

	if tx.IdempotencyKey != "" {
		existing, err := uow.GetTransactionByKey(ctx, tx.IdempotencyKey)
		switch {
		case err == nil:
			return *existing, ErrDuplicateIdempotencyKey
		case !errors.Is(err, ErrNotFound):
			return Transaction{}, err
		}
	}

	member, err := uow.GetMember(ctx, tx.MemberID)
	if err != nil {
		return Transaction{}, err
	}

	updated, err := member.Apply(tx)
	if err != nil {
		return Transaction{}, err
	}

	if tx.ID == "" {
		tx.ID = TransactionID(uuid.NewString())
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = l.Now().UTC()
	}

	if err := uow.UpdateMemberBalance(ctx, updated, member.Version); err != nil {
		return Transaction{}, err
	}
	if err := uow.InsertTransaction(ctx, tx); err != nil {
		return Transaction{}, err
	}

	l.Logger.Debug("appended transaction",
		zap.String("member_id", string(tx.MemberID)),
		zap.String("type", string(tx.Type)),
		zap.String("amount", tx.Amount.String()),
		zap.String("balance", updated.CPDHours.String()),
	)
	return tx, nil
}

// Verify re-derives the member's totals from history and compares them
// with the stored row. A mismatch is logged at error level and returned;
// it is never corrected here.
func (l *Ledger) Verify(ctx context.Context, memberID MemberID) (BalanceSummary, error) {
	m, err := l.Store.GetMember(ctx, memberID)
	if err != nil {
		return BalanceSummary{}, err
	}
	txs, err := l.Store.ListTransactions(ctx, memberID, TransactionFilter{Ascending: true})
	if err != nil {
		return BalanceSummary{}, err
	}
	summary := Summarize(memberID, txs)
	if err := CheckConservation(*m, summary); err != nil {
		l.Logger.Error("ledger invariant violation",
			zap.String("member_id", string(memberID)),
			zap.Error(err),
		)
		return summary, err
	}
	return summary, nil
}
