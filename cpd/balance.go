/*
balance.go - Applying transactions to a member and re-deriving balances

PURPOSE:
  A member row caches the balance and three running counters. This file
  holds the two directions of that relationship:

  Apply:     member + transaction -> member   (used on every write)
  Summarize: transactions -> totals           (used to audit the cache)

CONSERVATION:
  For every member, at all times:
    CPDHours == TotalCPDEarned - TotalCPDSpent + TotalCPDRefunded
    CPDHours == sum(transaction amounts)
    CPDHours >= 0

EXAMPLE:
  allocation +1.0  -> balance 1.0, earned 1.0
  spent      -0.5  -> balance 0.5, spent 0.5
  refund     +0.5  -> balance 1.0, refunded 0.5
*/
package cpd

import (
	"github.com/shopspring/decimal"
)

// ValidateTransaction checks shape and sign before any store access.
func ValidateTransaction(tx Transaction) error {
	if tx.MemberID == "" {
		return Invalid("member_id", "required")
	}
	if !tx.Type.Valid() {
		return Invalid("transaction_type", "unknown type %q", tx.Type)
	}
	if tx.Amount.IsZero() {
		return ErrInvalidAmount
	}
	switch tx.Type {
	case TxSpent:
		if tx.Amount.IsPositive() {
			return ErrInvalidAmount
		}
	case TxAllocation, TxRefund:
		if tx.Amount.IsNegative() {
			return ErrInvalidAmount
		}
	}
	return nil
}

// Apply returns the member after tx. Spends that would take the balance
// below zero fail with InsufficientCreditsError.
func (m Member) Apply(tx Transaction) (Member, error) {
	if err := ValidateTransaction(tx); err != nil {
		return m, err
	}
	switch tx.Type {
	case TxAllocation:
		m.TotalCPDEarned = m.TotalCPDEarned.Add(tx.Amount)
		m.CPDHours = m.CPDHours.Add(tx.Amount)
		if tx.PeriodStart != nil && (m.LastCPDAllocationDate == nil || tx.PeriodStart.After(*m.LastCPDAllocationDate)) {
			ps := *tx.PeriodStart
			m.LastCPDAllocationDate = &ps
		}
	case TxSpent:
		spend := tx.Amount.Neg()
		if m.CPDHours.LessThan(spend) {
			return m, &InsufficientCreditsError{MemberID: m.ID, Available: m.CPDHours, Requested: spend}
		}
		m.TotalCPDSpent = m.TotalCPDSpent.Add(spend)
		m.CPDHours = m.CPDHours.Sub(spend)
	case TxRefund:
		m.TotalCPDRefunded = m.TotalCPDRefunded.Add(tx.Amount)
		m.CPDHours = m.CPDHours.Add(tx.Amount)
	}
	return m, nil
}

// =============================================================================
// SUMMARY - Totals derived from history
// =============================================================================

type BalanceSummary struct {
	MemberID         MemberID
	Balance          decimal.Decimal
	TotalEarned      decimal.Decimal
	TotalSpent       decimal.Decimal
	TotalRefunded    decimal.Decimal
	TransactionCount int
}

// Summarize folds a member's transactions into totals.
func Summarize(memberID MemberID, txs []Transaction) BalanceSummary {
	s := BalanceSummary{MemberID: memberID}
	for _, tx := range txs {
		s.Balance = s.Balance.Add(tx.Amount)
		switch tx.Type {
		case TxAllocation:
			s.TotalEarned = s.TotalEarned.Add(tx.Amount)
		case TxSpent:
			s.TotalSpent = s.TotalSpent.Add(tx.Amount.Neg())
		case TxRefund:
			s.TotalRefunded = s.TotalRefunded.Add(tx.Amount)
		}
	}
	s.TransactionCount = len(txs)
	return s
}

// CheckConservation compares a member row against its derived summary and
// returns the first mismatch.
func CheckConservation(m Member, s BalanceSummary) error {
	checks := []struct {
		field   string
		stored  decimal.Decimal
		derived decimal.Decimal
	}{
		{"cpd_hours", m.CPDHours, s.Balance},
		{"total_cpd_earned", m.TotalCPDEarned, s.TotalEarned},
		{"total_cpd_spent", m.TotalCPDSpent, s.TotalSpent},
		{"total_cpd_refunded", m.TotalCPDRefunded, s.TotalRefunded},
		{"cpd_hours_identity", m.CPDHours, m.TotalCPDEarned.Sub(m.TotalCPDSpent).Add(m.TotalCPDRefunded)},
	}
	for _, c := range checks {
		if !c.stored.Equal(c.derived) {
			return &InvariantViolationError{MemberID: m.ID, Field: c.field, Stored: c.stored, Derived: c.derived}
		}
	}
	if m.CPDHours.IsNegative() {
		return &InvariantViolationError{MemberID: m.ID, Field: "cpd_hours_non_negative", Stored: m.CPDHours, Derived: decimal.Zero}
	}
	return nil
}
