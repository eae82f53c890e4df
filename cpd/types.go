/*
Package cpd provides the core CPD-hour credit engine.

PURPOSE:
  This package contains the data model and the ledger that every other
  package builds on. A member holds a balance of "CPD hours" (1 hour is
  worth £20 of training value). The balance only ever changes through the
  ledger, and every change leaves an immutable CreditTransaction behind.

KEY CONCEPTS IN THIS FILE (types.go):
  - Conversions: Hours to pounds, legacy credits to hours
  - Member / Organisation: Who holds credit and which discounts apply
  - Transaction: An immutable ledger entry recording a balance change
  - Item / Booking: What credit is spent on, and the proof it was spent

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, refunds are new rows
  2. Precision: Uses decimal.Decimal, never float64, for hours and pounds
  3. Type Safety: Distinct ID types so member and booking IDs can't mix
  4. Auditability: Every transaction has description, reference and idempotency key

USAGE:
  tx := cpd.Transaction{
      MemberID: "mem-123",
      Amount:   decimal.NewFromInt(-1),
      Type:     cpd.TxSpent,
  }
  tx, err := ledger.Append(ctx, tx)

SEE ALSO:
  - ledger.go: The only write path for balances
  - store.go: Persistence contract
  - errors.go: Error taxonomy
*/
package cpd

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONVERSIONS - Hours, pounds and legacy credits
// =============================================================================

// PoundsPerHour is the fixed redemption rate of one CPD hour.
var PoundsPerHour = decimal.NewFromInt(20)

// CreditsPerHour converts the legacy "credits" representation into hours.
var CreditsPerHour = decimal.NewFromInt(250)

// HoursToPounds converts hours into their training value.
func HoursToPounds(h decimal.Decimal) decimal.Decimal { return h.Mul(PoundsPerHour) }

// CreditsToHours converts the legacy credit count into hours.
func CreditsToHours(credits decimal.Decimal) decimal.Decimal {
	return credits.Div(CreditsPerHour)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type OrganisationID string
type TransactionID string
type ItemID string
type BookingID string

// =============================================================================
// MEMBER
// =============================================================================

type MembershipType string

const (
	MembershipAssociate MembershipType = "Associate"
	MembershipFull      MembershipType = "Full"
	MembershipFellow    MembershipType = "Fellow"
)

func (t MembershipType) Valid() bool {
	switch t {
	case MembershipAssociate, MembershipFull, MembershipFellow:
		return true
	}
	return false
}

type MembershipStatus string

const (
	StatusActive    MembershipStatus = "active"
	StatusPending   MembershipStatus = "pending"
	StatusCanceling MembershipStatus = "canceling"
	StatusInactive  MembershipStatus = "inactive"
)

func (s MembershipStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPending, StatusCanceling, StatusInactive:
		return true
	}
	return false
}

// DefaultMonthlyCPDHours is the entitlement granted to Full members when
// none is configured on the member.
var DefaultMonthlyCPDHours = decimal.NewFromInt(1)

// Member holds the balance and the counters that explain it.
//
// INVARIANT:
//
//	CPDHours == TotalCPDEarned - TotalCPDSpent + TotalCPDRefunded, CPDHours >= 0
//
// Balance fields are written by Ledger.Append only. Version increases on
// every balance write and is the compare-and-swap token.
type Member struct {
	ID               MemberID
	Name             string
	Email            string
	MembershipType   MembershipType
	MembershipStatus MembershipStatus
	OrganisationID   *OrganisationID

	CPDHours         decimal.Decimal
	TotalCPDEarned   decimal.Decimal
	TotalCPDSpent    decimal.Decimal
	TotalCPDRefunded decimal.Decimal

	MonthlyCPDHours       decimal.Decimal
	LastCPDAllocationDate *time.Time

	StripeCustomerID     string
	StripeSubscriptionID string

	Version   int64
	CreatedAt time.Time
}

// EligibleForAllocation reports whether the scheduler credits this member.
func (m Member) EligibleForAllocation() bool {
	return m.MembershipType == MembershipFull && m.MembershipStatus == StatusActive
}

// MonthlyEntitlement returns MonthlyCPDHours, falling back to the default.
func (m Member) MonthlyEntitlement() decimal.Decimal {
	if m.MonthlyCPDHours.IsPositive() {
		return m.MonthlyCPDHours
	}
	return DefaultMonthlyCPDHours
}

// =============================================================================
// ORGANISATION
// =============================================================================

type OrganisationStatus string

const (
	OrgActive   OrganisationStatus = "active"
	OrgInactive OrganisationStatus = "inactive"
)

type Organisation struct {
	ID                          OrganisationID
	Name                        string
	HasOrganisationalMembership bool
	OrgMembershipStatus         OrganisationStatus
	CreatedAt                   time.Time
}

// MembershipActive reports whether the organisational discount applies.
func (o *Organisation) MembershipActive() bool {
	return o != nil && o.HasOrganisationalMembership && o.OrgMembershipStatus == OrgActive
}

// =============================================================================
// TRANSACTION - Atomic change to a member balance
// =============================================================================

type TransactionType string

const (
	TxAllocation TransactionType = "allocation" // Scheduled or admin credit
	TxSpent      TransactionType = "spent"      // Redemption against a booking
	TxRefund     TransactionType = "refund"     // Reversal of a cancelled spend
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxAllocation, TxSpent, TxRefund:
		return true
	}
	return false
}

type Transaction struct {
	ID             TransactionID
	MemberID       MemberID
	Amount         decimal.Decimal // positive = credit, negative = debit
	Type           TransactionType
	Description    string
	ReferenceID    string
	IdempotencyKey string
	PeriodStart    *time.Time // allocation period, allocation only
	CreatedAt      time.Time
}

// =============================================================================
// ITEMS - Things credit is redeemed against
// =============================================================================

type ItemKind string

const (
	ItemCourse  ItemKind = "course"
	ItemVariant ItemKind = "variant"
	ItemEvent   ItemKind = "event"
)

// Item is the bookable view of a course, course variant or event.
type Item struct {
	ID       ItemID
	Kind     ItemKind
	Title    string
	CPDHours decimal.Decimal
	// CourseID is set for variants so bookings can block course deletion.
	CourseID ItemID
}

// =============================================================================
// BOOKING
// =============================================================================

type PaymentMethod string

const (
	PaymentFree    PaymentMethod = "free"
	PaymentCredits PaymentMethod = "credits"
	PaymentCard    PaymentMethod = "card"
)

type BookingStatus string

const (
	BookingConfirmed      BookingStatus = "confirmed"
	BookingPendingPayment BookingStatus = "pending_payment"
	BookingCancelled      BookingStatus = "cancelled"
)

// Booking exists only after its debit committed. TransactionID is empty
// when no credit was spent.
type Booking struct {
	ID                  BookingID
	MemberID            MemberID
	ItemID              ItemID
	ItemKind            ItemKind
	PaymentMethod       PaymentMethod
	Status              BookingStatus
	CreditsSpent        decimal.Decimal
	FinalPrice          decimal.Decimal
	// BalanceAfter is the member's balance right after the booking
	// committed. Replays under the same key report it.
	BalanceAfter        decimal.Decimal
	IdempotencyKey      string
	TransactionID       TransactionID
	RefundTransactionID TransactionID
	CreatedAt           time.Time
	UpdatedAt           time.Time
	CancelledAt         *time.Time
}

func (b Booking) Active() bool { return b.Status != BookingCancelled }
