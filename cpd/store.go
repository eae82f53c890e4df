/*
store.go - Persistence interface for members, transactions and bookings

PURPOSE:
  Defines the interface between the credit engine and the database.
  Different implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  Reader:          Read-only lookups (display paths, eventually consistent)
  Store:           Reader + WithTx for atomic units of work
  Tx:              Operations available inside a unit of work
  MemberDirectory: Profile/membership writes that never touch balances

APPEND-ONLY CONTRACT:
  Tx.InsertTransaction is the only way a transaction row is written.
  There is no update or delete for transactions.

COMPARE-AND-SWAP:
  Tx.UpdateMemberBalance writes the balance columns only if the stored
  version still equals expectedVersion, then bumps the version. A stale
  version yields ErrConcurrencyConflict and the caller retries the whole
  unit of work.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - cpd/store/memory.go:    In-memory for testing

SEE ALSO:
  - ledger.go: The only caller of UpdateMemberBalance
*/
package cpd

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionFilter narrows ListTransactions. The zero value returns every
// transaction, newest first.
type TransactionFilter struct {
	Types     []TransactionType
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
	Ascending bool
}

// Matches reports whether tx passes the type and date filters.
func (f TransactionFilter) Matches(tx Transaction) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if tx.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.From != nil && tx.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && tx.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

// =============================================================================
// STORE
// =============================================================================

type Reader interface {
	GetMember(ctx context.Context, id MemberID) (*Member, error)
	ListMembers(ctx context.Context) ([]Member, error)
	GetOrganisation(ctx context.Context, id OrganisationID) (*Organisation, error)

	// ListTransactions is finite and restartable: re-querying yields the
	// same rows modulo new writes.
	ListTransactions(ctx context.Context, memberID MemberID, filter TransactionFilter) ([]Transaction, error)

	GetItem(ctx context.Context, id ItemID) (*Item, error)

	GetBooking(ctx context.Context, id BookingID) (*Booking, error)
	GetBookingByKey(ctx context.Context, idempotencyKey string) (*Booking, error)
	FindActiveBooking(ctx context.Context, memberID MemberID, itemID ItemID) (*Booking, error)
	ListBookings(ctx context.Context, memberID MemberID) ([]Booking, error)
}

type Store interface {
	Reader

	// WithTx executes fn within one atomic unit of work.
	// If fn returns error, every write is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx sees its own writes. Lookup failures use the cpd sentinel errors.
// Code running inside WithTx must use the Tx, never the outer Store.
type Tx interface {
	GetMember(ctx context.Context, id MemberID) (*Member, error)
	GetOrganisation(ctx context.Context, id OrganisationID) (*Organisation, error)
	UpdateMemberBalance(ctx context.Context, m Member, expectedVersion int64) error
	InsertTransaction(ctx context.Context, tx Transaction) error
	GetTransactionByKey(ctx context.Context, idempotencyKey string) (*Transaction, error)

	GetBooking(ctx context.Context, id BookingID) (*Booking, error)
	GetBookingByKey(ctx context.Context, idempotencyKey string) (*Booking, error)
	FindActiveBooking(ctx context.Context, memberID MemberID, itemID ItemID) (*Booking, error)
	InsertBooking(ctx context.Context, b Booking) error
	UpdateBookingStatus(ctx context.Context, b Booking) error
}

// =============================================================================
// MEMBER DIRECTORY - Profile writes, no balance access
// =============================================================================

// MembershipUpdate patches membership fields. Nil fields are left alone.
type MembershipUpdate struct {
	Type                 *MembershipType
	Status               *MembershipStatus
	OrganisationID       *OrganisationID
	ClearOrganisation    bool
	MonthlyCPDHours      *decimal.Decimal
	StripeCustomerID     *string
	StripeSubscriptionID *string
}

type MemberDirectory interface {
	// CreateMember inserts a member with a zero balance regardless of the
	// balance fields passed in.
	CreateMember(ctx context.Context, m Member) error
	UpdateMembership(ctx context.Context, id MemberID, patch MembershipUpdate) (*Member, error)
	SaveOrganisation(ctx context.Context, o Organisation) error
	ListOrganisations(ctx context.Context) ([]Organisation, error)
}

// =============================================================================
// ALLOCATION RUNS - Audit of scheduler executions
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type AllocationRun struct {
	ID          string
	Status      RunStatus
	Allocated   int
	Skipped     int
	Failed      int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

type RunStore interface {
	SaveAllocationRun(ctx context.Context, r AllocationRun) error
	ListAllocationRuns(ctx context.Context, limit int) ([]AllocationRun, error)
}
