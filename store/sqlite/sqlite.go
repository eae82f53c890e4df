/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine using SQLite. In
  production the same patterns apply to PostgreSQL with minor dialect
  differences.

INTERFACES IMPLEMENTED:
  cpd.Store:             Members, ledger and bookings
  cpd.MemberDirectory:   Profile and membership writes
  cpd.RunStore:          Allocation run audit
  catalogue.Repository:  Courses, variants and events

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on credit_transactions
  - No DELETE statements on credit_transactions
  - Corrections via refund transactions only

COMPARE-AND-SWAP:
  Balance writes are
    UPDATE members SET ..., version = version + 1 WHERE id = ? AND version = ?
  Zero affected rows on an existing member is ErrConcurrencyConflict.

KEY TABLES:
  members:             Balance columns plus version
  credit_transactions: Immutable ledger, idempotency_key UNIQUE
  bookings:            idempotency_key UNIQUE
  courses, course_variants, events: Catalogue
  allocation_runs:     Scheduler audit

VALUES:
  Decimals are stored as TEXT (decimal.Decimal implements Scanner/Valuer).
  Times are stored as fixed-width UTC text so string order is time order.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. Writers are serialised in process;
  WAL lets readers proceed while a writer commits.

USAGE:
  store, err := sqlite.New("./data/cpd.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := cpd.NewLedger(store, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - cpd/store.go: Interface definitions
  - cpd/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/cpd-engine/catalogue"
	"github.com/warp/cpd-engine/cpd"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ cpd.Store            = (*Store)(nil)
	_ cpd.MemberDirectory  = (*Store)(nil)
	_ cpd.RunStore         = (*Store)(nil)
	_ catalogue.Repository = (*Store)(nil)
)

// New opens (or creates) the database at dbPath and migrates it.
// ":memory:" gives a private in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	if dbPath == ":memory:" {
		dsn = ":memory:?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS organisations (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL DEFAULT '',
	has_org_membership    INTEGER NOT NULL DEFAULT 0,
	org_membership_status TEXT NOT NULL DEFAULT 'inactive',
	created_at            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS members (
	id                       TEXT PRIMARY KEY,
	name                     TEXT NOT NULL DEFAULT '',
	email                    TEXT NOT NULL DEFAULT '',
	membership_type          TEXT NOT NULL,
	membership_status        TEXT NOT NULL,
	organisation_id          TEXT REFERENCES organisations(id),
	cpd_hours                TEXT NOT NULL DEFAULT '0',
	total_cpd_earned         TEXT NOT NULL DEFAULT '0',
	total_cpd_spent          TEXT NOT NULL DEFAULT '0',
	total_cpd_refunded       TEXT NOT NULL DEFAULT '0',
	monthly_cpd_hours        TEXT NOT NULL DEFAULT '0',
	last_cpd_allocation_date TEXT,
	stripe_customer_id       TEXT NOT NULL DEFAULT '',
	stripe_subscription_id   TEXT NOT NULL DEFAULT '',
	version                  INTEGER NOT NULL DEFAULT 0,
	created_at               TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id              TEXT PRIMARY KEY,
	member_id       TEXT NOT NULL REFERENCES members(id),
	amount          TEXT NOT NULL,
	type            TEXT NOT NULL CHECK (type IN ('allocation', 'spent', 'refund')),
	description     TEXT NOT NULL DEFAULT '',
	reference_id    TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT UNIQUE,
	period_start    TEXT,
	created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_credit_transactions_member_date
	ON credit_transactions(member_id, created_at);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_reference
	ON credit_transactions(reference_id);

CREATE TABLE IF NOT EXISTS courses (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	cpd_hours         TEXT NOT NULL DEFAULT '0',
	price             TEXT NOT NULL DEFAULT '0',
	credit_cost       TEXT NOT NULL DEFAULT '0',
	stripe_product_id TEXT NOT NULL DEFAULT '',
	stripe_price_id   TEXT NOT NULL DEFAULT '',
	synced_price      TEXT NOT NULL DEFAULT '0',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS course_variants (
	id              TEXT PRIMARY KEY,
	course_id       TEXT NOT NULL REFERENCES courses(id),
	name            TEXT NOT NULL,
	price           TEXT NOT NULL DEFAULT '0',
	cpd_hours       TEXT NOT NULL DEFAULT '0',
	duration        TEXT NOT NULL DEFAULT '',
	location        TEXT NOT NULL DEFAULT '',
	format          TEXT NOT NULL DEFAULT '',
	stripe_price_id TEXT NOT NULL DEFAULT '',
	synced_price    TEXT NOT NULL DEFAULT '0',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_course_variants_course ON course_variants(course_id);

CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	cpd_hours  TEXT NOT NULL DEFAULT '0',
	starts_at  TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bookings (
	id                    TEXT PRIMARY KEY,
	member_id             TEXT NOT NULL REFERENCES members(id),
	item_id               TEXT NOT NULL,
	item_kind             TEXT NOT NULL,
	payment_method        TEXT NOT NULL,
	status                TEXT NOT NULL,
	credits_spent         TEXT NOT NULL DEFAULT '0',
	final_price           TEXT NOT NULL DEFAULT '0',
	balance_after         TEXT NOT NULL DEFAULT '0',
	idempotency_key       TEXT NOT NULL UNIQUE,
	transaction_id        TEXT NOT NULL DEFAULT '',
	refund_transaction_id TEXT NOT NULL DEFAULT '',
	created_at            TEXT NOT NULL,
	updated_at            TEXT NOT NULL,
	cancelled_at          TEXT
);

CREATE INDEX IF NOT EXISTS idx_bookings_member_item ON bookings(member_id, item_id, status);
CREATE INDEX IF NOT EXISTS idx_bookings_item ON bookings(item_id, status);

CREATE TABLE IF NOT EXISTS allocation_runs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	allocated    INTEGER NOT NULL DEFAULT 0,
	skipped      INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	started_at   TEXT NOT NULL,
	completed_at TEXT
);
`

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
// If fn returns error, transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(cpd.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txStore{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// inTx runs fn in a transaction for multi-statement writes outside the
// cpd.Tx contract (catalogue cascades).
func (s *Store) inTx(ctx context.Context, fn func(q querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// txStore is the cpd.Tx view. All of its queries go through the open
// sql.Tx and never take the Store lock, which WithTx already holds.
type txStore struct {
	q querier
}

var _ cpd.Tx = (*txStore)(nil)

func (t *txStore) GetMember(ctx context.Context, id cpd.MemberID) (*cpd.Member, error) {
	return getMember(ctx, t.q, id)
}

func (t *txStore) GetOrganisation(ctx context.Context, id cpd.OrganisationID) (*cpd.Organisation, error) {
	return getOrganisation(ctx, t.q, id)
}

func (t *txStore) UpdateMemberBalance(ctx context.Context, m cpd.Member, expectedVersion int64) error {
	return updateMemberBalance(ctx, t.q, m, expectedVersion)
}

func (t *txStore) InsertTransaction(ctx context.Context, tx cpd.Transaction) error {
	return insertTransaction(ctx, t.q, tx)
}

func (t *txStore) GetTransactionByKey(ctx context.Context, key string) (*cpd.Transaction, error) {
	return getTransactionByKey(ctx, t.q, key)
}

func (t *txStore) GetBooking(ctx context.Context, id cpd.BookingID) (*cpd.Booking, error) {
	return queryBooking(ctx, t.q, "id = ?", string(id))
}

func (t *txStore) GetBookingByKey(ctx context.Context, key string) (*cpd.Booking, error) {
	return queryBooking(ctx, t.q, "idempotency_key = ?", key)
}

func (t *txStore) FindActiveBooking(ctx context.Context, memberID cpd.MemberID, itemID cpd.ItemID) (*cpd.Booking, error) {
	return queryBooking(ctx, t.q, "member_id = ? AND item_id = ? AND status != ?",
		string(memberID), string(itemID), string(cpd.BookingCancelled))
}

func (t *txStore) InsertBooking(ctx context.Context, b cpd.Booking) error {
	return insertBooking(ctx, t.q, b)
}

func (t *txStore) UpdateBookingStatus(ctx context.Context, b cpd.Booking) error {
	return updateBookingStatus(ctx, t.q, b)
}

// =============================================================================
// HELPERS
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func now() string {
	return formatTime(time.Now())
}
