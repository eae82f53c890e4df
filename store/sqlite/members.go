package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/cpd-engine/cpd"
)

// =============================================================================
// MEMBERS
// =============================================================================

const memberColumns = `id, name, email, membership_type, membership_status, organisation_id,
	cpd_hours, total_cpd_earned, total_cpd_spent, total_cpd_refunded,
	monthly_cpd_hours, last_cpd_allocation_date,
	stripe_customer_id, stripe_subscription_id, version, created_at`

func scanMember(row scanner) (*cpd.Member, error) {
	var (
		m         cpd.Member
		orgID     sql.NullString
		lastAlloc sql.NullString
		createdAt string
	)
	err := row.Scan(&m.ID, &m.Name, &m.Email, &m.MembershipType, &m.MembershipStatus, &orgID,
		&m.CPDHours, &m.TotalCPDEarned, &m.TotalCPDSpent, &m.TotalCPDRefunded,
		&m.MonthlyCPDHours, &lastAlloc,
		&m.StripeCustomerID, &m.StripeSubscriptionID, &m.Version, &createdAt)
	if err != nil {
		return nil, err
	}
	if orgID.Valid {
		id := cpd.OrganisationID(orgID.String)
		m.OrganisationID = &id
	}
	if m.LastCPDAllocationDate, err = parseNullTime(lastAlloc); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func getMember(ctx context.Context, q querier, id cpd.MemberID) (*cpd.Member, error) {
	row := q.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id = ?`, string(id))
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cpd.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get member %s: %w", id, err)
	}
	return m, nil
}

func (s *Store) GetMember(ctx context.Context, id cpd.MemberID) (*cpd.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getMember(ctx, s.db, id)
}

func (s *Store) ListMembers(ctx context.Context) ([]cpd.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+memberColumns+` FROM members ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []cpd.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

func updateMemberBalance(ctx context.Context, q querier, m cpd.Member, expectedVersion int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE members
		SET cpd_hours = ?, total_cpd_earned = ?, total_cpd_spent = ?, total_cpd_refunded = ?,
		    last_cpd_allocation_date = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		m.CPDHours, m.TotalCPDEarned, m.TotalCPDSpent, m.TotalCPDRefunded,
		nullTime(m.LastCPDAllocationDate), string(m.ID), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update balance %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := getMember(ctx, q, m.ID); err != nil {
		return err
	}
	return cpd.ErrConcurrencyConflict
}

// =============================================================================
// MEMBER DIRECTORY
// =============================================================================

func (s *Store) CreateMember(ctx context.Context, m cpd.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := now()
	if !m.CreatedAt.IsZero() {
		createdAt = formatTime(m.CreatedAt)
	}
	var orgID any
	if m.OrganisationID != nil {
		orgID = string(*m.OrganisationID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (id, name, email, membership_type, membership_status, organisation_id,
			monthly_cpd_hours, last_cpd_allocation_date, stripe_customer_id, stripe_subscription_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(m.ID), m.Name, m.Email, string(m.MembershipType), string(m.MembershipStatus), orgID,
		m.MonthlyCPDHours, nullTime(m.LastCPDAllocationDate), m.StripeCustomerID, m.StripeSubscriptionID, createdAt,
	)
	if isUniqueConstraintError(err) {
		return cpd.Invalid("id", "member %s already exists", m.ID)
	}
	return err
}

func (s *Store) UpdateMembership(ctx context.Context, id cpd.MemberID, patch cpd.MembershipUpdate) (*cpd.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sets []string
		args []any
	)
	if patch.Type != nil {
		sets, args = append(sets, "membership_type = ?"), append(args, string(*patch.Type))
	}
	if patch.Status != nil {
		sets, args = append(sets, "membership_status = ?"), append(args, string(*patch.Status))
	}
	if patch.ClearOrganisation {
		sets = append(sets, "organisation_id = NULL")
	} else if patch.OrganisationID != nil {
		sets, args = append(sets, "organisation_id = ?"), append(args, string(*patch.OrganisationID))
	}
	if patch.MonthlyCPDHours != nil {
		sets, args = append(sets, "monthly_cpd_hours = ?"), append(args, *patch.MonthlyCPDHours)
	}
	if patch.StripeCustomerID != nil {
		sets, args = append(sets, "stripe_customer_id = ?"), append(args, *patch.StripeCustomerID)
	}
	if patch.StripeSubscriptionID != nil {
		sets, args = append(sets, "stripe_subscription_id = ?"), append(args, *patch.StripeSubscriptionID)
	}

	if len(sets) > 0 {
		args = append(args, string(id))
		res, err := s.db.ExecContext(ctx,
			`UPDATE members SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return nil, fmt.Errorf("update membership %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, cpd.ErrMemberNotFound
		}
	}
	return getMember(ctx, s.db, id)
}

// =============================================================================
// ORGANISATIONS
// =============================================================================

const organisationColumns = `id, name, has_org_membership, org_membership_status, created_at`

func scanOrganisation(row scanner) (*cpd.Organisation, error) {
	var (
		o         cpd.Organisation
		createdAt string
	)
	if err := row.Scan(&o.ID, &o.Name, &o.HasOrganisationalMembership, &o.OrgMembershipStatus, &createdAt); err != nil {
		return nil, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	o.CreatedAt = t
	return &o, nil
}

func getOrganisation(ctx context.Context, q querier, id cpd.OrganisationID) (*cpd.Organisation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+organisationColumns+` FROM organisations WHERE id = ?`, string(id))
	o, err := scanOrganisation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cpd.ErrOrganisationNotFound
	}
	return o, err
}

func (s *Store) GetOrganisation(ctx context.Context, id cpd.OrganisationID) (*cpd.Organisation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getOrganisation(ctx, s.db, id)
}

func (s *Store) SaveOrganisation(ctx context.Context, o cpd.Organisation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := now()
	if !o.CreatedAt.IsZero() {
		createdAt = formatTime(o.CreatedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organisations (id, name, has_org_membership, org_membership_status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			has_org_membership = excluded.has_org_membership,
			org_membership_status = excluded.org_membership_status`,
		string(o.ID), o.Name, o.HasOrganisationalMembership, string(o.OrgMembershipStatus), createdAt,
	)
	return err
}

func (s *Store) ListOrganisations(ctx context.Context) ([]cpd.Organisation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+organisationColumns+` FROM organisations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []cpd.Organisation
	for rows.Next() {
		o, err := scanOrganisation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}

// =============================================================================
// LEDGER - Append-only
// =============================================================================

const transactionColumns = `id, member_id, amount, type, description, reference_id,
	idempotency_key, period_start, created_at`

func scanTransaction(row scanner) (*cpd.Transaction, error) {
	var (
		tx          cpd.Transaction
		key         sql.NullString
		periodStart sql.NullString
		createdAt   string
	)
	err := row.Scan(&tx.ID, &tx.MemberID, &tx.Amount, &tx.Type, &tx.Description, &tx.ReferenceID,
		&key, &periodStart, &createdAt)
	if err != nil {
		return nil, err
	}
	tx.IdempotencyKey = key.String
	if tx.PeriodStart, err = parseNullTime(periodStart); err != nil {
		return nil, err
	}
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &tx, nil
}

func insertTransaction(ctx context.Context, q querier, tx cpd.Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, member_id, amount, type, description, reference_id,
			idempotency_key, period_start, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID), string(tx.MemberID), tx.Amount, string(tx.Type), tx.Description, tx.ReferenceID,
		nullString(tx.IdempotencyKey), nullTime(tx.PeriodStart), formatTime(tx.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return cpd.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func getTransactionByKey(ctx context.Context, q querier, key string) (*cpd.Transaction, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions WHERE idempotency_key = ?`, key)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cpd.ErrTransactionNotFound
	}
	return tx, err
}

// ListTransactions orders by insertion (rowid), which is the ledger's
// append order.
func (s *Store) ListTransactions(ctx context.Context, memberID cpd.MemberID, filter cpd.TransactionFilter) ([]cpd.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"member_id = ?"}
	args := []any{string(memberID)}
	if len(filter.Types) > 0 {
		marks := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.From != nil {
		where, args = append(where, "created_at >= ?"), append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where, args = append(where, "created_at <= ?"), append(args, formatTime(*filter.To))
	}

	order := "DESC"
	if filter.Ascending {
		order = "ASC"
	}
	limit := -1
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM credit_transactions
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY rowid `+order+`
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", memberID, err)
	}
	defer rows.Close()

	result := []cpd.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *tx)
	}
	return result, rows.Err()
}

// =============================================================================
// ALLOCATION RUNS
// =============================================================================

func (s *Store) SaveAllocationRun(ctx context.Context, r cpd.AllocationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allocation_runs (id, status, allocated, skipped, failed, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			allocated = excluded.allocated,
			skipped = excluded.skipped,
			failed = excluded.failed,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		r.ID, string(r.Status), r.Allocated, r.Skipped, r.Failed, r.Error,
		formatTime(r.StartedAt), nullTime(r.CompletedAt),
	)
	return err
}

func (s *Store) ListAllocationRuns(ctx context.Context, limit int) ([]cpd.AllocationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, allocated, skipped, failed, error, started_at, completed_at
		FROM allocation_runs
		ORDER BY rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []cpd.AllocationRun{}
	for rows.Next() {
		var (
			r         cpd.AllocationRun
			startedAt string
			completed sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Status, &r.Allocated, &r.Skipped, &r.Failed, &r.Error, &startedAt, &completed); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseNullTime(completed); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
