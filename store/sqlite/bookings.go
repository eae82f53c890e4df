package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/cpd-engine/cpd"
)

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = `id, member_id, item_id, item_kind, payment_method, status,
	credits_spent, final_price, balance_after, idempotency_key, transaction_id, refund_transaction_id,
	created_at, updated_at, cancelled_at`

func scanBooking(row scanner) (*cpd.Booking, error) {
	var (
		b                    cpd.Booking
		createdAt, updatedAt string
		cancelledAt          sql.NullString
	)
	err := row.Scan(&b.ID, &b.MemberID, &b.ItemID, &b.ItemKind, &b.PaymentMethod, &b.Status,
		&b.CreditsSpent, &b.FinalPrice, &b.BalanceAfter, &b.IdempotencyKey, &b.TransactionID, &b.RefundTransactionID,
		&createdAt, &updatedAt, &cancelledAt)
	if err != nil {
		return nil, err
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if b.CancelledAt, err = parseNullTime(cancelledAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func queryBooking(ctx context.Context, q querier, where string, args ...any) (*cpd.Booking, error) {
	row := q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE `+where+` LIMIT 1`, args...)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cpd.ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

func insertBooking(ctx context.Context, q querier, b cpd.Booking) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO bookings (id, member_id, item_id, item_kind, payment_method, status,
			credits_spent, final_price, balance_after, idempotency_key, transaction_id, refund_transaction_id,
			created_at, updated_at, cancelled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(b.ID), string(b.MemberID), string(b.ItemID), string(b.ItemKind),
		string(b.PaymentMethod), string(b.Status),
		b.CreditsSpent, b.FinalPrice, b.BalanceAfter, b.IdempotencyKey, string(b.TransactionID), string(b.RefundTransactionID),
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt), nullTime(b.CancelledAt),
	)
	if isUniqueConstraintError(err) {
		return cpd.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func updateBookingStatus(ctx context.Context, q querier, b cpd.Booking) error {
	res, err := q.ExecContext(ctx, `
		UPDATE bookings
		SET status = ?, payment_method = ?, refund_transaction_id = ?, cancelled_at = ?, updated_at = ?
		WHERE id = ?`,
		string(b.Status), string(b.PaymentMethod), string(b.RefundTransactionID),
		nullTime(b.CancelledAt), formatTime(b.UpdatedAt), string(b.ID),
	)
	if err != nil {
		return fmt.Errorf("update booking %s: %w", b.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cpd.ErrBookingNotFound
	}
	return nil
}

func (s *Store) GetBooking(ctx context.Context, id cpd.BookingID) (*cpd.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryBooking(ctx, s.db, "id = ?", string(id))
}

func (s *Store) GetBookingByKey(ctx context.Context, key string) (*cpd.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryBooking(ctx, s.db, "idempotency_key = ?", key)
}

func (s *Store) FindActiveBooking(ctx context.Context, memberID cpd.MemberID, itemID cpd.ItemID) (*cpd.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryBooking(ctx, s.db, "member_id = ? AND item_id = ? AND status != ?",
		string(memberID), string(itemID), string(cpd.BookingCancelled))
}

func (s *Store) ListBookings(ctx context.Context, memberID cpd.MemberID) ([]cpd.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE member_id = ?
		ORDER BY created_at DESC, rowid DESC`, string(memberID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []cpd.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}
	return result, rows.Err()
}

// referenced reports whether any booking, cancelled or not, points at the
// matched items. Bookings keep their item for history.
func referenced(ctx context.Context, q querier, where string, args ...any) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM bookings WHERE `+where, args...).Scan(&n)
	return n > 0, err
}
