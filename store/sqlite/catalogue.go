package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/cpd-engine/catalogue"
	"github.com/warp/cpd-engine/cpd"
)

// =============================================================================
// ITEMS
// =============================================================================

// GetItem resolves a course, then a variant, then an event.
func (s *Store) GetItem(ctx context.Context, id cpd.ItemID) (*cpd.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := getCourse(ctx, s.db, id)
	if err == nil {
		item := c.Item()
		return &item, nil
	}
	if !errors.Is(err, cpd.ErrNotFound) {
		return nil, err
	}

	v, err := getVariant(ctx, s.db, id)
	if err == nil {
		course, err := getCourse(ctx, s.db, v.CourseID)
		if err != nil {
			return nil, err
		}
		item := v.Item(*course)
		return &item, nil
	}
	if !errors.Is(err, cpd.ErrNotFound) {
		return nil, err
	}

	e, err := getEvent(ctx, s.db, id)
	if err == nil {
		item := e.Item()
		return &item, nil
	}
	if errors.Is(err, cpd.ErrNotFound) {
		return nil, cpd.ErrItemNotFound
	}
	return nil, err
}

// =============================================================================
// COURSES
// =============================================================================

const courseColumns = `id, title, description, cpd_hours, price, credit_cost,
	stripe_product_id, stripe_price_id, synced_price, created_at, updated_at`

func scanCourse(row scanner) (*catalogue.Course, error) {
	var (
		c                    catalogue.Course
		createdAt, updatedAt string
	)
	err := row.Scan(&c.ID, &c.Title, &c.Description, &c.CPDHours, &c.Price, &c.CreditCost,
		&c.StripeProductID, &c.StripePriceID, &c.SyncedPrice, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func getCourse(ctx context.Context, q querier, id cpd.ItemID) (*catalogue.Course, error) {
	c, err := scanCourse(q.QueryRowContext(ctx, `SELECT `+courseColumns+` FROM courses WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cpd.ErrCourseNotFound
	}
	return c, err
}

func (s *Store) GetCourse(ctx context.Context, id cpd.ItemID) (*catalogue.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCourse(ctx, s.db, id)
}

func (s *Store) ListCourses(ctx context.Context) ([]catalogue.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+courseColumns+` FROM courses ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []catalogue.Course{}
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

// SaveCourse upserts. An empty StripeProductID keeps the stored one; the
// flat price reference is only written by SetCoursePrice.
func (s *Store) SaveCourse(ctx context.Context, c catalogue.Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	createdAt := ts
	if !c.CreatedAt.IsZero() {
		createdAt = formatTime(c.CreatedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO courses (id, title, description, cpd_hours, price, credit_cost,
			stripe_product_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			cpd_hours = excluded.cpd_hours,
			price = excluded.price,
			credit_cost = excluded.credit_cost,
			stripe_product_id = CASE WHEN excluded.stripe_product_id = ''
				THEN courses.stripe_product_id ELSE excluded.stripe_product_id END,
			updated_at = excluded.updated_at`,
		string(c.ID), c.Title, c.Description, c.CPDHours, c.Price, c.CreditCost,
		c.StripeProductID, createdAt, ts,
	)
	return err
}

// DeleteCourse removes the course and its variants unless a booking
// references either.
func (s *Store) DeleteCourse(ctx context.Context, id cpd.ItemID) error {
	return s.inTx(ctx, func(q querier) error {
		if _, err := getCourse(ctx, q, id); err != nil {
			return err
		}
		inUse, err := referenced(ctx, q,
			"item_id = ? OR item_id IN (SELECT id FROM course_variants WHERE course_id = ?)",
			string(id), string(id))
		if err != nil {
			return err
		}
		if inUse {
			return cpd.ErrInUse
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM course_variants WHERE course_id = ?`, string(id)); err != nil {
			return fmt.Errorf("delete variants of %s: %w", id, err)
		}
		_, err = q.ExecContext(ctx, `DELETE FROM courses WHERE id = ?`, string(id))
		return err
	})
}

func (s *Store) SetCourseProduct(ctx context.Context, id cpd.ItemID, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE courses SET stripe_product_id = ? WHERE id = ?`, productID, string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cpd.ErrCourseNotFound
	}
	return nil
}

// =============================================================================
// VARIANTS
// =============================================================================

const variantColumns = `id, course_id, name, price, cpd_hours, duration, location, format,
	stripe_price_id, synced_price, created_at, updated_at`

func scanVariant(row scanner) (*catalogue.Variant, error) {
	var (
		v                    catalogue.Variant
		createdAt, updatedAt string
	)
	err := row.Scan(&v.ID, &v.CourseID, &v.Name, &v.Price, &v.CPDHours, &v.Duration, &v.Location, &v.Format,
		&v.StripePriceID, &v.SyncedPrice, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if v.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func getVariant(ctx context.Context, q querier, id cpd.ItemID) (*catalogue.Variant, error) {
	v, err := scanVariant(q.QueryRowContext(ctx, `SELECT `+variantColumns+` FROM course_variants WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cpd.ErrVariantNotFound
	}
	return v, err
}

func (s *Store) GetVariant(ctx context.Context, id cpd.ItemID) (*catalogue.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getVariant(ctx, s.db, id)
}

func (s *Store) ListVariants(ctx context.Context, courseID cpd.ItemID) ([]catalogue.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := getCourse(ctx, s.db, courseID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+variantColumns+` FROM course_variants WHERE course_id = ? ORDER BY id`, string(courseID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []catalogue.Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	return result, rows.Err()
}

// SaveVariant upserts. The provider price reference is only changed by
// SetVariantPrice.
func (s *Store) SaveVariant(ctx context.Context, v catalogue.Variant) error {
	return s.inTx(ctx, func(q querier) error {
		if _, err := getCourse(ctx, q, v.CourseID); err != nil {
			return err
		}
		ts := now()
		createdAt := ts
		if !v.CreatedAt.IsZero() {
			createdAt = formatTime(v.CreatedAt)
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO course_variants (id, course_id, name, price, cpd_hours, duration, location, format,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				course_id = excluded.course_id,
				name = excluded.name,
				price = excluded.price,
				cpd_hours = excluded.cpd_hours,
				duration = excluded.duration,
				location = excluded.location,
				format = excluded.format,
				updated_at = excluded.updated_at`,
			string(v.ID), string(v.CourseID), v.Name, v.Price, v.CPDHours, v.Duration, v.Location, v.Format,
			createdAt, ts,
		)
		return err
	})
}

func (s *Store) DeleteVariant(ctx context.Context, id cpd.ItemID) error {
	return s.inTx(ctx, func(q querier) error {
		if _, err := getVariant(ctx, q, id); err != nil {
			return err
		}
		inUse, err := referenced(ctx, q, "item_id = ?", string(id))
		if err != nil {
			return err
		}
		if inUse {
			return cpd.ErrInUse
		}
		_, err = q.ExecContext(ctx, `DELETE FROM course_variants WHERE id = ?`, string(id))
		return err
	})
}

func (s *Store) SetCoursePrice(ctx context.Context, id cpd.ItemID, priceID string, synced decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE courses SET stripe_price_id = ?, synced_price = ?, updated_at = ? WHERE id = ?`,
		priceID, synced, now(), string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cpd.ErrCourseNotFound
	}
	return nil
}

func (s *Store) SetVariantPrice(ctx context.Context, id cpd.ItemID, priceID string, synced decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE course_variants SET stripe_price_id = ?, synced_price = ?, updated_at = ? WHERE id = ?`,
		priceID, synced, now(), string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cpd.ErrVariantNotFound
	}
	return nil
}

// =============================================================================
// EVENTS
// =============================================================================

const eventColumns = `id, title, cpd_hours, starts_at, created_at`

func scanEvent(row scanner) (*catalogue.Event, error) {
	var (
		e                   catalogue.Event
		startsAt, createdAt string
	)
	if err := row.Scan(&e.ID, &e.Title, &e.CPDHours, &startsAt, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if e.StartsAt, err = parseTime(startsAt); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func getEvent(ctx context.Context, q querier, id cpd.ItemID) (*catalogue.Event, error) {
	e, err := scanEvent(q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cpd.ErrItemNotFound
	}
	return e, err
}

func (s *Store) GetEvent(ctx context.Context, id cpd.ItemID) (*catalogue.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEvent(ctx, s.db, id)
}

func (s *Store) ListEvents(ctx context.Context) ([]catalogue.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY starts_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []catalogue.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func (s *Store) SaveEvent(ctx context.Context, e catalogue.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := now()
	if !e.CreatedAt.IsZero() {
		createdAt = formatTime(e.CreatedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, title, cpd_hours, starts_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			cpd_hours = excluded.cpd_hours,
			starts_at = excluded.starts_at`,
		string(e.ID), e.Title, e.CPDHours, formatTime(e.StartsAt), createdAt,
	)
	return err
}

func (s *Store) DeleteEvent(ctx context.Context, id cpd.ItemID) error {
	return s.inTx(ctx, func(q querier) error {
		if _, err := getEvent(ctx, q, id); err != nil {
			return err
		}
		inUse, err := referenced(ctx, q, "item_id = ?", string(id))
		if err != nil {
			return err
		}
		if inUse {
			return cpd.ErrInUse
		}
		_, err = q.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, string(id))
		return err
	})
}
