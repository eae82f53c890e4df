/*
Package catalogue holds courses, course variants and events, and keeps
their prices in step with the payment provider.

PURPOSE:
  Courses and events are what members spend CPD hours on. A course's
  hours drive its base price (hours x £20); its variants (dates, venues,
  formats) each carry a card price that is mirrored to the provider as an
  immutable price object.

LIFECYCLE:
  Admins create and edit courses, variants and events. Bookings reference
  them. A course is never deleted while any booking, cancelled or not,
  references it or one of its variants; deleting a course deletes its
  variants first.

SEE ALSO:
  - sync.go: Syncer, provider reconciliation
  - stripe/: Stripe implementation of Provider
*/
package catalogue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/cpd-engine/cpd"
	"github.com/warp/cpd-engine/pricing"
)

// =============================================================================
// TYPES
// =============================================================================

type Course struct {
	ID          cpd.ItemID
	Title       string
	Description string
	CPDHours    decimal.Decimal
	// Price is the flat fallback used when no variant exists.
	Price decimal.Decimal
	// CreditCost is the legacy credit representation (250 per hour).
	CreditCost      decimal.Decimal
	StripeProductID string

	// StripePriceID mirrors Price while the course has no variants.
	StripePriceID string
	SyncedPrice   decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Variant struct {
	ID       cpd.ItemID
	CourseID cpd.ItemID
	Name     string
	Price    decimal.Decimal
	CPDHours decimal.Decimal
	Duration string
	Location string
	Format   string

	// StripePriceID is the provider price created for SyncedPrice. When
	// Price moves away from SyncedPrice a new provider price is needed.
	StripePriceID string
	SyncedPrice   decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Event struct {
	ID        cpd.ItemID
	Title     string
	CPDHours  decimal.Decimal
	StartsAt  time.Time
	CreatedAt time.Time
}

// InSync reports whether the stored provider price matches the price.
func (v Variant) InSync() bool {
	return v.StripePriceID != "" && v.SyncedPrice.Equal(v.Price)
}

// InSync reports whether the stored flat price matches the course price.
func (c Course) InSync() bool {
	return c.StripePriceID != "" && c.SyncedPrice.Equal(c.Price)
}

// Hours returns the canonical CPD hours of the course.
func (c Course) Hours() decimal.Decimal {
	return pricing.EffectiveHours(c.CPDHours, c.CreditCost)
}

// Item returns the bookable view of the course.
func (c Course) Item() cpd.Item {
	return cpd.Item{ID: c.ID, Kind: cpd.ItemCourse, Title: c.Title, CPDHours: c.Hours()}
}

// Item returns the bookable view of the variant. A variant without its own
// hours inherits the course's.
func (v Variant) Item(course Course) cpd.Item {
	hours := v.CPDHours
	if !hours.IsPositive() {
		hours = course.Hours()
	}
	return cpd.Item{
		ID:       v.ID,
		Kind:     cpd.ItemVariant,
		Title:    course.Title + " - " + v.Name,
		CPDHours: hours,
		CourseID: course.ID,
	}
}

func (e Event) Item() cpd.Item {
	return cpd.Item{ID: e.ID, Kind: cpd.ItemEvent, Title: e.Title, CPDHours: e.CPDHours}
}

// =============================================================================
// VALIDATION
// =============================================================================

func ValidateCourse(c Course) error {
	if c.Title == "" {
		return cpd.Invalid("title", "required")
	}
	if c.CPDHours.IsNegative() {
		return cpd.Invalid("cpd_hours", "must not be negative")
	}
	if c.Price.IsNegative() {
		return cpd.Invalid("price", "must not be negative")
	}
	if c.CreditCost.IsNegative() {
		return cpd.Invalid("credit_cost", "must not be negative")
	}
	return nil
}

// ValidateVariant checks what can be saved. A zero price may be saved as a
// draft but cannot be synced.
func ValidateVariant(v Variant) error {
	if v.CourseID == "" {
		return cpd.Invalid("course_id", "required")
	}
	if v.Name == "" {
		return cpd.Invalid("name", "required")
	}
	if v.Price.IsNegative() {
		return cpd.Invalid("price", "must not be negative")
	}
	if v.CPDHours.IsNegative() {
		return cpd.Invalid("cpd_hours", "must not be negative")
	}
	return nil
}

// ValidateForSync checks what the provider will accept.
func ValidateForSync(v Variant) error {
	if v.Name == "" {
		return cpd.Invalid("name", "variant %s has no name", v.ID)
	}
	if !v.Price.IsPositive() {
		return cpd.Invalid("price", "variant %s price must be positive, got %s", v.ID, v.Price)
	}
	return nil
}

func ValidateEvent(e Event) error {
	if e.Title == "" {
		return cpd.Invalid("title", "required")
	}
	if e.CPDHours.IsNegative() {
		return cpd.Invalid("cpd_hours", "must not be negative")
	}
	return nil
}

// =============================================================================
// REPOSITORY
// =============================================================================

// Repository persists the catalogue. Lookups return cpd.ErrCourseNotFound,
// cpd.ErrVariantNotFound or cpd.ErrItemNotFound; deletes of referenced
// rows return cpd.ErrInUse.
type Repository interface {
	GetCourse(ctx context.Context, id cpd.ItemID) (*Course, error)
	ListCourses(ctx context.Context) ([]Course, error)
	SaveCourse(ctx context.Context, c Course) error
	// DeleteCourse removes the course and its variants.
	DeleteCourse(ctx context.Context, id cpd.ItemID) error
	SetCourseProduct(ctx context.Context, id cpd.ItemID, productID string) error
	SetCoursePrice(ctx context.Context, id cpd.ItemID, priceID string, synced decimal.Decimal) error

	GetVariant(ctx context.Context, id cpd.ItemID) (*Variant, error)
	ListVariants(ctx context.Context, courseID cpd.ItemID) ([]Variant, error)
	SaveVariant(ctx context.Context, v Variant) error
	DeleteVariant(ctx context.Context, id cpd.ItemID) error
	SetVariantPrice(ctx context.Context, id cpd.ItemID, priceID string, synced decimal.Decimal) error

	GetEvent(ctx context.Context, id cpd.ItemID) (*Event, error)
	ListEvents(ctx context.Context) ([]Event, error)
	SaveEvent(ctx context.Context, e Event) error
	DeleteEvent(ctx context.Context, id cpd.ItemID) error
}
