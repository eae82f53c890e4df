/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

NUMBERS:
  Hours and pounds travel as decimal strings ("1.5", "36") so clients
  never see float rounding. Inputs accept the same form.

VALIDATION:
  Validation is done in handlers and domain packages, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/cpd-engine/booking"
	"github.com/warp/cpd-engine/catalogue"
	"github.com/warp/cpd-engine/cpd"
	"github.com/warp/cpd-engine/pricing"
)

// =============================================================================
// MEMBERS
// =============================================================================

type MemberDTO struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name"`
	Email                 string  `json:"email"`
	MembershipType        string  `json:"membership_type"`
	MembershipStatus      string  `json:"membership_status"`
	OrganisationID        *string `json:"organisation_id,omitempty"`
	CPDHours              string  `json:"cpd_hours"`
	TotalCPDEarned        string  `json:"total_cpd_earned"`
	TotalCPDSpent         string  `json:"total_cpd_spent"`
	TotalCPDRefunded      string  `json:"total_cpd_refunded"`
	MonthlyCPDHours       string  `json:"monthly_cpd_hours"`
	LastCPDAllocationDate string  `json:"last_cpd_allocation_date,omitempty"`
	CreatedAt             string  `json:"created_at,omitempty"`
}

type CreateMemberRequest struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Email            string `json:"email"`
	MembershipType   string `json:"membership_type"`
	MembershipStatus string `json:"membership_status"`
	OrganisationID   string `json:"organisation_id"`
	MonthlyCPDHours  string `json:"monthly_cpd_hours"`
}

// UpdateMembershipRequest patches membership fields. Absent fields are
// left alone; an empty organisation_id clears the organisation.
type UpdateMembershipRequest struct {
	MembershipType       *string `json:"membership_type"`
	MembershipStatus     *string `json:"membership_status"`
	OrganisationID       *string `json:"organisation_id"`
	MonthlyCPDHours      *string `json:"monthly_cpd_hours"`
	StripeCustomerID     *string `json:"stripe_customer_id"`
	StripeSubscriptionID *string `json:"stripe_subscription_id"`
}

type OrganisationDTO struct {
	ID                          string `json:"id"`
	Name                        string `json:"name"`
	HasOrganisationalMembership bool   `json:"has_organisational_membership"`
	OrgMembershipStatus         string `json:"org_membership_status"`
}

// =============================================================================
// LEDGER
// =============================================================================

type BalanceDTO struct {
	MemberID         string `json:"member_id"`
	CPDHours         string `json:"cpd_hours"`
	ValuePounds      string `json:"value_pounds"`
	TotalCPDEarned   string `json:"total_cpd_earned"`
	TotalCPDSpent    string `json:"total_cpd_spent"`
	TotalCPDRefunded string `json:"total_cpd_refunded"`
}

type VerifyDTO struct {
	MemberID         string `json:"member_id"`
	Consistent       bool   `json:"consistent"`
	DerivedBalance   string `json:"derived_balance"`
	TransactionCount int    `json:"transaction_count"`
}

type TransactionDTO struct {
	ID             string `json:"id"`
	MemberID       string `json:"member_id"`
	Amount         string `json:"amount"`
	Type           string `json:"type"`
	Description    string `json:"description"`
	ReferenceID    string `json:"reference_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	PeriodStart    string `json:"period_start,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type TransactionListResponse struct {
	Transactions []TransactionDTO `json:"transactions"`
	Limit        int              `json:"limit"`
	Offset       int              `json:"offset"`
}

type GrantRequest struct {
	MemberID       string `json:"member_id"`
	Hours          string `json:"hours"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key"`
}

type AllocationRunDTO struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Allocated   int    `json:"allocated"`
	Skipped     int    `json:"skipped"`
	Failed      int    `json:"failed"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// =============================================================================
// PRICING / BOOKING
// =============================================================================

type PriceDTO struct {
	ItemID                string `json:"item_id"`
	ItemHours             string `json:"item_hours"`
	BasePrice             string `json:"base_price"`
	ApplicableHours       string `json:"applicable_hours"`
	CreditsDiscountAmount string `json:"credits_discount_amount"`
	PriceAfterCredits     string `json:"price_after_credits"`
	DiscountKind          string `json:"discount_kind"`
	DiscountRate          string `json:"discount_rate"`
	MemberDiscountAmount  string `json:"member_discount_amount"`
	FinalPrice            string `json:"final_price"`
	Free                  bool   `json:"free"`
}

type BookRequest struct {
	ItemID         string  `json:"item_id"`
	IdempotencyKey string  `json:"idempotency_key"`
	CreditsToSpend *string `json:"credits_to_spend"`
}

type BookingDTO struct {
	ID                  string `json:"id"`
	MemberID            string `json:"member_id"`
	ItemID              string `json:"item_id"`
	ItemKind            string `json:"item_kind"`
	PaymentMethod       string `json:"payment_method"`
	Status              string `json:"status"`
	CreditsSpent        string `json:"credits_spent"`
	FinalPrice          string `json:"final_price"`
	BalanceAfter        string `json:"balance_after"`
	IdempotencyKey      string `json:"idempotency_key"`
	TransactionID       string `json:"transaction_id,omitempty"`
	RefundTransactionID string `json:"refund_transaction_id,omitempty"`
	CreatedAt           string `json:"created_at"`
	CancelledAt         string `json:"cancelled_at,omitempty"`
}

type BookingResponse struct {
	Success      bool       `json:"success"`
	BookingID    string     `json:"booking_id"`
	CreditsSpent string     `json:"credits_spent"`
	NewBalance   string     `json:"new_balance"`
	FinalPrice   string     `json:"final_price"`
	Replayed     bool       `json:"replayed"`
	Booking      BookingDTO `json:"booking"`
	Price        *PriceDTO  `json:"price,omitempty"`
}

// =============================================================================
// CATALOGUE
// =============================================================================

type CourseDTO struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	CPDHours        string `json:"cpd_hours"`
	Price           string `json:"price"`
	CreditCost      string `json:"credit_cost,omitempty"`
	StripeProductID string `json:"stripe_product_id,omitempty"`
	StripePriceID   string `json:"stripe_price_id,omitempty"`
}

type VariantDTO struct {
	ID            string `json:"id"`
	CourseID      string `json:"course_id"`
	Name          string `json:"name"`
	Price         string `json:"price"`
	CPDHours      string `json:"cpd_hours"`
	Duration      string `json:"duration,omitempty"`
	Location      string `json:"location,omitempty"`
	Format        string `json:"format,omitempty"`
	StripePriceID string `json:"stripe_price_id,omitempty"`
	InSync        bool   `json:"in_sync"`
}

type EventDTO struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	CPDHours string `json:"cpd_hours"`
	StartsAt string `json:"starts_at"`
}

type SyncResponse struct {
	Success          bool     `json:"success"`
	ProductID        string   `json:"product_id,omitempty"`
	SyncedVariantIDs []string `json:"synced_variant_ids"`
	Unchanged        []string `json:"unchanged,omitempty"`
	CoursePriceID    string   `json:"course_price_id,omitempty"`
}

type VariantFailureDTO struct {
	VariantID string `json:"variant_id"`
	Details   string `json:"details"`
	Retryable bool   `json:"retryable"`
}

// =============================================================================
// ERRORS / SCENARIOS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type InsufficientCreditsResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details"`
	Balance   string `json:"balance"`
	Requested string `json:"requested"`
}

type AlreadyBookedResponse struct {
	Error   string     `json:"error"`
	Details string     `json:"details"`
	Booking BookingDTO `json:"booking"`
}

type SyncErrorResponse struct {
	Error     string              `json:"error"`
	Details   string              `json:"details"`
	Retryable bool                `json:"retryable"`
	Failures  []VariantFailureDTO `json:"failures,omitempty"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// parseDecimal reads an optional decimal field; empty means zero.
func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, cpd.Invalid(field, "not a number: %q", s)
	}
	return d, nil
}

func toMemberDTO(m cpd.Member) MemberDTO {
	dto := MemberDTO{
		ID:                    string(m.ID),
		Name:                  m.Name,
		Email:                 m.Email,
		MembershipType:        string(m.MembershipType),
		MembershipStatus:      string(m.MembershipStatus),
		CPDHours:              m.CPDHours.String(),
		TotalCPDEarned:        m.TotalCPDEarned.String(),
		TotalCPDSpent:         m.TotalCPDSpent.String(),
		TotalCPDRefunded:      m.TotalCPDRefunded.String(),
		MonthlyCPDHours:       m.MonthlyEntitlement().String(),
		LastCPDAllocationDate: formatTimePtr(m.LastCPDAllocationDate),
		CreatedAt:             formatTime(m.CreatedAt),
	}
	if m.OrganisationID != nil {
		org := string(*m.OrganisationID)
		dto.OrganisationID = &org
	}
	return dto
}

func toOrganisationDTO(o cpd.Organisation) OrganisationDTO {
	return OrganisationDTO{
		ID:                          string(o.ID),
		Name:                        o.Name,
		HasOrganisationalMembership: o.HasOrganisationalMembership,
		OrgMembershipStatus:         string(o.OrgMembershipStatus),
	}
}

func toBalanceDTO(m cpd.Member) BalanceDTO {
	return BalanceDTO{
		MemberID:         string(m.ID),
		CPDHours:         m.CPDHours.String(),
		ValuePounds:      cpd.HoursToPounds(m.CPDHours).StringFixed(2),
		TotalCPDEarned:   m.TotalCPDEarned.String(),
		TotalCPDSpent:    m.TotalCPDSpent.String(),
		TotalCPDRefunded: m.TotalCPDRefunded.String(),
	}
}

func toTransactionDTO(tx cpd.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:             string(tx.ID),
		MemberID:       string(tx.MemberID),
		Amount:         tx.Amount.String(),
		Type:           string(tx.Type),
		Description:    tx.Description,
		ReferenceID:    tx.ReferenceID,
		IdempotencyKey: tx.IdempotencyKey,
		PeriodStart:    formatTimePtr(tx.PeriodStart),
		CreatedAt:      formatTime(tx.CreatedAt),
	}
}

func toAllocationRunDTO(r cpd.AllocationRun) AllocationRunDTO {
	return AllocationRunDTO{
		ID:          r.ID,
		Status:      string(r.Status),
		Allocated:   r.Allocated,
		Skipped:     r.Skipped,
		Failed:      r.Failed,
		Error:       r.Error,
		StartedAt:   formatTime(r.StartedAt),
		CompletedAt: formatTimePtr(r.CompletedAt),
	}
}

// toPriceDTO renders the display form: whole pounds, exact hours.
func toPriceDTO(itemID cpd.ItemID, hours decimal.Decimal, b pricing.Breakdown) PriceDTO {
	b = b.Display()
	return PriceDTO{
		ItemID:                string(itemID),
		ItemHours:             hours.String(),
		BasePrice:             b.BasePrice.String(),
		ApplicableHours:       b.ApplicableHours.String(),
		CreditsDiscountAmount: b.CreditsDiscountAmount.String(),
		PriceAfterCredits:     b.PriceAfterCredits.String(),
		DiscountKind:          string(b.DiscountKind),
		DiscountRate:          b.DiscountRate.String(),
		MemberDiscountAmount:  b.MemberDiscountAmount.String(),
		FinalPrice:            b.FinalPrice.String(),
		Free:                  b.Free(),
	}
}

func toBookingDTO(b cpd.Booking) BookingDTO {
	return BookingDTO{
		ID:                  string(b.ID),
		MemberID:            string(b.MemberID),
		ItemID:              string(b.ItemID),
		ItemKind:            string(b.ItemKind),
		PaymentMethod:       string(b.PaymentMethod),
		Status:              string(b.Status),
		CreditsSpent:        b.CreditsSpent.String(),
		FinalPrice:          b.FinalPrice.StringFixed(2),
		BalanceAfter:        b.BalanceAfter.String(),
		IdempotencyKey:      b.IdempotencyKey,
		TransactionID:       string(b.TransactionID),
		RefundTransactionID: string(b.RefundTransactionID),
		CreatedAt:           formatTime(b.CreatedAt),
		CancelledAt:         formatTimePtr(b.CancelledAt),
	}
}

// toBookingResponse includes the price breakdown only for a fresh booking;
// replays and cancellations carry no computation.
func toBookingResponse(res *booking.Result) BookingResponse {
	resp := BookingResponse{
		Success:      true,
		BookingID:    string(res.Booking.ID),
		CreditsSpent: res.Booking.CreditsSpent.String(),
		NewBalance:   res.NewBalance.String(),
		FinalPrice:   res.Booking.FinalPrice.StringFixed(2),
		Replayed:     res.Replayed,
		Booking:      toBookingDTO(res.Booking),
	}
	if !res.Replayed && res.Price.DiscountKind != "" {
		p := toPriceDTO(res.Booking.ItemID, res.Price.BasePrice.Div(cpd.PoundsPerHour), res.Price)
		resp.Price = &p
	}
	return resp
}

func toCourseDTO(c catalogue.Course) CourseDTO {
	dto := CourseDTO{
		ID:              string(c.ID),
		Title:           c.Title,
		Description:     c.Description,
		CPDHours:        c.Hours().String(),
		Price:           c.Price.StringFixed(2),
		StripeProductID: c.StripeProductID,
		StripePriceID:   c.StripePriceID,
	}
	if c.CreditCost.IsPositive() {
		dto.CreditCost = c.CreditCost.String()
	}
	return dto
}

func toVariantDTO(v catalogue.Variant) VariantDTO {
	return VariantDTO{
		ID:            string(v.ID),
		CourseID:      string(v.CourseID),
		Name:          v.Name,
		Price:         v.Price.StringFixed(2),
		CPDHours:      v.CPDHours.String(),
		Duration:      v.Duration,
		Location:      v.Location,
		Format:        v.Format,
		StripePriceID: v.StripePriceID,
		InSync:        v.InSync(),
	}
}

func toEventDTO(e catalogue.Event) EventDTO {
	return EventDTO{
		ID:       string(e.ID),
		Title:    e.Title,
		CPDHours: e.CPDHours.String(),
		StartsAt: formatTime(e.StartsAt),
	}
}

func itemIDs(ids []cpd.ItemID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
