/*
Package pricing computes what a member pays for a course or event.

PURPOSE:
  One pure function shared by every caller that shows or charges a price.
  It combines two reductions in a fixed order:

  Step 1: credit-hour redemption (always first, independent of membership)
  Step 2: membership percentage discount on whatever is left

ORDER MATTERS:
  3h course (£60), 1h balance, active Full member:
    credits first:  60 - 20 = 40, then 10% off -> £36   (correct)
    discount first: 60 * 0.9 = 54, then - 20   -> £34   (wrong)

DISCOUNTS:
  Active organisational membership -> 20%
  Else active Full or Fellow       -> 10%
  Else                             -> 0%
  The two never stack, and both need the member's own status to be active.

ROUNDING:
  All arithmetic is exact decimal. Display() rounds money to whole pounds
  and is only for presentation.

SEE ALSO:
  - booking/coordinator.go: Prices a booking with ComputeWithSpend
  - cpd/types.go: PoundsPerHour
*/
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/warp/cpd-engine/cpd"
)

var (
	OrganisationDiscountRate = decimal.NewFromFloat(0.20)
	MembershipDiscountRate   = decimal.NewFromFloat(0.10)
)

// DiscountKind names which percentage discount applied.
type DiscountKind string

const (
	DiscountNone         DiscountKind = "none"
	DiscountOrganisation DiscountKind = "organisation"
	DiscountMembership   DiscountKind = "membership"
)

// MembershipContext is everything pricing needs to know about the caller.
// The zero value is an anonymous visitor.
type MembershipContext struct {
	Authenticated      bool
	MembershipType     cpd.MembershipType
	MembershipStatus   cpd.MembershipStatus
	OrganisationActive bool
}

// ContextFor builds the context for a member. A nil member is anonymous.
func ContextFor(m *cpd.Member, org *cpd.Organisation) MembershipContext {
	if m == nil {
		return MembershipContext{}
	}
	return MembershipContext{
		Authenticated:      true,
		MembershipType:     m.MembershipType,
		MembershipStatus:   m.MembershipStatus,
		OrganisationActive: org.MembershipActive(),
	}
}

// Discount returns the percentage discount this context earns.
func (c MembershipContext) Discount() (DiscountKind, decimal.Decimal) {
	if !c.Authenticated {
		return DiscountNone, decimal.Zero
	}
	// Both discounts go to active members only.
	if c.MembershipStatus != cpd.StatusActive {
		return DiscountNone, decimal.Zero
	}
	if c.OrganisationActive {
		return DiscountOrganisation, OrganisationDiscountRate
	}
	if c.MembershipType == cpd.MembershipFull || c.MembershipType == cpd.MembershipFellow {
		return DiscountMembership, MembershipDiscountRate
	}
	return DiscountNone, decimal.Zero
}

// Breakdown is the full price computation. Money fields are pounds,
// ApplicableHours is hours.
type Breakdown struct {
	BasePrice             decimal.Decimal
	ApplicableHours       decimal.Decimal
	CreditsDiscountAmount decimal.Decimal
	PriceAfterCredits     decimal.Decimal
	DiscountKind          DiscountKind
	DiscountRate          decimal.Decimal
	MemberDiscountAmount  decimal.Decimal
	FinalPrice            decimal.Decimal
}

// Free reports whether nothing is left to pay.
func (b Breakdown) Free() bool { return !b.FinalPrice.IsPositive() }

// Display returns the breakdown with money rounded half-up to whole pounds.
// Hours are left exact.
func (b Breakdown) Display() Breakdown {
	b.BasePrice = b.BasePrice.Round(0)
	b.CreditsDiscountAmount = b.CreditsDiscountAmount.Round(0)
	b.PriceAfterCredits = b.PriceAfterCredits.Round(0)
	b.MemberDiscountAmount = b.MemberDiscountAmount.Round(0)
	b.FinalPrice = b.FinalPrice.Round(0)
	return b
}

// =============================================================================
// COMPUTATION
// =============================================================================

// Compute redeems as much of balance as the item can absorb, then applies
// the membership discount. It never fails; negative inputs count as zero.
func Compute(itemHours, balance decimal.Decimal, mc MembershipContext) Breakdown {
	if !mc.Authenticated {
		balance = decimal.Zero
	}
	return compute(itemHours, balance, mc)
}

// ComputeWithSpend is Compute with a caller-chosen redemption, clamped to
// what the item can absorb.
func ComputeWithSpend(itemHours, spendHours decimal.Decimal, mc MembershipContext) Breakdown {
	return compute(itemHours, spendHours, mc)
}

// MaxApplicableHours is the most credit an item can absorb: basePrice / 20,
// which is the item's own hours. Fractional hours are not floored.
func MaxApplicableHours(itemHours decimal.Decimal) decimal.Decimal {
	return nonNegative(itemHours)
}

func compute(itemHours, creditHours decimal.Decimal, mc MembershipContext) Breakdown {
	base := cpd.HoursToPounds(nonNegative(itemHours))
	if base.IsZero() {
		return zeroBreakdown()
	}

	// Step 1: credit redemption.
	applicable := decimal.Min(MaxApplicableHours(itemHours), nonNegative(creditHours))
	creditsDiscount := cpd.HoursToPounds(applicable)
	afterCredits := decimal.Max(decimal.Zero, base.Sub(creditsDiscount))

	b := Breakdown{
		BasePrice:             base,
		ApplicableHours:       applicable,
		CreditsDiscountAmount: creditsDiscount,
		PriceAfterCredits:     afterCredits,
		DiscountKind:          DiscountNone,
		DiscountRate:          decimal.Zero,
		MemberDiscountAmount:  decimal.Zero,
		FinalPrice:            afterCredits,
	}

	// Step 2: membership discount, never on a zero remainder.
	if !afterCredits.IsPositive() {
		return b
	}
	kind, rate := mc.Discount()
	if rate.IsZero() {
		return b
	}
	b.DiscountKind = kind
	b.DiscountRate = rate
	b.MemberDiscountAmount = afterCredits.Mul(rate)
	b.FinalPrice = afterCredits.Sub(b.MemberDiscountAmount)
	return b
}

func zeroBreakdown() Breakdown {
	return Breakdown{
		BasePrice:             decimal.Zero,
		ApplicableHours:       decimal.Zero,
		CreditsDiscountAmount: decimal.Zero,
		PriceAfterCredits:     decimal.Zero,
		DiscountKind:          DiscountNone,
		DiscountRate:          decimal.Zero,
		MemberDiscountAmount:  decimal.Zero,
		FinalPrice:            decimal.Zero,
	}
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// ITEM HOURS
// =============================================================================

// EffectiveHours picks the canonical hours for an item. Hours win; the
// legacy credit cost is converted at 250 credits per hour when hours are
// not set.
func EffectiveHours(cpdHours, creditCost decimal.Decimal) decimal.Decimal {
	if cpdHours.IsPositive() {
		return cpdHours
	}
	if creditCost.IsPositive() {
		return cpd.CreditsToHours(creditCost)
	}
	return decimal.Zero
}
