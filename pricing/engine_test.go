package pricing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/warp/cpd-engine/cpd"
	"github.com/warp/cpd-engine/pricing"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fullActive() pricing.MembershipContext {
	return pricing.MembershipContext{
		Authenticated:    true,
		MembershipType:   cpd.MembershipFull,
		MembershipStatus: cpd.StatusActive,
	}
}

func assertMoney(t *testing.T, expected string, actual decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, d(expected).Equal(actual), "%s: expected %s, got %s", msg, expected, actual)
}

// =============================================================================
// ORDER OF OPERATIONS
// =============================================================================

func TestCompute_CreditsBeforeMembershipDiscount(t *testing.T) {
	// GIVEN: 3h course (£60), 1h balance, active Full member
	// WHEN: Computing the price
	// THEN: Credit comes off first, then 10% of the remainder: £36

	b := pricing.Compute(d("3"), d("1"), fullActive())

	assertMoney(t, "60", b.BasePrice, "base")
	assertMoney(t, "1", b.ApplicableHours, "applicable hours")
	assertMoney(t, "20", b.CreditsDiscountAmount, "credits discount")
	assertMoney(t, "40", b.PriceAfterCredits, "after credits")
	assertMoney(t, "4", b.MemberDiscountAmount, "member discount")
	assertMoney(t, "36", b.FinalPrice, "final")
	assert.Equal(t, pricing.DiscountMembership, b.DiscountKind)
}

func TestCompute_OrganisationDiscountTakesPrecedence(t *testing.T) {
	// GIVEN: Same inputs, but the member's organisation is active
	// WHEN: Computing the price
	// THEN: 20% off £40 = £32, and the 10% is not added on top

	mc := fullActive()
	mc.OrganisationActive = true

	b := pricing.Compute(d("3"), d("1"), mc)

	assertMoney(t, "8", b.MemberDiscountAmount, "member discount")
	assertMoney(t, "32", b.FinalPrice, "final")
	assert.Equal(t, pricing.DiscountOrganisation, b.DiscountKind)
	assertMoney(t, "0.2", b.DiscountRate, "rate")
}

func TestCompute_ZeroPriceIsNeverDiscounted(t *testing.T) {
	// GIVEN: A free item
	// WHEN: Priced for every kind of caller
	// THEN: Every field is zero

	contexts := []pricing.MembershipContext{
		{},
		fullActive(),
		{Authenticated: true, MembershipType: cpd.MembershipFellow, MembershipStatus: cpd.StatusActive, OrganisationActive: true},
	}
	for _, mc := range contexts {
		b := pricing.Compute(decimal.Zero, d("5"), mc)
		assert.True(t, b.BasePrice.IsZero())
		assert.True(t, b.ApplicableHours.IsZero())
		assert.True(t, b.CreditsDiscountAmount.IsZero())
		assert.True(t, b.MemberDiscountAmount.IsZero())
		assert.True(t, b.FinalPrice.IsZero())
		assert.Equal(t, pricing.DiscountNone, b.DiscountKind)
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestCompute_AssociateCoveredEntirelyByCredit(t *testing.T) {
	// GIVEN: Associate with 2.0h, course worth 1.5h (£30)
	// WHEN: Computing the price
	// THEN: 1.5h applies, nothing left to pay, 0.5h unused

	mc := pricing.MembershipContext{Authenticated: true, MembershipType: cpd.MembershipAssociate, MembershipStatus: cpd.StatusActive}
	b := pricing.Compute(d("1.5"), d("2.0"), mc)

	assertMoney(t, "30", b.BasePrice, "base")
	assertMoney(t, "1.5", b.ApplicableHours, "applicable")
	assertMoney(t, "0", b.PriceAfterCredits, "after credits")
	assertMoney(t, "0", b.FinalPrice, "final")
	assert.True(t, b.Free())
}

func TestCompute_FullMemberWithNoBalance(t *testing.T) {
	// GIVEN: Full member with zero balance, £100 item (5h)
	// WHEN: Computing the price
	// THEN: No credit, 10% off: £90

	b := pricing.Compute(d("5"), decimal.Zero, fullActive())

	assertMoney(t, "0", b.ApplicableHours, "applicable")
	assertMoney(t, "90", b.FinalPrice, "final")
}

// =============================================================================
// EDGE CASES
// =============================================================================

func TestCompute_AnonymousSeesBasePrice(t *testing.T) {
	b := pricing.Compute(d("3"), d("10"), pricing.MembershipContext{})

	assertMoney(t, "60", b.FinalPrice, "final")
	assert.True(t, b.ApplicableHours.IsZero())
}

func TestCompute_CancelingFullMemberGetsNoPercentage(t *testing.T) {
	mc := fullActive()
	mc.MembershipStatus = cpd.StatusCanceling

	b := pricing.Compute(d("3"), decimal.Zero, mc)

	assertMoney(t, "60", b.FinalPrice, "final")
	assert.Equal(t, pricing.DiscountNone, b.DiscountKind)
}

func TestCompute_InactiveMemberOfActiveOrganisationGetsNoDiscount(t *testing.T) {
	// GIVEN: An active organisation whose member's own membership is not active
	// WHEN: Computing the price
	// THEN: Neither the 20% nor the 10% applies

	org := &cpd.Organisation{HasOrganisationalMembership: true, OrgMembershipStatus: cpd.OrgActive}
	for _, status := range []cpd.MembershipStatus{cpd.StatusCanceling, cpd.StatusInactive} {
		m := &cpd.Member{MembershipType: cpd.MembershipFull, MembershipStatus: status}

		b := pricing.Compute(d("3"), decimal.Zero, pricing.ContextFor(m, org))

		assertMoney(t, "60", b.FinalPrice, string(status))
		assert.Equal(t, pricing.DiscountNone, b.DiscountKind, string(status))
	}
}

func TestCompute_ExcessBalanceIsUnused(t *testing.T) {
	b := pricing.Compute(d("2"), d("10"), fullActive())

	assertMoney(t, "2", b.ApplicableHours, "applicable")
	assertMoney(t, "0", b.FinalPrice, "final")
	assert.True(t, b.MemberDiscountAmount.IsZero(), "no discount on a zero remainder")
}

func TestCompute_NegativeInputsDegradeToZero(t *testing.T) {
	b := pricing.Compute(d("-3"), d("1"), fullActive())
	assert.True(t, b.FinalPrice.IsZero())

	b = pricing.Compute(d("3"), d("-1"), fullActive())
	assertMoney(t, "0", b.ApplicableHours, "applicable")
	assertMoney(t, "54", b.FinalPrice, "final")
}

func TestCompute_Deterministic(t *testing.T) {
	first := pricing.Compute(d("2.25"), d("0.75"), fullActive())
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, pricing.Compute(d("2.25"), d("0.75"), fullActive()))
	}
}

func TestComputeWithSpend_ClampsToItem(t *testing.T) {
	// GIVEN: Caller asks to spend 5h on a 3h item
	// THEN: Only 3h is counted

	b := pricing.ComputeWithSpend(d("3"), d("5"), fullActive())
	assertMoney(t, "3", b.ApplicableHours, "applicable")
	assertMoney(t, "0", b.FinalPrice, "final")

	b = pricing.ComputeWithSpend(d("3"), d("0.5"), fullActive())
	assertMoney(t, "50", b.PriceAfterCredits, "after credits")
	assertMoney(t, "45", b.FinalPrice, "final")
}

func TestDisplay_RoundsOnlyAtPresentation(t *testing.T) {
	// GIVEN: 1.3h (£26), 0.1h credit, Full: 26 - 2 = 24, 10% = 2.4, final 21.6
	// WHEN: Displayed
	// THEN: Final shows £22, exact value stays 21.6

	b := pricing.Compute(d("1.3"), d("0.1"), fullActive())
	assertMoney(t, "21.6", b.FinalPrice, "exact final")

	shown := b.Display()
	assertMoney(t, "22", shown.FinalPrice, "display final")
	assertMoney(t, "2", shown.MemberDiscountAmount, "display discount")
	assertMoney(t, "0.1", shown.ApplicableHours, "hours not rounded")
}

func TestEffectiveHours(t *testing.T) {
	assertMoney(t, "1.5", pricing.EffectiveHours(d("1.5"), d("500")), "hours win")
	assertMoney(t, "2", pricing.EffectiveHours(decimal.Zero, d("500")), "credits converted")
	assertMoney(t, "0", pricing.EffectiveHours(decimal.Zero, decimal.Zero), "neither")
}

func TestContextFor(t *testing.T) {
	org := &cpd.Organisation{HasOrganisationalMembership: true, OrgMembershipStatus: cpd.OrgActive}
	m := &cpd.Member{MembershipType: cpd.MembershipAssociate, MembershipStatus: cpd.StatusActive}

	mc := pricing.ContextFor(m, org)
	kind, _ := mc.Discount()
	assert.Equal(t, pricing.DiscountOrganisation, kind)

	mc = pricing.ContextFor(nil, org)
	assert.False(t, mc.Authenticated)

	mc = pricing.ContextFor(m, nil)
	kind, _ = mc.Discount()
	assert.Equal(t, pricing.DiscountNone, kind)
}
