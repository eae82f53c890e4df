/*
scenarios.go - Demo seed data

PURPOSE:

	Populates the store with a small, realistic data set so the pricing and
	booking flows can be tried by hand. Each scenario creates members,
	organisations and catalogue items and funds opening balances.

AVAILABLE SCENARIOS:

	associate-credits: Associate with 2h of credit and a 1.5h course
	full-member:       Full member, no credit, 10% membership discount
	org-member:        Member of an active organisation, 20% discount

HOW SCENARIOS WORK:
 1. Save organisations and catalogue items (upserts)
 2. Create members that do not exist yet
 3. Fund opening balances through the ledger with a fixed key

Loading a scenario twice changes nothing: every write is an upsert or
carries an idempotency key. Nothing is reset.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "org-member"}
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/cpd-engine/catalogue"
	"github.com/warp/cpd-engine/cpd"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "associate-credits",
		Name:        "Associate With Credits",
		Description: "Associate member holding 2 CPD hours; a 1.5h course is fully covered",
	},
	{
		ID:          "full-member",
		Name:        "Full Member",
		Description: "Full member with no credit; pays card price less 10%",
	},
	{
		ID:          "org-member",
		Name:        "Organisation Member",
		Description: "Member of an active organisation with 1h credit; 20% off the remainder",
	},
}

type seed struct {
	orgs     []cpd.Organisation
	courses  []catalogue.Course
	variants []catalogue.Variant
	events   []catalogue.Event
	members  []cpd.Member
	balances map[cpd.MemberID]decimal.Decimal
}

func scenarioSeed(id string) (seed, bool) {
	switch id {
	case "associate-credits":
		return seed{
			courses: []catalogue.Course{{
				ID: "course-ethics", Title: "Professional Ethics",
				CPDHours: decimal.RequireFromString("1.5"), Price: decimal.NewFromInt(30),
			}},
			variants: []catalogue.Variant{{
				ID: "ethics-online", CourseID: "course-ethics", Name: "Online, self-paced",
				Price: decimal.NewFromInt(30), CPDHours: decimal.RequireFromString("1.5"), Format: "online",
			}},
			members: []cpd.Member{{
				ID: "assoc-1", Name: "Sam Carter", Email: "sam@example.com",
				MembershipType: cpd.MembershipAssociate, MembershipStatus: cpd.StatusActive,
			}},
			balances: map[cpd.MemberID]decimal.Decimal{"assoc-1": decimal.NewFromInt(2)},
		}, true

	case "full-member":
		return seed{
			courses: []catalogue.Course{{
				ID: "course-leadership", Title: "Leadership in Practice",
				CPDHours: decimal.NewFromInt(5), Price: decimal.NewFromInt(100),
			}},
			variants: []catalogue.Variant{
				{
					ID: "leadership-london", CourseID: "course-leadership", Name: "London, two days",
					Price: decimal.NewFromInt(100), CPDHours: decimal.NewFromInt(5),
					Duration: "2 days", Location: "London", Format: "in-person",
				},
				{
					ID: "leadership-online", CourseID: "course-leadership", Name: "Online",
					Price: decimal.NewFromInt(80), CPDHours: decimal.NewFromInt(4), Format: "online",
				},
			},
			events: []catalogue.Event{{
				ID: "event-annual-conference", Title: "Annual Conference",
				CPDHours: decimal.NewFromInt(6), StartsAt: time.Date(2027, 3, 15, 9, 0, 0, 0, time.UTC),
			}},
			members: []cpd.Member{{
				ID: "full-1", Name: "Alex Morgan", Email: "alex@example.com",
				MembershipType: cpd.MembershipFull, MembershipStatus: cpd.StatusActive,
				MonthlyCPDHours: decimal.NewFromInt(2),
			}},
		}, true

	case "org-member":
		org := cpd.OrganisationID("org-acme")
		return seed{
			orgs: []cpd.Organisation{{
				ID: org, Name: "Acme Consulting",
				HasOrganisationalMembership: true, OrgMembershipStatus: cpd.OrgActive,
			}},
			courses: []catalogue.Course{{
				ID: "course-governance", Title: "Corporate Governance",
				CPDHours: decimal.NewFromInt(3), Price: decimal.NewFromInt(60),
			}},
			members: []cpd.Member{{
				ID: "org-1", Name: "Jordan Lee", Email: "jordan@acme.example",
				MembershipType: cpd.MembershipAssociate, MembershipStatus: cpd.StatusActive,
				OrganisationID: &org,
			}},
			balances: map[cpd.MemberID]decimal.Decimal{"org-1": decimal.NewFromInt(1)},
		}, true
	}
	return seed{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s, ok := scenarioSeed(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}
	if err := h.loadSeed(r.Context(), req.ScenarioID, s); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.logger.Info("scenario loaded", zap.String("scenario", req.ScenarioID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// LOADER
// =============================================================================

func (h *Handler) loadSeed(ctx context.Context, scenarioID string, s seed) error {
	for _, o := range s.orgs {
		if err := h.Store.SaveOrganisation(ctx, o); err != nil {
			return fmt.Errorf("organisation %s: %w", o.ID, err)
		}
	}
	for _, c := range s.courses {
		if err := h.Store.SaveCourse(ctx, c); err != nil {
			return fmt.Errorf("course %s: %w", c.ID, err)
		}
	}
	for _, v := range s.variants {
		if err := h.Store.SaveVariant(ctx, v); err != nil {
			return fmt.Errorf("variant %s: %w", v.ID, err)
		}
	}
	for _, e := range s.events {
		if err := h.Store.SaveEvent(ctx, e); err != nil {
			return fmt.Errorf("event %s: %w", e.ID, err)
		}
	}

	for _, m := range s.members {
		_, err := h.Store.GetMember(ctx, m.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, cpd.ErrMemberNotFound) {
			return fmt.Errorf("member %s: %w", m.ID, err)
		}
		if err := h.Store.CreateMember(ctx, m); err != nil {
			return fmt.Errorf("member %s: %w", m.ID, err)
		}
	}

	for memberID, hours := range s.balances {
		_, err := h.Ledger.Append(ctx, cpd.Transaction{
			MemberID:       memberID,
			Amount:         hours,
			Type:           cpd.TxAllocation,
			Description:    "Opening balance",
			IdempotencyKey: "seed:" + scenarioID + ":" + string(memberID),
		})
		if err != nil && !errors.Is(err, cpd.ErrDuplicateIdempotencyKey) {
			return fmt.Errorf("opening balance %s: %w", memberID, err)
		}
	}
	return nil
}
