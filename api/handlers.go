/*
handlers.go - HTTP API handlers for the CPD credit engine

PURPOSE:
  Exposes the ledger, pricing, booking, allocation and catalogue services
  via REST API. Handles HTTP request/response, JSON serialization, and
  delegates to domain packages.

ENDPOINTS:
  Members:
    GET    /api/members                         List members
    POST   /api/members                         Create member (zero balance)
    GET    /api/members/{id}                    Member profile and balance
    PATCH  /api/members/{id}                    Update membership fields
    GET    /api/members/{id}/balance            Balance and counters
    GET    /api/members/{id}/verify             Re-derive totals from history
    GET    /api/members/{id}/transactions       History (?type=&from=&to=&limit=&offset=&order=)
    POST   /api/members/{id}/membership/refresh Pull subscription status

  Bookings (bookings.go):
    GET    /api/members/{id}/bookings           Member bookings
    POST   /api/members/{id}/bookings           Book with credits
    GET    /api/bookings?idempotency_key=       Booking created under a key
    GET    /api/bookings/{id}                   Booking
    POST   /api/bookings/{id}/cancel            Cancel and refund
    GET    /api/items/{id}/price?member_id=     Price preview

  Catalogue (catalogue.go), Allocation (allocation.go), Scenarios (scenarios.go)

ARCHITECTURE:
  Handler holds the services built in cmd/server. Optional services
  (provider sync, billing) are nil when no Stripe key is configured and
  their endpoints answer 503.

ERROR HANDLING:
  Errors are returned as JSON {error, details} with HTTP status:
  - 400: Validation errors, invalid input
  - 402: Insufficient credits (carries the current balance)
  - 404: Resource not found
  - 409: Already booked (carries the booking), in use, duplicate key
  - 500: Ledger invariant violation, internal errors
  - 502: Payment provider errors
  - 503: Concurrency conflict, outcome unknown (retry with the same key)

SECURITY NOTE:
  No authentication middleware. member_id on price previews is trusted.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/cpd-engine/allocation"
	"github.com/warp/cpd-engine/billing"
	"github.com/warp/cpd-engine/booking"
	"github.com/warp/cpd-engine/catalogue"
	"github.com/warp/cpd-engine/cpd"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the storage the API needs. Both the SQLite and the in-memory
// stores satisfy it.
type Backend interface {
	cpd.Store
	cpd.MemberDirectory
	cpd.RunStore
	catalogue.Repository
}

// Services are the domain components the handlers delegate to.
type Services struct {
	Store     Backend
	Ledger    *cpd.Ledger
	Bookings  *booking.Coordinator
	Scheduler *allocation.Scheduler
	// Sync and Billing are nil when no payment provider is configured.
	Sync    *catalogue.Syncer
	Billing *billing.Syncer
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Services
	logger *zap.Logger
}

// NewHandler creates a new handler with the given services.
func NewHandler(s Services, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Services: s, logger: logger.Named("api")}
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// ListMembers returns all members.
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.Store.ListMembers(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list members", err)
		return
	}
	dtos := make([]MemberDTO, len(members))
	for i, m := range members {
		dtos[i] = toMemberDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetMember returns a single member.
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.Store.GetMember(r.Context(), memberParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get member", err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(*m))
}

// CreateMember creates a member with a zero balance.
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req CreateMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	m, err := memberFromRequest(req)
	if err != nil {
		h.writeDomainError(w, "Invalid member", err)
		return
	}
	if err := h.Store.CreateMember(r.Context(), m); err != nil {
		h.writeDomainError(w, "Failed to create member", err)
		return
	}
	created, err := h.Store.GetMember(r.Context(), m.ID)
	if err != nil {
		h.writeDomainError(w, "Failed to load member", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberDTO(*created))
}

func memberFromRequest(req CreateMemberRequest) (cpd.Member, error) {
	if req.ID == "" {
		return cpd.Member{}, cpd.Invalid("id", "required")
	}
	m := cpd.Member{
		ID:               cpd.MemberID(req.ID),
		Name:             req.Name,
		Email:            req.Email,
		MembershipType:   cpd.MembershipType(req.MembershipType),
		MembershipStatus: cpd.MembershipStatus(req.MembershipStatus),
	}
	if m.MembershipType == "" {
		m.MembershipType = cpd.MembershipAssociate
	}
	if m.MembershipStatus == "" {
		m.MembershipStatus = cpd.StatusActive
	}
	if !m.MembershipType.Valid() {
		return cpd.Member{}, cpd.Invalid("membership_type", "unknown type %q", req.MembershipType)
	}
	if !m.MembershipStatus.Valid() {
		return cpd.Member{}, cpd.Invalid("membership_status", "unknown status %q", req.MembershipStatus)
	}
	if req.OrganisationID != "" {
		org := cpd.OrganisationID(req.OrganisationID)
		m.OrganisationID = &org
	}
	monthly, err := parseDecimal("monthly_cpd_hours", req.MonthlyCPDHours)
	if err != nil {
		return cpd.Member{}, err
	}
	if monthly.IsNegative() {
		return cpd.Member{}, cpd.Invalid("monthly_cpd_hours", "must not be negative")
	}
	m.MonthlyCPDHours = monthly
	return m, nil
}

// UpdateMembership patches membership fields. Balances are never touched.
func (h *Handler) UpdateMembership(w http.ResponseWriter, r *http.Request) {
	var req UpdateMembershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	patch, err := membershipPatch(req)
	if err != nil {
		h.writeDomainError(w, "Invalid membership update", err)
		return
	}
	m, err := h.Store.UpdateMembership(r.Context(), memberParam(r), patch)
	if err != nil {
		h.writeDomainError(w, "Failed to update membership", err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(*m))
}

func membershipPatch(req UpdateMembershipRequest) (cpd.MembershipUpdate, error) {
	var patch cpd.MembershipUpdate
	if req.MembershipType != nil {
		t := cpd.MembershipType(*req.MembershipType)
		if !t.Valid() {
			return patch, cpd.Invalid("membership_type", "unknown type %q", *req.MembershipType)
		}
		patch.Type = &t
	}
	if req.MembershipStatus != nil {
		s := cpd.MembershipStatus(*req.MembershipStatus)
		if !s.Valid() {
			return patch, cpd.Invalid("membership_status", "unknown status %q", *req.MembershipStatus)
		}
		patch.Status = &s
	}
	if req.OrganisationID != nil {
		if *req.OrganisationID == "" {
			patch.ClearOrganisation = true
		} else {
			org := cpd.OrganisationID(*req.OrganisationID)
			patch.OrganisationID = &org
		}
	}
	if req.MonthlyCPDHours != nil {
		hours, err := parseDecimal("monthly_cpd_hours", *req.MonthlyCPDHours)
		if err != nil {
			return patch, err
		}
		if hours.IsNegative() {
			return patch, cpd.Invalid("monthly_cpd_hours", "must not be negative")
		}
		patch.MonthlyCPDHours = &hours
	}
	patch.StripeCustomerID = req.StripeCustomerID
	patch.StripeSubscriptionID = req.StripeSubscriptionID
	return patch, nil
}

// RefreshMembership pulls the member's subscription status from Stripe.
func (h *Handler) RefreshMembership(w http.ResponseWriter, r *http.Request) {
	if h.Billing == nil {
		writeError(w, http.StatusServiceUnavailable, "Billing is not configured", nil)
		return
	}
	m, _, err := h.Billing.Refresh(r.Context(), memberParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to refresh membership", err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(*m))
}

// =============================================================================
// ORGANISATION HANDLERS
// =============================================================================

func (h *Handler) ListOrganisations(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.Store.ListOrganisations(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list organisations", err)
		return
	}
	dtos := make([]OrganisationDTO, len(orgs))
	for i, o := range orgs {
		dtos[i] = toOrganisationDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveOrganisation creates or replaces an organisation.
func (h *Handler) SaveOrganisation(w http.ResponseWriter, r *http.Request) {
	var req OrganisationDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		h.writeDomainError(w, "Invalid organisation", cpd.Invalid("id", "required"))
		return
	}
	status := cpd.OrganisationStatus(req.OrgMembershipStatus)
	if status == "" {
		status = cpd.OrgInactive
	}
	if status != cpd.OrgActive && status != cpd.OrgInactive {
		h.writeDomainError(w, "Invalid organisation",
			cpd.Invalid("org_membership_status", "unknown status %q", req.OrgMembershipStatus))
		return
	}

	org := cpd.Organisation{
		ID:                          cpd.OrganisationID(req.ID),
		Name:                        req.Name,
		HasOrganisationalMembership: req.HasOrganisationalMembership,
		OrgMembershipStatus:         status,
	}
	if err := h.Store.SaveOrganisation(r.Context(), org); err != nil {
		h.writeDomainError(w, "Failed to save organisation", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrganisationDTO(org))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// GetBalance returns the authoritative balance and its counters.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	m, err := h.Store.GetMember(r.Context(), memberParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(*m))
}

// VerifyBalance re-derives the member's totals from the ledger.
func (h *Handler) VerifyBalance(w http.ResponseWriter, r *http.Request) {
	id := memberParam(r)
	summary, err := h.Ledger.Verify(r.Context(), id)
	if err != nil && !errors.Is(err, cpd.ErrInvariantViolation) {
		h.writeDomainError(w, "Failed to verify balance", err)
		return
	}
	dto := VerifyDTO{
		MemberID:         string(id),
		Consistent:       err == nil,
		DerivedBalance:   summary.Balance.String(),
		TransactionCount: summary.TransactionCount,
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, dto)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListTransactions returns a page of history, newest first by default.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := transactionFilter(r)
	if err != nil {
		h.writeDomainError(w, "Invalid filter", err)
		return
	}
	txs, err := h.Ledger.Transactions(r.Context(), memberParam(r), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to list transactions", err)
		return
	}
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, TransactionListResponse{Transactions: dtos, Limit: filter.Limit, Offset: filter.Offset})
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func transactionFilter(r *http.Request) (cpd.TransactionFilter, error) {
	q := r.URL.Query()
	filter := cpd.TransactionFilter{Limit: defaultPageSize}

	for _, t := range q["type"] {
		tt := cpd.TransactionType(t)
		if !tt.Valid() {
			return filter, cpd.Invalid("type", "unknown transaction type %q", t)
		}
		filter.Types = append(filter.Types, tt)
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return filter, cpd.Invalid("limit", "must be a positive integer")
		}
		filter.Limit = min(n, maxPageSize)
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return filter, cpd.Invalid("offset", "must be a non-negative integer")
		}
		filter.Offset = n
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		s := q.Get(p.name)
		if s == "" {
			continue
		}
		t, err := parseDateOrTime(s)
		if err != nil {
			return filter, cpd.Invalid(p.name, "use YYYY-MM-DD or RFC3339")
		}
		*p.dst = &t
	}
	switch q.Get("order") {
	case "", "desc":
	case "asc":
		filter.Ascending = true
	default:
		return filter, cpd.Invalid("order", "must be asc or desc")
	}
	return filter, nil
}

func parseDateOrTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// =============================================================================
// HELPERS
// =============================================================================

func memberParam(r *http.Request) cpd.MemberID {
	return cpd.MemberID(chi.URLParam(r, "id"))
}

func itemParam(r *http.Request) cpd.ItemID {
	return cpd.ItemID(chi.URLParam(r, "id"))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the error taxonomy onto HTTP statuses. Structured
// errors carry their authoritative state in the body.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	var (
		insufficient *cpd.InsufficientCreditsError
		booked       *cpd.AlreadyBookedError
		syncErr      *catalogue.SyncError
	)
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, InsufficientCreditsResponse{
			Error:     "insufficient_credits",
			Details:   err.Error(),
			Balance:   insufficient.Available.String(),
			Requested: insufficient.Requested.String(),
		})
	case errors.As(err, &booked):
		writeJSON(w, http.StatusConflict, AlreadyBookedResponse{
			Error:   "already_booked",
			Details: err.Error(),
			Booking: toBookingDTO(booked.Existing),
		})
	case errors.As(err, &syncErr):
		status := http.StatusBadGateway
		if errors.Is(err, cpd.ErrValidation) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, toSyncErrorResponse(syncErr))
	case errors.Is(err, cpd.ErrValidation):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, cpd.ErrNotFound):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, cpd.ErrInUse), errors.Is(err, cpd.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, cpd.ErrConcurrencyConflict), errors.Is(err, cpd.ErrOutcomeUnknown):
		writeError(w, http.StatusServiceUnavailable, message, err)
	case errors.Is(err, catalogue.ErrProvider):
		writeError(w, http.StatusBadGateway, message, err)
	default:
		if errors.Is(err, cpd.ErrInvariantViolation) {
			h.logger.Error("ledger invariant violation", zap.Error(err))
		} else {
			h.logger.Error(message, zap.Error(err))
		}
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func toSyncErrorResponse(e *catalogue.SyncError) SyncErrorResponse {
	resp := SyncErrorResponse{
		Error:     "sync_failed",
		Details:   e.Details,
		Retryable: e.Retryable,
	}
	for _, f := range e.Failures {
		resp.Failures = append(resp.Failures, VariantFailureDTO{
			VariantID: string(f.VariantID),
			Details:   f.Details,
			Retryable: f.Retryable,
		})
	}
	return resp
}
