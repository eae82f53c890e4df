package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/cpd-engine/allocation"
	"github.com/warp/cpd-engine/cpd"
)

// =============================================================================
// ALLOCATION
// =============================================================================

// ListAllocationRuns returns recent scheduler runs, newest first.
func (h *Handler) ListAllocationRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Scheduler.Runs(r.Context(), 50)
	if err != nil {
		h.writeDomainError(w, "Failed to list runs", err)
		return
	}
	dtos := make([]AllocationRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toAllocationRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerAllocation runs the monthly allocation now. 409 if a run is
// already in progress.
func (h *Handler) TriggerAllocation(w http.ResponseWriter, r *http.Request) {
	run, err := h.Scheduler.RunNow(r.Context())
	if errors.Is(err, allocation.ErrRunInProgress) {
		writeError(w, http.StatusConflict, "Allocation already running", err)
		return
	}
	if err != nil {
		h.writeDomainError(w, "Allocation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationRunDTO(run))
}

// Grant credits a member outside the monthly schedule.
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	hours, err := decimal.NewFromString(req.Hours)
	if err != nil || !hours.IsPositive() {
		h.writeDomainError(w, "Invalid grant", cpd.Invalid("hours", "must be a positive number"))
		return
	}
	if req.MemberID == "" {
		h.writeDomainError(w, "Invalid grant", cpd.Invalid("member_id", "required"))
		return
	}
	tx, err := h.Scheduler.Grant(r.Context(), cpd.MemberID(req.MemberID), hours, req.Description, req.IdempotencyKey)
	if err != nil {
		h.writeDomainError(w, "Grant failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}
