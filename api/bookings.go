package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/cpd-engine/booking"
	"github.com/warp/cpd-engine/cpd"
	"github.com/warp/cpd-engine/pricing"
)

// =============================================================================
// PRICE PREVIEW
// =============================================================================

// GetPrice previews the price of an item. Without member_id the caller is
// anonymous: no credit and no membership discount.
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	item, err := h.Store.GetItem(ctx, itemParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get item", err)
		return
	}

	var (
		member  *cpd.Member
		org     *cpd.Organisation
		balance = decimal.Zero
	)
	if id := r.URL.Query().Get("member_id"); id != "" {
		member, err = h.Store.GetMember(ctx, cpd.MemberID(id))
		if err != nil {
			h.writeDomainError(w, "Failed to get member", err)
			return
		}
		balance = member.CPDHours
		if member.OrganisationID != nil {
			org, err = h.Store.GetOrganisation(ctx, *member.OrganisationID)
			if err != nil && !errors.Is(err, cpd.ErrNotFound) {
				h.writeDomainError(w, "Failed to get organisation", err)
				return
			}
		}
	}

	b := pricing.Compute(item.CPDHours, balance, pricing.ContextFor(member, org))
	writeJSON(w, http.StatusOK, toPriceDTO(item.ID, item.CPDHours, b))
}

// =============================================================================
// BOOKINGS
// =============================================================================

// BookWithCredits debits the member and records the booking in one unit
// of work. The Idempotency-Key header is used when the body has no key.
func (h *Handler) BookWithCredits(w http.ResponseWriter, r *http.Request) {
	var req BookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	bookReq := booking.Request{
		MemberID:       memberParam(r),
		ItemID:         cpd.ItemID(req.ItemID),
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.CreditsToSpend != nil {
		spend, err := parseDecimal("credits_to_spend", *req.CreditsToSpend)
		if err != nil {
			h.writeDomainError(w, "Invalid booking", err)
			return
		}
		bookReq.CreditsToSpend = &spend
	}

	res, err := h.Bookings.BookWithCredits(r.Context(), bookReq)
	if err != nil {
		h.writeDomainError(w, "Booking failed", err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toBookingResponse(res))
}

// CancelBooking refunds the credit spent and marks the booking cancelled.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	res, err := h.Bookings.Cancel(r.Context(), bookingParam(r))
	if err != nil {
		h.writeDomainError(w, "Cancel failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(res))
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Bookings.Get(r.Context(), bookingParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get booking", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(*b))
}

// LookupBooking finds the booking made under an idempotency key. Clients
// use it after a 503 to learn whether their booking committed.
func (h *Handler) LookupBooking(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("idempotency_key")
	if key == "" {
		h.writeDomainError(w, "Invalid lookup", cpd.Invalid("idempotency_key", "required"))
		return
	}
	b, err := h.Bookings.Lookup(r.Context(), key)
	if err != nil {
		h.writeDomainError(w, "Failed to get booking", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(*b))
}

// ListMemberBookings returns a member's bookings, newest first.
func (h *Handler) ListMemberBookings(w http.ResponseWriter, r *http.Request) {
	bookings, err := h.Bookings.ListForMember(r.Context(), memberParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to list bookings", err)
		return
	}
	dtos := make([]BookingDTO, len(bookings))
	for i, b := range bookings {
		dtos[i] = toBookingDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func bookingParam(r *http.Request) cpd.BookingID {
	return cpd.BookingID(chi.URLParam(r, "id"))
}
