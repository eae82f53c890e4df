package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/cpd-engine/catalogue"
	"github.com/warp/cpd-engine/cpd"
)

// =============================================================================
// COURSES
// =============================================================================

func (h *Handler) ListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := h.Store.ListCourses(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list courses", err)
		return
	}
	dtos := make([]CourseDTO, len(courses))
	for i, c := range courses {
		dtos[i] = toCourseDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetCourse(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetCourse(r.Context(), itemParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get course", err)
		return
	}
	writeJSON(w, http.StatusOK, toCourseDTO(*c))
}

// SaveCourse creates (POST) or replaces (PUT /{id}) a course.
func (h *Handler) SaveCourse(w http.ResponseWriter, r *http.Request) {
	var req CourseDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		req.ID = id
	}

	c, err := courseFromDTO(req)
	if err == nil {
		err = catalogue.ValidateCourse(c)
	}
	if err != nil {
		h.writeDomainError(w, "Invalid course", err)
		return
	}
	if err := h.Store.SaveCourse(r.Context(), c); err != nil {
		h.writeDomainError(w, "Failed to save course", err)
		return
	}
	saved, err := h.Store.GetCourse(r.Context(), c.ID)
	if err != nil {
		h.writeDomainError(w, "Failed to load course", err)
		return
	}
	writeJSON(w, saveStatus(r), toCourseDTO(*saved))
}

func courseFromDTO(req CourseDTO) (catalogue.Course, error) {
	if req.ID == "" {
		return catalogue.Course{}, cpd.Invalid("id", "required")
	}
	c := catalogue.Course{ID: cpd.ItemID(req.ID), Title: req.Title, Description: req.Description}
	var err error
	if c.CPDHours, err = parseDecimal("cpd_hours", req.CPDHours); err != nil {
		return c, err
	}
	if c.Price, err = parseDecimal("price", req.Price); err != nil {
		return c, err
	}
	if c.CreditCost, err = parseDecimal("credit_cost", req.CreditCost); err != nil {
		return c, err
	}
	return c, nil
}

// DeleteCourse removes a course and its variants. 409 once anything was booked.
func (h *Handler) DeleteCourse(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteCourse(r.Context(), itemParam(r)); err != nil {
		h.writeDomainError(w, "Failed to delete course", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncCourse mirrors the course and its variant prices to the provider.
func (h *Handler) SyncCourse(w http.ResponseWriter, r *http.Request) {
	if h.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "Payment provider is not configured", nil)
		return
	}
	res, err := h.Sync.SyncCourse(r.Context(), itemParam(r))
	if err != nil {
		h.writeDomainError(w, "Sync failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{
		Success:          true,
		ProductID:        res.ProductID,
		SyncedVariantIDs: itemIDs(res.SyncedVariantIDs),
		Unchanged:        itemIDs(res.Unchanged),
		CoursePriceID:    res.CoursePriceID,
	})
}

// =============================================================================
// VARIANTS
// =============================================================================

func (h *Handler) ListVariants(w http.ResponseWriter, r *http.Request) {
	variants, err := h.Store.ListVariants(r.Context(), itemParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to list variants", err)
		return
	}
	dtos := make([]VariantDTO, len(variants))
	for i, v := range variants {
		dtos[i] = toVariantDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetVariant(w http.ResponseWriter, r *http.Request) {
	v, err := h.Store.GetVariant(r.Context(), cpd.ItemID(chi.URLParam(r, "variantID")))
	if err != nil {
		h.writeDomainError(w, "Failed to get variant", err)
		return
	}
	writeJSON(w, http.StatusOK, toVariantDTO(*v))
}

// SaveVariant creates (POST /courses/{id}/variants) or replaces
// (PUT /variants/{variantID}) a variant. Editing never touches the
// provider; run a sync afterwards.
func (h *Handler) SaveVariant(w http.ResponseWriter, r *http.Request) {
	var req VariantDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if id := chi.URLParam(r, "variantID"); id != "" {
		req.ID = id
	}
	if id := chi.URLParam(r, "id"); id != "" {
		req.CourseID = id
	}

	v, err := variantFromDTO(req)
	if err == nil {
		err = catalogue.ValidateVariant(v)
	}
	if err != nil {
		h.writeDomainError(w, "Invalid variant", err)
		return
	}
	if err := h.Store.SaveVariant(r.Context(), v); err != nil {
		h.writeDomainError(w, "Failed to save variant", err)
		return
	}
	saved, err := h.Store.GetVariant(r.Context(), v.ID)
	if err != nil {
		h.writeDomainError(w, "Failed to load variant", err)
		return
	}
	writeJSON(w, saveStatus(r), toVariantDTO(*saved))
}

func variantFromDTO(req VariantDTO) (catalogue.Variant, error) {
	if req.ID == "" {
		return catalogue.Variant{}, cpd.Invalid("id", "required")
	}
	v := catalogue.Variant{
		ID:       cpd.ItemID(req.ID),
		CourseID: cpd.ItemID(req.CourseID),
		Name:     req.Name,
		Duration: req.Duration,
		Location: req.Location,
		Format:   req.Format,
	}
	var err error
	if v.Price, err = parseDecimal("price", req.Price); err != nil {
		return v, err
	}
	if v.CPDHours, err = parseDecimal("cpd_hours", req.CPDHours); err != nil {
		return v, err
	}
	return v, nil
}

func (h *Handler) DeleteVariant(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteVariant(r.Context(), cpd.ItemID(chi.URLParam(r, "variantID"))); err != nil {
		h.writeDomainError(w, "Failed to delete variant", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// EVENTS
// =============================================================================

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Store.ListEvents(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list events", err)
		return
	}
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = toEventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	e, err := h.Store.GetEvent(r.Context(), itemParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get event", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(*e))
}

func (h *Handler) SaveEvent(w http.ResponseWriter, r *http.Request) {
	var req EventDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		req.ID = id
	}

	e, err := eventFromDTO(req)
	if err == nil {
		err = catalogue.ValidateEvent(e)
	}
	if err != nil {
		h.writeDomainError(w, "Invalid event", err)
		return
	}
	if err := h.Store.SaveEvent(r.Context(), e); err != nil {
		h.writeDomainError(w, "Failed to save event", err)
		return
	}
	writeJSON(w, saveStatus(r), toEventDTO(e))
}

func eventFromDTO(req EventDTO) (catalogue.Event, error) {
	if req.ID == "" {
		return catalogue.Event{}, cpd.Invalid("id", "required")
	}
	e := catalogue.Event{ID: cpd.ItemID(req.ID), Title: req.Title}
	var err error
	if e.CPDHours, err = parseDecimal("cpd_hours", req.CPDHours); err != nil {
		return e, err
	}
	if req.StartsAt != "" {
		if e.StartsAt, err = time.Parse(time.RFC3339, req.StartsAt); err != nil {
			return e, cpd.Invalid("starts_at", "use RFC3339")
		}
	}
	return e, nil
}

func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteEvent(r.Context(), itemParam(r)); err != nil {
		h.writeDomainError(w, "Failed to delete event", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func saveStatus(r *http.Request) int {
	if r.Method == http.MethodPost {
		return http.StatusCreated
	}
	return http.StatusOK
}
