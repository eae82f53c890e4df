/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in request logs
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Logger:     zap request log
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. RateLimit:  Per-IP token bucket
  6. CORS:       Cross-origin requests for the member and admin UIs

ROUTE GROUPS:
  /api/members/*        Members, balances, history, bookings
  /api/organisations/*  Organisational memberships
  /api/items/*          Price preview for any bookable item
  /api/bookings/*       Booking lookup and cancellation
  /api/courses/*        Courses, their variants, provider sync
  /api/variants/*       Variant edits
  /api/events/*         Events
  /api/allocation/*     Scheduler runs and manual grants
  /api/scenarios/*      Demo seed data

SECURITY NOTE:
  No authentication middleware. The member id travels in the path.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds the transport settings taken from config.Config.
type RouterConfig struct {
	Origins         []string
	RateLimitPerMin int
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(RateLimit(cfg.RateLimitPerMin, h.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Member routes
		r.Route("/members", func(r chi.Router) {
			r.Get("/", h.ListMembers)
			r.Post("/", h.CreateMember)
			r.Get("/{id}", h.GetMember)
			r.Patch("/{id}", h.UpdateMembership)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/verify", h.VerifyBalance)
			r.Get("/{id}/transactions", h.ListTransactions)
			r.Post("/{id}/membership/refresh", h.RefreshMembership)
			r.Get("/{id}/bookings", h.ListMemberBookings)
			r.Post("/{id}/bookings", h.BookWithCredits)
		})

		// Organisation routes
		r.Route("/organisations", func(r chi.Router) {
			r.Get("/", h.ListOrganisations)
			r.Post("/", h.SaveOrganisation)
		})

		r.Get("/items/{id}/price", h.GetPrice)

		// Booking routes
		r.Route("/bookings", func(r chi.Router) {
			r.Get("/", h.LookupBooking)
			r.Get("/{id}", h.GetBooking)
			r.Post("/{id}/cancel", h.CancelBooking)
		})

		// Catalogue routes
		r.Route("/courses", func(r chi.Router) {
			r.Get("/", h.ListCourses)
			r.Post("/", h.SaveCourse)
			r.Get("/{id}", h.GetCourse)
			r.Put("/{id}", h.SaveCourse)
			r.Delete("/{id}", h.DeleteCourse)
			r.Get("/{id}/variants", h.ListVariants)
			r.Post("/{id}/variants", h.SaveVariant)
			r.Post("/{id}/sync", h.SyncCourse)
		})
		r.Route("/variants", func(r chi.Router) {
			r.Get("/{variantID}", h.GetVariant)
			r.Put("/{variantID}", h.SaveVariant)
			r.Delete("/{variantID}", h.DeleteVariant)
		})
		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Post("/", h.SaveEvent)
			r.Get("/{id}", h.GetEvent)
			r.Put("/{id}", h.SaveEvent)
			r.Delete("/{id}", h.DeleteEvent)
		})

		// Allocation routes
		r.Route("/allocation", func(r chi.Router) {
			r.Get("/runs", h.ListAllocationRuns)
			r.Post("/runs", h.TriggerAllocation)
			r.Post("/grants", h.Grant)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
