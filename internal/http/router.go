package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robertarktes/experience-bookings/internal/idempotency"
	"github.com/robertarktes/experience-bookings/internal/rateLimit"
)

// SetupRouter wires the public probes and webhook endpoint alongside the
// authenticated booking API and the operator endpoints. rl and idemp may be
// nil when Redis is not configured.
func SetupRouter(h *Handlers, rl *rateLimit.RateLimiter, idemp *idempotency.Idempotency) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(h.Logger))
	r.Use(TracingMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Post("/v1/webhooks/payments", h.PaymentWebhook)

	r.Route("/v1/internal", func(r chi.Router) {
		r.Use(AdminTokenMiddleware(h.cfg.AdminToken))
		r.Post("/cleanup", h.RunCleanup)
	})

	r.Group(func(r chi.Router) {
		r.Use(JWTMiddleware(h.cfg.JWTSecret))
		if rl != nil {
			r.Use(RateLimitMiddleware(rl))
		}
		if idemp != nil {
			r.Use(IdempotencyMiddleware(idemp))
		}

		r.Post("/v1/experiences/{id}/availabilities", h.CreateAvailability)
		r.Get("/v1/experiences/{id}/timeslots", h.ListTimeSlots)
		r.Get("/v1/timeslots/{id}", h.GetTimeSlot)
		r.Patch("/v1/timeslots/{id}", h.SetTimeSlotStatus)

		r.Post("/v1/holds", h.CreateHold)
		r.Post("/v1/reservations", h.CreateReservation)
		r.Get("/v1/reservations/{id}", h.GetReservation)
		r.Post("/v1/reservations/{id}/promote", h.PromoteHold)
		r.Post("/v1/reservations/{id}/payment", h.AttachPayment)
		r.Post("/v1/reservations/{id}/cancel", h.CancelReservation)
	})

	return r
}
