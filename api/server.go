/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the front office

ROUTE GROUPS:
  /api/cases/*          Case lifecycle, balance, per-case listings
  /api/charges/*        Charge ledger writes
  /api/payments/*       Payment ledger writes
  /api/payouts/*        Payout ledger and pending-payout scanner
  /api/scenarios/*      Demo scenarios (development only)

SECURITY NOTE:
  No authentication middleware. The X-User-Id header is trusted as-is and
  must be set by the gateway in front of this service.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/serve.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserHeader},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/cases", func(r chi.Router) {
			r.Post("/", h.CreateCase)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCase)
				r.Delete("/", h.DeleteCase)
				r.Put("/discount", h.UpdateDiscount)
				r.Get("/balance", h.GetBalance)
				r.Get("/statement", h.GetStatement)
				r.Post("/close", h.CloseCase)
				r.Get("/charges", h.ListCharges)
				r.Get("/payments", h.ListPayments)
				r.Post("/legacy/migrate", h.MigrateLegacy)
				r.Post("/physicians/{physicianId}/payout/sync", h.SyncPayout)
			})
		})

		r.Route("/charges", func(r chi.Router) {
			r.Post("/", h.CreateCharge)
			r.Put("/{id}", h.UpdateCharge)
			r.Delete("/{id}", h.DeleteCharge)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.CreatePayment)
			r.Put("/{id}", h.UpdatePayment)
			r.Delete("/{id}", h.DeletePayment)
		})

		r.Route("/payouts", func(r chi.Router) {
			r.Get("/", h.ListPayouts)
			r.Get("/pending", h.ListPendingPayouts)
			r.Post("/reconcile", h.ReconcilePayouts)
			r.Get("/{id}", h.GetPayout)
			r.Put("/{id}/settlement", h.RecordSettlement)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
