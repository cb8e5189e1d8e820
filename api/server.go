/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RequestLogger: zap access log (method, path, status, duration)
  3. Recoverer:     Panic recovery (500 instead of crash)
  4. Timeout:       Cancels the request context after Options.Timeout
  5. CORS:          Cross-origin requests for the web client
  6. RequireUser:   X-User-ID on every /api route (401 when missing)

ROUTE GROUPS:
  /api/obligations/*  Monthly view and settlement
  /api/rules/*        Recurrence rules, evaluation, overrides
  /api/bills/*        One-off bills
  /api/accounts       Balances feeding the forecasts
  /api/forecast/*     Cash-flow projections and batch snapshots
  /api/scenarios/*    Demo data

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: RequireUser, RequestLogger
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Options configures the router.
type Options struct {
	Timeout        time.Duration
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts Options) *chi.Mux {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.Timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", UserHeader},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(RequireUser)

		r.Route("/obligations", func(r chi.Router) {
			r.Get("/", h.ListObligations)
			r.Post("/{id}/settle", h.Settle)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Get("/{id}", h.GetRule)
			r.Post("/{id}/activate", h.ActivateRule)
			r.Post("/{id}/deactivate", h.DeactivateRule)
			r.Get("/{id}/evaluate", h.EvaluateRule)

			r.Get("/{id}/overrides", h.ListOverrides)
			r.Post("/{id}/overrides", h.CreateOverride)
			r.Put("/{id}/overrides/{year}/{month}", h.UpsertOverride)
			r.Delete("/{id}/overrides/{year}/{month}", h.DeleteOverride)
		})

		r.Route("/bills", func(r chi.Router) {
			r.Get("/", h.ListBills)
			r.Post("/", h.CreateBill)
			r.Post("/{id}/renew", h.RenewBill)
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.SaveAccount)
		})

		r.Route("/forecast", func(r chi.Router) {
			r.Get("/days", h.ForecastDays)
			r.Get("/months", h.ForecastMonths)
			r.Get("/snapshots/latest", h.LatestSnapshot)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
