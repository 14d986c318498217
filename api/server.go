/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Per-route request count and latency (when a collector is set)
  5. CORS:       Cross-origin requests for dashboards
  6. RateLimit:  Per-caller quota on /api/* (when a limiter is set)

ROUTE GROUPS:
  /health               Liveness and store health
  /metrics              Prometheus exposition
  /api/accounts/*       Accounts, credits, debits, history
  /api/transfers        Atomic transfers
  /api/operations/*     Operation ledger
  /api/counters/*       Sharded counters

ADMIN ROUTER (NewAdminRouter, separate listener):
  /admin/ratelimit/*    Rate limit stats and reset
  /admin/usage/*        Request log analytics
  /admin/accounts/*     Balance audit
  No quota is applied, and nothing here is reachable from the public router.

SEE ALSO:
  - handlers.go: Handler implementations
  - ratelimit/middleware.go: quota enforcement
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/txcore/metrics"
	"github.com/warp/txcore/ratelimit"
)

// RouterConfig carries the optional parts of the router.
type RouterConfig struct {
	AllowedOrigins []string
	Metrics        *metrics.Collector
	// RateLimit guards /api when non-nil.
	RateLimit *ratelimit.Options
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(instrument(cfg.Metrics))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key", IdempotencyKeyHeader},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After", ReplayedHeader},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		if cfg.RateLimit != nil {
			r.Use(ratelimit.Middleware(*cfg.RateLimit))
		}

		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Post("/{id}/credit", h.Credit)
			r.Post("/{id}/debit", h.Debit)
		})

		r.Post("/transfers", h.CreateTransfer)

		r.Get("/operations/{id}", h.GetOperation)

		// Counter routes
		r.Route("/counters", func(r chi.Router) {
			r.Get("/{id}", h.GetCounter)
			r.Post("/{id}/increment", h.IncrementCounter)
			r.Post("/{id}/reconcile", h.ReconcileCounter)
		})
	})

	return r
}

// NewAdminRouter serves the operator endpoints. It is meant for a listener
// that only operators can reach.
func NewAdminRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)

	r.Route("/admin", func(r chi.Router) {
		r.Route("/ratelimit", func(r chi.Router) {
			r.Get("/{caller}", h.GetRateLimit)
			r.Delete("/{caller}", h.ResetRateLimit)
		})
		r.Get("/usage/{caller}", h.GetUsage)
		r.Get("/accounts/{id}/audit", h.AuditAccount)
	})

	return r
}

// instrument records every request against its route pattern, so
// /api/accounts/{id} is one series rather than one per account.
func instrument(m *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTP(r.Method, route, status, time.Since(start))
		})
	}
}
