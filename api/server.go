/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the gateway
  3. Logger:     logrus request logging (with request ID)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request metrics
  6. CORS:       Cross-origin requests for the CRM frontend
  7. Actor:      X-Actor-ID into the request context

ROUTE GROUPS:
  /api/rules/*            Commission rules
  /api/sellers/*          Sellers and their deals
  /api/deals              Deal intake
  /api/payouts/*          Recompute, validation, export
  /api/payments           Payments
  /api/recompute/runs     Recompute history
  /metrics                Prometheus exposition
  /health                 Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigins []string
	Metrics     *Metrics
	Logger      logrus.FieldLogger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	logger := opts.Logger
	if logger == nil {
		logger = h.Logger
	}
	// Credentialed CORS needs explicit origins; a wildcard entry is ignored.
	var origins []string
	for _, o := range opts.CORSOrigins {
		if o != "*" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))
	r.Use(Actor)

	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Method("GET", "/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Rule routes
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Get("/{year}/{month}", h.GetRule)
		})

		// Seller routes
		r.Route("/sellers", func(r chi.Router) {
			r.Get("/", h.ListSellers)
			r.Post("/", h.CreateSeller)
			r.Get("/{id}/deals", h.GetSellerDeals)
			r.Get("/{id}/payouts", h.GetSellerPayouts)
		})

		r.Post("/deals", h.CreateDeal)

		// Payout routes
		r.Route("/payouts", func(r chi.Router) {
			r.Get("/", h.ListPayouts)
			r.Get("/export", h.ExportPayouts)
			r.Post("/recompute", h.Recompute)
			r.Post("/validate-all", h.ValidateAll)
			r.Get("/{id}", h.GetPayout)
			r.Post("/{id}/pending", h.MarkPending)
			r.Post("/{id}/validate", h.ValidatePayout)
			r.Post("/{id}/paid", h.MarkPaid)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Get("/", h.ListPayments)
			r.Post("/", h.ProcessPayment)
		})

		r.Get("/recompute/runs", h.ListRecomputeRuns)
	})

	return r
}
