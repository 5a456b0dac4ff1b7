/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logging:    One zap entry per request
  4. Metrics:    payroll_http_requests_total{method,route,status}
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/schema, /api/metrics   Configuration (read-only)
  /api/twins/*                Twin store
  /api/payroll/*              Payroll engine
  /api/formulas/*             Formula preview
  /api/batches/*              Batch processor
  /metrics                    Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterOptions configure NewRouter.
type RouterOptions struct {
	// AllowedOrigins for CORS. Empty allows the local dev frontends.
	AllowedOrigins []string
	// Registry receives the HTTP metrics and backs /metrics. Nil uses the
	// default prometheus registry.
	Registry *prometheus.Registry
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	var (
		reg     prometheus.Registerer = prometheus.DefaultRegisterer
		scraper http.Handler          = promhttp.Handler()
	)
	if opts.Registry != nil {
		reg = opts.Registry
		scraper = promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.log))
	r.Use(requestMetrics(reg))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", scraper)

	r.Route("/api", func(r chi.Router) {
		r.Get("/schema", h.GetSchema)
		r.Get("/metrics", h.GetMetrics)

		// Twin routes
		r.Route("/twins/{twin}", func(r chi.Router) {
			r.Get("/", h.ListTwins)
			r.Post("/", h.CreateTwin)
			r.Get("/states", h.QueryStates)
			r.Get("/{id}", h.GetTwin)
			r.Put("/{id}", h.UpdateTwin)
			r.Get("/{id}/as-of", h.StateAt)
		})

		// Payroll routes
		r.Get("/payroll/{person}/{company}/{period}", h.ComputePayroll)
		r.Post("/payroll/{person}/{company}/{period}", h.SavePayroll)
		r.Get("/payroll-summary", h.PayrollSummary)
		r.Post("/formulas/preview", h.PreviewFormula)

		// Batch routes
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", h.StageBatch)
			r.Get("/{id}", h.GetBatch)
			r.Put("/{id}/items/{item}", h.EditBatchItem)
			r.Post("/{id}/execute", h.ExecuteBatch)
		})

		// Scenarios
		r.Get("/scenarios", h.ListScenarios)
		r.Get("/scenarios/current", h.GetCurrentScenario)
		r.Post("/scenarios/load", h.LoadScenario)
	})

	return r
}

// requestLogger logs every request with its status and latency.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// requestMetrics counts requests by route pattern so ids do not explode
// the label space.
func requestMetrics(reg prometheus.Registerer) func(http.Handler) http.Handler {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payroll_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})
	if err := reg.Register(requests); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			requests = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			requests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		})
	}
}
