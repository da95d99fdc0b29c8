// Package httpapi exposes the license engine over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CloudNativeWorks/cnw-license-engine/cnwlicense"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// Server routes HTTP requests to an Engine.
type Server struct {
	engine   *cnwlicense.Engine
	adminKey string
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics
	router   chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithAdminKey sets the bearer token required on administrative routes.
// With no key set, administrative routes always answer 401.
func WithAdminKey(key string) Option {
	return func(s *Server) {
		s.adminKey = key
	}
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithRegistry sets the Prometheus registry that backs /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// New builds the router.
func New(engine *cnwlicense.Engine, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = newMetrics(s.registry)
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Post("/verify-license", s.handleVerify)
		r.Post("/validate-license", s.handleValidate)
		r.Post("/activate-license", s.handleActivate)
		r.Get("/list-activations/{key}", s.handleListActivations)
		r.Get("/recent-activations", s.handleRecentActivations)
		r.Post("/track-usage", s.handleTrackUsage)
		r.Post("/usage-report", s.handleUsageReport)
		r.Get("/export-license/{key}", s.handleExport)
		r.Get("/export-license/{key}/offline", s.handleExportOffline)
		r.Post("/verify-license-file", s.handleVerifyFile)
		r.Post("/verify-license-file-base64", s.handleVerifyFileBase64)
	})
	r.Get("/export-license/{key}/file", s.handleExportFile)
	r.Get("/public-key", s.handlePublicKey)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Post("/issue-license", s.handleIssue)
		r.Post("/revoke-license", s.handleRevoke)
		r.Post("/reactivate-license", s.handleReactivate)
		r.Delete("/delete-license", s.handleDelete)
		r.Get("/list-licenses", s.handleListLicenses)
		r.Get("/admin/stats", s.handleStats)
	})
	return r
}
