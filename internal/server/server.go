// Package server implements the HTTP front-end: the suggest and providers
// endpoints, the middleware chain, and the request-context derivation
// (language negotiation, device detection, geolocation).
package server

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/mozilla-services/merino/internal/logger"
	"github.com/mozilla-services/merino/internal/metrics"
	"github.com/mozilla-services/merino/internal/provider"
)

// Options holds optional collaborators for a Server. All fields have nil-safe
// defaults.
type Options struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. Nil disables it.
	Metrics *metrics.Registry

	// RequestLogger is the async batched request logger. Nil disables it.
	RequestLogger *logger.Logger

	// Geo resolves client IPs. Defaults to the no-op geolocator.
	Geo Geolocator

	// SupportedLocales drives Accept-Language negotiation. The first
	// entry is the fallback.
	SupportedLocales []string

	// ServerVariants is echoed in every suggest response.
	ServerVariants []string

	// CORSOrigins configures the CORS middleware.
	CORSOrigins []string

	Version string
}

// Server serves the suggestion API. The provider forest is read through an
// accessor so a configuration reload can swap it atomically underneath
// in-flight requests.
type Server struct {
	forest func() *provider.Forest

	log       *slog.Logger
	metrics   *metrics.Registry
	reqLogger *logger.Logger
	geo       Geolocator
	locales   *localeMatcher

	serverVariants []string
	corsOrigins    []string
	version        string

	srv *fasthttp.Server
}

// New creates a Server over the given forest accessor.
func New(forest func() *provider.Forest, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	geo := opts.Geo
	if geo == nil {
		geo = NewNoopGeolocator()
	}
	serverVariants := opts.ServerVariants
	if serverVariants == nil {
		serverVariants = []string{}
	}

	return &Server{
		forest:         forest,
		log:            log,
		metrics:        opts.Metrics,
		reqLogger:      opts.RequestLogger,
		geo:            geo,
		locales:        newLocaleMatcher(opts.SupportedLocales, log),
		serverVariants: serverVariants,
		corsOrigins:    opts.CORSOrigins,
		version:        opts.Version,
	}
}

// Start starts the HTTP server on addr (e.g. ":8080") and blocks until
// Shutdown is called or the listener fails.
func (s *Server) Start(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the server. Safe to call before Start.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

// Handler builds the full middleware-wrapped handler without binding a
// listener; Start serves it, and tests serve it on an in-memory listener.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	r.GET("/api/v1/suggest", s.instrument("suggest", s.handleSuggest))
	r.GET("/api/v1/providers", s.instrument("providers", s.handleProviders))
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// instrument wraps a route handler with in-flight and duration metrics.
func (s *Server) instrument(route string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if s.metrics == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		s.metrics.IncInFlight()
		defer s.metrics.DecInFlight()

		next(ctx)

		s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"status": "ok", "version": s.version})
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.forest() != nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
