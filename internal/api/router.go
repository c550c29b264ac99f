package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/kenneth/media-relay/internal/metrics"
	"github.com/kenneth/media-relay/internal/middleware"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Logger      *logrus.Logger
	Metrics     *metrics.Metrics
	MetricsPath string
	Tracer      trace.Tracer
	CORSOrigins []string
}

// NewRouter wires the handler routes, the metrics endpoint and the middleware chain.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := mux.NewRouter()
	h.RegisterRoutes(r)

	var recorder middleware.HTTPRecorder
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, opts.Metrics.Handler()).Methods(http.MethodGet)
		recorder = opts.Metrics
	}

	r.Use(middleware.RecoveryMiddleware(opts.Logger))
	r.Use(middleware.RequestIDMiddleware())
	if opts.Tracer != nil {
		r.Use(middleware.TracingMiddleware(opts.Tracer))
	}
	r.Use(middleware.LoggingMiddleware(opts.Logger, recorder))

	// CORS wraps the router so preflight requests are answered before method matching.
	return middleware.CORSMiddleware(opts.CORSOrigins)(r)
}
