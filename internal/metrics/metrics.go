package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

// Config controls label cardinality and exemplar emission.
type Config struct {
	EnableBucketLabel bool
	EnableExemplars   bool
}

// DefaultConfig returns the configuration used by NewMetrics.
func DefaultConfig() Config {
	return Config{EnableBucketLabel: true, EnableExemplars: true}
}

// Metrics holds all application metrics.
type Metrics struct {
	cfg      Config
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec
	s3OperationsTotal   *prometheus.CounterVec
	s3OperationDuration *prometheus.HistogramVec
	s3OperationErrors   *prometheus.CounterVec
	relayStageDuration  *prometheus.HistogramVec
	relaysTotal         *prometheus.CounterVec
	relayFailures       *prometheus.CounterVec
	relayedBytes        prometheus.Counter
	relaysInFlight      prometheus.Gauge
}

// NewMetrics creates metrics registered with the default Prometheus registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer, DefaultConfig())
}

// NewMetricsWithRegistry creates metrics registered with reg.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	return newMetricsWithRegistry(reg, DefaultConfig())
}

// NewMetricsWithConfig creates metrics registered with reg using cfg.
func NewMetricsWithConfig(reg *prometheus.Registry, cfg Config) *Metrics {
	return newMetricsWithRegistry(reg, cfg)
}

func newMetricsWithRegistry(reg *prometheus.Registry, cfg Config) *Metrics {
	return newMetrics(reg, reg, cfg)
}

func newMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		cfg:      cfg,
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP responses",
			},
			[]string{"method", "path"},
		),
		s3OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3_operations_total",
				Help: "Total number of S3 operations",
			},
			[]string{"operation", "bucket"},
		),
		s3OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "s3_operation_duration_seconds",
				Help:    "S3 operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "bucket"},
		),
		s3OperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3_operation_errors_total",
				Help: "Total number of S3 operation errors",
			},
			[]string{"operation", "bucket", "error_type"},
		),
		relayStageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_stage_duration_seconds",
				Help:    "Time spent in each relay pipeline stage",
				Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"stage", "outcome"},
		),
		relaysTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relays_total",
				Help: "Total number of relay runs by outcome",
			},
			[]string{"outcome"},
		),
		relayFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_failures_total",
				Help: "Relay failures by stage and error kind",
			},
			[]string{"stage", "kind"},
		),
		relayedBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_bytes_total",
				Help: "Plaintext bytes stored by successful relays",
			},
		),
		relaysInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relays_in_flight",
				Help: "Relays currently running",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytes int64) {
	path = sanitizePathLabel(path)
	statusText := http.StatusText(status)
	exemplar := m.exemplar(ctx)

	addCounter(m.httpRequestsTotal.WithLabelValues(method, path, statusText), 1, exemplar)
	observe(m.httpRequestDuration.WithLabelValues(method, path, statusText), duration.Seconds(), exemplar)
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordS3Operation records an S3 operation metric.
func (m *Metrics) RecordS3Operation(ctx context.Context, operation, bucket string, duration time.Duration) {
	bucket = m.bucketLabel(bucket)
	exemplar := m.exemplar(ctx)

	addCounter(m.s3OperationsTotal.WithLabelValues(operation, bucket), 1, exemplar)
	observe(m.s3OperationDuration.WithLabelValues(operation, bucket), duration.Seconds(), exemplar)
}

// RecordS3Error records an S3 operation error.
func (m *Metrics) RecordS3Error(ctx context.Context, operation, bucket, errorType string) {
	addCounter(m.s3OperationErrors.WithLabelValues(operation, m.bucketLabel(bucket), errorType), 1, m.exemplar(ctx))
}

// RecordStage records the duration of one relay stage. outcome is "ok" or "error".
func (m *Metrics) RecordStage(ctx context.Context, stage, outcome string, duration time.Duration) {
	observe(m.relayStageDuration.WithLabelValues(stage, outcome), duration.Seconds(), m.exemplar(ctx))
}

// RecordRelaySuccess records a completed relay that stored bytes.
func (m *Metrics) RecordRelaySuccess(ctx context.Context, bytes int64) {
	addCounter(m.relaysTotal.WithLabelValues("success"), 1, m.exemplar(ctx))
	m.relayedBytes.Add(float64(bytes))
}

// RecordRelayFailure records a failed relay by stage and kind.
func (m *Metrics) RecordRelayFailure(ctx context.Context, stage, kind string) {
	exemplar := m.exemplar(ctx)
	addCounter(m.relaysTotal.WithLabelValues("failure"), 1, exemplar)
	addCounter(m.relayFailures.WithLabelValues(stage, kind), 1, exemplar)
}

// RelayStarted increments the in-flight gauge and returns its decrement.
func (m *Metrics) RelayStarted() func() {
	m.relaysInFlight.Inc()
	return m.relaysInFlight.Dec
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: m.cfg.EnableExemplars})
}

func (m *Metrics) bucketLabel(bucket string) string {
	if !m.cfg.EnableBucketLabel {
		return "*"
	}
	return bucket
}

func (m *Metrics) exemplar(ctx context.Context) prometheus.Labels {
	if !m.cfg.EnableExemplars {
		return nil
	}
	return getExemplar(ctx)
}

// getExemplar returns trace_id exemplar labels for the span in ctx, if any.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}

func addCounter(c prometheus.Counter, v float64, exemplar prometheus.Labels) {
	if adder, ok := c.(prometheus.ExemplarAdder); ok && exemplar != nil {
		adder.AddWithExemplar(v, exemplar)
		return
	}
	c.Add(v)
}

func observe(o prometheus.Observer, v float64, exemplar prometheus.Labels) {
	if eo, ok := o.(prometheus.ExemplarObserver); ok && exemplar != nil {
		eo.ObserveWithExemplar(v, exemplar)
		return
	}
	o.Observe(v)
}

// knownPaths are routes served by the relay; anything else is collapsed so
// scanners cannot explode label cardinality.
var knownPaths = map[string]bool{
	"/v1/download-media": true,
	"/health":            true,
	"/ready":             true,
	"/live":              true,
	"/metrics":           true,
}

// sanitizePathLabel bounds the path label: known routes are kept, other
// paths collapse to their first segment.
func sanitizePathLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == "/" {
		return "/"
	}
	if knownPaths[path] {
		return path
	}
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) <= 1 {
		return "/" + segs[0]
	}
	return "/" + segs[0] + "/*"
}
