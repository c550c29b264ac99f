package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

const testTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

func tracedContext(t *testing.T) context.Context {
	t.Helper()
	traceID, err := trace.TraceIDFromHex(testTraceID)
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
		Remote:  true,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

// counterExemplarTraceID returns the trace_id on the first exemplar of family name.
func counterExemplarTraceID(t *testing.T, reg *prometheus.Registry, name string) string {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if ex := metric.GetCounter().GetExemplar(); ex != nil {
				return labelValue(ex.GetLabel(), "trace_id")
			}
		}
	}
	return ""
}

func labelValue(labels []*dto.LabelPair, name string) string {
	for _, l := range labels {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestGetExemplar(t *testing.T) {
	labels := getExemplar(tracedContext(t))
	require.NotNil(t, labels)
	assert.Equal(t, testTraceID, labels["trace_id"])

	assert.Nil(t, getExemplar(context.Background()))
}

func TestExemplar_RecordHTTPRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHTTPRequest(tracedContext(t), "POST", "/v1/download-media", http.StatusOK, time.Millisecond, 100)

	assert.Equal(t, testTraceID, counterExemplarTraceID(t, reg, "http_requests_total"))
}

func TestExemplar_RecordRelayFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordRelayFailure(tracedContext(t), "Opening", "FetchFailed")

	assert.Equal(t, testTraceID, counterExemplarTraceID(t, reg, "relay_failures_total"))
}

func TestExemplar_Disabled(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithConfig(reg, Config{EnableBucketLabel: true, EnableExemplars: false})

	m.RecordS3Operation(tracedContext(t), "PutObject", "media", time.Millisecond)

	assert.Empty(t, counterExemplarTraceID(t, reg, "s3_operations_total"))
}
