// Package telemetry wires up the gateway's own observability: a
// Prometheus registry exposed at /metrics, and an OpenTelemetry tracer
// provider that exports the gateway's own request spans to the same
// downstream collector it forwards tenant telemetry to.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "maple_ingest"

// Metrics holds every Prometheus collector the gateway emits, registered
// against a private registry (not the global default) so /metrics never
// picks up collectors registered by an imported dependency.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	BodyBytes          *prometheus.HistogramVec
	DecodedBytes       *prometheus.HistogramVec
	KeyResolveDuration prometheus.Histogram
	ForwardDuration    *prometheus.HistogramVec
	InFlight           prometheus.Gauge

	AutumnFlushDuration prometheus.Histogram
	AutumnFlushesTotal  *prometheus.CounterVec
	AutumnPendingGB     prometheus.Gauge
	UsageEventsDropped  prometheus.Counter
}

// New constructs and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total ingest requests by signal, status and error kind.",
		}, []string{"signal", "status", "error_kind"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request pipeline duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"signal"}),

		BodyBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_body_bytes",
			Help:      "Request body size as received, before decoding.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"signal"}),

		DecodedBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decoded_body_bytes",
			Help:      "Request body size after content-encoding decode.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"signal"}),

		KeyResolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "key_resolve_duration_seconds",
			Help:      "Ingest key resolution duration.",
			Buckets:   prometheus.DefBuckets,
		}),

		ForwardDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "Downstream collector forward duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"signal"}),

		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Number of ingest requests currently being processed.",
		}),

		AutumnFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autumn_track_flush_duration_seconds",
			Help:    "Duration of one usage-aggregator flush tick.",
			Buckets: prometheus.DefBuckets,
		}),

		AutumnFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autumn_track_flushes_total",
			Help: "Usage-aggregator flush attempts by outcome.",
		}, []string{"status"}),

		AutumnPendingGB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autumn_track_pending_gb",
			Help: "Total pending usage, in GB, across all buckets after the last tick.",
		}),

		UsageEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_events_dropped_total",
			Help:      "Usage events dropped because the ingress channel to the aggregator was full.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.BodyBytes, m.DecodedBytes,
		m.KeyResolveDuration, m.ForwardDuration, m.InFlight,
		m.AutumnFlushDuration, m.AutumnFlushesTotal, m.AutumnPendingGB, m.UsageEventsDropped,
	)

	return m
}

// Handler returns the http.Handler to mount at GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// NewTracerProvider builds an OTel tracer provider that exports spans via
// OTLP/HTTP to forwardEndpoint — the gateway observes itself through the
// same collector it forwards tenant telemetry to.
func NewTracerProvider(ctx context.Context, forwardEndpoint, serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(forwardEndpoint))
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to build trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// Tracer is a convenience accessor for the process-wide tracer.
func Tracer() trace.Tracer {
	return otel.Tracer("maple-ingest")
}
