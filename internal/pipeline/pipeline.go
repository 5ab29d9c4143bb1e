// Package pipeline orchestrates a single ingest request end to end:
// extract key, resolve tenant, enforce body size, detect format, decode,
// parse + enrich + serialize, re-encode, forward, and report usage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shuv1337/maple-ingest/internal/codec"
	"github.com/shuv1337/maple-ingest/internal/enrich"
	"github.com/shuv1337/maple-ingest/internal/forwarder"
	"github.com/shuv1337/maple-ingest/internal/ingestkey"
	"github.com/shuv1337/maple-ingest/internal/logging"
	"github.com/shuv1337/maple-ingest/internal/otlpsignal"
	"github.com/shuv1337/maple-ingest/internal/telemetry"
	"github.com/shuv1337/maple-ingest/internal/usage"
)

// ApiError is the single error type for the request path. Status and Kind
// are fixed per error kind; Message is safe to return verbatim to the
// client.
type ApiError struct {
	Status  int
	Kind    string
	Message string
}

func (e *ApiError) Error() string {
	return e.Message
}

func newAPIError(status int, kind, message string) *ApiError {
	return &ApiError{Status: status, Kind: kind, Message: message}
}

var (
	errMissingKey = newAPIError(http.StatusUnauthorized, "auth", "Missing ingest key")
	errInvalidKey = newAPIError(http.StatusUnauthorized, "auth", "Invalid ingest key")
)

// Pipeline holds every collaborator a request needs: the tenant resolver,
// the forwarder, the usage tracker (nil when the aggregator is disabled),
// and shared observability.
type Pipeline struct {
	resolver     *ingestkey.Resolver
	forwarder    *forwarder.Forwarder
	usage        *usage.Tracker
	metrics      *telemetry.Metrics
	maxBodyBytes int64
	logger       *slog.Logger
}

// New constructs a Pipeline. usageTracker may be nil when
// AUTUMN_SECRET_KEY is unset, in which case successful requests simply
// skip usage reporting.
func New(resolver *ingestkey.Resolver, fwd *forwarder.Forwarder, usageTracker *usage.Tracker, metrics *telemetry.Metrics, maxBodyBytes int64, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		resolver:     resolver,
		forwarder:    fwd,
		usage:        usageTracker,
		metrics:      metrics,
		maxBodyBytes: maxBodyBytes,
		logger:       logging.Default(logger).With("component", "pipeline"),
	}
}

// Handle runs the full request pipeline for one POST /v1/{signal} call.
// It never panics out of the in-flight gauge: the gauge is incremented on
// entry and decremented via defer, covering every exit path.
func (p *Pipeline) Handle(ctx context.Context, signal otlpsignal.Signal, r *http.Request) (*forwarder.Response, *ApiError) {
	p.metrics.InFlight.Inc()
	defer p.metrics.InFlight.Dec()

	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, fmt.Sprintf("ingest.%s", signal))
	defer span.End()
	span.SetAttributes(attribute.String("signal", signal.String()))

	resp, apiErr := p.handle(ctx, signal, r, span)

	status := 200
	errorKind := ""
	if apiErr != nil {
		status = apiErr.Status
		errorKind = apiErr.Kind
		span.SetStatus(codes.Error, apiErr.Message)
	} else if resp != nil {
		status = resp.StatusCode
	}

	p.metrics.RequestsTotal.WithLabelValues(signal.String(), statusLabel(status), errorKind).Inc()
	p.metrics.RequestDuration.WithLabelValues(signal.String()).Observe(time.Since(start).Seconds())

	return resp, apiErr
}

func (p *Pipeline) handle(ctx context.Context, signal otlpsignal.Signal, r *http.Request, span trace.Span) (*forwarder.Response, *ApiError) {
	rawKey, apiErr := extractKey(r)
	if apiErr != nil {
		return nil, apiErr
	}

	resolveStart := time.Now()
	tenant, err := p.resolver.Resolve(ctx, rawKey)
	p.metrics.KeyResolveDuration.Observe(time.Since(resolveStart).Seconds())
	if err != nil {
		p.logger.Error("ingest key resolution failed", "error", err, "signal", signal)
		return nil, newAPIError(http.StatusServiceUnavailable, "auth", "Authentication backend unavailable")
	}
	if tenant == nil {
		return nil, errInvalidKey
	}
	span.SetAttributes(
		attribute.String("org_id", tenant.OrgID),
		attribute.String("key_type", tenant.KeyType.String()),
	)

	body, apiErr := readLimitedBody(r, p.maxBodyBytes)
	if apiErr != nil {
		return nil, apiErr
	}
	p.metrics.BodyBytes.WithLabelValues(signal.String()).Observe(float64(len(body)))

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/x-protobuf"
	}
	format, err := codec.DetectFormat(contentType)
	if err != nil {
		return nil, newAPIError(http.StatusUnsupportedMediaType, "unsupported_media", err.Error())
	}

	contentEncoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))
	if contentEncoding == "identity" {
		contentEncoding = ""
	}

	decoded, err := codec.Decode(body, contentEncoding)
	if err != nil {
		return nil, decodeAPIError(err)
	}
	p.metrics.DecodedBytes.WithLabelValues(signal.String()).Observe(float64(len(decoded)))

	parsed, err := codec.Parse(signal, format, decoded)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "enrich", err.Error())
	}

	enrich.Enrich(parsed, tenant)

	serialized, err := codec.Serialize(parsed, format)
	if err != nil {
		return nil, newAPIError(http.StatusServiceUnavailable, "enrich", "Failed to serialize enriched payload")
	}

	reEncoded, err := codec.Encode(serialized, contentEncoding)
	if err != nil {
		return nil, newAPIError(http.StatusServiceUnavailable, "encode", "Failed to encode payload")
	}

	fwdStart := time.Now()
	resp, err := p.forwarder.Forward(ctx, signal, format.ContentType(), contentEncoding, reEncoded, tenant)
	p.metrics.ForwardDuration.WithLabelValues(signal.String()).Observe(time.Since(fwdStart).Seconds())
	if err != nil {
		if errors.Is(err, forwarder.ErrBackendUnavailable) {
			return nil, newAPIError(http.StatusServiceUnavailable, "forward", "Telemetry backend unavailable")
		}
		return nil, newAPIError(http.StatusServiceUnavailable, "forward", "Failed to forward payload")
	}

	if p.usage != nil {
		p.usage.Track(tenant.OrgID, signal.String(), float64(len(decoded))/1e9)
	}

	return resp, nil
}

func extractKey(r *http.Request) (string, *ApiError) {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		if key := strings.TrimSpace(auth[7:]); key != "" {
			return key, nil
		}
	}
	if key := r.Header.Get("x-maple-ingest-key"); key != "" {
		return key, nil
	}
	return "", errMissingKey
}

func readLimitedBody(r *http.Request, maxBytes int64) ([]byte, *ApiError) {
	limited := io.LimitReader(r.Body, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "payload_too_large", "Failed to read request body")
	}
	if int64(len(body)) > maxBytes {
		return nil, newAPIError(http.StatusRequestEntityTooLarge, "payload_too_large", "Request body exceeds the configured size limit")
	}
	return body, nil
}

func decodeAPIError(err error) *ApiError {
	if errors.Is(err, codec.ErrUnsupportedMedia) {
		return newAPIError(http.StatusUnsupportedMediaType, "decode", err.Error())
	}
	return newAPIError(http.StatusBadRequest, "decode", err.Error())
}

func statusLabel(status int) string {
	return fmt.Sprintf("%d", status)
}
