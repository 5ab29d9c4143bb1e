// Package forwarder issues the outbound POST to the downstream OTLP
// collector and translates its response (or transport failure) into the
// gateway's own response.
package forwarder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shuv1337/maple-ingest/internal/ingestkey"
	"github.com/shuv1337/maple-ingest/internal/logging"
	"github.com/shuv1337/maple-ingest/internal/otlpsignal"
)

// Response is the upstream collector's response, passed back verbatim to
// the gateway's own caller.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Forwarder holds the shared HTTP client and endpoint used for every
// forwarded request. Built once at startup and handed to the request
// pipeline; never recreated per request, so connection pooling holds.
type Forwarder struct {
	client   *http.Client
	endpoint string
	logger   *slog.Logger
}

// New constructs a Forwarder. client should be shared process-wide.
func New(client *http.Client, forwardEndpoint string, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		client:   client,
		endpoint: strings.TrimRight(forwardEndpoint, "/"),
		logger:   logging.Default(logger).With("component", "forwarder"),
	}
}

// ErrBackendUnavailable is returned for both 5xx upstream responses and
// transport errors — both collapse into a single masked signal so the
// client never learns which one occurred. Callers map it to HTTP 503.
var ErrBackendUnavailable = fmt.Errorf("forwarder: telemetry backend unavailable")

// Forward POSTs body to the downstream collector for signal and returns
// its response. 2xx and 4xx responses are passed through verbatim; 5xx
// and transport errors return ErrBackendUnavailable.
func (f *Forwarder) Forward(ctx context.Context, signal otlpsignal.Signal, contentType, contentEncoding string, body []byte, tenant *ingestkey.ResolvedTenant) (*Response, error) {
	path, err := signal.Path()
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/%s", f.endpoint, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("forwarder: building request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Error("collector forwarding failed",
			"error", err, "signal", signal, "org_id", tenant.OrgID, "key_id", tenant.KeyID)
		return nil, ErrBackendUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return nil, ErrBackendUnavailable
	}

	upstreamBody, err := io.ReadAll(resp.Body)
	if err != nil {
		f.logger.Error("failed reading collector response",
			"error", err, "signal", signal, "org_id", tenant.OrgID, "key_id", tenant.KeyID)
		return nil, ErrBackendUnavailable
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        upstreamBody,
	}, nil
}
