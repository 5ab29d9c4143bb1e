package httpserver

import (
	"bytes"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	"google.golang.org/protobuf/proto"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/shuv1337/maple-ingest/internal/forwarder"
	"github.com/shuv1337/maple-ingest/internal/ingestkey"
	"github.com/shuv1337/maple-ingest/internal/pipeline"
	"github.com/shuv1337/maple-ingest/internal/telemetry"
)

const lookupHMACKey = "test-hmac-key"

func newTestServer(t *testing.T, upstream *httptest.Server) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maple.db")
	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`CREATE TABLE org_ingest_keys (
		org_id TEXT NOT NULL,
		public_key_hash TEXT,
		private_key_hash TEXT
	)`); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	hash := ingestkey.HashKey("maple_sk_AAA", []byte(lookupHMACKey))
	if _, err := db.Exec(`INSERT INTO org_ingest_keys (org_id, private_key_hash) VALUES (?, ?)`, "org_a", hash); err != nil {
		t.Fatalf("seed key: %v", err)
	}

	resolver := ingestkey.New(db, lookupHMACKey)
	fwd := forwarder.New(upstream.Client(), upstream.URL, nil)
	metrics := telemetry.New()
	pl := pipeline.New(resolver, fwd, nil, metrics, 20*1024*1024, nil)
	return New(pl, metrics, nil)
}

func TestHealthEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	s := newTestServer(t, upstream)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("body = %q, want OK", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	s := newTestServer(t, upstream)

	// Counter vectors only appear on /metrics once a label set has been
	// observed, so drive one (unauthenticated) request through first.
	s.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/traces", nil))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "maple_ingest_requests_total") {
		t.Error("expected maple_ingest_requests_total in /metrics output")
	}
}

func TestCORSPreflight(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	s := newTestServer(t, upstream)
	req := httptest.NewRequest(http.MethodOptions, "/v1/traces", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", rec.Header().Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "x-maple-ingest-key") {
		t.Errorf("Access-Control-Allow-Headers missing x-maple-ingest-key: %q", rec.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestTracesRouteEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte{})
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream)
	body, err := proto.Marshal(&coltracepb.ExportTraceServiceRequest{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer maple_sk_AAA")
	req.Header.Set("Content-Type", "application/x-protobuf")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestTracesRouteRejectsUnknownKey(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called")
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream)
	req := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader(nil))
	req.Header.Set("Authorization", "Bearer maple_pk_ZZZ")
	req.Header.Set("Content-Type", "application/x-protobuf")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"error"`) {
		t.Errorf("body = %q, want JSON error envelope", rec.Body.String())
	}
}
