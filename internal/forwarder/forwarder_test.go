package forwarder

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shuv1337/maple-ingest/internal/ingestkey"
	"github.com/shuv1337/maple-ingest/internal/otlpsignal"
)

func testTenant() *ingestkey.ResolvedTenant {
	return &ingestkey.ResolvedTenant{OrgID: "org_a", KeyType: ingestkey.Private, KeyID: "abc"}
}

func TestForward2xxPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/traces" {
			t.Errorf("path = %q, want /v1/traces", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok-body"))
	}))
	defer srv.Close()

	f := New(srv.Client(), srv.URL, nil)
	resp, err := f.Forward(context.Background(), otlpsignal.Traces, "application/x-protobuf", "", []byte("payload"), testTenant())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != "ok-body" {
		t.Errorf("Body = %q, want ok-body", resp.Body)
	}
}

func TestForward4xxPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad payload"}`))
	}))
	defer srv.Close()

	f := New(srv.Client(), srv.URL, nil)
	resp, err := f.Forward(context.Background(), otlpsignal.Logs, "application/json", "", []byte("payload"), testTenant())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", resp.StatusCode)
	}
	if string(resp.Body) != `{"error":"bad payload"}` {
		t.Errorf("Body = %q", resp.Body)
	}
}

func TestForward5xxMasked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("internal collector details"))
	}))
	defer srv.Close()

	f := New(srv.Client(), srv.URL, nil)
	_, err := f.Forward(context.Background(), otlpsignal.Metrics, "application/x-protobuf", "", []byte("payload"), testTenant())
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestForwardTransportErrorMasked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("expected hijacker support")
		}
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer srv.Close()

	f := New(srv.Client(), srv.URL, nil)
	_, err := f.Forward(context.Background(), otlpsignal.Traces, "application/x-protobuf", "", []byte("payload"), testTenant())
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestForwardPropagatesContentEncoding(t *testing.T) {
	var gotEncoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(srv.Client(), srv.URL, nil)
	_, err := f.Forward(context.Background(), otlpsignal.Traces, "application/x-protobuf", "gzip", []byte("payload"), testTenant())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if gotEncoding != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", gotEncoding)
	}
}
