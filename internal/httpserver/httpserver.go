// Package httpserver exposes the gateway's HTTP surface: the three OTLP
// signal routes, /health, and /metrics, wrapped in CORS and per-route
// tracing.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/shuv1337/maple-ingest/internal/logging"
	"github.com/shuv1337/maple-ingest/internal/otlpsignal"
	"github.com/shuv1337/maple-ingest/internal/pipeline"
	"github.com/shuv1337/maple-ingest/internal/telemetry"
)

// Server is the gateway's HTTP surface.
type Server struct {
	pipeline *pipeline.Pipeline
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	inFlight sync.WaitGroup
	draining atomic.Bool
}

// New constructs a Server. pipeline and metrics must be non-nil.
func New(pl *pipeline.Pipeline, metrics *telemetry.Metrics, logger *slog.Logger) *Server {
	return &Server{
		pipeline: pl,
		metrics:  metrics,
		logger:   logging.Default(logger).With("component", "httpserver"),
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Content-Encoding, x-maple-ingest-key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// trackingMiddleware tracks in-flight requests and rejects new ones while
// draining during shutdown.
func (s *Server) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) signalHandler(signal otlpsignal.Signal) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp, apiErr := s.pipeline.Handle(r.Context(), signal, r)
		if apiErr != nil {
			writeError(w, apiErr)
			return
		}

		if resp.ContentType != "" {
			w.Header().Set("Content-Type", resp.ContentType)
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
	}
}

func writeError(w http.ResponseWriter, apiErr *pipeline.ApiError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: apiErr.Message})
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/v1/traces", otelhttp.NewHandler(s.signalHandler(otlpsignal.Traces), "ingest.traces"))
	mux.Handle("/v1/logs", otelhttp.NewHandler(s.signalHandler(otlpsignal.Logs), "ingest.logs"))
	mux.Handle("/v1/metrics", otelhttp.NewHandler(s.signalHandler(otlpsignal.Metrics), "ingest.metrics"))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	mux.Handle("/metrics", s.metrics.Handler())

	return mux
}

// Handler returns the fully wrapped handler, useful for tests that don't
// need a real listener.
func (s *Server) Handler() http.Handler {
	return s.trackingMiddleware(corsMiddleware(s.buildMux()))
}

// ServeTCP listens on addr and serves until Stop is called or an
// unrecoverable error occurs.
func (s *Server) ServeTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve runs the server on an already-bound listener. It blocks until the
// server is stopped.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.server
	s.mu.Unlock()

	s.logger.Info("httpserver starting", "addr", listener.Addr().String())
	err := server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests then shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.draining.Store(true)
	s.inFlight.Wait()

	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}

	s.logger.Info("httpserver stopping")
	return server.Shutdown(ctx)
}
