// Command maple-ingest runs the multi-tenant OTLP ingest gateway: it
// authenticates tenants by ingest key, stamps resource attributes with
// the resolved tenant identity, forwards OTLP payloads to a downstream
// collector, and reports usage to the Autumn metering API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shuv1337/maple-ingest/internal/config"
	"github.com/shuv1337/maple-ingest/internal/dbopen"
	"github.com/shuv1337/maple-ingest/internal/forwarder"
	"github.com/shuv1337/maple-ingest/internal/httpserver"
	"github.com/shuv1337/maple-ingest/internal/ingestkey"
	"github.com/shuv1337/maple-ingest/internal/pipeline"
	"github.com/shuv1337/maple-ingest/internal/telemetry"
	"github.com/shuv1337/maple-ingest/internal/usage"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(logger); err != nil {
		logger.Error("fatal startup error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	db, err := dbopen.Open(cfg.DBURL, cfg.DBAuthToken)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	httpClient := &http.Client{Timeout: cfg.ForwardTimeout}

	metrics := telemetry.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.NewTracerProvider(ctx, cfg.ForwardEndpoint, "maple-ingest-gateway")
	if err != nil {
		return fmt.Errorf("starting tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	resolver := ingestkey.New(db, cfg.LookupHMACKey)
	fwd := forwarder.New(httpClient, cfg.ForwardEndpoint, logger)

	var usageTracker *usage.Tracker
	if cfg.AggregatorEnabled() {
		usageTracker = usage.Spawn(ctx, httpClient, cfg.AutumnAPIURL, cfg.AutumnSecretKey, cfg.AutumnFlushInterval, metrics, logger)
	} else {
		logger.Info("AUTUMN_SECRET_KEY not set, usage aggregator disabled")
	}

	pl := pipeline.New(resolver, fwd, usageTracker, metrics, cfg.MaxRequestBodyBytes, logger)
	server := httpserver.New(pl, metrics, logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.ServeTCP(fmt.Sprintf(":%d", cfg.Port))
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	logger.Info("maple-ingest starting", "port", cfg.Port, "forward_endpoint", cfg.ForwardEndpoint)
	if err := group.Wait(); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	return nil
}
