// Package usage implements the background usage aggregator: many request
// handlers report (org_id, feature_id, bytes) as producers, one
// background goroutine owns the accumulation buckets and periodically
// flushes them to the Autumn usage-metering API, using a bounded,
// drop-oldest ingress channel so a slow or stalled metering API can never
// back up request handling.
package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shuv1337/maple-ingest/internal/logging"
	"github.com/shuv1337/maple-ingest/internal/telemetry"
)

// channelDepth bounds the ingress channel from request handlers to the
// aggregator. On overflow the oldest queued event is dropped in favor of
// the new one and usage_events_dropped_total is incremented — preserving
// ingress throughput matters more than metering fidelity.
const channelDepth = 10_000

// Event is a single usage report sent by a request handler on successful
// completion. feature_id is the signal name ("traces"/"logs"/"metrics").
type Event struct {
	OrgID     string
	FeatureID string
	ValueGB   float64
}

type bucketKey struct {
	orgID     string
	featureID string
}

// Tracker accumulates usage events and periodically flushes them.
type Tracker struct {
	events        chan Event
	client        *http.Client
	apiURL        string
	secretKey     string
	flushInterval time.Duration
	metrics       *telemetry.Metrics
	logger        *slog.Logger
}

// trackRequest is the JSON body posted to {api_url}/v1/track.
type trackRequest struct {
	CustomerID     string  `json:"customer_id"`
	FeatureID      string  `json:"feature_id"`
	Value          float64 `json:"value"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// Spawn starts the background aggregator goroutine and returns a Tracker
// handle. The goroutine runs until ctx is cancelled, at which point it
// performs one final best-effort flush and exits.
func Spawn(ctx context.Context, client *http.Client, apiURL, secretKey string, flushInterval time.Duration, metrics *telemetry.Metrics, logger *slog.Logger) *Tracker {
	t := &Tracker{
		events:        make(chan Event, channelDepth),
		client:        client,
		apiURL:        strings.TrimRight(apiURL, "/"),
		secretKey:     secretKey,
		flushInterval: flushInterval,
		metrics:       metrics,
		logger:        logging.Default(logger).With("component", "usage_aggregator"),
	}

	go t.run(ctx)

	t.logger.Info("autumn usage tracker started", "flush_interval", flushInterval)
	return t
}

// Track reports a usage event. Non-blocking: if the ingress channel is
// full, the oldest queued event is dropped to make room.
func (t *Tracker) Track(orgID, featureID string, valueGB float64) {
	ev := Event{OrgID: orgID, FeatureID: featureID, ValueGB: valueGB}

	select {
	case t.events <- ev:
		return
	default:
	}

	select {
	case <-t.events:
		t.metrics.UsageEventsDropped.Inc()
	default:
	}

	select {
	case t.events <- ev:
	default:
		t.metrics.UsageEventsDropped.Inc()
	}
}

func (t *Tracker) run(ctx context.Context) {
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	buckets := make(map[bucketKey]float64)
	consecutiveFailures := 0
	criticalThreshold := criticalThreshold(t.flushInterval)

	for {
		select {
		case <-ctx.Done():
			if len(buckets) > 0 {
				t.logger.Info("autumn tracker shutting down, attempting final flush", "pending_entries", len(buckets))
				t.flushOnce(context.Background(), buckets)
			}
			return

		case ev := <-t.events:
			buckets[bucketKey{orgID: ev.OrgID, featureID: ev.FeatureID}] += ev.ValueGB

		case <-ticker.C:
			if len(buckets) == 0 {
				continue
			}
			t.tick(ctx, buckets, &consecutiveFailures, criticalThreshold)
		}
	}
}

// criticalThreshold is the number of consecutive failed flushes
// representing roughly five minutes of continuous failure.
func criticalThreshold(flushInterval time.Duration) int {
	secs := int(flushInterval.Seconds())
	if secs < 1 {
		secs = 1
	}
	threshold := 300 / secs
	if threshold < 1 {
		threshold = 1
	}
	return threshold
}

func (t *Tracker) tick(ctx context.Context, buckets map[bucketKey]float64, consecutiveFailures *int, criticalThreshold int) {
	start := time.Now()
	allOK := t.flushOnce(ctx, buckets)

	t.metrics.AutumnFlushDuration.Observe(time.Since(start).Seconds())

	if allOK {
		*consecutiveFailures = 0
		t.metrics.AutumnFlushesTotal.WithLabelValues("ok").Inc()
	} else {
		*consecutiveFailures++
		t.metrics.AutumnFlushesTotal.WithLabelValues("error").Inc()

		if *consecutiveFailures >= criticalThreshold {
			t.logger.Error("CRITICAL: autumn tracking has failed for ~5 minutes, usage data is accumulating in memory",
				"consecutive_failures", *consecutiveFailures,
				"pending_entries", len(buckets),
				"total_pending_gb", sumValues(buckets))
		}
	}

	t.metrics.AutumnPendingGB.Set(sumValues(buckets))
}

// flushOnce attempts exactly one flush of every bucket, removing each
// entry that flushes successfully, and returns whether all entries
// succeeded. Buckets that fail are retained for the next attempt —
// counters are never reset on failure, so the next flush emits a fresh
// idempotency key carrying the combined pre-failure and post-failure
// value.
func (t *Tracker) flushOnce(ctx context.Context, buckets map[bucketKey]float64) bool {
	allOK := true
	for key, value := range buckets {
		if t.postTrack(ctx, key.orgID, key.featureID, value) {
			delete(buckets, key)
		} else {
			allOK = false
		}
	}
	return allOK
}

func (t *Tracker) postTrack(ctx context.Context, orgID, featureID string, valueGB float64) bool {
	body := trackRequest{
		CustomerID:     orgID,
		FeatureID:      featureID,
		Value:          valueGB,
		IdempotencyKey: uuid.NewString(),
	}

	payload, err := json.Marshal(body)
	if err != nil {
		t.logger.Warn("autumn track request failed", "org_id", orgID, "feature_id", featureID, "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/v1/track", t.apiURL), bytes.NewReader(payload))
	if err != nil {
		t.logger.Warn("autumn track request failed", "org_id", orgID, "feature_id", featureID, "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.secretKey)

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Warn("autumn track request failed", "org_id", orgID, "feature_id", featureID, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.logger.Warn("autumn track request failed", "org_id", orgID, "feature_id", featureID, "status", resp.StatusCode)
		return false
	}
	return true
}

func sumValues(buckets map[bucketKey]float64) float64 {
	var total float64
	for _, v := range buckets {
		total += v
	}
	return total
}
