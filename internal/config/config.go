// Package config loads the ingest gateway's process configuration from the
// environment. There is no flag-parsing layer: every setting is read once at
// startup via FromEnv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully validated process configuration.
type Config struct {
	Port                uint16
	ForwardEndpoint     string
	ForwardTimeout      time.Duration
	MaxRequestBodyBytes int64
	RequireTLS          bool
	DBURL               string
	DBAuthToken         string
	LookupHMACKey       string
	AutumnSecretKey     string
	AutumnAPIURL        string
	AutumnFlushInterval time.Duration
}

// FromEnv reads and validates all recognized environment variables.
func FromEnv() (*Config, error) {
	port, err := parseU16("INGEST_PORT", firstNonEmpty(os.Getenv("INGEST_PORT"), os.Getenv("PORT")), 3474)
	if err != nil {
		return nil, err
	}

	forwardEndpoint := strings.TrimRight(strings.TrimSpace(envOr("INGEST_FORWARD_OTLP_ENDPOINT", "http://127.0.0.1:4318")), "/")
	if forwardEndpoint == "" {
		return nil, fmt.Errorf("INGEST_FORWARD_OTLP_ENDPOINT is required")
	}

	forwardTimeoutMS, err := parseU64("INGEST_FORWARD_TIMEOUT_MS", os.Getenv("INGEST_FORWARD_TIMEOUT_MS"), 10_000)
	if err != nil {
		return nil, err
	}

	maxBodyBytes, err := parseU64("INGEST_MAX_REQUEST_BODY_BYTES", os.Getenv("INGEST_MAX_REQUEST_BODY_BYTES"), 20*1024*1024)
	if err != nil {
		return nil, err
	}

	requireTLS, err := parseBool("INGEST_REQUIRE_TLS", os.Getenv("INGEST_REQUIRE_TLS"), false)
	if err != nil {
		return nil, err
	}

	if requireTLS && !strings.HasPrefix(forwardEndpoint, "https://") {
		return nil, fmt.Errorf("INGEST_REQUIRE_TLS=true requires an https INGEST_FORWARD_OTLP_ENDPOINT")
	}

	dbURL := strings.TrimSpace(os.Getenv("MAPLE_DB_URL"))
	dbAuthToken := strings.TrimSpace(os.Getenv("MAPLE_DB_AUTH_TOKEN"))

	lookupHMACKey := strings.TrimSpace(os.Getenv("MAPLE_INGEST_KEY_LOOKUP_HMAC_KEY"))
	if lookupHMACKey == "" {
		return nil, fmt.Errorf("MAPLE_INGEST_KEY_LOOKUP_HMAC_KEY is required")
	}

	autumnFlushSecs, err := parseU64("AUTUMN_FLUSH_INTERVAL_SECS", os.Getenv("AUTUMN_FLUSH_INTERVAL_SECS"), 1)
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:                port,
		ForwardEndpoint:     forwardEndpoint,
		ForwardTimeout:      time.Duration(forwardTimeoutMS) * time.Millisecond,
		MaxRequestBodyBytes: int64(maxBodyBytes),
		RequireTLS:          requireTLS,
		DBURL:               dbURL,
		DBAuthToken:         dbAuthToken,
		LookupHMACKey:       lookupHMACKey,
		AutumnSecretKey:     strings.TrimSpace(os.Getenv("AUTUMN_SECRET_KEY")),
		AutumnAPIURL:        strings.TrimRight(envOr("AUTUMN_API_URL", "https://api.useautumn.com"), "/"),
		AutumnFlushInterval: time.Duration(autumnFlushSecs) * time.Second,
	}, nil
}

// AggregatorEnabled reports whether the usage aggregator should be started.
// Absence of AUTUMN_SECRET_KEY disables it entirely.
func (c *Config) AggregatorEnabled() bool {
	return c.AutumnSecretKey != ""
}

func envOr(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseBool(name, raw string, def bool) (bool, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return def, nil
	}
	switch value {
	case "1", "true":
		return true, nil
	case "0", "false":
		return false, nil
	default:
		return false, fmt.Errorf("%s must be true/false or 1/0", name)
	}
}

func parseU16(name, raw string, def uint16) (uint16, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid u16", name)
	}
	return uint16(n), nil
}

func parseU64(name, raw string, def uint64) (uint64, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}
