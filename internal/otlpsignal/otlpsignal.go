// Package otlpsignal defines the closed sets of OTLP signal and payload
// format used throughout the gateway, replacing an inheritance hierarchy
// with a tagged enum and switch dispatch, per the recommendation in the
// design notes.
package otlpsignal

import "fmt"

// Signal is one of the three top-level OTLP telemetry categories.
type Signal int

const (
	Traces Signal = iota
	Logs
	Metrics
)

// Path returns the upstream path segment for the signal (e.g. "traces").
func (s Signal) Path() (string, error) {
	switch s {
	case Traces:
		return "traces", nil
	case Logs:
		return "logs", nil
	case Metrics:
		return "metrics", nil
	default:
		return "", fmt.Errorf("otlpsignal: unknown signal %d", s)
	}
}

// String implements fmt.Stringer for logging.
func (s Signal) String() string {
	p, err := s.Path()
	if err != nil {
		return "unknown"
	}
	return p
}

// ParseSignal maps a path segment to a Signal.
func ParseSignal(path string) (Signal, bool) {
	switch path {
	case "traces":
		return Traces, true
	case "logs":
		return Logs, true
	case "metrics":
		return Metrics, true
	default:
		return 0, false
	}
}

// PayloadFormat is the wire representation of a parsed OTLP request.
type PayloadFormat int

const (
	Protobuf PayloadFormat = iota
	JSON
)

// ContentType returns the canonical Content-Type for the format.
func (f PayloadFormat) ContentType() string {
	switch f {
	case JSON:
		return "application/json"
	default:
		return "application/x-protobuf"
	}
}

// String implements fmt.Stringer for logging.
func (f PayloadFormat) String() string {
	switch f {
	case JSON:
		return "json"
	default:
		return "protobuf"
	}
}
