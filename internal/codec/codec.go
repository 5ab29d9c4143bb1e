// Package codec implements the OTLP payload codec: content-type and
// content-encoding detection, gzip/identity transport decoding, and
// protobuf/JSON parsing and re-serialization of the three OTLP export
// request shapes.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"

	"github.com/shuv1337/maple-ingest/internal/otlpsignal"
)

// ErrUnsupportedMedia is returned when a content-type or content-encoding
// cannot be handled; callers map it to HTTP 415.
var ErrUnsupportedMedia = fmt.Errorf("codec: unsupported media")

// ErrMalformed is returned for bodies that fail to decode/parse under a
// declared encoding or format; callers map it to HTTP 400.
var ErrMalformed = fmt.Errorf("codec: malformed payload")

// DetectFormat maps a Content-Type header value to a PayloadFormat.
// Substring match, case-insensitive: "json" anywhere in
// the header selects JSON; "protobuf" anywhere, or an exact
// application/octet-stream, selects Protobuf. Anything else is rejected.
func DetectFormat(contentType string) (otlpsignal.PayloadFormat, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))

	if strings.Contains(ct, "json") {
		return otlpsignal.JSON, nil
	}
	if strings.Contains(ct, "protobuf") || ct == "application/octet-stream" {
		return otlpsignal.Protobuf, nil
	}
	return 0, fmt.Errorf("%w: unsupported content type %q (expected OTLP protobuf/json)", ErrUnsupportedMedia, contentType)
}

// Decode reverses the wire content-encoding of body. encoding is the
// normalized Content-Encoding header value; "" and "identity" pass
// through unchanged.
func Decode(body []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", "identity":
		return body, nil
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid gzip body", ErrMalformed)
		}
		defer r.Close()
		decoded, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid gzip body", ErrMalformed)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("%w: unsupported content-encoding %q", ErrUnsupportedMedia, encoding)
	}
}

// Encode applies the wire content-encoding to an already-serialized
// payload before it is forwarded downstream.
func Encode(payload []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", "identity":
		return payload, nil
	case "gzip":
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("codec: failed to encode gzip payload: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("codec: failed to encode gzip payload: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported content-encoding %q", ErrUnsupportedMedia, encoding)
	}
}

// ParsedRequest holds exactly one of the three OTLP export request
// shapes, tagged by Signal. Exactly one of Traces/Logs/Metrics is
// non-nil for a given Signal value.
type ParsedRequest struct {
	Signal  otlpsignal.Signal
	Traces  *coltracepb.ExportTraceServiceRequest
	Logs    *collogspb.ExportLogsServiceRequest
	Metrics *colmetricspb.ExportMetricsServiceRequest
}

// protoMessage constrains the generic (de)serialization helpers to
// pointer-to-struct types that also implement proto.Message.
type protoMessage[T any] interface {
	*T
	proto.Message
}

func unmarshalAs[T any, PT protoMessage[T]](format otlpsignal.PayloadFormat, data []byte) (PT, error) {
	msg := PT(new(T))
	var err error
	switch format {
	case otlpsignal.JSON:
		err = protojson.Unmarshal(data, msg)
	default:
		err = proto.Unmarshal(data, msg)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func marshalAs(format otlpsignal.PayloadFormat, msg proto.Message) ([]byte, error) {
	if format == otlpsignal.JSON {
		return protojson.Marshal(msg)
	}
	return proto.Marshal(msg)
}

// Parse decodes bytes into the concrete OTLP request shape for signal,
// under the given wire format. Malformed input returns ErrMalformed
// wrapped with the signal and format for the caller's error message.
func Parse(signal otlpsignal.Signal, format otlpsignal.PayloadFormat, data []byte) (*ParsedRequest, error) {
	switch signal {
	case otlpsignal.Traces:
		req, err := unmarshalAs[coltracepb.ExportTraceServiceRequest](format, data)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid OTLP traces %s payload", ErrMalformed, format)
		}
		return &ParsedRequest{Signal: signal, Traces: req}, nil
	case otlpsignal.Logs:
		req, err := unmarshalAs[collogspb.ExportLogsServiceRequest](format, data)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid OTLP logs %s payload", ErrMalformed, format)
		}
		return &ParsedRequest{Signal: signal, Logs: req}, nil
	case otlpsignal.Metrics:
		req, err := unmarshalAs[colmetricspb.ExportMetricsServiceRequest](format, data)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid OTLP metrics %s payload", ErrMalformed, format)
		}
		return &ParsedRequest{Signal: signal, Metrics: req}, nil
	default:
		return nil, fmt.Errorf("codec: unknown signal %v", signal)
	}
}

// Serialize re-encodes a (presumably enriched) ParsedRequest back to
// wire bytes in the given format.
func Serialize(parsed *ParsedRequest, format otlpsignal.PayloadFormat) ([]byte, error) {
	var msg proto.Message
	switch parsed.Signal {
	case otlpsignal.Traces:
		msg = parsed.Traces
	case otlpsignal.Logs:
		msg = parsed.Logs
	case otlpsignal.Metrics:
		msg = parsed.Metrics
	default:
		return nil, fmt.Errorf("codec: unknown signal %v", parsed.Signal)
	}

	out, err := marshalAs(format, msg)
	if err != nil {
		return nil, fmt.Errorf("codec: failed to serialize %s payload: %w", parsed.Signal, err)
	}
	return out, nil
}
