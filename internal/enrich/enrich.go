// Package enrich mutates resource-level attributes on a parsed OTLP
// request to stamp gateway-attested tenant identity. This is the trust
// boundary: it strips any client-supplied org_id/maple_org_id and writes
// authoritative maple_org_id/maple_ingest_key_type/maple_ingest_source
// values.
package enrich

import (
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/shuv1337/maple-ingest/internal/codec"
	"github.com/shuv1337/maple-ingest/internal/ingestkey"
	"github.com/shuv1337/maple-ingest/internal/otlpsignal"
)

// IngestSource is the constant value stamped into maple_ingest_source on
// every enriched resource.
const IngestSource = "maple-ingest-gateway"

// Counts totals the per-scope item counts observed during enrichment,
// used for request-pipeline observability.
type Counts struct {
	Spans      int
	LogRecords int
	MetricDefs int
}

// Enrich mutates parsed in place for the resolved tenant and returns the
// item counts it observed.
func Enrich(parsed *codec.ParsedRequest, tenant *ingestkey.ResolvedTenant) Counts {
	var counts Counts
	switch parsed.Signal {
	case otlpsignal.Traces:
		for _, rs := range parsed.Traces.GetResourceSpans() {
			resource := ensureResource(&rs.Resource)
			resource.Attributes = enrichAttributes(resource.Attributes, tenant)
			for _, ss := range rs.GetScopeSpans() {
				counts.Spans += len(ss.GetSpans())
			}
		}
	case otlpsignal.Logs:
		for _, rl := range parsed.Logs.GetResourceLogs() {
			resource := ensureResource(&rl.Resource)
			resource.Attributes = enrichAttributes(resource.Attributes, tenant)
			for _, sl := range rl.GetScopeLogs() {
				counts.LogRecords += len(sl.GetLogRecords())
			}
		}
	case otlpsignal.Metrics:
		for _, rm := range parsed.Metrics.GetResourceMetrics() {
			resource := ensureResource(&rm.Resource)
			resource.Attributes = enrichAttributes(resource.Attributes, tenant)
			for _, sm := range rm.GetScopeMetrics() {
				counts.MetricDefs += len(sm.GetMetrics())
			}
		}
	}
	return counts
}

// ensureResource injects a default empty Resource if slot is nil, then
// returns it.
func ensureResource(slot **resourcepb.Resource) *resourcepb.Resource {
	if *slot == nil {
		*slot = &resourcepb.Resource{}
	}
	return *slot
}

// enrichAttributes is the pure, HTTP-free core of the trust boundary:
// strip any client-supplied org_id/maple_org_id, then upsert the three
// gateway-attested identity attributes.
func enrichAttributes(attrs []*commonpb.KeyValue, tenant *ingestkey.ResolvedTenant) []*commonpb.KeyValue {
	filtered := attrs[:0]
	for _, attr := range attrs {
		if attr.GetKey() == "org_id" || attr.GetKey() == "maple_org_id" {
			continue
		}
		filtered = append(filtered, attr)
	}

	filtered = upsertString(filtered, "maple_org_id", tenant.OrgID)
	filtered = upsertString(filtered, "maple_ingest_key_type", tenant.KeyType.String())
	filtered = upsertString(filtered, "maple_ingest_source", IngestSource)
	return filtered
}

func upsertString(attrs []*commonpb.KeyValue, key, value string) []*commonpb.KeyValue {
	stringValue := &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}}

	for _, attr := range attrs {
		if attr.GetKey() == key {
			attr.Value = stringValue
			return attrs
		}
	}

	return append(attrs, &commonpb.KeyValue{Key: key, Value: stringValue})
}
