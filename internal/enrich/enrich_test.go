package enrich

import (
	"testing"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/shuv1337/maple-ingest/internal/codec"
	"github.com/shuv1337/maple-ingest/internal/ingestkey"
	"github.com/shuv1337/maple-ingest/internal/otlpsignal"
)

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func attrMap(attrs []*commonpb.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		if sv, ok := a.GetValue().GetValue().(*commonpb.AnyValue_StringValue); ok {
			m[a.GetKey()] = sv.StringValue
		}
	}
	return m
}

func TestEnrichStripsSpoofedOrgIDAndStampsTenant(t *testing.T) {
	parsed := &codec.ParsedRequest{
		Signal: otlpsignal.Traces,
		Traces: &coltracepb.ExportTraceServiceRequest{
			ResourceSpans: []*tracepb.ResourceSpans{
				{
					Resource: &resourcepb.Resource{
						Attributes: []*commonpb.KeyValue{
							stringAttr("org_id", "evil"),
							stringAttr("maple_org_id", "evil"),
							stringAttr("service.name", "foo"),
						},
					},
				},
			},
		},
	}

	tenant := &ingestkey.ResolvedTenant{OrgID: "org_real", KeyType: ingestkey.Private, KeyID: "abc"}

	Enrich(parsed, tenant)

	attrs := attrMap(parsed.Traces.ResourceSpans[0].Resource.Attributes)

	if _, ok := attrs["org_id"]; ok {
		t.Error("org_id attribute should have been stripped")
	}
	if attrs["maple_org_id"] != "org_real" {
		t.Errorf("maple_org_id = %q, want org_real", attrs["maple_org_id"])
	}
	if attrs["maple_ingest_key_type"] != "private" {
		t.Errorf("maple_ingest_key_type = %q, want private", attrs["maple_ingest_key_type"])
	}
	if attrs["maple_ingest_source"] != IngestSource {
		t.Errorf("maple_ingest_source = %q, want %q", attrs["maple_ingest_source"], IngestSource)
	}
	if attrs["service.name"] != "foo" {
		t.Errorf("service.name = %q, want foo (unrelated attrs preserved)", attrs["service.name"])
	}
}

func TestEnrichInjectsMissingResource(t *testing.T) {
	parsed := &codec.ParsedRequest{
		Signal: otlpsignal.Traces,
		Traces: &coltracepb.ExportTraceServiceRequest{
			ResourceSpans: []*tracepb.ResourceSpans{{}},
		},
	}

	tenant := &ingestkey.ResolvedTenant{OrgID: "org_a", KeyType: ingestkey.Public, KeyID: "xyz"}
	Enrich(parsed, tenant)

	resource := parsed.Traces.ResourceSpans[0].Resource
	if resource == nil {
		t.Fatal("expected a default resource to be injected")
	}
	attrs := attrMap(resource.Attributes)
	if attrs["maple_org_id"] != "org_a" {
		t.Errorf("maple_org_id = %q, want org_a", attrs["maple_org_id"])
	}
}

func TestEnrichUpsertReplacesExistingValue(t *testing.T) {
	parsed := &codec.ParsedRequest{
		Signal: otlpsignal.Traces,
		Traces: &coltracepb.ExportTraceServiceRequest{
			ResourceSpans: []*tracepb.ResourceSpans{
				{
					Resource: &resourcepb.Resource{
						Attributes: []*commonpb.KeyValue{
							stringAttr("maple_ingest_key_type", "stale"),
						},
					},
				},
			},
		},
	}

	tenant := &ingestkey.ResolvedTenant{OrgID: "org_a", KeyType: ingestkey.Private, KeyID: "xyz"}
	Enrich(parsed, tenant)

	attrs := attrMap(parsed.Traces.ResourceSpans[0].Resource.Attributes)
	if attrs["maple_ingest_key_type"] != "private" {
		t.Errorf("maple_ingest_key_type = %q, want private (overwritten not duplicated)", attrs["maple_ingest_key_type"])
	}

	count := 0
	for _, a := range parsed.Traces.ResourceSpans[0].Resource.Attributes {
		if a.GetKey() == "maple_ingest_key_type" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("maple_ingest_key_type appears %d times, want exactly 1", count)
	}
}
