// Package observe ingests OTLP telemetry into the hot store and rotates cold
// rows into columnar files on the object store.
package observe

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	"google.golang.org/protobuf/proto"

	"github.com/jmoiron/sqlx/types"

	"forgeplane/control/internal/platerr"
	"forgeplane/control/internal/store"
)

// Correlation attribute keys. Instrumented workloads stamp these on their
// telemetry; pipeline and agent pods get them injected via env.
const (
	attrProjectID = "forgeplane.project_id"
	attrSessionID = "forgeplane.session_id"
	attrUserID    = "forgeplane.user_id"
	attrService   = "service.name"
)

// sessionResolver backfills project and user from a session id when the
// workload only knows its session.
type sessionResolver interface {
	SessionCorrelation(ctx context.Context, sessionID int64) (projectID, userID int64, err error)
}

// envelope is the correlation extracted from resource and record attributes.
type envelope struct {
	ProjectID *int64
	SessionID *int64
	UserID    *int64
	Service   string
}

// resolve fills project/user from the session when they are missing.
func (e *envelope) resolve(ctx context.Context, r sessionResolver) {
	if e.SessionID == nil || (e.ProjectID != nil && e.UserID != nil) {
		return
	}
	projectID, userID, err := r.SessionCorrelation(ctx, *e.SessionID)
	if err != nil {
		return
	}
	if e.ProjectID == nil {
		e.ProjectID = &projectID
	}
	if e.UserID == nil {
		e.UserID = &userID
	}
}

// attrValue renders an OTLP attribute value as a plain Go value.
func attrValue(v *commonpb.AnyValue) any {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_IntValue:
		return val.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return val.DoubleValue
	case *commonpb.AnyValue_BoolValue:
		return val.BoolValue
	default:
		return v.String()
	}
}

// collectAttrs folds attribute lists into one map; later lists win.
func collectAttrs(lists ...[]*commonpb.KeyValue) map[string]any {
	out := map[string]any{}
	for _, list := range lists {
		for _, kv := range list {
			out[kv.Key] = attrValue(kv.Value)
		}
	}
	return out
}

// envelopeFrom pulls the correlation keys out of a merged attribute map.
func envelopeFrom(attrs map[string]any) envelope {
	var env envelope
	if s, ok := attrs[attrService].(string); ok {
		env.Service = s
	}
	env.ProjectID = attrInt64(attrs, attrProjectID)
	env.SessionID = attrInt64(attrs, attrSessionID)
	env.UserID = attrInt64(attrs, attrUserID)
	return env
}

func attrInt64(attrs map[string]any, key string) *int64 {
	switch v := attrs[key].(type) {
	case int64:
		return &v
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return &n
		}
	}
	return nil
}

func attrsJSON(attrs map[string]any) types.JSONText {
	data, err := json.Marshal(attrs)
	if err != nil {
		return types.JSONText(`{}`)
	}
	return types.JSONText(data)
}

// DecodeTraces unmarshals an OTLP trace export into span records.
func DecodeTraces(ctx context.Context, payload []byte, resolver sessionResolver) ([]store.SpanRecord, error) {
	var req coltracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, platerr.Wrap(platerr.KindBadRequest, "decoding trace export", err)
	}
	var out []store.SpanRecord
	for _, rs := range req.ResourceSpans {
		resourceAttrs := rs.GetResource().GetAttributes()
		for _, ss := range rs.ScopeSpans {
			for _, span := range ss.Spans {
				attrs := collectAttrs(resourceAttrs, span.Attributes)
				env := envelopeFrom(attrs)
				env.resolve(ctx, resolver)
				out = append(out, store.SpanRecord{
					TraceID:      hex.EncodeToString(span.TraceId),
					SpanID:       hex.EncodeToString(span.SpanId),
					ParentSpanID: hex.EncodeToString(span.ParentSpanId),
					Name:         span.Name,
					Service:      env.Service,
					Kind:         span.Kind.String(),
					StartTime:    time.Unix(0, int64(span.StartTimeUnixNano)).UTC(),
					EndTime:      time.Unix(0, int64(span.EndTimeUnixNano)).UTC(),
					StatusCode:   span.GetStatus().GetCode().String(),
					Attributes:   attrsJSON(attrs),
					ProjectID:    env.ProjectID,
					SessionID:    env.SessionID,
					UserID:       env.UserID,
				})
			}
		}
	}
	return out, nil
}

// DecodeLogs unmarshals an OTLP logs export into log records.
func DecodeLogs(ctx context.Context, payload []byte, resolver sessionResolver) ([]store.LogRecord, error) {
	var req collogspb.ExportLogsServiceRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, platerr.Wrap(platerr.KindBadRequest, "decoding logs export", err)
	}
	var out []store.LogRecord
	for _, rl := range req.ResourceLogs {
		resourceAttrs := rl.GetResource().GetAttributes()
		for _, sl := range rl.ScopeLogs {
			for _, rec := range sl.LogRecords {
				attrs := collectAttrs(resourceAttrs, rec.Attributes)
				env := envelopeFrom(attrs)
				env.resolve(ctx, resolver)
				ts := rec.TimeUnixNano
				if ts == 0 {
					ts = rec.ObservedTimeUnixNano
				}
				out = append(out, store.LogRecord{
					Timestamp:  time.Unix(0, int64(ts)).UTC(),
					Service:    env.Service,
					Level:      rec.SeverityText,
					Message:    logBody(rec.Body),
					Attributes: attrsJSON(attrs),
					TraceID:    hex.EncodeToString(rec.TraceId),
					SpanID:     hex.EncodeToString(rec.SpanId),
					ProjectID:  env.ProjectID,
					SessionID:  env.SessionID,
					UserID:     env.UserID,
				})
			}
		}
	}
	return out, nil
}

func logBody(v *commonpb.AnyValue) string {
	if v == nil {
		return ""
	}
	if s, ok := v.GetValue().(*commonpb.AnyValue_StringValue); ok {
		return s.StringValue
	}
	return fmt.Sprintf("%v", attrValue(v))
}

// DecodeMetrics unmarshals an OTLP metrics export into metric records.
// Gauges and sums contribute their number points; other metric types are
// dropped.
func DecodeMetrics(ctx context.Context, payload []byte, resolver sessionResolver) ([]store.MetricRecord, error) {
	var req colmetricspb.ExportMetricsServiceRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, platerr.Wrap(platerr.KindBadRequest, "decoding metrics export", err)
	}
	var out []store.MetricRecord
	for _, rm := range req.ResourceMetrics {
		resourceAttrs := rm.GetResource().GetAttributes()
		for _, sm := range rm.ScopeMetrics {
			for _, metric := range sm.Metrics {
				var points []*metricspb.NumberDataPoint
				switch data := metric.Data.(type) {
				case *metricspb.Metric_Gauge:
					points = data.Gauge.DataPoints
				case *metricspb.Metric_Sum:
					points = data.Sum.DataPoints
				default:
					continue
				}
				for _, dp := range points {
					labels := collectAttrs(resourceAttrs, dp.Attributes)
					env := envelopeFrom(labels)
					env.resolve(ctx, resolver)
					if env.ProjectID != nil {
						labels[attrProjectID] = *env.ProjectID
					}
					out = append(out, store.MetricRecord{
						Name:      metric.Name,
						Labels:    attrsJSON(labels),
						Timestamp: time.Unix(0, int64(dp.TimeUnixNano)).UTC(),
						Value:     pointValue(dp),
					})
				}
			}
		}
	}
	return out, nil
}

func pointValue(dp *metricspb.NumberDataPoint) float64 {
	switch v := dp.Value.(type) {
	case *metricspb.NumberDataPoint_AsDouble:
		return v.AsDouble
	case *metricspb.NumberDataPoint_AsInt:
		return float64(v.AsInt)
	default:
		return 0
	}
}
