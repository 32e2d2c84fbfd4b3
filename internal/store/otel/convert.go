package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/phoenixguard/sentinel/pkg/types"
)

// convertToLogRecord converts a gateway Event to an OTEL log Record.
// The returned record is intended for use with Logger.Emit().
func convertToLogRecord(ev types.Event) otellog.Record {
	var rec otellog.Record

	sev := eventSeverity(ev)
	rec.SetTimestamp(ev.Timestamp)
	rec.SetBody(otellog.StringValue(eventBody(ev)))
	rec.SetSeverity(sev)
	rec.SetSeverityText(sev.String())
	rec.AddAttributes(eventAttributes(ev)...)

	return rec
}

// eventBody prefers the gateway's description and falls back to a short summary.
func eventBody(ev types.Event) string {
	if ev.Message != "" {
		return fmt.Sprintf("%s: %s", ev.Type, ev.Message)
	}
	if ev.Operation != "" {
		return fmt.Sprintf("%s: %s @0x%x", ev.Type, ev.Operation, ev.Address)
	}
	return ev.Type
}

func eventSeverity(ev types.Event) otellog.Severity {
	if ev.Type == "threshold_crossed" {
		return otellog.SeverityError
	}
	if ev.Verdict == nil {
		return otellog.SeverityInfo
	}
	switch {
	case ev.Verdict.Action == types.ActionBlock:
		return otellog.SeverityWarn
	case ev.Verdict.Score > 0:
		return otellog.SeverityWarn
	default:
		return otellog.SeverityInfo
	}
}

// eventAttributes builds OTEL log attributes in the sentinel.* namespace.
func eventAttributes(ev types.Event) []otellog.KeyValue {
	var attrs []otellog.KeyValue

	if ev.ID != "" {
		attrs = append(attrs, otellog.String("sentinel.event.id", ev.ID))
	}
	attrs = append(attrs, otellog.String("sentinel.event.type", ev.Type))
	if ev.Mode != "" {
		attrs = append(attrs, otellog.String("sentinel.mode", ev.Mode))
	}
	if ev.Seq != 0 {
		attrs = append(attrs, otellog.Int64("sentinel.seq", int64(ev.Seq)))
	}
	if ev.Operation != "" {
		attrs = append(attrs,
			otellog.String("sentinel.operation", ev.Operation),
			otellog.String("sentinel.address", fmt.Sprintf("0x%x", ev.Address)),
			otellog.Int64("sentinel.size", int64(ev.Size)),
		)
	}
	if ev.Caller != "" {
		attrs = append(attrs, otellog.String("sentinel.caller", ev.Caller))
	}

	if v := ev.Verdict; v != nil {
		attrs = append(attrs,
			otellog.String("sentinel.action", string(v.Action)),
			otellog.Int64("sentinel.score", int64(v.Score)),
			otellog.Int64("sentinel.cumulative", int64(v.Cumulative)),
		)
		if v.Redirected {
			attrs = append(attrs, otellog.Bool("sentinel.redirected", true))
		}
		if len(v.Findings) > 0 {
			vals := make([]otellog.Value, 0, len(v.Findings))
			for _, f := range v.Findings {
				vals = append(vals, otellog.StringValue(f))
			}
			attrs = append(attrs, otellog.Slice("sentinel.findings", vals...))
		}
	}

	// Fields: add selected well-known fields.
	for _, key := range []string{"threshold", "cumulative", "from", "to", "caller_pid", "data"} {
		v, ok := ev.Fields[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if val != "" {
				attrs = append(attrs, otellog.String("sentinel."+key, val))
			}
		case int:
			attrs = append(attrs, otellog.Int("sentinel."+key, val))
		case uint32:
			attrs = append(attrs, otellog.Int64("sentinel."+key, int64(val)))
		case uint64:
			attrs = append(attrs, otellog.Int64("sentinel."+key, int64(val)))
		case int64:
			attrs = append(attrs, otellog.Int64("sentinel."+key, val))
		case float64:
			attrs = append(attrs, otellog.Float64("sentinel."+key, val))
		}
	}

	return attrs
}

// BuildResource creates an OTEL Resource with the sentinel service name and
// optional extra attributes.
func BuildResource(serviceName string, extraAttrs map[string]string) *resource.Resource {
	kvs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
	}
	for k, v := range extraAttrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	res, _ := resource.New(
		context.Background(),
		resource.WithAttributes(kvs...),
	)
	return res
}
