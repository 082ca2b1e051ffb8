package otel

import (
	"context"
	"encoding/json"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"trustvault/internal/audit"
)

// NewEventEmitter returns an audit.Emitter that forwards security events as
// OTel log records via the given LoggerProvider. If provider is nil, returns a
// no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) audit.Emitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger("trustvault.audit")}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *audit.Event) error { return nil }

type otelEmitter struct {
	logger otellog.Logger
}

// Emit converts the security event to an OTel log record and emits it.
// Best-effort; Details marshal failures drop the body, never the record.
func (e *otelEmitter) Emit(ctx context.Context, event *audit.Event) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	if !event.Timestamp.IsZero() {
		rec.SetTimestamp(event.Timestamp)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	if len(event.Details) > 0 {
		if body, err := json.Marshal(event.Details); err == nil {
			rec.SetBody(otellog.BytesValue(body))
		}
	}
	if event.ID != "" {
		rec.AddAttributes(otellog.String("event_id", event.ID))
	}
	if event.Type != "" {
		rec.AddAttributes(otellog.String("event_type", string(event.Type)))
	}
	if event.SessionID != "" {
		rec.AddAttributes(otellog.String("session_id", event.SessionID))
	}
	if event.DeviceFingerprint != "" {
		rec.AddAttributes(otellog.String("device_fingerprint", event.DeviceFingerprint))
	}
	if event.RiskLevel != "" {
		rec.AddAttributes(otellog.String("risk_level", string(event.RiskLevel)))
	}
	e.logger.Emit(ctx, rec)
	return nil
}
