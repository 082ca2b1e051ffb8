// Package audit keeps the append-only security event trail: a bounded
// in-memory ring mirrored best-effort to the slot store and fanned out to
// optional emitters. Logging never fails the operation that produced the event.
package audit

import (
	"time"

	"trustvault/internal/trust"
)

// EventType classifies a trust-relevant occurrence.
type EventType string

const (
	EventLogin              EventType = "login"
	EventLogout             EventType = "logout"
	EventDeviceChange       EventType = "device_change"
	EventSuspiciousActivity EventType = "suspicious_activity"
	EventSessionExpired     EventType = "session_expired"
	EventConcurrentSession  EventType = "concurrent_session"
)

// Event is a single security event. Details is free-form and must never carry
// credential values.
type Event struct {
	ID                string          `json:"id"`
	Type              EventType       `json:"type"`
	Timestamp         time.Time       `json:"timestamp"`
	SessionID         string          `json:"session_id,omitempty"`
	DeviceFingerprint string          `json:"device_fingerprint,omitempty"`
	RiskLevel         trust.RiskLevel `json:"risk_level,omitempty"`
	Details           map[string]any  `json:"details,omitempty"`
}
