// Package session tracks authenticated sessions, enforces the concurrent
// session cap, and runs periodic trust validation against the device oracle.
package session

import (
	"time"

	"trustvault/internal/trust"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateActive is a live, validated session.
	StateActive State = "active"
	// StateExpired means the session exceeded its inactivity window.
	StateExpired State = "expired"
	// StateInvalidated means validation failed (device change or blocked device).
	StateInvalidated State = "invalidated"
	// StateSuperseded means the session was evicted to admit a newer one.
	StateSuperseded State = "superseded"
	// StateTerminated means an explicit logout or administrative kill.
	StateTerminated State = "terminated"
)

// Session is one authenticated session bound to a device fingerprint.
type Session struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	DeviceFingerprint string          `json:"device_fingerprint,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	LastActivity      time.Time       `json:"last_activity"`
	RiskLevel         trust.RiskLevel `json:"risk_level"`
	MaxInactivity     time.Duration   `json:"max_inactivity"`
	State             State           `json:"state"`
}

// IsActive reports whether the session is in the active state.
func (s *Session) IsActive() bool {
	return s != nil && s.State == StateActive
}

// InactiveFor returns how long the session has been idle as of now.
func (s *Session) InactiveFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}
