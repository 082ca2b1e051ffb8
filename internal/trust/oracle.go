// Package trust defines the Device Trust Oracle contract consumed by the vault
// and session registry, and a Rego-based engine for composing its signals into
// risk decisions. Fingerprint derivation itself is never implemented here.
package trust

import (
	"context"
	"time"
)

// RiskLevel is a coarse trust score attached to a session.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

var riskRank = map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2}

// AtLeast returns the higher of r and floor.
func (r RiskLevel) AtLeast(floor RiskLevel) RiskLevel {
	if riskRank[r] < riskRank[floor] {
		return floor
	}
	return r
}

// Recommendation is the oracle's verdict on a live device.
type Recommendation string

const (
	RecommendAllow     Recommendation = "allow"
	RecommendChallenge Recommendation = "challenge"
	RecommendBlock     Recommendation = "block"
)

// Fingerprint is an opaque device identifier plus the raw characteristics it
// was derived from.
type Fingerprint struct {
	Value      string         `json:"fingerprint"`
	DeviceInfo map[string]any `json:"device_info,omitempty"`
	CapturedAt time.Time      `json:"captured_at"`
}

// ValidationResult reports how a current fingerprint compares to a stored one.
// Similarity is 0..1; IsValid=false means an outright mismatch regardless of
// similarity.
type ValidationResult struct {
	IsValid    bool
	Similarity float64
	RiskLevel  RiskLevel
}

// Assessment is the outcome of a device risk evaluation.
type Assessment struct {
	Recommendation Recommendation
	RiskLevel      RiskLevel
	Reasons        []string
}

// Oracle is the external device-trust collaborator. Implementations own
// fingerprint derivation and comparison; this subsystem only composes their
// results into trust decisions. All calls should honor ctx deadlines; callers
// apply short timeouts and treat a timeout as oracle unavailability.
type Oracle interface {
	GenerateFingerprint(ctx context.Context) (*Fingerprint, error)
	ValidateFingerprint(ctx context.Context, current, stored string) (*ValidationResult, error)
	AssessDeviceRisk(ctx context.Context, deviceInfo map[string]any) (*Assessment, error)
}
