package trust

import (
	"context"
	"time"
)

// FingerprintProvider is the fingerprint half of the Oracle contract: an
// external integration that derives and compares device fingerprints.
type FingerprintProvider interface {
	GenerateFingerprint(ctx context.Context) (*Fingerprint, error)
	ValidateFingerprint(ctx context.Context, current, stored string) (*ValidationResult, error)
}

// Compose builds an Oracle from an external fingerprint provider and a
// Rego-backed risk assessor.
func Compose(provider FingerprintProvider, assessor *PolicyAssessor) Oracle {
	return &composedOracle{provider: provider, assessor: assessor}
}

type composedOracle struct {
	provider FingerprintProvider
	assessor *PolicyAssessor
}

func (o *composedOracle) GenerateFingerprint(ctx context.Context) (*Fingerprint, error) {
	return o.provider.GenerateFingerprint(ctx)
}

func (o *composedOracle) ValidateFingerprint(ctx context.Context, current, stored string) (*ValidationResult, error) {
	return o.provider.ValidateFingerprint(ctx, current, stored)
}

func (o *composedOracle) AssessDeviceRisk(ctx context.Context, deviceInfo map[string]any) (*Assessment, error) {
	return o.assessor.AssessDeviceRisk(ctx, deviceInfo)
}

// StaticProvider is a stand-in FingerprintProvider for deployments where the
// fingerprint is supplied out of band (e.g. a provisioning identity) and for
// tests. Validation is an exact string compare: similarity is 1 on match and
// 0 on mismatch.
type StaticProvider struct {
	Value      string
	DeviceInfo map[string]any
}

func (p *StaticProvider) GenerateFingerprint(ctx context.Context) (*Fingerprint, error) {
	return &Fingerprint{Value: p.Value, DeviceInfo: p.DeviceInfo, CapturedAt: time.Now().UTC()}, nil
}

func (p *StaticProvider) ValidateFingerprint(ctx context.Context, current, stored string) (*ValidationResult, error) {
	if current == stored && current != "" {
		return &ValidationResult{IsValid: true, Similarity: 1, RiskLevel: RiskLow}, nil
	}
	return &ValidationResult{IsValid: false, Similarity: 0, RiskLevel: RiskHigh}, nil
}
