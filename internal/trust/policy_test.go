package trust

import (
	"context"
	"testing"
)

func TestPolicyAssessor_HealthCheck(t *testing.T) {
	a := NewPolicyAssessor("", 0.8)
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestPolicyAssessor_DefaultAllow(t *testing.T) {
	a := NewPolicyAssessor("", 0.8)
	got, err := a.AssessDeviceRisk(context.Background(), map[string]any{"platform": "linux"})
	if err != nil {
		t.Fatalf("AssessDeviceRisk: %v", err)
	}
	if got.Recommendation != RecommendAllow {
		t.Errorf("recommendation = %q, want allow", got.Recommendation)
	}
	if got.RiskLevel != RiskLow {
		t.Errorf("risk_level = %q, want low", got.RiskLevel)
	}
	if len(got.Reasons) != 0 {
		t.Errorf("reasons = %v, want none", got.Reasons)
	}
}

func TestPolicyAssessor_Block(t *testing.T) {
	a := NewPolicyAssessor("", 0.8)
	cases := []map[string]any{
		{"emulated": true},
		{"debugger_attached": true},
		{"integrity": "compromised"},
	}
	for _, info := range cases {
		got, err := a.AssessDeviceRisk(context.Background(), info)
		if err != nil {
			t.Fatalf("AssessDeviceRisk(%v): %v", info, err)
		}
		if got.Recommendation != RecommendBlock {
			t.Errorf("AssessDeviceRisk(%v) recommendation = %q, want block", info, got.Recommendation)
		}
		if got.RiskLevel != RiskHigh {
			t.Errorf("AssessDeviceRisk(%v) risk_level = %q, want high", info, got.RiskLevel)
		}
		if len(got.Reasons) == 0 {
			t.Errorf("AssessDeviceRisk(%v): no reasons", info)
		}
	}
}

func TestPolicyAssessor_Challenge(t *testing.T) {
	a := NewPolicyAssessor("", 0.8)
	got, err := a.AssessDeviceRisk(context.Background(), map[string]any{"is_new": true})
	if err != nil {
		t.Fatalf("AssessDeviceRisk: %v", err)
	}
	if got.Recommendation != RecommendChallenge {
		t.Errorf("recommendation = %q, want challenge", got.Recommendation)
	}
	if got.RiskLevel != RiskMedium {
		t.Errorf("risk_level = %q, want medium", got.RiskLevel)
	}
}

func TestPolicyAssessor_BlockWinsOverChallenge(t *testing.T) {
	a := NewPolicyAssessor("", 0.8)
	got, err := a.AssessDeviceRisk(context.Background(), map[string]any{"is_new": true, "emulated": true})
	if err != nil {
		t.Fatalf("AssessDeviceRisk: %v", err)
	}
	if got.Recommendation != RecommendBlock {
		t.Errorf("recommendation = %q, want block", got.Recommendation)
	}
}

func TestPolicyAssessor_DriftTriggersChallenge(t *testing.T) {
	a := NewPolicyAssessor("", 0.8)
	got, err := a.AssessWithValidation(context.Background(), nil, &ValidationResult{IsValid: true, Similarity: 0.6})
	if err != nil {
		t.Fatalf("AssessWithValidation: %v", err)
	}
	if got.Recommendation != RecommendChallenge {
		t.Errorf("recommendation = %q, want challenge on drift", got.Recommendation)
	}

	got, err = a.AssessWithValidation(context.Background(), nil, &ValidationResult{IsValid: true, Similarity: 0.9})
	if err != nil {
		t.Fatalf("AssessWithValidation: %v", err)
	}
	if got.Recommendation != RecommendAllow {
		t.Errorf("recommendation = %q, want allow within tolerance", got.Recommendation)
	}
}

func TestPolicyAssessor_InvalidPolicy(t *testing.T) {
	a := NewPolicyAssessor("package broken\nthis is not rego", 0.8)
	if _, err := a.AssessDeviceRisk(context.Background(), nil); err == nil {
		t.Fatal("invalid policy should fail evaluation")
	}
}

func TestRiskLevel_AtLeast(t *testing.T) {
	if RiskLow.AtLeast(RiskMedium) != RiskMedium {
		t.Error("low.AtLeast(medium) should be medium")
	}
	if RiskHigh.AtLeast(RiskMedium) != RiskHigh {
		t.Error("high.AtLeast(medium) should stay high")
	}
	if RiskMedium.AtLeast(RiskMedium) != RiskMedium {
		t.Error("medium.AtLeast(medium) should stay medium")
	}
}

func TestStaticProvider_Validate(t *testing.T) {
	p := &StaticProvider{Value: "fp-1"}
	r, err := p.ValidateFingerprint(context.Background(), "fp-1", "fp-1")
	if err != nil || !r.IsValid || r.Similarity != 1 {
		t.Errorf("match: got %+v, %v", r, err)
	}
	r, err = p.ValidateFingerprint(context.Background(), "fp-1", "fp-2")
	if err != nil || r.IsValid || r.Similarity != 0 {
		t.Errorf("mismatch: got %+v, %v", r, err)
	}
}
