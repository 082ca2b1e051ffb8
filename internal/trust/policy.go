package trust

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const policyQuery = "data.trustvault.device_risk"

// Default Rego policy for composing device signals into a risk verdict.
// Deployments override it with their own module when the oracle exposes
// richer device telemetry.
const defaultRegoPolicy = `package trustvault.device_risk

default recommendation = "allow"
default risk_level = "low"

block if {
	input.device.emulated
}

block if {
	input.device.debugger_attached
}

block if {
	input.device.integrity == "compromised"
}

challenge if {
	input.device.is_new
}

challenge if {
	input.device.vpn_detected
}

challenge if {
	input.validation.similarity < input.thresholds.drift_tolerance
}

recommendation = "block" if {
	block
}

recommendation = "challenge" if {
	not block
	challenge
}

risk_level = "high" if {
	block
}

risk_level = "medium" if {
	not block
	challenge
}

reasons contains "device emulated" if {
	input.device.emulated
}

reasons contains "debugger attached" if {
	input.device.debugger_attached
}

reasons contains "device integrity compromised" if {
	input.device.integrity == "compromised"
}

reasons contains "unrecognized device" if {
	input.device.is_new
}

reasons contains "vpn detected" if {
	input.device.vpn_detected
}

reasons contains "fingerprint drift" if {
	input.validation.similarity < input.thresholds.drift_tolerance
}
`

// PolicyAssessor evaluates device risk using OPA Rego. It implements the
// AssessDeviceRisk half of the Oracle contract so deployments can compose it
// with an external fingerprint provider (see Compose).
type PolicyAssessor struct {
	policy         string
	driftTolerance float64
}

// NewPolicyAssessor returns a Rego-backed risk assessor. policy may be empty to
// use the built-in default module. driftTolerance (0..1) is fed to the policy
// input as input.thresholds.drift_tolerance.
func NewPolicyAssessor(policy string, driftTolerance float64) *PolicyAssessor {
	if policy == "" {
		policy = defaultRegoPolicy
	}
	return &PolicyAssessor{policy: policy, driftTolerance: driftTolerance}
}

// HealthCheck verifies the configured policy compiles and evaluates against a
// minimal input. Returns nil on success.
func (a *PolicyAssessor) HealthCheck(ctx context.Context) error {
	_, err := a.evaluate(ctx, map[string]any{}, nil)
	return err
}

// AssessDeviceRisk evaluates the live device info against the Rego policy and
// returns the recommendation, risk level, and human-readable reasons.
func (a *PolicyAssessor) AssessDeviceRisk(ctx context.Context, deviceInfo map[string]any) (*Assessment, error) {
	return a.evaluate(ctx, deviceInfo, nil)
}

// AssessWithValidation is AssessDeviceRisk with a fingerprint validation result
// folded into the policy input, so drift-sensitive rules can fire.
func (a *PolicyAssessor) AssessWithValidation(ctx context.Context, deviceInfo map[string]any, validation *ValidationResult) (*Assessment, error) {
	return a.evaluate(ctx, deviceInfo, validation)
}

func (a *PolicyAssessor) evaluate(ctx context.Context, deviceInfo map[string]any, validation *ValidationResult) (*Assessment, error) {
	if deviceInfo == nil {
		deviceInfo = map[string]any{}
	}
	validationMap := map[string]any{
		"is_valid":   true,
		"similarity": 1.0,
	}
	if validation != nil {
		validationMap["is_valid"] = validation.IsValid
		validationMap["similarity"] = validation.Similarity
	}
	input := map[string]any{
		"device":     deviceInfo,
		"validation": validationMap,
		"thresholds": map[string]any{"drift_tolerance": a.driftTolerance},
	}

	compiler, err := ast.CompileModules(map[string]string{"device_risk.rego": a.policy})
	if err != nil {
		return nil, fmt.Errorf("compile risk policy: %w", err)
	}
	q := rego.New(
		rego.Query(policyQuery),
		rego.Compiler(compiler),
		rego.Input(input),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("eval risk policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, fmt.Errorf("risk policy returned no result")
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("risk policy returned unexpected document")
	}

	out := &Assessment{Recommendation: RecommendAllow, RiskLevel: RiskLow}
	if rec, ok := doc["recommendation"].(string); ok {
		out.Recommendation = Recommendation(rec)
	}
	if lvl, ok := doc["risk_level"].(string); ok {
		out.RiskLevel = RiskLevel(lvl)
	}
	if raw, ok := doc["reasons"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				out.Reasons = append(out.Reasons, s)
			}
		}
	}
	return out, nil
}
