// Package escalation turns classified high-risk actions into downstream
// work items, with idempotent deduplication and fail-safe severity
// derivation.
package escalation

import (
	"fmt"
	"os"
	"time"

	"github.com/opshalo/opshalo/pkg/models"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Policy is the tunable escalation behavior. The dedupe window and target
// normalization are policy, not hidden constants; deployments override them
// through a YAML file.
type Policy struct {
	// DedupeWindow is the coarse time bucket for the idempotency key. Two
	// identical logical requests inside one bucket collapse onto one work
	// item.
	DedupeWindow time.Duration

	// HighRiskActions extends the built-in high-risk action table.
	HighRiskActions []string

	// SeverityOverrides replaces the default severity for an action type.
	SeverityOverrides map[string]models.Severity
}

// policyFile is the YAML shape of a policy file.
type policyFile struct {
	DedupeWindow      string                     `yaml:"dedupe_window"`
	HighRiskActions   []string                   `yaml:"high_risk_actions"`
	SeverityOverrides map[string]models.Severity `yaml:"severity_overrides"`
}

// DefaultPolicy returns the built-in policy with the given dedupe window.
func DefaultPolicy(dedupeWindow time.Duration) *Policy {
	if dedupeWindow <= 0 {
		dedupeWindow = 5 * time.Minute
	}
	return &Policy{DedupeWindow: dedupeWindow}
}

// LoadPolicy reads a YAML policy file, falling back to defaults for any
// field the file omits. An empty path returns the default policy.
func LoadPolicy(path string, defaultWindow time.Duration) (*Policy, error) {
	policy := DefaultPolicy(defaultWindow)
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy file: %w", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("policy parse: %w", err)
	}

	if pf.DedupeWindow != "" {
		window, err := time.ParseDuration(pf.DedupeWindow)
		if err != nil {
			return nil, fmt.Errorf("policy dedupe_window: %w", err)
		}
		policy.DedupeWindow = window
	}
	policy.HighRiskActions = pf.HighRiskActions
	if pf.SeverityOverrides != nil {
		policy.SeverityOverrides = pf.SeverityOverrides
	}

	log.Info().Str("path", path).Dur("dedupe_window", policy.DedupeWindow).Msg("Escalation policy loaded")
	return policy, nil
}

// defaultSeverities is the fixed action-type → severity mapping. A message
// hint can only raise the result, never lower it.
var defaultSeverities = map[string]models.Severity{
	"block_ip":           models.SeverityHigh,
	"quarantine_device":  models.SeverityHigh,
	"shutdown_system":    models.SeverityHigh,
	"delete_user":        models.SeverityHigh,
	"disable_firewall":   models.SeverityCritical,
	"emergency_response": models.SeverityCritical,
	"isolate_network":    models.SeverityCritical,
}

// DeriveSeverity resolves the work-item severity for an action type and an
// optional message hint: the higher of the action-type default and the hint.
func (p *Policy) DeriveSeverity(actionType string, hint models.Severity) models.Severity {
	base, ok := defaultSeverities[actionType]
	if override, has := p.SeverityOverrides[actionType]; has {
		base, ok = override, true
	}
	if !ok {
		base = models.SeverityMedium
	}
	return models.MaxSeverity(base, hint)
}
