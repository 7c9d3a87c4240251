package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sentire-labs/trustgate/pkg/gate"
	"github.com/sentire-labs/trustgate/pkg/schema"
)

// Profile is the YAML overlay for a domain's gate policy.
//
//	approval_threshold: L2
//	sandbox_writes: true
//	trust_overrides:
//	  asi.stage_booking_create: L2
//	deny_rules:
//	  no-critical-in-execute: 'risk == "CRITICAL" && stage == "execute"'
type Profile struct {
	ApprovalThreshold      string            `yaml:"approval_threshold"`
	SandboxWrites          bool              `yaml:"sandbox_writes"`
	TrustOverrides         map[string]string `yaml:"trust_overrides"`
	DenyRules              map[string]string `yaml:"deny_rules"`
	AllowSuffixActionMatch bool              `yaml:"allow_suffix_action_match"`
}

// LoadProfile reads a YAML profile and builds a gate config from it,
// starting from the defaults. Parse errors and unknown trust levels fail
// the load; there is no partial policy.
func LoadProfile(path string) (gate.Config, error) {
	cfg := gate.DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return cfg, fmt.Errorf("config: parse profile: %w", err)
	}

	if p.ApprovalThreshold != "" {
		level, err := schema.ParseTrustLevel(p.ApprovalThreshold)
		if err != nil {
			return cfg, fmt.Errorf("config: approval_threshold: %w", err)
		}
		cfg.ApprovalThreshold = level
	}
	cfg.SandboxWrites = p.SandboxWrites
	cfg.AllowSuffixActionMatch = p.AllowSuffixActionMatch

	if len(p.TrustOverrides) > 0 {
		cfg.TrustOverrides = make(map[string]schema.TrustLevel, len(p.TrustOverrides))
		for tool, raw := range p.TrustOverrides {
			level, err := schema.ParseTrustLevel(raw)
			if err != nil {
				return cfg, fmt.Errorf("config: trust_overrides[%s]: %w", tool, err)
			}
			cfg.TrustOverrides[tool] = level
		}
	}

	if len(p.DenyRules) > 0 {
		rules, err := gate.CompileDenyRules(p.DenyRules)
		if err != nil {
			return cfg, err
		}
		cfg.DenyRules = rules
	}
	return cfg, nil
}
