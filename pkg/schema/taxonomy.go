// Package schema defines the trust taxonomy shared by every component of
// the gateway: trust levels, capabilities, risk classes, stages, roles,
// and the definitions for tools, agents, and workflows.
//
// Enumerations are closed. Unknown values are rejected at every boundary
// with a "fail-closed: <field>" error; nothing is silently coerced.
package schema

import (
	"errors"
	"fmt"
	"strings"
)

// TrustLevel is the ordinal oversight level assigned to a tool call.
// Higher levels require more oversight; L4 always requires a human.
type TrustLevel int

const (
	// TrustL0 is full autonomy: read-only operations.
	TrustL0 TrustLevel = iota
	// TrustL1 is proposal-only: no side effects leave the agent.
	TrustL1
	// TrustL2 is sandboxed mutation: reversible, staged changes only.
	TrustL2
	// TrustL3 is an external side effect: reviewer approval required.
	TrustL3
	// TrustL4 is irreversible or critical: human approval mandatory.
	TrustL4
)

func (l TrustLevel) String() string {
	if l < TrustL0 || l > TrustL4 {
		return fmt.Sprintf("L?(%d)", int(l))
	}
	return fmt.Sprintf("L%d", int(l))
}

// ParseTrustLevel parses "L0".."L4".
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "L0":
		return TrustL0, nil
	case "L1":
		return TrustL1, nil
	case "L2":
		return TrustL2, nil
	case "L3":
		return TrustL3, nil
	case "L4":
		return TrustL4, nil
	}
	return 0, fmt.Errorf("%w: trust_level %q", ErrFailClosed, s)
}

// Valid reports whether l is within the closed enumeration.
func (l TrustLevel) Valid() bool { return l >= TrustL0 && l <= TrustL4 }

// MarshalJSON encodes the level as its string form ("L3").
func (l TrustLevel) MarshalJSON() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: trust_level %d", ErrFailClosed, int(l))
	}
	return []byte(`"` + l.String() + `"`), nil
}

// UnmarshalJSON decodes "L0".."L4".
func (l *TrustLevel) UnmarshalJSON(b []byte) error {
	parsed, err := ParseTrustLevel(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ErrFailClosed is the root of every validation rejection in the taxonomy.
var ErrFailClosed = errors.New("fail-closed")

// failClosed builds the canonical "fail-closed: <field>" error.
func failClosed(field string) error {
	return fmt.Errorf("%w: %s", ErrFailClosed, field)
}

// Capability describes what a tool is declared to do.
type Capability string

const (
	CapabilityRead        Capability = "READ"
	CapabilityPropose     Capability = "PROPOSE"
	CapabilityWrite       Capability = "WRITE"
	CapabilitySideEffects Capability = "SIDE_EFFECTS"
)

// ParseCapability validates a capability value.
func ParseCapability(s string) (Capability, error) {
	switch Capability(s) {
	case CapabilityRead, CapabilityPropose, CapabilityWrite, CapabilitySideEffects:
		return Capability(s), nil
	}
	return "", fmt.Errorf("%w: capability %q", ErrFailClosed, s)
}

// Valid reports membership in the closed enumeration.
func (c Capability) Valid() bool {
	_, err := ParseCapability(string(c))
	return err == nil
}

// Risk classifies the blast radius of a tool.
type Risk string

const (
	RiskLow      Risk = "LOW"
	RiskMedium   Risk = "MEDIUM"
	RiskHigh     Risk = "HIGH"
	RiskCritical Risk = "CRITICAL"
)

// ParseRisk validates a risk value.
func ParseRisk(s string) (Risk, error) {
	switch Risk(s) {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return Risk(s), nil
	}
	return "", fmt.Errorf("%w: risk %q", ErrFailClosed, s)
}

// Valid reports membership in the closed enumeration.
func (r Risk) Valid() bool {
	_, err := ParseRisk(string(r))
	return err == nil
}

// ExecutionMode controls whether a handler may run outside the sandbox.
type ExecutionMode string

const (
	ExecutionDirect      ExecutionMode = "DIRECT"
	ExecutionSandboxOnly ExecutionMode = "SANDBOX_ONLY"
)

// Valid reports membership in the closed enumeration.
func (m ExecutionMode) Valid() bool {
	return m == ExecutionDirect || m == ExecutionSandboxOnly
}

// Verification names the check a tool's results must pass.
type Verification string

const (
	VerificationNone          Verification = "NONE"
	VerificationRules         Verification = "RULES"
	VerificationMultiAgent    Verification = "MULTI_AGENT"
	VerificationHumanApproval Verification = "HUMAN_APPROVAL"
)

// Valid reports membership in the closed enumeration.
func (v Verification) Valid() bool {
	switch v {
	case VerificationNone, VerificationRules, VerificationMultiAgent, VerificationHumanApproval:
		return true
	}
	return false
}

// Stage is a workflow stage.
type Stage string

const (
	StagePlan    Stage = "plan"
	StageExecute Stage = "execute"
	StageReview  Stage = "review"
	StageCommit  Stage = "commit"
)

// ParseStage validates a stage value.
func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StagePlan, StageExecute, StageReview, StageCommit:
		return Stage(s), nil
	}
	return "", fmt.Errorf("%w: stage %q", ErrFailClosed, s)
}

// Valid reports membership in the closed enumeration.
func (s Stage) Valid() bool {
	_, err := ParseStage(string(s))
	return err == nil
}

// AgentRole is the role an agent plays within a workflow.
type AgentRole string

const (
	RolePlanner  AgentRole = "planner"
	RoleWorker   AgentRole = "worker"
	RoleReviewer AgentRole = "reviewer"
)

// Valid reports membership in the closed enumeration.
func (r AgentRole) Valid() bool {
	return r == RolePlanner || r == RoleWorker || r == RoleReviewer
}

// RoleForStage returns the agent role a stage must be staffed with.
func RoleForStage(s Stage) (AgentRole, error) {
	switch s {
	case StagePlan:
		return RolePlanner, nil
	case StageExecute, StageCommit:
		return RoleWorker, nil
	case StageReview:
		return RoleReviewer, nil
	}
	return "", fmt.Errorf("%w: stage %q", ErrFailClosed, s)
}

// Verdict is the reviewer's decision on a stage output.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// Valid reports membership in the closed enumeration.
func (v Verdict) Valid() bool { return v == VerdictPass || v == VerdictFail }

// Domain is the closed set of verticals at schema boundaries. Audit
// payloads may carry free text; everything else validates against this.
type Domain string

const (
	DomainASI  Domain = "asi"
	DomainLand Domain = "land"
)

// ParseDomain validates a domain tag.
func ParseDomain(s string) (Domain, error) {
	switch Domain(s) {
	case DomainASI, DomainLand:
		return Domain(s), nil
	}
	return "", fmt.Errorf("%w: domain %q", ErrFailClosed, s)
}
