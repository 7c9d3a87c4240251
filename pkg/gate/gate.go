// Package gate implements the trust classifier and policy engine. It
// assigns every tool call a trust level, checks it against the stage
// policy, and integrates approval state for calls that need it.
//
// Every outcome is a value. The gate never panics on bad input and never
// lets a dependency error escape as an exception: both map to a denial
// with a "FAIL CLOSED:" reason.
package gate

import (
	"context"
	"fmt"
	"strings"

	"github.com/sentire-labs/trustgate/pkg/approval"
	"github.com/sentire-labs/trustgate/pkg/schema"
)

// Decision is the gate's verdict on a single tool call.
type Decision struct {
	Allowed             bool              `json:"allowed"`
	TrustLevel          schema.TrustLevel `json:"trust_level"`
	Sandboxed           bool              `json:"sandboxed"`
	RequiresApproval    bool              `json:"requires_approval"`
	AutoApproveEligible bool              `json:"auto_approve_eligible"`
	CommitTool          bool              `json:"commit_tool"`
	Reason              string            `json:"reason,omitempty"`
}

// CallContext identifies the caller of a tool.
type CallContext struct {
	Agent           string
	RunID           string
	Workflow        string
	Domain          string
	ReviewerVerdict schema.Verdict // threaded in by the orchestrator
}

// StagePolicy is the per-stage upper bound on trust and capability.
type StagePolicy struct {
	MaxTrustLevel            schema.TrustLevel
	AllowedCapabilities      []schema.Capability
	Sandboxed                bool
	RequiresReviewerApproval bool
}

func (p StagePolicy) allowsCapability(c schema.Capability) bool {
	for _, allowed := range p.AllowedCapabilities {
		if allowed == c {
			return true
		}
	}
	return false
}

// DefaultStagePolicies are the baseline per-stage bounds.
func DefaultStagePolicies() map[schema.Stage]StagePolicy {
	return map[schema.Stage]StagePolicy{
		schema.StagePlan: {
			MaxTrustLevel:       schema.TrustL1,
			AllowedCapabilities: []schema.Capability{schema.CapabilityRead, schema.CapabilityPropose},
		},
		schema.StageExecute: {
			MaxTrustLevel:       schema.TrustL2,
			AllowedCapabilities: []schema.Capability{schema.CapabilityRead, schema.CapabilityPropose, schema.CapabilityWrite},
			Sandboxed:           true,
		},
		schema.StageReview: {
			MaxTrustLevel:       schema.TrustL1,
			AllowedCapabilities: []schema.Capability{schema.CapabilityRead, schema.CapabilityPropose},
		},
		schema.StageCommit: {
			MaxTrustLevel: schema.TrustL4,
			AllowedCapabilities: []schema.Capability{
				schema.CapabilityRead, schema.CapabilityPropose,
				schema.CapabilityWrite, schema.CapabilitySideEffects,
			},
			Sandboxed:                true,
			RequiresReviewerApproval: true,
		},
	}
}

// Config tunes the gate for a domain.
type Config struct {
	// ApprovalThreshold: calls above this level require approval. Default L2.
	ApprovalThreshold schema.TrustLevel
	// SandboxWrites forces WRITE and SIDE_EFFECTS capabilities into the sandbox.
	SandboxWrites bool
	// TrustOverrides pins a trust level per tool name, beating derivation.
	TrustOverrides map[string]schema.TrustLevel
	// StagePolicies overrides individual stage policies.
	StagePolicies map[schema.Stage]StagePolicy
	// DenyRules are compiled CEL expressions; any rule evaluating true
	// denies the call. See CompileDenyRules.
	DenyRules []DenyRule
	// AllowSuffixActionMatch keeps the legacy fuzzy action-type matching
	// as an explicit compatibility alias. Default off: exact match only.
	AllowSuffixActionMatch bool
	// CommitTools flags the tool names owned by the commit boundary.
	CommitTools map[string]bool
}

// DefaultConfig returns the baseline gate configuration.
func DefaultConfig() Config {
	return Config{
		ApprovalThreshold: schema.TrustL2,
		StagePolicies:     DefaultStagePolicies(),
	}
}

// ApprovalReader is the narrow capability the gate needs from the approval
// store. Keeping it to two read methods breaks the store↔gate cycle.
type ApprovalReader interface {
	GetRequestsByRunID(ctx context.Context, runID string) ([]*approval.Request, error)
	GetDecision(ctx context.Context, requestID string) (*approval.Decision, error)
}

// Gate evaluates tool calls.
type Gate struct {
	cfg       Config
	approvals ApprovalReader // optional; nil means Evaluate-only
}

// New creates a Gate. Pass nil approvals for the synchronous-only path.
func New(cfg Config, approvals ApprovalReader) *Gate {
	if cfg.StagePolicies == nil {
		cfg.StagePolicies = DefaultStagePolicies()
	}
	if cfg.ApprovalThreshold == 0 {
		cfg.ApprovalThreshold = schema.TrustL2
	}
	return &Gate{cfg: cfg, approvals: approvals}
}

func denied(level schema.TrustLevel, reason string) *Decision {
	return &Decision{Allowed: false, TrustLevel: level, Reason: "FAIL CLOSED: " + reason}
}

// DeriveTrustLevel computes the tool's level: explicit override wins, then
// the risk/capability ladder.
func (g *Gate) DeriveTrustLevel(tool *schema.ToolDefinition) schema.TrustLevel {
	if level, ok := g.cfg.TrustOverrides[tool.Name]; ok {
		return level
	}
	switch {
	case tool.Risk == schema.RiskCritical:
		return schema.TrustL4
	case tool.Risk == schema.RiskHigh && tool.Capability == schema.CapabilitySideEffects:
		return schema.TrustL3
	case tool.Risk == schema.RiskHigh || tool.Capability == schema.CapabilityWrite:
		return schema.TrustL2
	case tool.Capability == schema.CapabilityPropose:
		return schema.TrustL1
	default:
		return schema.TrustL0
	}
}

// Evaluate classifies and decides a tool call synchronously. Validation
// failures report L4: an unclassifiable call gets maximum oversight.
func (g *Gate) Evaluate(tool *schema.ToolDefinition, stage schema.Stage, callCtx CallContext) *Decision {
	// 1. Validate every input.
	if tool == nil {
		return denied(schema.TrustL4, "missing tool definition")
	}
	if err := tool.Validate(); err != nil {
		return denied(schema.TrustL4, err.Error())
	}
	if !stage.Valid() {
		return denied(schema.TrustL4, fmt.Sprintf("unknown stage %q", stage))
	}
	if strings.TrimSpace(callCtx.Agent) == "" {
		return denied(schema.TrustL4, "missing agent name in call context")
	}
	if strings.TrimSpace(callCtx.RunID) == "" {
		return denied(schema.TrustL4, "missing run id in call context")
	}
	policy, ok := g.cfg.StagePolicies[stage]
	if !ok {
		return denied(schema.TrustL4, fmt.Sprintf("no policy for stage %q", stage))
	}

	// 2. Classify.
	level := g.DeriveTrustLevel(tool)
	commitTool := g.cfg.CommitTools[tool.Name]

	// 3. Stage ceiling.
	if level > policy.MaxTrustLevel {
		d := denied(level, fmt.Sprintf("trust level %s exceeds stage %s maximum %s",
			level, stage, policy.MaxTrustLevel))
		d.CommitTool = commitTool
		return d
	}

	// 4. Capability membership.
	if !policy.allowsCapability(tool.Capability) {
		d := denied(level, fmt.Sprintf("capability %s not allowed in stage %s", tool.Capability, stage))
		d.CommitTool = commitTool
		return d
	}

	// 4b. Domain deny rules.
	for _, rule := range g.cfg.DenyRules {
		hit, err := rule.Matches(tool, stage, callCtx)
		if err != nil {
			return denied(level, fmt.Sprintf("deny rule %q errored: %v", rule.Name, err))
		}
		if hit {
			d := denied(level, fmt.Sprintf("denied by domain rule %q", rule.Name))
			d.CommitTool = commitTool
			return d
		}
	}

	// 5. Sandboxing.
	sandboxed := policy.Sandboxed ||
		tool.ExecutionMode == schema.ExecutionSandboxOnly ||
		(g.cfg.SandboxWrites &&
			(tool.Capability == schema.CapabilityWrite || tool.Capability == schema.CapabilitySideEffects))

	// 6. Approval requirement.
	requiresApproval := level > g.cfg.ApprovalThreshold ||
		policy.RequiresReviewerApproval || commitTool

	// 7. L4 never proceeds without a human.
	if level == schema.TrustL4 {
		return &Decision{
			Allowed:          false,
			TrustLevel:       level,
			Sandboxed:        true,
			RequiresApproval: true,
			CommitTool:       commitTool,
			Reason:           "FAIL CLOSED: L4 human approval required",
		}
	}

	// 8. Commit tools in the commit stage always defer to approval state.
	if commitTool && stage == schema.StageCommit {
		return &Decision{
			Allowed:          false,
			TrustLevel:       level,
			Sandboxed:        sandboxed,
			RequiresApproval: true,
			CommitTool:       true,
			Reason:           "approval state must be consulted for commit tool",
		}
	}

	// 9. Allowed.
	return &Decision{
		Allowed:          true,
		TrustLevel:       level,
		Sandboxed:        sandboxed,
		RequiresApproval: requiresApproval,
		CommitTool:       commitTool,
	}
}

// EvaluateWithApproval runs Evaluate and, when approval is required,
// resolves it against the approval store. A store error denies the call
// with the error surfaced; the handler is never invoked on store failure.
func (g *Gate) EvaluateWithApproval(ctx context.Context, tool *schema.ToolDefinition, stage schema.Stage, callCtx CallContext) *Decision {
	d := g.Evaluate(tool, stage, callCtx)
	if !d.RequiresApproval {
		return d
	}
	if d.Allowed {
		// Approval needed but the synchronous path already allowed it:
		// still resolve, the approval is the authority.
		d.Allowed = false
	}
	if g.approvals == nil {
		d.Reason = "FAIL CLOSED: approval required but no approval store configured"
		return d
	}

	requests, err := g.approvals.GetRequestsByRunID(ctx, callCtx.RunID)
	if err != nil {
		d.Reason = fmt.Sprintf("FAIL CLOSED: approval store error: %v", err)
		return d
	}

	match := g.matchRequest(requests, tool.Name)
	if match == nil {
		if d.TrustLevel == schema.TrustL4 {
			d.Reason = "FAIL CLOSED: human approval required and no approval request exists"
		} else {
			d.Reason = "FAIL CLOSED: approval request required"
		}
		return d
	}

	switch match.Status {
	case approval.StatusApproved:
		if g.verdictRequired(stage) && match.ReviewerVerdict != schema.VerdictPass {
			d.Reason = "FAIL CLOSED: approved but reviewer verdict is not PASS"
			return d
		}
		d.Allowed = true
		d.Reason = ""
		return d
	case approval.StatusPending:
		if match.AutoApproveEligible && callCtx.ReviewerVerdict == schema.VerdictPass {
			d.AutoApproveEligible = true
			d.Reason = "pending approval is auto-approve eligible"
			return d
		}
		d.Reason = "FAIL CLOSED: awaiting human approval"
		return d
	case approval.StatusRejected:
		d.Reason = "FAIL CLOSED: approval request was rejected"
		return d
	case approval.StatusExpired:
		d.Reason = "FAIL CLOSED: approval request has expired"
		return d
	default:
		d.Reason = fmt.Sprintf("FAIL CLOSED: approval request in unknown status %q", match.Status)
		return d
	}
}

// matchRequest finds the request whose action type (or exact name) matches
// the tool. Suffix matching survives only behind the compatibility flag.
func (g *Gate) matchRequest(requests []*approval.Request, toolName string) *approval.Request {
	short := toolName
	if i := strings.LastIndex(toolName, "."); i >= 0 {
		short = toolName[i+1:]
	}
	// Commit tools are registered as {domain}.commit_{action}; the action
	// type on the request is the bare action.
	short = strings.TrimPrefix(short, "commit_")
	for _, r := range requests {
		if r.ActionType == toolName || r.ActionType == short {
			return r
		}
	}
	if g.cfg.AllowSuffixActionMatch {
		for _, r := range requests {
			if strings.HasSuffix(toolName, r.ActionType) {
				return r
			}
		}
	}
	return nil
}

func (g *Gate) verdictRequired(stage schema.Stage) bool {
	policy, ok := g.cfg.StagePolicies[stage]
	return ok && policy.RequiresReviewerApproval
}
