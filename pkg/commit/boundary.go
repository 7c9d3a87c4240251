// Package commit implements the commit boundary: the single narrow gate
// through which every irreversible production mutation must pass. It owns
// the five named commit actions and re-verifies approval state, reviewer
// verdict, expiry, trust level, and staged changes before dispatching.
package commit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentire-labs/trustgate/pkg/approval"
	"github.com/sentire-labs/trustgate/pkg/audit"
	"github.com/sentire-labs/trustgate/pkg/sandbox"
	"github.com/sentire-labs/trustgate/pkg/schema"
)

// Tool names owned by the boundary. Any production write flows through
// exactly one of these.
const (
	ToolApplyChanges           = "apply_changes"
	ToolPublishDailyBrief      = "publish_daily_brief"
	ToolPostAlert              = "post_alert"
	ToolMarkCheckpointComplete = "mark_checkpoint_complete"
	ToolSendInvoice            = "send_invoice"
)

// ToolSpec describes one commit action.
type ToolSpec struct {
	Name          string
	ActionType    string
	MinTrustLevel schema.TrustLevel
	Risk          schema.Risk
	AutoApprove   bool // eligibility ceiling; the store still applies its own gates
}

// Registry is the fixed commit-tool set.
var Registry = map[string]ToolSpec{
	ToolApplyChanges: {
		Name: ToolApplyChanges, ActionType: "apply_changes",
		MinTrustLevel: schema.TrustL3, Risk: schema.RiskHigh, AutoApprove: true,
	},
	ToolPublishDailyBrief: {
		Name: ToolPublishDailyBrief, ActionType: "publish_daily_brief",
		MinTrustLevel: schema.TrustL3, Risk: schema.RiskHigh, AutoApprove: true,
	},
	ToolPostAlert: {
		Name: ToolPostAlert, ActionType: "post_alert",
		MinTrustLevel: schema.TrustL3, Risk: schema.RiskHigh, AutoApprove: true,
	},
	ToolMarkCheckpointComplete: {
		Name: ToolMarkCheckpointComplete, ActionType: "mark_checkpoint_complete",
		MinTrustLevel: schema.TrustL3, Risk: schema.RiskHigh, AutoApprove: false,
	},
	ToolSendInvoice: {
		Name: ToolSendInvoice, ActionType: "send_invoice",
		MinTrustLevel: schema.TrustL4, Risk: schema.RiskCritical, AutoApprove: false,
	},
}

// IsCommitTool reports whether name (or its {domain}. suffix form) is a
// commit tool.
func IsCommitTool(name string) bool {
	_, ok := lookupSpec(name)
	return ok
}

func lookupSpec(name string) (ToolSpec, bool) {
	if spec, ok := Registry[name]; ok {
		return spec, true
	}
	// Accept {domain}.commit_{action} and {domain}.{action} forms.
	if i := strings.LastIndex(name, "."); i >= 0 {
		suffix := strings.TrimPrefix(name[i+1:], "commit_")
		if spec, ok := Registry[suffix]; ok {
			return spec, true
		}
	}
	return ToolSpec{}, false
}

// Verification reports the outcome of the eligibility gates.
type Verification struct {
	Eligible  bool
	Reason    string // "fail-closed: <gate>" on denial
	Spec      ToolSpec
	Request   *approval.Request
	SandboxID string
}

// StagedChangeReader is the narrow sandbox capability the boundary needs.
type StagedChangeReader interface {
	GetStagedChanges(sandboxID string) []*sandbox.StagedChange
	CommitChanges(sandboxID string) []*sandbox.StagedChange
}

// ActionHandler materializes one commit action. Handlers must be
// idempotent per commit id.
type ActionHandler func(ctx context.Context, commitID string, req *approval.Request, args map[string]any, staged []*sandbox.StagedChange) (map[string]any, error)

// Boundary wires the approval store, the sandbox ledger, the audit log,
// and the action handlers.
type Boundary struct {
	approvals approval.Store
	staged    StagedChangeReader
	log       *audit.Log
	handlers  map[string]ActionHandler
	clock     func() time.Time
}

// New creates a Boundary. Handlers are registered per tool name.
func New(approvals approval.Store, staged StagedChangeReader, log *audit.Log) *Boundary {
	return &Boundary{
		approvals: approvals,
		staged:    staged,
		log:       log,
		handlers:  make(map[string]ActionHandler),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Boundary) WithClock(clock func() time.Time) *Boundary {
	b.clock = clock
	return b
}

// RegisterHandler binds the materialization for a commit tool.
func (b *Boundary) RegisterHandler(tool string, h ActionHandler) error {
	if _, ok := Registry[tool]; !ok {
		return fmt.Errorf("commit: %q is not a commit tool", tool)
	}
	b.handlers[tool] = h
	return nil
}

func ineligible(reason string) *Verification {
	return &Verification{Eligible: false, Reason: "fail-closed: " + reason}
}

// VerifyCommitEligibility runs the eight gates in order. Every gate must
// pass; each failure names the gate in its reason.
func (b *Boundary) VerifyCommitEligibility(ctx context.Context, runID, toolName string) *Verification {
	// Gate 1: inputs.
	if strings.TrimSpace(runID) == "" {
		return ineligible("missing run id")
	}
	if strings.TrimSpace(toolName) == "" {
		return ineligible("missing tool name")
	}

	// Gate 2: registry membership.
	spec, ok := lookupSpec(toolName)
	if !ok {
		return ineligible(fmt.Sprintf("%q is not a registered commit tool", toolName))
	}

	// Gate 3: a matching approval request exists for the run.
	requests, err := b.approvals.GetRequestsByRunID(ctx, runID)
	if err != nil {
		return ineligible(fmt.Sprintf("approval store error: %v", err))
	}
	if len(requests) == 0 {
		return ineligible("no approval requests for run")
	}
	var match *approval.Request
	for _, r := range requests {
		if r.ActionType == spec.ActionType || r.ActionType == toolName {
			match = r
			break
		}
	}
	if match == nil {
		return ineligible(fmt.Sprintf("no approval request matching action %q", spec.ActionType))
	}

	// Gate 4: trust level floor.
	if match.TrustLevel < spec.MinTrustLevel {
		return ineligible(fmt.Sprintf("request trust level %s below minimum %s",
			match.TrustLevel, spec.MinTrustLevel))
	}

	// Gate 5: approved.
	if match.Status != approval.StatusApproved {
		return ineligible(fmt.Sprintf("approval status is %s, not APPROVED", match.Status))
	}

	// Gate 6: reviewer verdict.
	if match.ReviewerVerdict != schema.VerdictPass {
		return ineligible("reviewer verdict is not PASS")
	}

	// Gate 7: expiry. A stale approval does not authorize anything, even
	// in terminal status APPROVED.
	if match.Expired(b.clock().UTC()) {
		return ineligible("approval request has expired")
	}

	v := &Verification{Eligible: true, Spec: spec, Request: match}
	if sid, ok := match.ActionPayload["sandbox_id"].(string); ok {
		v.SandboxID = sid
	}

	// Gate 8: apply_changes requires a non-empty staged-change set.
	if spec.Name == ToolApplyChanges {
		if v.SandboxID == "" {
			return ineligible("apply_changes without a sandbox id")
		}
		if b.staged == nil || len(b.staged.GetStagedChanges(v.SandboxID)) == 0 {
			return ineligible("apply_changes with no staged changes")
		}
	}
	return v
}

// Result reports one commit execution.
type Result struct {
	Success        bool           `json:"success"`
	CommitID       string         `json:"commit_id"`
	Tool           string         `json:"tool"`
	ChangesApplied int            `json:"changes_applied"`
	Output         map[string]any `json:"output,omitempty"`
	Error          string         `json:"error,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

// ExecuteCommit verifies eligibility, then dispatches to the action
// handler with a freshly generated commit id. Exactly one audit event is
// emitted per execution, success or failure.
func (b *Boundary) ExecuteCommit(ctx context.Context, toolName, runID string, args map[string]any) *Result {
	commitID := "commit-" + uuid.New().String()

	v := b.VerifyCommitEligibility(ctx, runID, toolName)
	if !v.Eligible {
		res := &Result{Success: false, CommitID: commitID, Tool: toolName, Reason: v.Reason}
		b.auditCommit(ctx, runID, toolName, commitID, v, res)
		return res
	}

	handler, ok := b.handlers[v.Spec.Name]
	if !ok {
		res := &Result{
			Success: false, CommitID: commitID, Tool: toolName,
			Reason: "fail-closed: no handler registered for commit tool",
		}
		b.auditCommit(ctx, runID, toolName, commitID, v, res)
		return res
	}

	var staged []*sandbox.StagedChange
	if v.Spec.Name == ToolApplyChanges && b.staged != nil {
		staged = b.staged.CommitChanges(v.SandboxID)
	}

	output, err := handler(ctx, commitID, v.Request, args, staged)
	res := &Result{
		CommitID:       commitID,
		Tool:           toolName,
		ChangesApplied: len(staged),
		Output:         output,
	}
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Success = true
	}
	b.auditCommit(ctx, runID, toolName, commitID, v, res)
	return res
}

func (b *Boundary) auditCommit(ctx context.Context, runID, toolName, commitID string, v *Verification, res *Result) {
	if b.log == nil {
		return
	}
	level := schema.TrustL4
	domain, workflow, requester := "unknown", "unknown", "commit-boundary"
	if v.Request != nil {
		level = v.Request.TrustLevel
		domain = v.Request.Domain
		workflow = v.Request.WorkflowName
		requester = v.Request.Requester
	}
	e := &audit.Event{
		Domain:     domain,
		Workflow:   workflow,
		Agent:      requester,
		RunID:      runID,
		TrustLevel: level,
		Stage:      schema.StageCommit,
		Intent:     "commit " + toolName,
		ToolName:   toolName,
		ToolResult: map[string]any{
			"commit_id":       commitID,
			"success":         res.Success,
			"changes_applied": res.ChangesApplied,
		},
		Summary:   fmt.Sprintf("commit %s (%s)", toolName, commitID),
		SandboxID: v.SandboxID,
	}
	if v.Request != nil {
		e.ApprovalRequestID = v.Request.ID
	}
	if res.Error != "" {
		e.Errors = append(e.Errors, res.Error)
	}
	if res.Reason != "" {
		e.Errors = append(e.Errors, res.Reason)
	}
	b.log.Append(ctx, e)
}
