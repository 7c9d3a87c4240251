// Package orchestrator sequences workflow stages, drives agents against
// the LLM, dispatches their tool calls through the router, and threads
// the reviewer verdict and approval state into the commit stage.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentire-labs/trustgate/pkg/approval"
	"github.com/sentire-labs/trustgate/pkg/audit"
	"github.com/sentire-labs/trustgate/pkg/commit"
	"github.com/sentire-labs/trustgate/pkg/gate"
	"github.com/sentire-labs/trustgate/pkg/llm"
	"github.com/sentire-labs/trustgate/pkg/router"
	"github.com/sentire-labs/trustgate/pkg/schema"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusRequiresApproval Status = "requires_approval"
)

// RunResult reports one workflow run.
type RunResult struct {
	RunID             string         `json:"run_id"`
	Status            Status         `json:"status"`
	Output            string         `json:"output,omitempty"`
	Events            []string       `json:"events,omitempty"` // audit event ids captured in order
	Duration          time.Duration  `json:"duration"`
	ApprovalRequestID string         `json:"approval_request_id,omitempty"`
	ReviewerVerdict   schema.Verdict `json:"reviewer_verdict,omitempty"`
	FailureReason     string         `json:"failure_reason,omitempty"`
}

// DefaultMaxTurns bounds an agent whose definition does not set one.
const DefaultMaxTurns = 8

// Runner executes workflows.
type Runner struct {
	router    *router.Router
	approvals approval.Store // optional; nil pauses on any approval need
	client    llm.Client
	log       *audit.Log
	logger    *slog.Logger
	clock     func() time.Time
	model     string
}

// Option configures a Runner.
type Option func(*Runner)

// WithApprovalStore enables approval creation and auto-approval.
func WithApprovalStore(s approval.Store) Option { return func(r *Runner) { r.approvals = s } }

// WithLogger injects the diagnostic logger.
func WithLogger(lg *slog.Logger) Option { return func(r *Runner) { r.logger = lg } }

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(r *Runner) { r.clock = clock } }

// WithModel sets the model name passed to the LLM client.
func WithModel(model string) Option { return func(r *Runner) { r.model = model } }

// NewRunner creates a Runner.
func NewRunner(rt *router.Router, client llm.Client, log *audit.Log, opts ...Option) *Runner {
	r := &Runner{
		router: rt,
		client: client,
		log:    log,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// runState carries what threads between stages.
type runState struct {
	runID         string
	workflow      *schema.WorkflowDefinition
	verdict       schema.Verdict
	reviewerNotes string
	sandboxID     string
	events        []string
	pending       *pendingCommit
}

// pendingCommit is a commit-tool call the gate held for approval.
type pendingCommit struct {
	tool string
	args map[string]any
}

// RunWorkflow validates the workflow and executes its stages in order.
func (r *Runner) RunWorkflow(ctx context.Context, wf *schema.WorkflowDefinition, input string) *RunResult {
	start := r.clock()
	st := &runState{
		runID:    uuid.New().String(),
		workflow: wf,
	}
	result := func(status Status, output, reason string) *RunResult {
		res := &RunResult{
			RunID:           st.runID,
			Status:          status,
			Output:          output,
			Events:          st.events,
			Duration:        r.clock().Sub(start),
			ReviewerVerdict: st.verdict,
			FailureReason:   reason,
		}
		r.auditRun(ctx, st, string(status), reason)
		return res
	}

	if err := wf.Validate(); err != nil {
		return result(StatusFailed, "", fmt.Sprintf("workflow validation: %v", err))
	}

	output := input
	for _, stage := range wf.Stages {
		role, _ := schema.RoleForStage(stage)
		agent := wf.AgentForRole(role)
		if agent == nil {
			return result(StatusFailed, output, fmt.Sprintf("no %s agent for stage %s", role, stage))
		}

		if stage == schema.StageCommit && st.verdict == "" {
			return result(StatusFailed, output,
				"commit stage reached without a reviewer verdict")
		}

		text, pendingApproval, err := r.runAgent(ctx, st, agent, stage, output)
		if err != nil {
			return result(StatusFailed, output, fmt.Sprintf("stage %s: %v", stage, err))
		}

		if stage == schema.StageReview {
			verdict, ok := ParseVerdict(text)
			if !ok {
				return result(StatusFailed, text, "reviewer produced no explicit verdict")
			}
			st.verdict = verdict
			st.reviewerNotes = summarize(text)
			if verdict == schema.VerdictFail {
				r.auditStage(ctx, st, agent.Name, stage, "reviewer FAIL — commit blocked", nil)
				return result(StatusFailed, text, "reviewer verdict FAIL")
			}
		}

		if pendingApproval {
			res, requestID, resolved := r.resolveApproval(ctx, st, agent, stage)
			if !resolved {
				out := result(StatusRequiresApproval, output, res)
				out.ApprovalRequestID = requestID
				return out
			}
			// Auto-approval landed; re-run the held commit call.
			text, pendingApproval, err = r.runPendingCommit(ctx, st, agent, stage)
			if err != nil {
				return result(StatusFailed, output, fmt.Sprintf("stage %s: %v", stage, err))
			}
			if pendingApproval {
				out := result(StatusRequiresApproval, output, "commit still pending after auto-approval")
				out.ApprovalRequestID = requestID
				return out
			}
		}

		output = text
	}

	return result(StatusCompleted, output, "")
}

// runAgent drives the LLM up to maxTurns, dispatching tool calls through
// the router with the current reviewer verdict threaded in. It returns
// the final text and whether a commit tool is held pending approval.
func (r *Runner) runAgent(ctx context.Context, st *runState, agent *schema.AgentDefinition, stage schema.Stage, input string) (string, bool, error) {
	maxTurns := agent.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	messages := []llm.Message{
		{Role: "system", Content: agent.SystemPrompt},
		{Role: "user", Content: input},
	}
	specs := r.toolSpecs(agent)

	pendingApproval := false
	var finalText string

	for turn := 0; turn < maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return "", false, fmt.Errorf("cancelled: %w", err)
		}
		resp, err := r.client.Complete(ctx, &llm.Request{
			Model:    r.model,
			Messages: messages,
			Tools:    specs,
		})
		if err != nil {
			return "", false, fmt.Errorf("llm: %w", err)
		}
		finalText = resp.Content

		if len(resp.ToolCalls) == 0 {
			break
		}
		if resp.Content != "" {
			messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content})
		}

		// Batched calls dispatch concurrently through the router.
		reqs := make([]*router.Request, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			if !agent.AllowsTool(tc.Name) {
				messages = append(messages, llm.Message{
					Role:    "tool",
					Content: fmt.Sprintf("%s: denied, tool not in agent allowlist", tc.Name),
				})
				continue
			}
			reqs = append(reqs, &router.Request{
				Tool:  tc.Name,
				Args:  tc.Args,
				Stage: stage,
				Context: gate.CallContext{
					Agent:           agent.Name,
					RunID:           st.runID,
					Workflow:        st.workflow.Name,
					Domain:          string(st.workflow.Domain),
					ReviewerVerdict: st.verdict,
				},
			})
		}
		if len(reqs) == 0 {
			continue
		}

		responses := r.router.CallParallel(ctx, reqs)
		for _, req := range reqs {
			resp := responses[req.Tool]
			if resp == nil {
				continue
			}
			st.events = append(st.events, resp.AuditEventID)
			if resp.SandboxID != "" {
				st.sandboxID = resp.SandboxID
			}
			if resp.PendingApproval && commit.IsCommitTool(req.Tool) {
				pendingApproval = true
				st.pending = &pendingCommit{tool: req.Tool, args: req.Args}
			}
			messages = append(messages, llm.Message{
				Role:    "tool",
				Content: toolResultMessage(req.Tool, resp),
			})
		}
	}

	return finalText, pendingApproval, nil
}

// resolveApproval handles a held commit call. Returns (reason, requestID,
// resolved): resolved=true means auto-approval succeeded and the commit
// may be retried; otherwise the run pauses as requires_approval.
func (r *Runner) resolveApproval(ctx context.Context, st *runState, agent *schema.AgentDefinition, stage schema.Stage) (string, string, bool) {
	if r.approvals == nil || st.pending == nil || stage != schema.StageCommit {
		r.auditStage(ctx, st, agent.Name, stage, "paused: requires human approval", nil)
		return "approval required but no store or pending commit tool", "", false
	}

	spec, ok := lookupCommitSpec(st.pending.tool)
	if !ok {
		r.auditStage(ctx, st, agent.Name, stage, "paused: requires human approval", nil)
		return fmt.Sprintf("%s is not a commit tool", st.pending.tool), "", false
	}

	payload := map[string]any{"args": st.pending.args}
	if st.sandboxID != "" {
		payload["sandbox_id"] = st.sandboxID
	}
	req, err := r.approvals.CreateRequest(ctx, &approval.CreateInput{
		Domain:          string(st.workflow.Domain),
		RunID:           st.runID,
		WorkflowName:    st.workflow.Name,
		Requester:       agent.Name,
		TrustLevel:      spec.MinTrustLevel,
		ActionType:      spec.ActionType,
		ActionPayload:   payload,
		Context:         map[string]any{"stage": string(stage)},
		ReviewerVerdict: st.verdict,
		ReviewerNotes:   st.reviewerNotes,
	})
	if err != nil {
		r.auditStage(ctx, st, agent.Name, stage, "approval request creation failed", []string{err.Error()})
		return fmt.Sprintf("approval request creation failed: %v", err), "", false
	}

	if req.AutoApproveEligible && st.verdict == schema.VerdictPass {
		decision, err := r.approvals.AutoApprove(ctx, req.ID)
		if err == nil && decision != nil {
			r.auditStage(ctx, st, agent.Name, stage,
				fmt.Sprintf("auto-approved %s as %s", spec.ActionType, decision.DecidedBy),
				nil)
			return "", req.ID, true
		}
		if err != nil {
			r.logger.Warn("auto-approve errored", "request_id", req.ID, "err", err)
		}
	}

	r.auditStage(ctx, st, agent.Name, stage, "paused: requires human approval", nil)
	return "awaiting human approval", req.ID, false
}

// runPendingCommit re-issues the held commit call after approval landed.
func (r *Runner) runPendingCommit(ctx context.Context, st *runState, agent *schema.AgentDefinition, stage schema.Stage) (string, bool, error) {
	pending := st.pending
	st.pending = nil
	if pending == nil {
		return "", false, nil
	}
	resp := r.router.Call(ctx, &router.Request{
		Tool:  pending.tool,
		Args:  pending.args,
		Stage: stage,
		Context: gate.CallContext{
			Agent:           agent.Name,
			RunID:           st.runID,
			Workflow:        st.workflow.Name,
			Domain:          string(st.workflow.Domain),
			ReviewerVerdict: st.verdict,
		},
	})
	st.events = append(st.events, resp.AuditEventID)
	if resp.PendingApproval {
		return "", true, nil
	}
	if !resp.Success {
		reason := resp.Error
		if reason == "" {
			reason = resp.Reason
		}
		return "", false, fmt.Errorf("commit %s failed: %s", pending.tool, reason)
	}
	return toolResultMessage(pending.tool, resp), false, nil
}

func (r *Runner) toolSpecs(agent *schema.AgentDefinition) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(agent.AllowedTools))
	for _, name := range agent.AllowedTools {
		specs = append(specs, llm.ToolSpec{
			Name:        name,
			Description: "registered tool " + name,
			Parameters:  map[string]any{"type": "object"},
		})
	}
	return specs
}

func (r *Runner) auditStage(ctx context.Context, st *runState, agentName string, stage schema.Stage, intent string, errs []string) {
	if r.log == nil {
		return
	}
	res := r.log.Append(ctx, &audit.Event{
		Domain:     string(st.workflow.Domain),
		Workflow:   st.workflow.Name,
		Agent:      agentName,
		RunID:      st.runID,
		TrustLevel: schema.TrustL0,
		Stage:      stage,
		Intent:     intent,
		Errors:     errs,
	})
	st.events = append(st.events, res.EventID)
}

func (r *Runner) auditRun(ctx context.Context, st *runState, status, reason string) {
	if r.log == nil {
		return
	}
	var errs []string
	if reason != "" {
		errs = []string{reason}
	}
	domain, workflow := "unknown", "unknown"
	if st.workflow != nil {
		domain, workflow = string(st.workflow.Domain), st.workflow.Name
	}
	res := r.log.Append(ctx, &audit.Event{
		Domain:     domain,
		Workflow:   workflow,
		Agent:      "orchestrator",
		RunID:      st.runID,
		TrustLevel: schema.TrustL0,
		Stage:      lastStage(st),
		Intent:     "run " + status,
		Summary:    reason,
		Errors:     errs,
	})
	st.events = append(st.events, res.EventID)
}

func lastStage(st *runState) schema.Stage {
	if st.workflow == nil || len(st.workflow.Stages) == 0 {
		return schema.StagePlan
	}
	return st.workflow.Stages[len(st.workflow.Stages)-1]
}

func lookupCommitSpec(tool string) (commit.ToolSpec, bool) {
	if spec, ok := commit.Registry[tool]; ok {
		return spec, true
	}
	if i := strings.LastIndex(tool, "."); i >= 0 {
		suffix := strings.TrimPrefix(tool[i+1:], "commit_")
		if spec, ok := commit.Registry[suffix]; ok {
			return spec, true
		}
	}
	return commit.ToolSpec{}, false
}

func toolResultMessage(tool string, resp *router.Response) string {
	switch {
	case resp.PendingApproval:
		return fmt.Sprintf("%s: held pending approval (%s)", tool, resp.Reason)
	case !resp.Allowed:
		return fmt.Sprintf("%s: denied (%s)", tool, resp.Reason)
	case !resp.Success:
		return fmt.Sprintf("%s: failed (%s)", tool, resp.Error)
	default:
		return fmt.Sprintf("%s: ok %v", tool, resp.Output)
	}
}

func summarize(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 280 {
		return text
	}
	return text[:280]
}
