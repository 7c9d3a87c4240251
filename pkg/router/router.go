// Package router dispatches tool calls: it resolves the tool definition,
// validates arguments against the tool's schema, asks the trust gate for a
// decision, enforces rate limits, routes commit tools through the commit
// boundary, and invokes the handler directly or inside the sandbox.
//
// Every call produces exactly one audit event, allowed or denied, success
// or failure. Audit emission failures are logged and never change the
// result of an already-decided call.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/sentire-labs/trustgate/pkg/audit"
	"github.com/sentire-labs/trustgate/pkg/commit"
	"github.com/sentire-labs/trustgate/pkg/gate"
	"github.com/sentire-labs/trustgate/pkg/observability"
	"github.com/sentire-labs/trustgate/pkg/sandbox"
	"github.com/sentire-labs/trustgate/pkg/schema"
)

// Handler executes a tool. Mutations and artifacts in the result are
// honored only on the sandboxed path.
type Handler = sandbox.Handler

// Request is one tool invocation.
type Request struct {
	Tool    string
	Args    map[string]any
	Stage   schema.Stage
	Context gate.CallContext
}

// Response is the outcome of one invocation.
type Response struct {
	Allowed             bool              `json:"allowed"`
	Success             bool              `json:"success"`
	TrustLevel          schema.TrustLevel `json:"trust_level"`
	Sandboxed           bool              `json:"sandboxed"`
	PendingApproval     bool              `json:"pending_approval"`
	AutoApproveEligible bool              `json:"auto_approve_eligible"`
	Output              map[string]any    `json:"output,omitempty"`
	SandboxID           string            `json:"sandbox_id,omitempty"`
	ArtifactPaths       []string          `json:"artifact_paths,omitempty"`
	Reason              string            `json:"reason,omitempty"`
	Error               string            `json:"error,omitempty"`
	AuditEventID        string            `json:"audit_event_id,omitempty"`
}

type registration struct {
	def      schema.ToolDefinition
	handler  Handler
	compiled *jsonschema.Schema
	limiter  *rate.Limiter
}

// Config tunes the router.
type Config struct {
	// RatePerTool is calls per second allowed per tool, with BurstPerTool
	// headroom. Zero disables local rate limiting.
	RatePerTool  float64
	BurstPerTool int
}

// Router registers tools and dispatches calls.
type Router struct {
	cfg      Config
	gate     *gate.Gate
	log      *audit.Log
	sandbox  *sandbox.Sandbox
	boundary *commit.Boundary
	shared   SharedLimiter // optional distributed limiter
	obs      *observability.Provider
	logger   *slog.Logger

	mu    sync.RWMutex
	tools map[string]*registration
}

// Option configures a Router.
type Option func(*Router)

// WithCommitBoundary enables the second, independent commit barrier.
func WithCommitBoundary(b *commit.Boundary) Option { return func(r *Router) { r.boundary = b } }

// WithSharedLimiter enables a distributed rate limiter across router
// instances.
func WithSharedLimiter(l SharedLimiter) Option { return func(r *Router) { r.shared = l } }

// WithObservability records router and gate metrics on the provider.
func WithObservability(p *observability.Provider) Option { return func(r *Router) { r.obs = p } }

// WithLogger injects the diagnostic logger.
func WithLogger(lg *slog.Logger) Option { return func(r *Router) { r.logger = lg } }

// New creates a Router. The sandbox may be nil only when no registered
// tool can ever be routed to it; a sandboxed decision with no sandbox
// denies fail-closed.
func New(cfg Config, g *gate.Gate, log *audit.Log, sbx *sandbox.Sandbox, opts ...Option) *Router {
	r := &Router{
		cfg:     cfg,
		gate:    g,
		log:     log,
		sandbox: sbx,
		logger:  slog.Default(),
		tools:   make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds a definition and handler. Ill-formed definitions and
// duplicate names are rejected; an input schema that fails to compile is
// a registration error, not a runtime denial.
func (r *Router) Register(def schema.ToolDefinition, handler Handler) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("router: register %q: %w", def.Name, err)
	}
	if handler == nil {
		return fmt.Errorf("router: register %q: nil handler", def.Name)
	}

	reg := &registration{def: def, handler: handler}
	if len(def.InputSchema) > 0 {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := "https://trustgate.schemas.local/tools/" + def.Name + ".schema.json"
		if err := c.AddResource(url, strings.NewReader(string(def.InputSchema))); err != nil {
			return fmt.Errorf("router: register %q: schema load: %w", def.Name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("router: register %q: schema compile: %w", def.Name, err)
		}
		reg.compiled = compiled
	}
	if r.cfg.RatePerTool > 0 {
		burst := r.cfg.BurstPerTool
		if burst <= 0 {
			burst = 1
		}
		reg.limiter = rate.NewLimiter(rate.Limit(r.cfg.RatePerTool), burst)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[def.Name]; dup {
		return fmt.Errorf("router: tool %q already registered", def.Name)
	}
	r.tools[def.Name] = reg
	return nil
}

// Call dispatches one request.
func (r *Router) Call(ctx context.Context, req *Request) *Response {
	start := time.Now()
	resp := r.call(ctx, req)
	if r.obs != nil {
		tool, stage := "", ""
		if req != nil {
			tool, stage = req.Tool, string(req.Stage)
		}
		r.obs.RecordRouterCall(ctx, tool, resp.Allowed, resp.Success, time.Since(start))
		r.obs.RecordGateDecision(ctx, resp.Allowed, resp.TrustLevel.String(), stage)
	}
	return resp
}

func (r *Router) call(ctx context.Context, req *Request) *Response {
	// Input validation.
	if req == nil || strings.TrimSpace(req.Tool) == "" {
		return r.finish(ctx, req, &Response{
			Allowed: false, TrustLevel: schema.TrustL4,
			Reason: "FAIL CLOSED: missing tool name",
		})
	}
	if strings.TrimSpace(req.Context.Agent) == "" || strings.TrimSpace(req.Context.RunID) == "" {
		return r.finish(ctx, req, &Response{
			Allowed: false, TrustLevel: schema.TrustL4,
			Reason: "FAIL CLOSED: missing call context",
		})
	}

	// Tool and handler lookup.
	r.mu.RLock()
	reg, ok := r.tools[req.Tool]
	r.mu.RUnlock()
	if !ok {
		return r.finish(ctx, req, &Response{
			Allowed: false, TrustLevel: schema.TrustL4,
			Reason: fmt.Sprintf("FAIL CLOSED: unknown tool %q", req.Tool),
		})
	}
	if reg.handler == nil {
		return r.finish(ctx, req, &Response{
			Allowed: false, TrustLevel: schema.TrustL4,
			Reason: fmt.Sprintf("FAIL CLOSED: no handler for tool %q", req.Tool),
		})
	}

	// Rate limits before the gate: a throttled call is never classified
	// as approved-and-dropped.
	if reg.limiter != nil && !reg.limiter.Allow() {
		return r.finish(ctx, req, &Response{
			Allowed: false, TrustLevel: r.gate.DeriveTrustLevel(&reg.def),
			Reason: "FAIL CLOSED: local rate limit exceeded",
		})
	}
	if r.shared != nil {
		allowed, err := r.shared.Allow(ctx, req.Tool)
		if err != nil {
			r.logger.Warn("shared limiter unavailable", "tool", req.Tool, "err", err)
		} else if !allowed {
			return r.finish(ctx, req, &Response{
				Allowed: false, TrustLevel: r.gate.DeriveTrustLevel(&reg.def),
				Reason: "FAIL CLOSED: shared rate limit exceeded",
			})
		}
	}

	// Trust gate. A panic inside policy evaluation is a fail-closed
	// denial, not a crash.
	decision := r.evaluate(ctx, reg, req)

	resp := &Response{
		Allowed:             decision.Allowed,
		TrustLevel:          decision.TrustLevel,
		Sandboxed:           decision.Sandboxed,
		AutoApproveEligible: decision.AutoApproveEligible,
		Reason:              decision.Reason,
	}
	if !decision.Allowed {
		if decision.RequiresApproval {
			resp.PendingApproval = true
		}
		return r.finish(ctx, req, resp)
	}

	// Second, independent barrier for commit tools.
	if decision.CommitTool && r.boundary != nil {
		if v := r.boundary.VerifyCommitEligibility(ctx, req.Context.RunID, req.Tool); !v.Eligible {
			resp.Allowed = false
			resp.Reason = "FAIL CLOSED: commit boundary: " + strings.TrimPrefix(v.Reason, "fail-closed: ")
			return r.finish(ctx, req, resp)
		}
	}

	// Argument schema.
	if reg.compiled != nil {
		if err := reg.compiled.Validate(argsForValidation(req.Args)); err != nil {
			resp.Allowed = false
			resp.Reason = fmt.Sprintf("FAIL CLOSED: input schema: %v", err)
			return r.finish(ctx, req, resp)
		}
	}

	// Invocation.
	if decision.Sandboxed {
		if r.sandbox == nil {
			resp.Allowed = false
			resp.Reason = "FAIL CLOSED: sandboxed execution required but no sandbox configured"
			return r.finish(ctx, req, resp)
		}
		sres := r.sandbox.Execute(ctx, &sandbox.Input{
			Tool:    req.Tool,
			Args:    req.Args,
			Handler: reg.handler,
		})
		resp.SandboxID = sres.SandboxID
		resp.ArtifactPaths = sres.ArtifactPaths
		resp.Success = sres.Success
		resp.Output = sres.Output
		if !sres.Success {
			resp.Error = sres.Error
			if sres.DeniedByPolicy {
				resp.Allowed = false
				resp.Reason = fmt.Sprintf("FAIL CLOSED: sandbox denied (%s)", sres.FailureReason)
			}
		}
		return r.finish(ctx, req, resp)
	}

	hres, err := r.invokeDirect(ctx, reg, req)
	if err != nil {
		resp.Success = false
		resp.Error = err.Error()
		return r.finish(ctx, req, resp)
	}
	resp.Success = true
	if hres != nil {
		resp.Output = hres.Output
	}
	return r.finish(ctx, req, resp)
}

func (r *Router) evaluate(ctx context.Context, reg *registration, req *Request) (d *gate.Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			d = &gate.Decision{
				Allowed:    false,
				TrustLevel: schema.TrustL4,
				Reason:     fmt.Sprintf("FAIL CLOSED: gate panic: %v", rec),
			}
		}
	}()
	return r.gate.EvaluateWithApproval(ctx, &reg.def, req.Stage, req.Context)
}

func (r *Router) invokeDirect(ctx context.Context, reg *registration, req *Request) (hres *sandbox.HandlerResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			hres, err = nil, fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return reg.handler(ctx, req.Args)
}

// finish emits the single audit event for the call and returns the
// response. Audit failure is logged and does not alter the response.
func (r *Router) finish(ctx context.Context, req *Request, resp *Response) *Response {
	if r.log == nil {
		return resp
	}

	e := &audit.Event{
		Domain:     "unknown",
		Workflow:   "unknown",
		Agent:      "unknown",
		RunID:      "unknown",
		TrustLevel: resp.TrustLevel,
		Stage:      schema.StageExecute,
		Intent:     "tool call",
		SandboxID:  resp.SandboxID,
	}
	if req != nil {
		e.ToolName = req.Tool
		e.ToolArgs = req.Args
		e.Intent = "call " + req.Tool
		if req.Stage.Valid() {
			e.Stage = req.Stage
		}
		if req.Context.Agent != "" {
			e.Agent = req.Context.Agent
		}
		if req.Context.RunID != "" {
			e.RunID = req.Context.RunID
		}
		if req.Context.Workflow != "" {
			e.Workflow = req.Context.Workflow
		}
		if req.Context.Domain != "" {
			e.Domain = req.Context.Domain
		}
	}
	e.ToolResult = map[string]any{
		"allowed": resp.Allowed,
		"success": resp.Success,
	}
	e.SandboxArtifacts = resp.ArtifactPaths
	if resp.PendingApproval {
		e.Summary = "denied pending approval"
	}
	if resp.Reason != "" {
		e.Errors = append(e.Errors, resp.Reason)
	}
	if resp.Error != "" {
		e.Errors = append(e.Errors, resp.Error)
	}

	res := r.log.Append(ctx, e)
	if res.Err != nil {
		r.logger.Error("router audit append failed", "tool", e.ToolName, "err", res.Err)
	}
	resp.AuditEventID = res.EventID
	return resp
}

// CallParallel dispatches a batch concurrently and keys results by tool
// name. No ordering is guaranteed between concurrent calls.
func (r *Router) CallParallel(ctx context.Context, reqs []*Request) map[string]*Response {
	out := make(map[string]*Response, len(reqs))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, req := range reqs {
		wg.Add(1)
		go func(req *Request) {
			defer wg.Done()
			resp := r.Call(ctx, req)
			mu.Lock()
			out[req.Tool] = resp
			mu.Unlock()
		}(req)
	}
	wg.Wait()
	return out
}

// argsForValidation converts nil args into an empty object so schemas
// with no required fields accept calls without arguments.
func argsForValidation(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	return args
}
