// Package sandbox runs side-effect-capable tool handlers under isolation
// with resource limits, collects artifacts, and buffers mutations as
// staged changes until an explicit commit.
//
// Availability is fail-closed: when the configured isolation facility is
// missing or broken the handler is never invoked, and the result carries a
// specific failure-reason code plus denied_by_policy = true.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentire-labs/trustgate/pkg/artifacts"
)

// FailureReason is the closed enumeration of denial and failure codes.
type FailureReason string

const (
	ReasonDockerNotAvailable         FailureReason = "DOCKER_NOT_AVAILABLE"
	ReasonDockerNotRunning           FailureReason = "DOCKER_NOT_RUNNING"
	ReasonImagePullFailed            FailureReason = "IMAGE_PULL_FAILED"
	ReasonBlockedEnvVarRequested     FailureReason = "BLOCKED_ENV_VAR_REQUESTED"
	ReasonInvalidInput               FailureReason = "INVALID_INPUT"
	ReasonNetworkAllowlistInvalid    FailureReason = "NETWORK_ALLOWLIST_INVALID"
	ReasonArtifactsDirCreationFailed FailureReason = "ARTIFACTS_DIR_CREATION_FAILED"
	ReasonExecutionTimeout           FailureReason = "EXECUTION_TIMEOUT"
	ReasonContainerStartupFailed     FailureReason = "CONTAINER_STARTUP_FAILED"
	ReasonUnknown                    FailureReason = "UNKNOWN_ERROR"
)

// ExitCodeTimeout is the conventional exit code for a killed, timed-out run.
const ExitCodeTimeout = 124

// ChangeType classifies a staged mutation.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// StagedChange is a buffered mutation awaiting commit.
type StagedChange struct {
	ID         string         `json:"id"`
	SandboxID  string         `json:"sandbox_id"`
	Tool       string         `json:"tool"`
	ChangeType ChangeType     `json:"change_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Limits bound a single execution.
type Limits struct {
	MemoryBytes int64
	CPUs        float64
	PIDs        int
	Timeout     time.Duration
}

// DefaultLimits is the baseline when the caller does not specify limits.
var DefaultLimits = Limits{
	MemoryBytes: 512 * 1024 * 1024,
	CPUs:        1.0,
	PIDs:        128,
	Timeout:     60 * time.Second,
}

// Handler is the opaque tool function executed under the sandbox contract.
// A non-nil Mutation in the return value is recorded as a staged change.
type Handler func(ctx context.Context, args map[string]any) (*HandlerResult, error)

// HandlerResult is what a handler produces inside the sandbox.
type HandlerResult struct {
	Output    map[string]any
	Mutation  *Mutation
	Artifacts map[string][]byte // name -> content, persisted via the artifact store
}

// Mutation describes a change the handler wants staged.
type Mutation struct {
	ChangeType ChangeType
	EntityType string
	EntityID   string
	Payload    map[string]any
}

// Input describes one execution.
type Input struct {
	SandboxID        string // empty means mint a new one
	Tool             string
	Args             map[string]any
	Handler          Handler
	Env              map[string]string // refused outright when a name is blocked
	Image            string            // container strategies only
	Command          []string          // container strategies only
	NetworkAllowlist []string
	Limits           *Limits
}

// Result reports one execution.
type Result struct {
	Success        bool           `json:"success"`
	SandboxID      string         `json:"sandbox_id"`
	Output         map[string]any `json:"output,omitempty"`
	Error          string         `json:"error,omitempty"`
	ArtifactPaths  []string       `json:"artifact_paths,omitempty"`
	Duration       time.Duration  `json:"duration"`
	TimedOut       bool           `json:"timed_out"`
	ExitCode       int            `json:"exit_code"`
	Stdout         string         `json:"stdout,omitempty"`
	Stderr         string         `json:"stderr,omitempty"`
	FailureReason  FailureReason  `json:"failure_reason,omitempty"`
	DeniedByPolicy bool           `json:"denied_by_policy,omitempty"`

	// handlerResult is populated by in-process isolators and consumed by
	// Execute to stage mutations and persist artifacts.
	handlerResult *HandlerResult
}

// ErrSandboxUnavailable is wrapped by isolator probes on a down facility.
var ErrSandboxUnavailable = errors.New("sandbox: isolation facility unavailable")

// Sandbox coordinates isolation, the staged-change ledger, and artifacts.
type Sandbox struct {
	isolator  Isolator
	artifacts *artifacts.FSStore
	mirror    artifacts.Store // optional second store (S3)
	logger    *slog.Logger
	clock     func() time.Time

	// fallbackDirect permits direct execution when isolation is down.
	// Off by default; forbidden in production. Every use logs a warning.
	fallbackDirect bool

	mu     sync.Mutex
	staged map[string][]*StagedChange // sandbox id -> ordered ledger
}

// New builds a Sandbox. The env blocklist is enforced against cfg.BaseEnv
// here: a blocked name in configuration is a startup failure, not a
// runtime denial.
func New(cfg Config, isolator Isolator, fs *artifacts.FSStore, logger *slog.Logger) (*Sandbox, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for name := range cfg.BaseEnv {
		if BlockedEnvVar(name) {
			return nil, fmt.Errorf("sandbox: blocked env var %q in configuration", name)
		}
	}
	if cfg.FallbackDirect && cfg.Env == EnvProduction {
		return nil, errors.New("sandbox: fallback direct execution is forbidden in production")
	}
	return &Sandbox{
		isolator:       isolator,
		artifacts:      fs,
		logger:         logger,
		clock:          time.Now,
		fallbackDirect: cfg.FallbackDirect,
		staged:         make(map[string][]*StagedChange),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Sandbox) WithClock(clock func() time.Time) *Sandbox {
	s.clock = clock
	return s
}

// WithMirror mirrors artifacts to a second store after each execution.
func (s *Sandbox) WithMirror(m artifacts.Store) *Sandbox {
	s.mirror = m
	return s
}

func deny(sandboxID string, reason FailureReason, err error) *Result {
	r := &Result{
		Success:        false,
		SandboxID:      sandboxID,
		FailureReason:  reason,
		DeniedByPolicy: true,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Execute runs one handler invocation under the sandbox contract. Every
// call yields a stable sandbox id, present even on denial.
func (s *Sandbox) Execute(ctx context.Context, in *Input) *Result {
	sandboxID := in.SandboxID
	if sandboxID == "" {
		sandboxID = "sbx-" + uuid.New().String()
	}

	if in.Tool == "" || (in.Handler == nil && len(in.Command) == 0) {
		return deny(sandboxID, ReasonInvalidInput, errors.New("sandbox: missing tool or handler"))
	}
	for name := range in.Env {
		if BlockedEnvVar(name) {
			return deny(sandboxID, ReasonBlockedEnvVarRequested,
				fmt.Errorf("sandbox: env var %q is blocked", name))
		}
	}
	if reason, err := validateAllowlist(in.NetworkAllowlist); err != nil {
		return deny(sandboxID, reason, err)
	}

	limits := DefaultLimits
	if in.Limits != nil {
		limits = *in.Limits
	}

	// Probe the isolation facility before anything touches the handler.
	if err := s.isolator.Available(ctx); err != nil {
		if !s.fallbackDirect {
			return deny(sandboxID, availabilityReason(err), err)
		}
		s.logger.Warn("sandbox isolation unavailable, falling back to direct execution",
			"sandbox_id", sandboxID, "tool", in.Tool, "err", err)
	}

	if _, err := s.artifacts.Dir(sandboxID); err != nil {
		return deny(sandboxID, ReasonArtifactsDirCreationFailed, err)
	}

	start := s.clock()
	res := s.isolator.Run(ctx, sandboxID, in, limits)
	res.SandboxID = sandboxID
	res.Duration = s.clock().Sub(start)

	if res.TimedOut {
		res.ExitCode = ExitCodeTimeout
		res.FailureReason = ReasonExecutionTimeout
	}

	if res.Success && res.handlerResult != nil {
		s.recordHandlerResult(ctx, sandboxID, in.Tool, res)
	}
	return res
}

func (s *Sandbox) recordHandlerResult(ctx context.Context, sandboxID, tool string, res *Result) {
	hr := res.handlerResult
	res.Output = hr.Output

	if hr.Mutation != nil {
		change := &StagedChange{
			ID:         uuid.New().String(),
			SandboxID:  sandboxID,
			Tool:       tool,
			ChangeType: hr.Mutation.ChangeType,
			EntityType: hr.Mutation.EntityType,
			EntityID:   hr.Mutation.EntityID,
			Payload:    hr.Mutation.Payload,
			CreatedAt:  s.clock().UTC(),
		}
		s.mu.Lock()
		s.staged[sandboxID] = append(s.staged[sandboxID], change)
		s.mu.Unlock()
	}

	for name, content := range hr.Artifacts {
		path, err := s.artifacts.Put(ctx, sandboxID, name, content)
		if err != nil {
			s.logger.Error("artifact write failed", "sandbox_id", sandboxID, "name", name, "err", err)
			continue
		}
		res.ArtifactPaths = append(res.ArtifactPaths, path)
		if s.mirror != nil {
			if _, err := s.mirror.Put(ctx, sandboxID, name, content); err != nil {
				s.logger.Warn("artifact mirror failed", "sandbox_id", sandboxID, "name", name, "err", err)
			}
		}
	}
}

// GetStagedChanges returns the ordered ledger for a sandbox.
func (s *Sandbox) GetStagedChanges(sandboxID string) []*StagedChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	ledger := s.staged[sandboxID]
	out := make([]*StagedChange, len(ledger))
	for i, c := range ledger {
		cp := *c
		out[i] = &cp
	}
	return out
}

// CommitChanges hands the ledger to the caller for materialization and
// clears it. Domain code applies the changes; this is the commit hook.
func (s *Sandbox) CommitChanges(sandboxID string) []*StagedChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	ledger := s.staged[sandboxID]
	delete(s.staged, sandboxID)
	return ledger
}

// RollbackChanges discards the ledger.
func (s *Sandbox) RollbackChanges(sandboxID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.staged[sandboxID])
	delete(s.staged, sandboxID)
	return n
}

// Cleanup removes the artifacts directory and clears ledger state.
func (s *Sandbox) Cleanup(ctx context.Context, sandboxID string) error {
	s.RollbackChanges(sandboxID)
	if s.mirror != nil {
		if err := s.mirror.Remove(ctx, sandboxID); err != nil {
			s.logger.Warn("artifact mirror cleanup failed", "sandbox_id", sandboxID, "err", err)
		}
	}
	return s.artifacts.Remove(ctx, sandboxID)
}

func validateAllowlist(hosts []string) (FailureReason, error) {
	for _, h := range hosts {
		if h == "" || h == "*" {
			return ReasonNetworkAllowlistInvalid,
				fmt.Errorf("sandbox: network allowlist entry %q is invalid", h)
		}
	}
	return "", nil
}

func availabilityReason(err error) FailureReason {
	var coded *AvailabilityError
	if errors.As(err, &coded) {
		return coded.Reason
	}
	return ReasonUnknown
}

// AvailabilityError carries a failure-reason code from an isolator probe.
type AvailabilityError struct {
	Reason FailureReason
	Err    error
}

func (e *AvailabilityError) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *AvailabilityError) Unwrap() error { return e.Err }
