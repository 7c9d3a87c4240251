package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Env names the process environment class driving factory selection.
type Env string

const (
	EnvTest        Env = "test"
	EnvDevelopment Env = "development"
	EnvProduction  Env = "production"
)

// Config is read once at construction. Call sites never consult the
// process environment again.
type Config struct {
	Env            Env
	Enabled        bool              // sandbox-enabled flag
	FailClosed     bool              // force full isolation regardless of Env
	FallbackDirect bool              // direct execution when isolation is down (never in production)
	BaseEnv        map[string]string // names checked against the blocklist by New; not passed to executions
	DockerImage    string            // default image for container runs
}

// Isolator executes one sandboxed invocation.
type Isolator interface {
	// Name identifies the strategy ("docker", "wasi", "denied", "passthrough").
	Name() string
	// Available probes the facility. A non-nil error means any execution
	// must be denied (unless fallback-direct is configured outside
	// production). The error carries a FailureReason when known.
	Available(ctx context.Context) error
	// Run executes the input under the strategy's confinement.
	Run(ctx context.Context, sandboxID string, in *Input, limits Limits) *Result
}

// NewIsolator selects the strategy from the config:
//
//	test                        → passthrough
//	development, sandbox off    → passthrough (warning)
//	production or fail-closed   → docker, denial when unavailable
//	anything else               → denier
func NewIsolator(cfg Config, logger *slog.Logger) Isolator {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case cfg.Env == EnvTest && !cfg.FailClosed:
		return &Passthrough{}
	case cfg.Env == EnvDevelopment && !cfg.Enabled && !cfg.FailClosed:
		logger.Warn("sandbox disabled in development: tool handlers run without isolation")
		return &Passthrough{}
	case cfg.Env == EnvProduction || cfg.FailClosed:
		return NewDockerIsolator(cfg.DockerImage)
	default:
		return &Denier{}
	}
}

// Passthrough runs handlers in-process. Tests and opted-in development
// only; it provides no isolation whatsoever.
type Passthrough struct{}

func (*Passthrough) Name() string { return "passthrough" }

func (*Passthrough) Available(context.Context) error { return nil }

func (*Passthrough) Run(ctx context.Context, sandboxID string, in *Input, limits Limits) *Result {
	return runHandlerInProcess(ctx, in, limits)
}

// Denier refuses every execution. Used when no facility is configured.
type Denier struct{}

func (*Denier) Name() string { return "denied" }

func (*Denier) Available(context.Context) error {
	return &AvailabilityError{Reason: ReasonDockerNotAvailable, Err: errors.New("no isolation facility configured")}
}

func (*Denier) Run(_ context.Context, sandboxID string, _ *Input, _ Limits) *Result {
	return deny(sandboxID, ReasonDockerNotAvailable, errors.New("sandbox: execution denied"))
}

// runHandlerInProcess executes the Go handler with the wall-clock timeout
// enforced. Shared by passthrough and by container strategies when the
// input carries a handler instead of a command.
func runHandlerInProcess(ctx context.Context, in *Input, limits Limits) *Result {
	if in.Handler == nil {
		return &Result{
			Success:        false,
			FailureReason:  ReasonInvalidInput,
			DeniedByPolicy: true,
			Error:          "sandbox: no handler for in-process execution",
		}
	}

	runCtx := ctx
	if limits.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
		defer cancel()
	}

	type outcome struct {
		hr  *HandlerResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		hr, err := in.Handler(runCtx, in.Args)
		done <- outcome{hr, err}
	}()

	select {
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return &Result{Success: false, TimedOut: true, Error: "sandbox: execution timed out"}
		}
		return &Result{Success: false, Error: fmt.Sprintf("sandbox: cancelled: %v", runCtx.Err())}
	case out := <-done:
		if out.err != nil {
			return &Result{Success: false, ExitCode: 1, Error: out.err.Error()}
		}
		return &Result{Success: true, ExitCode: 0, handlerResult: out.hr}
	}
}
