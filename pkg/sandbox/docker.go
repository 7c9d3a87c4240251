package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// DockerIsolator confines executions in a container: read-only root
// filesystem, writable tmpfs /tmp, no new privileges, all capabilities
// dropped, non-root user, no network unless an allowlist is present, and
// explicit memory/CPU/PID ceilings. The wall-clock timeout kills the
// container and reports exit code 124.
//
// Inputs carrying a Go handler instead of a command still require the
// docker probe to pass before the handler runs; the probe is the
// fail-closed availability gate for side-effecting execution.
type DockerIsolator struct {
	image   string
	execCmd func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// DefaultImage is used when neither the config nor the input names one.
const DefaultImage = "alpine:3.20"

// NewDockerIsolator creates the strategy with a default image.
func NewDockerIsolator(image string) *DockerIsolator {
	if image == "" {
		image = DefaultImage
	}
	return &DockerIsolator{image: image, execCmd: exec.CommandContext}
}

// Available verifies the docker CLI exists and the daemon responds.
func (d *DockerIsolator) Available(ctx context.Context) error {
	if _, err := exec.LookPath("docker"); err != nil {
		return &AvailabilityError{Reason: ReasonDockerNotAvailable, Err: err}
	}
	probe, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := d.execCmd(probe, "docker", "info", "--format", "{{.ServerVersion}}")
	if err := cmd.Run(); err != nil {
		return &AvailabilityError{Reason: ReasonDockerNotRunning, Err: err}
	}
	return nil
}

func (d *DockerIsolator) Name() string { return "docker" }

// Run executes the input. Command inputs run inside a container; handler
// inputs run in-process after the availability gate has already passed.
func (d *DockerIsolator) Run(ctx context.Context, sandboxID string, in *Input, limits Limits) *Result {
	if len(in.Command) == 0 {
		return runHandlerInProcess(ctx, in, limits)
	}

	image := in.Image
	if image == "" {
		image = d.image
	}

	args := []string{
		"run", "--rm",
		"--name", sandboxID,
		"--read-only",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--user", "65534:65534",
		"--pids-limit", fmt.Sprint(limits.PIDs),
	}
	if limits.MemoryBytes > 0 {
		args = append(args, "-m", fmt.Sprint(limits.MemoryBytes))
	}
	if limits.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.2f", limits.CPUs))
	}
	if len(in.NetworkAllowlist) == 0 {
		args = append(args, "--network", "none")
	}
	for _, kv := range sortedEnv(in.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, image)
	args = append(args, in.Command...)

	runCtx := ctx
	if limits.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := d.execCmd(runCtx, "docker", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{
		Stdout: truncate(stdout.String(), 4096),
		Stderr: truncate(stderr.String(), 4096),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.Error = "sandbox: container execution timed out"
		// CommandContext sent SIGKILL; reap the container by name.
		_ = d.execCmd(context.Background(), "docker", "rm", "-f", sandboxID).Run()
		return res
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Error = fmt.Sprintf("sandbox: container exited %d", res.ExitCode)
			return res
		}
		res.FailureReason = startupReason(stderr.String())
		res.DeniedByPolicy = true
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.Output = map[string]any{"stdout": res.Stdout}
	return res
}

func startupReason(stderr string) FailureReason {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "pull access denied"), strings.Contains(lower, "manifest unknown"),
		strings.Contains(lower, "not found: manifest"):
		return ReasonImagePullFailed
	case strings.Contains(lower, "cannot connect to the docker daemon"):
		return ReasonDockerNotRunning
	default:
		return ReasonContainerStartupFailed
	}
}

func sortedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
