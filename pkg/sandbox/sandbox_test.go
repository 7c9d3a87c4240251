package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentire-labs/trustgate/pkg/artifacts"
)

func testSandbox(t *testing.T, isolator Isolator) *Sandbox {
	t.Helper()
	fs, err := artifacts.NewFSStore(t.TempDir())
	require.NoError(t, err)
	sbx, err := New(Config{Env: EnvTest}, isolator, fs, nil)
	require.NoError(t, err)
	return sbx
}

func okHandler(invoked *bool) Handler {
	return func(context.Context, map[string]any) (*HandlerResult, error) {
		if invoked != nil {
			*invoked = true
		}
		return &HandlerResult{
			Output: map[string]any{"ok": true},
			Mutation: &Mutation{
				ChangeType: ChangeCreate,
				EntityType: "booking",
				Payload:    map[string]any{"guest": "a. traveler"},
			},
		}, nil
	}
}

func TestBlockedEnvVar(t *testing.T) {
	blocked := []string{
		"API_KEY", "STRIPE_API_KEY", "my_api_key", "DB_PASSWORD",
		"AWS_SECRET_ACCESS_KEY", "SERVICE_PRIVATE_KEY", "OAUTH_CLIENT_SECRET",
		"SLACK_BOT_TOKEN", "github_token",
	}
	for _, name := range blocked {
		assert.True(t, BlockedEnvVar(name), name)
	}
	allowed := []string{"PATH", "HOME", "LOG_LEVEL", "SANDBOX_IMAGE"}
	for _, name := range allowed {
		assert.False(t, BlockedEnvVar(name), name)
	}
}

func TestBlockedEnvVarInConfigIsStartupFailure(t *testing.T) {
	fs, err := artifacts.NewFSStore(t.TempDir())
	require.NoError(t, err)
	_, err = New(Config{
		Env:     EnvTest,
		BaseEnv: map[string]string{"STRIPE_SECRET_KEY": "sk_live_x"},
	}, &Passthrough{}, fs, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY")
}

func TestFallbackDirectForbiddenInProduction(t *testing.T) {
	fs, err := artifacts.NewFSStore(t.TempDir())
	require.NoError(t, err)
	_, err = New(Config{Env: EnvProduction, FallbackDirect: true}, &Denier{}, fs, nil)
	assert.Error(t, err)
}

func TestExecuteDeniesBlockedEnvRequest(t *testing.T) {
	sbx := testSandbox(t, &Passthrough{})
	invoked := false
	res := sbx.Execute(context.Background(), &Input{
		Tool:    "asi.stage_booking_create",
		Handler: okHandler(&invoked),
		Env:     map[string]string{"OPENAI_API_KEY": "sk-x"},
	})
	assert.False(t, res.Success)
	assert.True(t, res.DeniedByPolicy)
	assert.Equal(t, ReasonBlockedEnvVarRequested, res.FailureReason)
	assert.False(t, invoked, "handler must never run on denial")
	assert.NotEmpty(t, res.SandboxID)
}

func TestExecuteDeniesInvalidInput(t *testing.T) {
	sbx := testSandbox(t, &Passthrough{})
	res := sbx.Execute(context.Background(), &Input{Tool: "asi.x"})
	assert.True(t, res.DeniedByPolicy)
	assert.Equal(t, ReasonInvalidInput, res.FailureReason)
}

func TestExecuteDeniesInvalidAllowlist(t *testing.T) {
	sbx := testSandbox(t, &Passthrough{})
	invoked := false
	res := sbx.Execute(context.Background(), &Input{
		Tool:             "asi.x",
		Handler:          okHandler(&invoked),
		NetworkAllowlist: []string{"*"},
	})
	assert.True(t, res.DeniedByPolicy)
	assert.Equal(t, ReasonNetworkAllowlistInvalid, res.FailureReason)
	assert.False(t, invoked)
}

func TestFailClosedWhenIsolationUnavailable(t *testing.T) {
	sbx := testSandbox(t, &Denier{})
	invoked := false
	res := sbx.Execute(context.Background(), &Input{
		Tool:    "asi.stage_booking_create",
		Handler: okHandler(&invoked),
	})
	assert.False(t, res.Success)
	assert.True(t, res.DeniedByPolicy)
	assert.Equal(t, ReasonDockerNotAvailable, res.FailureReason)
	assert.False(t, invoked, "handler must never run when isolation is down")
}

func TestStagedChangeLifecycle(t *testing.T) {
	sbx := testSandbox(t, &Passthrough{})
	ctx := context.Background()

	first := sbx.Execute(ctx, &Input{Tool: "asi.stage_booking_create", Handler: okHandler(nil)})
	require.True(t, first.Success)
	sandboxID := first.SandboxID

	// A second call in the same sandbox accumulates.
	second := sbx.Execute(ctx, &Input{
		SandboxID: sandboxID,
		Tool:      "asi.stage_booking_update",
		Handler:   okHandler(nil),
	})
	require.True(t, second.Success)
	assert.Equal(t, sandboxID, second.SandboxID)

	staged := sbx.GetStagedChanges(sandboxID)
	require.Len(t, staged, 2)
	assert.Equal(t, "asi.stage_booking_create", staged[0].Tool)
	assert.Equal(t, "asi.stage_booking_update", staged[1].Tool)
	assert.True(t, !staged[1].CreatedAt.Before(staged[0].CreatedAt))

	committed := sbx.CommitChanges(sandboxID)
	assert.Len(t, committed, 2)
	assert.Empty(t, sbx.GetStagedChanges(sandboxID), "commit drains the ledger")
}

func TestRollbackDiscardsLedger(t *testing.T) {
	sbx := testSandbox(t, &Passthrough{})
	res := sbx.Execute(context.Background(), &Input{Tool: "asi.stage_booking_create", Handler: okHandler(nil)})
	require.True(t, res.Success)

	n := sbx.RollbackChanges(res.SandboxID)
	assert.Equal(t, 1, n)
	assert.Empty(t, sbx.GetStagedChanges(res.SandboxID))
}

func TestExecuteTimeout(t *testing.T) {
	sbx := testSandbox(t, &Passthrough{})
	res := sbx.Execute(context.Background(), &Input{
		Tool: "asi.slow",
		Handler: func(ctx context.Context, _ map[string]any) (*HandlerResult, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return &HandlerResult{}, nil
			}
		},
		Limits: &Limits{Timeout: 20 * time.Millisecond},
	})
	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)
	assert.Equal(t, ExitCodeTimeout, res.ExitCode)
	assert.Equal(t, ReasonExecutionTimeout, res.FailureReason)
}

func TestHandlerErrorIsNotDenial(t *testing.T) {
	sbx := testSandbox(t, &Passthrough{})
	res := sbx.Execute(context.Background(), &Input{
		Tool: "asi.broken",
		Handler: func(context.Context, map[string]any) (*HandlerResult, error) {
			return nil, errors.New("upstream 502")
		},
	})
	assert.False(t, res.Success)
	assert.False(t, res.DeniedByPolicy)
	assert.Contains(t, res.Error, "upstream 502")
}

func TestArtifactsCollected(t *testing.T) {
	sbx := testSandbox(t, &Passthrough{})
	res := sbx.Execute(context.Background(), &Input{
		Tool: "asi.report",
		Handler: func(context.Context, map[string]any) (*HandlerResult, error) {
			return &HandlerResult{
				Output:    map[string]any{"ok": true},
				Artifacts: map[string][]byte{"brief.md": []byte("# daily brief")},
			}, nil
		},
	})
	require.True(t, res.Success)
	require.Len(t, res.ArtifactPaths, 1)
	assert.Contains(t, res.ArtifactPaths[0], "brief.md")

	require.NoError(t, sbx.Cleanup(context.Background(), res.SandboxID))
}

func TestIsolatorFactory(t *testing.T) {
	assert.Equal(t, "passthrough", NewIsolator(Config{Env: EnvTest}, nil).Name())
	assert.Equal(t, "passthrough", NewIsolator(Config{Env: EnvDevelopment, Enabled: false}, nil).Name())
	assert.Equal(t, "docker", NewIsolator(Config{Env: EnvProduction}, nil).Name())
	assert.Equal(t, "docker", NewIsolator(Config{Env: EnvDevelopment, Enabled: true, FailClosed: true}, nil).Name())
	assert.Equal(t, "denied", NewIsolator(Config{Env: EnvDevelopment, Enabled: true}, nil).Name())
}
