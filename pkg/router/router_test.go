package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentire-labs/trustgate/pkg/artifacts"
	"github.com/sentire-labs/trustgate/pkg/audit"
	"github.com/sentire-labs/trustgate/pkg/gate"
	"github.com/sentire-labs/trustgate/pkg/sandbox"
	"github.com/sentire-labs/trustgate/pkg/schema"
)

const runID = "11111111-1111-1111-1111-111111111111"

func callCtx() gate.CallContext {
	return gate.CallContext{
		Agent:    "worker-1",
		RunID:    runID,
		Workflow: "daily_ops_brief",
		Domain:   "asi",
	}
}

func readTool() schema.ToolDefinition {
	return schema.ToolDefinition{
		Name:       "asi.get_bookings",
		Capability: schema.CapabilityRead,
		Risk:       schema.RiskLow,
	}
}

func okHandler(invoked *bool) Handler {
	return func(context.Context, map[string]any) (*sandbox.HandlerResult, error) {
		if invoked != nil {
			*invoked = true
		}
		return &sandbox.HandlerResult{Output: map[string]any{"bookings": 3}}, nil
	}
}

func testRouter(t *testing.T, isolator sandbox.Isolator, opts ...Option) (*Router, *audit.MemoryStore) {
	t.Helper()
	events := audit.NewMemoryStore()
	log := audit.NewLog(events, audit.WithMode(audit.Synchronous))
	fs, err := artifacts.NewFSStore(t.TempDir())
	require.NoError(t, err)
	sbx, err := sandbox.New(sandbox.Config{Env: sandbox.EnvTest}, isolator, fs, nil)
	require.NoError(t, err)
	r := New(Config{}, gate.New(gate.DefaultConfig(), nil), log, sbx, opts...)
	return r, events
}

func TestRegisterRejectsBadDefinitions(t *testing.T) {
	r, _ := testRouter(t, &sandbox.Passthrough{})

	bad := readTool()
	bad.Name = ""
	assert.Error(t, r.Register(bad, okHandler(nil)))

	assert.Error(t, r.Register(readTool(), nil))

	withSchema := readTool()
	withSchema.InputSchema = json.RawMessage(`{"type": 42}`)
	assert.Error(t, r.Register(withSchema, okHandler(nil)))

	require.NoError(t, r.Register(readTool(), okHandler(nil)))
	assert.Error(t, r.Register(readTool(), okHandler(nil)), "duplicate registration")
}

func TestCallReadInPlan(t *testing.T) {
	r, events := testRouter(t, &sandbox.Passthrough{})
	invoked := false
	require.NoError(t, r.Register(readTool(), okHandler(&invoked)))

	resp := r.Call(context.Background(), &Request{
		Tool: "asi.get_bookings", Stage: schema.StagePlan, Context: callCtx(),
	})
	assert.True(t, resp.Allowed)
	assert.True(t, resp.Success)
	assert.False(t, resp.Sandboxed)
	assert.False(t, resp.PendingApproval)
	assert.Equal(t, schema.TrustL0, resp.TrustLevel)
	assert.True(t, invoked)

	recorded, err := events.Query(context.Background(), audit.Filter{RunID: runID})
	require.NoError(t, err)
	require.Len(t, recorded, 1, "exactly one audit event per call")
	assert.Equal(t, "asi.get_bookings", recorded[0].ToolName)
	assert.Equal(t, schema.StagePlan, recorded[0].Stage)
	assert.Equal(t, schema.TrustL0, recorded[0].TrustLevel)
	assert.Equal(t, recorded[0].ID, resp.AuditEventID)
}

func TestCallUnknownToolDeniedAndAudited(t *testing.T) {
	r, events := testRouter(t, &sandbox.Passthrough{})
	resp := r.Call(context.Background(), &Request{
		Tool: "asi.missing", Stage: schema.StagePlan, Context: callCtx(),
	})
	assert.False(t, resp.Allowed)
	assert.Contains(t, resp.Reason, "unknown tool")

	recorded, err := events.Query(context.Background(), audit.Filter{RunID: runID})
	require.NoError(t, err)
	assert.Len(t, recorded, 1)
	assert.NotEmpty(t, recorded[0].Errors)
}

func TestCallMissingContextDenied(t *testing.T) {
	r, _ := testRouter(t, &sandbox.Passthrough{})
	resp := r.Call(context.Background(), &Request{Tool: "asi.get_bookings", Stage: schema.StagePlan})
	assert.False(t, resp.Allowed)
	assert.Equal(t, schema.TrustL4, resp.TrustLevel)
}

func TestCallSchemaValidation(t *testing.T) {
	r, _ := testRouter(t, &sandbox.Passthrough{})
	def := readTool()
	def.InputSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"date": {"type": "string"}},
		"required": ["date"]
	}`)
	invoked := false
	require.NoError(t, r.Register(def, okHandler(&invoked)))

	resp := r.Call(context.Background(), &Request{
		Tool: "asi.get_bookings", Stage: schema.StagePlan, Context: callCtx(),
	})
	assert.False(t, resp.Allowed)
	assert.Contains(t, resp.Reason, "input schema")
	assert.False(t, invoked)

	resp = r.Call(context.Background(), &Request{
		Tool:    "asi.get_bookings",
		Args:    map[string]any{"date": "2026-03-01"},
		Stage:   schema.StagePlan,
		Context: callCtx(),
	})
	assert.True(t, resp.Allowed)
	assert.True(t, resp.Success)
	assert.True(t, invoked)
}

func TestSandboxedWriteGoesThroughSandbox(t *testing.T) {
	r, events := testRouter(t, &sandbox.Passthrough{})
	def := schema.ToolDefinition{
		Name:       "asi.stage_booking_create",
		Capability: schema.CapabilityWrite,
		Risk:       schema.RiskMedium,
	}
	require.NoError(t, r.Register(def, func(context.Context, map[string]any) (*sandbox.HandlerResult, error) {
		return &sandbox.HandlerResult{
			Output:   map[string]any{"staged": true},
			Mutation: &sandbox.Mutation{ChangeType: sandbox.ChangeCreate, EntityType: "booking"},
		}, nil
	}))

	resp := r.Call(context.Background(), &Request{
		Tool: "asi.stage_booking_create", Stage: schema.StageExecute, Context: callCtx(),
	})
	assert.True(t, resp.Allowed)
	assert.True(t, resp.Success)
	assert.True(t, resp.Sandboxed)
	assert.NotEmpty(t, resp.SandboxID)

	recorded, err := events.Query(context.Background(), audit.Filter{RunID: runID})
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, resp.SandboxID, recorded[0].SandboxID)
}

func TestSandboxUnavailableFailsClosed(t *testing.T) {
	r, events := testRouter(t, &sandbox.Denier{})
	def := schema.ToolDefinition{
		Name:          "asi.stage_booking_create",
		Capability:    schema.CapabilityWrite,
		Risk:          schema.RiskMedium,
		ExecutionMode: schema.ExecutionSandboxOnly,
	}
	invoked := false
	require.NoError(t, r.Register(def, okHandler(&invoked)))

	resp := r.Call(context.Background(), &Request{
		Tool: "asi.stage_booking_create", Stage: schema.StageExecute, Context: callCtx(),
	})
	assert.False(t, resp.Allowed)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Reason, "sandbox denied")
	assert.Contains(t, resp.Reason, "DOCKER_NOT")
	assert.False(t, invoked, "handler must never run when isolation is down")

	recorded, err := events.Query(context.Background(), audit.Filter{RunID: runID})
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.NotEmpty(t, recorded[0].Errors)
}

func TestHandlerErrorAudited(t *testing.T) {
	r, events := testRouter(t, &sandbox.Passthrough{})
	def := readTool()
	require.NoError(t, r.Register(def, func(context.Context, map[string]any) (*sandbox.HandlerResult, error) {
		return nil, errors.New("upstream 502")
	}))

	resp := r.Call(context.Background(), &Request{
		Tool: "asi.get_bookings", Stage: schema.StagePlan, Context: callCtx(),
	})
	assert.True(t, resp.Allowed)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "upstream 502")

	recorded, err := events.Query(context.Background(), audit.Filter{RunID: runID})
	require.NoError(t, err)
	assert.Len(t, recorded, 1)
}

func TestHandlerPanicFailsClosed(t *testing.T) {
	r, _ := testRouter(t, &sandbox.Passthrough{})
	require.NoError(t, r.Register(readTool(), func(context.Context, map[string]any) (*sandbox.HandlerResult, error) {
		panic("boom")
	}))

	resp := r.Call(context.Background(), &Request{
		Tool: "asi.get_bookings", Stage: schema.StagePlan, Context: callCtx(),
	})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "handler panic")
}

func TestLocalRateLimit(t *testing.T) {
	events := audit.NewMemoryStore()
	log := audit.NewLog(events, audit.WithMode(audit.Synchronous))
	fs, err := artifacts.NewFSStore(t.TempDir())
	require.NoError(t, err)
	sbx, err := sandbox.New(sandbox.Config{Env: sandbox.EnvTest}, &sandbox.Passthrough{}, fs, nil)
	require.NoError(t, err)
	r := New(Config{RatePerTool: 0.001, BurstPerTool: 1}, gate.New(gate.DefaultConfig(), nil), log, sbx)
	require.NoError(t, r.Register(readTool(), okHandler(nil)))

	first := r.Call(context.Background(), &Request{Tool: "asi.get_bookings", Stage: schema.StagePlan, Context: callCtx()})
	assert.True(t, first.Allowed)

	second := r.Call(context.Background(), &Request{Tool: "asi.get_bookings", Stage: schema.StagePlan, Context: callCtx()})
	assert.False(t, second.Allowed)
	assert.Contains(t, second.Reason, "rate limit")
}

func TestCallParallel(t *testing.T) {
	r, events := testRouter(t, &sandbox.Passthrough{})
	require.NoError(t, r.Register(readTool(), okHandler(nil)))
	other := schema.ToolDefinition{
		Name:       "asi.get_inventory",
		Capability: schema.CapabilityRead,
		Risk:       schema.RiskLow,
	}
	require.NoError(t, r.Register(other, okHandler(nil)))

	results := r.CallParallel(context.Background(), []*Request{
		{Tool: "asi.get_bookings", Stage: schema.StagePlan, Context: callCtx()},
		{Tool: "asi.get_inventory", Stage: schema.StagePlan, Context: callCtx()},
	})
	require.Len(t, results, 2)
	assert.True(t, results["asi.get_bookings"].Success)
	assert.True(t, results["asi.get_inventory"].Success)

	recorded, err := events.Query(context.Background(), audit.Filter{RunID: runID})
	require.NoError(t, err)
	assert.Len(t, recorded, 2)
}
