package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentire-labs/trustgate/pkg/sandbox"
	"github.com/sentire-labs/trustgate/pkg/schema"
)

func noopHandler(context.Context, map[string]any) (*sandbox.HandlerResult, error) {
	return &sandbox.HandlerResult{}, nil
}

func validAdapter() *Adapter {
	return &Adapter{
		Domain:  schema.DomainASI,
		Name:    "Adventure Sports International",
		Version: "1.2.0",
		Tools: []Tool{
			{
				Definition: schema.ToolDefinition{
					Name:       "asi.get_bookings",
					Capability: schema.CapabilityRead,
					Risk:       schema.RiskLow,
				},
				Handler: noopHandler,
			},
		},
		Agents: []schema.AgentDefinition{
			{Name: "asi-planner", Role: schema.RolePlanner, AllowedTools: []string{"asi.get_bookings"}},
			{Name: "asi-worker", Role: schema.RoleWorker, AllowedTools: []string{"asi.get_bookings"}},
			{Name: "asi-reviewer", Role: schema.RoleReviewer},
		},
		Workflows: []schema.WorkflowDefinition{
			{
				Name:   "daily_ops_brief",
				Domain: schema.DomainASI,
				Stages: []schema.Stage{schema.StagePlan, schema.StageReview, schema.StageCommit},
				Agents: []schema.AgentDefinition{
					{Name: "asi-planner", Role: schema.RolePlanner},
					{Name: "asi-worker", Role: schema.RoleWorker},
					{Name: "asi-reviewer", Role: schema.RoleReviewer},
				},
			},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	res := validAdapter().Validate()
	assert.True(t, res.OK(), res.Errors)
	assert.Empty(t, res.Warnings)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Adapter)
		errPart string
	}{
		{"bad domain", func(a *Adapter) { a.Domain = "finance" }, "invalid domain"},
		{"bad version", func(a *Adapter) { a.Version = "one" }, "invalid version"},
		{"nil handler", func(a *Adapter) { a.Tools[0].Handler = nil }, "nil handler"},
		{"workflow domain mismatch", func(a *Adapter) { a.Workflows[0].Domain = schema.DomainLand }, "does not match"},
		{"commit without review", func(a *Adapter) {
			a.Workflows[0].Stages = []schema.Stage{schema.StagePlan, schema.StageCommit}
		}, "commit requires"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAdapter()
			tt.mutate(a)
			res := a.Validate()
			require.False(t, res.OK())
			assert.Contains(t, res.Errors[0], tt.errPart)
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	a := validAdapter()
	a.Tools[0].Definition.Name = "land.get_parcels"
	a.Agents[0].AllowedTools = []string{"asi.nonexistent"}
	res := a.Validate()
	assert.True(t, res.OK())
	assert.Len(t, res.Warnings, 3) // prefix warning + two dangling tool refs
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()
	warnings, err := reg.Register(validAdapter())
	require.NoError(t, err)
	assert.Empty(t, warnings)

	_, err = reg.Register(validAdapter())
	assert.ErrorIs(t, err, ErrDuplicateDomain)

	got, err := reg.Get(schema.DomainASI)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", got.Version)

	assert.Len(t, reg.List(), 1)

	require.NoError(t, reg.Unregister(schema.DomainASI))
	_, err = reg.Get(schema.DomainASI)
	assert.ErrorIs(t, err, ErrUnknownDomain)

	_, err = reg.Register(validAdapter())
	require.NoError(t, err)
	reg.Clear()
	assert.Empty(t, reg.List())
}

func TestRegistryRejectsInvalid(t *testing.T) {
	reg := NewRegistry()
	a := validAdapter()
	a.Version = "not-semver"
	_, err := reg.Register(a)
	assert.ErrorIs(t, err, ErrInvalidAdapter)
}

func TestMerge(t *testing.T) {
	var order []string
	hook := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	first := validAdapter()
	first.Hooks.OnInitialize = hook("init-1")
	first.Hooks.OnShutdown = hook("down-1")

	second := validAdapter()
	second.Name = "ASI Extras"
	second.Version = "0.9.0"
	second.Tools = []Tool{{
		Definition: schema.ToolDefinition{
			Name:       "asi.get_weather",
			Capability: schema.CapabilityRead,
			Risk:       schema.RiskLow,
		},
		Handler: noopHandler,
	}}
	second.Hooks.OnInitialize = hook("init-2")
	second.Hooks.OnShutdown = hook("down-2")

	merged, err := Merge(first, second)
	require.NoError(t, err)

	// First adapter's identity wins; capability sets concatenate.
	assert.Equal(t, "Adventure Sports International", merged.Name)
	assert.Equal(t, "1.2.0", merged.Version)
	assert.Len(t, merged.Tools, 2)
	assert.Len(t, merged.Agents, 6)

	require.NoError(t, merged.Hooks.OnInitialize(context.Background()))
	require.NoError(t, merged.Hooks.OnShutdown(context.Background()))
	// Init chains forward, shutdown reverses.
	assert.Equal(t, []string{"init-1", "init-2", "down-2", "down-1"}, order)
}
