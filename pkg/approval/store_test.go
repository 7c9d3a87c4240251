package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentire-labs/trustgate/pkg/schema"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func validInput() *CreateInput {
	return &CreateInput{
		Domain:          "asi",
		RunID:           "11111111-1111-1111-1111-111111111111",
		WorkflowName:    "daily_ops_brief",
		Requester:       "worker-1",
		TrustLevel:      schema.TrustL3,
		ActionType:      "post_alert",
		ReviewerVerdict: schema.VerdictPass,
	}
}

func TestCreateRequestDefaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(fixedClock(now))

	r, err := store.CreateRequest(context.Background(), validInput())
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, now.Add(DefaultTTLL3), r.ExpiresAt)
	assert.True(t, r.AutoApproveEligible)

	in := validInput()
	in.TrustLevel = schema.TrustL4
	r4, err := store.CreateRequest(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, now.Add(DefaultTTLL4), r4.ExpiresAt)
	assert.False(t, r4.AutoApproveEligible, "L4 is never auto-approve eligible")
}

func TestCreateRequestValidation(t *testing.T) {
	store := NewMemoryStore()
	tests := []struct {
		name   string
		mutate func(*CreateInput)
	}{
		{"missing domain", func(in *CreateInput) { in.Domain = "" }},
		{"missing run id", func(in *CreateInput) { in.RunID = "" }},
		{"missing workflow", func(in *CreateInput) { in.WorkflowName = "" }},
		{"missing requester", func(in *CreateInput) { in.Requester = "" }},
		{"missing action type", func(in *CreateInput) { in.ActionType = "" }},
		{"bad trust level", func(in *CreateInput) { in.TrustLevel = schema.TrustLevel(9) }},
		{"bad verdict", func(in *CreateInput) { in.ReviewerVerdict = "MAYBE" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(in)
			_, err := store.CreateRequest(context.Background(), in)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestAutoApproveEligibilityMatrix(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*CreateInput)
		eligible bool
	}{
		{"allowlisted action with PASS", func(*CreateInput) {}, true},
		{"L4 never", func(in *CreateInput) { in.TrustLevel = schema.TrustL4 }, false},
		{"no verdict", func(in *CreateInput) { in.ReviewerVerdict = "" }, false},
		{"verdict FAIL", func(in *CreateInput) { in.ReviewerVerdict = schema.VerdictFail }, false},
		{"denylisted action", func(in *CreateInput) { in.ActionType = "send_invoice" }, false},
		{"denylisted workflow", func(in *CreateInput) { in.WorkflowName = "billing_reconciliation" }, false},
		{"deny beats allow", func(in *CreateInput) {
			in.ActionType = "mark_checkpoint_complete"
			in.WorkflowName = "daily_ops_brief"
		}, false},
		{"allowlisted workflow", func(in *CreateInput) {
			in.ActionType = "custom_action"
			in.WorkflowName = "alert_triage"
		}, true},
		{"unlisted defaults closed", func(in *CreateInput) {
			in.ActionType = "custom_action"
			in.WorkflowName = "custom_workflow"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			in := validInput()
			tt.mutate(in)
			r, err := store.CreateRequest(context.Background(), in)
			require.NoError(t, err)
			assert.Equal(t, tt.eligible, r.AutoApproveEligible, r.AutoApproveReason)
		})
	}
}

func TestPendingExcludesExpiredExactlyAtBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := now
	store := NewMemoryStore().WithClock(func() time.Time { return current })

	in := validInput()
	in.TTL = time.Hour
	r, err := store.CreateRequest(context.Background(), in)
	require.NoError(t, err)

	pending, err := store.GetPendingRequests(context.Background(), PendingFilter{})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// One instant before expiry it is still pending.
	current = r.ExpiresAt.Add(-time.Nanosecond)
	pending, err = store.GetPendingRequests(context.Background(), PendingFilter{})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// Exactly at expiry it is excluded, swept or not.
	current = r.ExpiresAt
	pending, err = store.GetPendingRequests(context.Background(), PendingFilter{})
	require.NoError(t, err)
	assert.Empty(t, pending)

	ok, err := store.IsPending(context.Background(), r.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecisionTransitionsAndDuplicate(t *testing.T) {
	store := NewMemoryStore()
	r, err := store.CreateRequest(context.Background(), validInput())
	require.NoError(t, err)

	d, err := store.CreateDecision(context.Background(), &DecisionInput{
		RequestID: r.ID,
		DecidedBy: "ops@example.com",
		Decision:  DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, r.ID, d.RequestID)

	got, err := store.GetRequest(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)

	// The second decision is rejected distinguishably; the first stands.
	_, err = store.CreateDecision(context.Background(), &DecisionInput{
		RequestID: r.ID,
		DecidedBy: "other@example.com",
		Decision:  DecisionApprove,
	})
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	got, err = store.GetRequest(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)

	stored, err := store.GetDecision(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", stored.DecidedBy)
}

func TestDecisionOnReject(t *testing.T) {
	store := NewMemoryStore()
	r, err := store.CreateRequest(context.Background(), validInput())
	require.NoError(t, err)

	_, err = store.CreateDecision(context.Background(), &DecisionInput{
		RequestID: r.ID,
		DecidedBy: "ops@example.com",
		Decision:  DecisionReject,
		Notes:     "wrong recipient list",
	})
	require.NoError(t, err)

	got, err := store.GetRequest(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
}

func TestDecisionOnExpiredRequest(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := now
	store := NewMemoryStore().WithClock(func() time.Time { return current })

	r, err := store.CreateRequest(context.Background(), validInput())
	require.NoError(t, err)

	current = r.ExpiresAt.Add(time.Minute)
	_, err = store.CreateDecision(context.Background(), &DecisionInput{
		RequestID: r.ID,
		DecidedBy: "ops@example.com",
		Decision:  DecisionApprove,
	})
	assert.ErrorIs(t, err, ErrExpired)
}

func TestExpireStaleRequestsIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := now
	store := NewMemoryStore().WithClock(func() time.Time { return current })

	for i := 0; i < 3; i++ {
		_, err := store.CreateRequest(context.Background(), validInput())
		require.NoError(t, err)
	}

	current = now.Add(DefaultTTLL3 + time.Minute)
	n, err := store.ExpireStaleRequests(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// A second sweep with no intervening creation returns 0.
	n, err = store.ExpireStaleRequests(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAutoApproveGates(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		store := NewMemoryStore()
		r, err := store.CreateRequest(ctx, validInput())
		require.NoError(t, err)
		require.True(t, r.AutoApproveEligible)

		d, err := store.AutoApprove(ctx, r.ID)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, SystemAutoApprover, d.DecidedBy)
		assert.Equal(t, DecisionApprove, d.Decision)

		got, err := store.GetRequest(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, got.Status)
	})

	t.Run("unknown request produces no decision", func(t *testing.T) {
		store := NewMemoryStore()
		d, err := store.AutoApprove(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, d)
	})

	t.Run("ineligible produces no decision", func(t *testing.T) {
		store := NewMemoryStore()
		in := validInput()
		in.ActionType = "send_invoice"
		r, err := store.CreateRequest(ctx, in)
		require.NoError(t, err)

		d, err := store.AutoApprove(ctx, r.ID)
		require.NoError(t, err)
		assert.Nil(t, d)

		got, _ := store.GetRequest(ctx, r.ID)
		assert.Equal(t, StatusPending, got.Status)
	})

	t.Run("expired produces no decision", func(t *testing.T) {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		current := now
		store := NewMemoryStore().WithClock(func() time.Time { return current })
		r, err := store.CreateRequest(ctx, validInput())
		require.NoError(t, err)

		current = r.ExpiresAt
		d, err := store.AutoApprove(ctx, r.ID)
		require.NoError(t, err)
		assert.Nil(t, d, "autoApprove on an expired request must not approve")
	})

	t.Run("already decided produces no second decision", func(t *testing.T) {
		store := NewMemoryStore()
		r, err := store.CreateRequest(ctx, validInput())
		require.NoError(t, err)
		_, err = store.CreateDecision(ctx, &DecisionInput{
			RequestID: r.ID, DecidedBy: "ops@example.com", Decision: DecisionReject,
		})
		require.NoError(t, err)

		d, err := store.AutoApprove(ctx, r.ID)
		require.NoError(t, err)
		assert.Nil(t, d)
	})
}
