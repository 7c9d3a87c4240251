package approval

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/sentire-labs/trustgate/pkg/schema"
)

// Serialized requests and decisions must round-trip exactly: what a store
// writes, a reader reconstructs.

func genRequest() gopter.Gen {
	statuses := []Status{StatusPending, StatusApproved, StatusRejected, StatusExpired}
	verdicts := []schema.Verdict{"", schema.VerdictPass, schema.VerdictFail}

	return gopter.CombineGens(
		gen.Identifier(),             // domain-ish
		gen.Identifier(),             // workflow
		gen.Identifier(),             // action type
		gen.IntRange(0, 4),           // trust level
		gen.IntRange(0, 3),           // status index
		gen.IntRange(0, 2),           // verdict index
		gen.Bool(),                   // eligible
		gen.Int64Range(0, 1<<40),     // created offset seconds
		gen.Int64Range(1, 86400*365), // ttl seconds
	).Map(func(vs []any) *Request {
		created := time.Unix(1700000000+vs[7].(int64)%(1<<31), 0).UTC()
		return &Request{
			ID:                  "req-" + vs[0].(string),
			CreatedAt:           created,
			Domain:              vs[0].(string),
			RunID:               "run-" + vs[1].(string),
			WorkflowName:        vs[1].(string),
			Requester:           "agent-" + vs[2].(string),
			TrustLevel:          schema.TrustLevel(vs[3].(int)),
			ActionType:          vs[2].(string),
			Status:              statuses[vs[4].(int)],
			ExpiresAt:           created.Add(time.Duration(vs[8].(int64)) * time.Second),
			ReviewerVerdict:     verdicts[vs[5].(int)],
			AutoApproveEligible: vs[6].(bool),
		}
	})
}

func TestRequestRoundTrip(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("request JSON round-trips", prop.ForAll(
		func(r *Request) bool {
			raw, err := json.Marshal(r)
			if err != nil {
				return false
			}
			var back Request
			if err := json.Unmarshal(raw, &back); err != nil {
				return false
			}
			return back.ID == r.ID &&
				back.CreatedAt.Equal(r.CreatedAt) &&
				back.Domain == r.Domain &&
				back.RunID == r.RunID &&
				back.WorkflowName == r.WorkflowName &&
				back.Requester == r.Requester &&
				back.TrustLevel == r.TrustLevel &&
				back.ActionType == r.ActionType &&
				back.Status == r.Status &&
				back.ExpiresAt.Equal(r.ExpiresAt) &&
				back.ReviewerVerdict == r.ReviewerVerdict &&
				back.AutoApproveEligible == r.AutoApproveEligible
		},
		genRequest(),
	))

	properties.TestingRun(t)
}

func TestDecisionRoundTrip(t *testing.T) {
	d := &Decision{
		ID:        "dec-1",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RequestID: "req-1",
		DecidedBy: SystemAutoApprover,
		Decision:  DecisionApprove,
		Notes:     "auto",
		Metadata:  map[string]any{"source": "test"},
	}
	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	var back Decision
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back.ID != d.ID || !back.CreatedAt.Equal(d.CreatedAt) || back.RequestID != d.RequestID ||
		back.DecidedBy != d.DecidedBy || back.Decision != d.Decision || back.Notes != d.Notes {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, d)
	}
}
