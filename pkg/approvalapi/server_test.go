package approvalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentire-labs/trustgate/pkg/approval"
	"github.com/sentire-labs/trustgate/pkg/schema"
)

func newRequest(t *testing.T, store approval.Store) *approval.Request {
	t.Helper()
	r, err := store.CreateRequest(context.Background(), &approval.CreateInput{
		Domain:          "asi",
		RunID:           "11111111-1111-1111-1111-111111111111",
		WorkflowName:    "daily_ops_brief",
		Requester:       "worker-1",
		TrustLevel:      schema.TrustL3,
		ActionType:      "post_alert",
		ReviewerVerdict: schema.VerdictPass,
	})
	require.NoError(t, err)
	return r
}

func TestPendingAndGet(t *testing.T) {
	store := approval.NewMemoryStore()
	r := newRequest(t, store)
	srv := httptest.NewServer(New(store, nil, nil).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/approvals/pending")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var pending struct {
		Requests []*approval.Request `json:"requests"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pending))
	require.Len(t, pending.Requests, 1)
	assert.Equal(t, r.ID, pending.Requests[0].ID)

	got, err := http.Get(srv.URL + "/approvals/" + r.ID)
	require.NoError(t, err)
	defer func() { _ = got.Body.Close() }()
	assert.Equal(t, http.StatusOK, got.StatusCode)

	missing, err := http.Get(srv.URL + "/approvals/does-not-exist")
	require.NoError(t, err)
	defer func() { _ = missing.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestApproveAndDuplicateConflict(t *testing.T) {
	store := approval.NewMemoryStore()
	r := newRequest(t, store)
	srv := httptest.NewServer(New(store, nil, nil).Routes())
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"decided_by": "ops@example.com"})
	first, err := http.Post(srv.URL+"/approvals/"+r.ID+"/approve", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = first.Body.Close() }()
	assert.Equal(t, http.StatusCreated, first.StatusCode)

	second, err := http.Post(srv.URL+"/approvals/"+r.ID+"/approve", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = second.Body.Close() }()
	assert.Equal(t, http.StatusConflict, second.StatusCode)
}

func TestSignedDecision(t *testing.T) {
	store := approval.NewMemoryStore()
	r := newRequest(t, store)
	secret := []byte("test-secret")
	srv := httptest.NewServer(New(store, approval.NewHMACVerifier(secret), nil).Routes())
	defer srv.Close()

	claims := approval.DecisionClaims{
		RequestID: r.ID,
		Decision:  string(approval.DecisionApprove),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@example.com",
			Issuer:    "trustgate-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"token": token})
	resp, err := http.Post(srv.URL+"/approvals/"+r.ID+"/approve", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	d, err := store.GetDecision(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", d.DecidedBy)

	// Without a token, signed mode refuses.
	noToken, _ := json.Marshal(map[string]string{"decided_by": "ops@example.com"})
	r2 := newRequest(t, store)
	refused, err := http.Post(srv.URL+"/approvals/"+r2.ID+"/approve", "application/json", bytes.NewReader(noToken))
	require.NoError(t, err)
	defer func() { _ = refused.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, refused.StatusCode)
}

func TestSweep(t *testing.T) {
	now := time.Now().UTC()
	current := now
	store := approval.NewMemoryStore().WithClock(func() time.Time { return current })
	newRequest(t, store)
	srv := httptest.NewServer(New(store, nil, nil).Routes())
	defer srv.Close()

	current = now.Add(approval.DefaultTTLL3 + time.Minute)
	resp, err := http.Post(srv.URL+"/approvals/sweep", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Expired int `json:"expired"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out.Expired)
}
