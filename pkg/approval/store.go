package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentire-labs/trustgate/pkg/schema"
)

// Store is the persistence contract for approval requests and decisions.
type Store interface {
	CreateRequest(ctx context.Context, in *CreateInput) (*Request, error)
	GetRequest(ctx context.Context, id string) (*Request, error)
	GetPendingRequests(ctx context.Context, f PendingFilter) ([]*Request, error)
	GetRequestsByRunID(ctx context.Context, runID string) ([]*Request, error)
	IsApproved(ctx context.Context, id string) (bool, error)
	IsPending(ctx context.Context, id string) (bool, error)
	ExpireStaleRequests(ctx context.Context) (int, error)
	CreateDecision(ctx context.Context, in *DecisionInput) (*Decision, error)
	GetDecision(ctx context.Context, requestID string) (*Decision, error)
	AutoApprove(ctx context.Context, requestID string) (*Decision, error)
}

// MemoryStore is an in-process Store for tests and single-node use.
type MemoryStore struct {
	mu        sync.Mutex
	requests  map[string]*Request
	decisions map[string]*Decision // keyed by request id
	clock     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]*Request),
		decisions: make(map[string]*Decision),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// CreateRequest validates input, computes expiry and auto-approve
// eligibility, and persists the request as PENDING.
func (s *MemoryStore) CreateRequest(_ context.Context, in *CreateInput) (*Request, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	eligible, reason := autoApproveEligibility(in)

	r := &Request{
		ID:                  uuid.New().String(),
		CreatedAt:           now,
		Domain:              in.Domain,
		RunID:               in.RunID,
		WorkflowName:        in.WorkflowName,
		Requester:           in.Requester,
		TrustLevel:          in.TrustLevel,
		ActionType:          in.ActionType,
		ActionPayload:       in.ActionPayload,
		Context:             in.Context,
		ReviewerVerdict:     in.ReviewerVerdict,
		ReviewerNotes:       in.ReviewerNotes,
		Status:              StatusPending,
		ExpiresAt:           now.Add(in.ttl()),
		AutoApproveEligible: eligible,
		AutoApproveReason:   reason,
	}

	s.mu.Lock()
	s.requests[r.ID] = r
	s.mu.Unlock()

	cp := *r
	return &cp, nil
}

// GetRequest returns the request or ErrNotFound.
func (s *MemoryStore) GetRequest(_ context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	cp := *r
	return &cp, nil
}

// GetPendingRequests returns PENDING, unexpired requests matching the
// filter, newest first. Expired-but-unswept rows never appear.
func (s *MemoryStore) GetPendingRequests(_ context.Context, f PendingFilter) ([]*Request, error) {
	now := s.clock().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Request, 0)
	for _, r := range s.requests {
		if r.Status != StatusPending || r.Expired(now) {
			continue
		}
		if f.Domain != "" && r.Domain != f.Domain {
			continue
		}
		if f.WorkflowName != "" && r.WorkflowName != f.WorkflowName {
			continue
		}
		if f.RunID != "" && r.RunID != f.RunID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.MaxResults > 0 && len(out) > f.MaxResults {
		out = out[:f.MaxResults]
	}
	return out, nil
}

// GetRequestsByRunID returns every request created under a run, newest first.
func (s *MemoryStore) GetRequestsByRunID(_ context.Context, runID string) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Request, 0)
	for _, r := range s.requests {
		if r.RunID == runID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// IsApproved reports whether the request is in terminal status APPROVED.
func (s *MemoryStore) IsApproved(ctx context.Context, id string) (bool, error) {
	r, err := s.GetRequest(ctx, id)
	if err != nil {
		return false, err
	}
	return r.Status == StatusApproved, nil
}

// IsPending reports whether the request is PENDING and unexpired.
func (s *MemoryStore) IsPending(ctx context.Context, id string) (bool, error) {
	r, err := s.GetRequest(ctx, id)
	if err != nil {
		return false, err
	}
	return r.Status == StatusPending && !r.Expired(s.clock().UTC()), nil
}

// ExpireStaleRequests sweeps PENDING requests past expiry to EXPIRED and
// returns the count. Idempotent.
func (s *MemoryStore) ExpireStaleRequests(_ context.Context) (int, error) {
	now := s.clock().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.requests {
		if r.Status == StatusPending && r.Expired(now) {
			r.Status = StatusExpired
			n++
		}
	}
	return n, nil
}

// CreateDecision inserts the decision and transitions the request status
// atomically. A second decision for the same request fails with
// ErrAlreadyDecided and leaves the first intact.
func (s *MemoryStore) CreateDecision(_ context.Context, in *DecisionInput) (*Decision, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[in.RequestID]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, in.RequestID)
	}
	if _, decided := s.decisions[in.RequestID]; decided {
		return nil, fmt.Errorf("%w: request %s", ErrAlreadyDecided, in.RequestID)
	}
	if r.Status != StatusPending {
		return nil, fmt.Errorf("%w: request %s (status=%s)", ErrAlreadyDecided, in.RequestID, r.Status)
	}
	now := s.clock().UTC()
	if r.Expired(now) {
		return nil, fmt.Errorf("%w: request %s", ErrExpired, in.RequestID)
	}

	d := &Decision{
		ID:        uuid.New().String(),
		CreatedAt: now,
		RequestID: in.RequestID,
		DecidedBy: in.DecidedBy,
		Decision:  in.Decision,
		Notes:     in.Notes,
		Metadata:  in.Metadata,
	}
	s.decisions[in.RequestID] = d
	r.Status = statusAfter(in.Decision)

	cp := *d
	return &cp, nil
}

// GetDecision returns the decision for a request, or ErrNotFound.
func (s *MemoryStore) GetDecision(_ context.Context, requestID string) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: decision for request %s", ErrNotFound, requestID)
	}
	cp := *d
	return &cp, nil
}

// AutoApprove runs the eligibility gates in order and, when all pass,
// records an APPROVE decision as system:auto-approve. A gate failure
// produces no decision and no error; only storage faults are errors.
func (s *MemoryStore) AutoApprove(ctx context.Context, requestID string) (*Decision, error) {
	s.mu.Lock()
	r, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	now := s.clock().UTC()
	switch {
	case r.TrustLevel == schema.TrustL4,
		r.Status != StatusPending,
		!r.AutoApproveEligible,
		r.ReviewerVerdict != schema.VerdictPass,
		r.Expired(now):
		s.mu.Unlock()
		return nil, nil
	}
	r.AutoApproveReason = "all auto-approve gates passed"
	s.mu.Unlock()

	d, err := s.CreateDecision(ctx, &DecisionInput{
		RequestID: requestID,
		DecidedBy: SystemAutoApprover,
		Decision:  DecisionApprove,
		Notes:     "auto-approved: reviewer PASS on allowlisted action",
	})
	if err != nil {
		// A racing human decision landed first; that is not a storage fault.
		if errors.Is(err, ErrAlreadyDecided) || errors.Is(err, ErrExpired) {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}
