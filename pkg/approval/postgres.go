package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sentire-labs/trustgate/pkg/schema"
)

// PostgresStore persists requests and decisions in the approval_requests
// and approval_decisions tables. The decision-insert trigger keeps request
// status transitions observable atomically with the decision row even for
// writers outside this process; the store additionally performs the update
// in the same transaction so the behavior does not depend on the trigger
// being installed.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgresStore wraps an open connection. Call Init to apply DDL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

const pgApprovalSchema = `
CREATE TABLE IF NOT EXISTS approval_requests (
	id UUID PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	domain TEXT NOT NULL,
	run_id UUID NOT NULL,
	workflow_name TEXT NOT NULL,
	requester TEXT NOT NULL,
	trust_level TEXT NOT NULL CHECK (trust_level IN ('L0','L1','L2','L3','L4')),
	action_type TEXT NOT NULL,
	action_payload JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL CHECK (status IN ('PENDING','APPROVED','REJECTED','EXPIRED')),
	expires_at TIMESTAMPTZ NOT NULL,
	context JSONB NOT NULL DEFAULT '{}',
	reviewer_verdict TEXT CHECK (reviewer_verdict IN ('PASS','FAIL')),
	reviewer_notes TEXT,
	auto_approve_eligible BOOLEAN NOT NULL DEFAULT FALSE,
	auto_approve_reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_approvals_run ON approval_requests (run_id);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approval_requests (status, expires_at);

CREATE TABLE IF NOT EXISTS approval_decisions (
	id UUID PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	approval_request_id UUID NOT NULL UNIQUE REFERENCES approval_requests(id) ON DELETE CASCADE,
	decided_by TEXT NOT NULL,
	decision TEXT NOT NULL CHECK (decision IN ('APPROVE','REJECT')),
	notes TEXT,
	metadata JSONB NOT NULL DEFAULT '{}'
);

CREATE OR REPLACE FUNCTION apply_approval_decision() RETURNS TRIGGER AS $$
BEGIN
	UPDATE approval_requests
	SET status = CASE NEW.decision WHEN 'APPROVE' THEN 'APPROVED' ELSE 'REJECTED' END
	WHERE id = NEW.approval_request_id;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_apply_approval_decision ON approval_decisions;
CREATE TRIGGER trg_apply_approval_decision
	AFTER INSERT ON approval_decisions
	FOR EACH ROW EXECUTE FUNCTION apply_approval_decision();
`

// Init applies the table, index, and trigger DDL.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgApprovalSchema)
	return err
}

const pgRequestColumns = `id, created_at, domain, run_id, workflow_name, requester, trust_level,
	action_type, action_payload, status, expires_at, context, reviewer_verdict, reviewer_notes,
	auto_approve_eligible, auto_approve_reason`

// CreateRequest validates input, computes expiry and eligibility, and
// inserts the request with status PENDING.
func (s *PostgresStore) CreateRequest(ctx context.Context, in *CreateInput) (*Request, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	eligible, reason := autoApproveEligibility(in)

	payload, err := json.Marshal(orEmptyMap(in.ActionPayload))
	if err != nil {
		return nil, fmt.Errorf("approval: marshal action_payload: %w", err)
	}
	reqCtx, err := json.Marshal(orEmptyMap(in.Context))
	if err != nil {
		return nil, fmt.Errorf("approval: marshal context: %w", err)
	}

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

	query := `INSERT INTO approval_requests (` + pgRequestColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.CreatedAt, r.Domain, r.RunID, r.WorkflowName, r.Requester, r.TrustLevel.String(),
		r.ActionType, payload, string(r.Status), r.ExpiresAt, reqCtx,
		nullVerdict(r.ReviewerVerdict), nullString(r.ReviewerNotes),
		r.AutoApproveEligible, nullString(r.AutoApproveReason))
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetRequest returns the request or ErrNotFound.
func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgRequestColumns+` FROM approval_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	return r, err
}

// GetPendingRequests returns PENDING, unexpired requests, newest first.
func (s *PostgresStore) GetPendingRequests(ctx context.Context, f PendingFilter) ([]*Request, error) {
	conds := []string{"status = 'PENDING'", "expires_at > $1"}
	args := []any{s.clock().UTC()}
	if f.Domain != "" {
		args = append(args, f.Domain)
		conds = append(conds, fmt.Sprintf("domain = $%d", len(args)))
	}
	if f.WorkflowName != "" {
		args = append(args, f.WorkflowName)
		conds = append(conds, fmt.Sprintf("workflow_name = $%d", len(args)))
	}
	if f.RunID != "" {
		args = append(args, f.RunID)
		conds = append(conds, fmt.Sprintf("run_id = $%d", len(args)))
	}

	query := `SELECT ` + pgRequestColumns + ` FROM approval_requests WHERE ` +
		strings.Join(conds, " AND ") + " ORDER BY created_at DESC"
	if f.MaxResults > 0 {
		args = append(args, f.MaxResults)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryRequests(ctx, query, args...)
}

// GetRequestsByRunID returns every request under a run, newest first.
func (s *PostgresStore) GetRequestsByRunID(ctx context.Context, runID string) ([]*Request, error) {
	query := `SELECT ` + pgRequestColumns + ` FROM approval_requests
		WHERE run_id = $1 ORDER BY created_at DESC`
	return s.queryRequests(ctx, query, runID)
}

func (s *PostgresStore) queryRequests(ctx context.Context, query string, args ...any) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// IsApproved reports whether the request is APPROVED.
func (s *PostgresStore) IsApproved(ctx context.Context, id string) (bool, error) {
	r, err := s.GetRequest(ctx, id)
	if err != nil {
		return false, err
	}
	return r.Status == StatusApproved, nil
}

// IsPending reports whether the request is PENDING and unexpired.
func (s *PostgresStore) IsPending(ctx context.Context, id string) (bool, error) {
	r, err := s.GetRequest(ctx, id)
	if err != nil {
		return false, err
	}
	return r.Status == StatusPending && !r.Expired(s.clock().UTC()), nil
}

// ExpireStaleRequests sweeps PENDING rows past expiry to EXPIRED.
func (s *PostgresStore) ExpireStaleRequests(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET status = 'EXPIRED'
		 WHERE status = 'PENDING' AND expires_at <= $1`, s.clock().UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CreateDecision inserts the decision and the induced status transition in
// one transaction. The UNIQUE constraint on approval_request_id turns a
// double decision into ErrAlreadyDecided.
func (s *PostgresStore) CreateDecision(ctx context.Context, in *DecisionInput) (*Decision, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT status, expires_at FROM approval_requests WHERE id = $1 FOR UPDATE`, in.RequestID)
	var status string
	var expiresAt time.Time
	if err := row.Scan(&status, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: request %s", ErrNotFound, in.RequestID)
		}
		return nil, err
	}
	now := s.clock().UTC()
	if Status(status) != StatusPending {
		return nil, fmt.Errorf("%w: request %s (status=%s)", ErrAlreadyDecided, in.RequestID, status)
	}
	if !now.Before(expiresAt) {
		return nil, fmt.Errorf("%w: request %s", ErrExpired, in.RequestID)
	}

	metadata, err := json.Marshal(orEmptyMap(in.Metadata))
	if err != nil {
		return nil, fmt.Errorf("approval: marshal metadata: %w", err)
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
	_, err = tx.ExecContext(ctx,
		`INSERT INTO approval_decisions (id, created_at, approval_request_id, decided_by, decision, notes, metadata)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		d.ID, d.CreatedAt, d.RequestID, d.DecidedBy, string(d.Decision), nullString(d.Notes), metadata)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, fmt.Errorf("%w: request %s", ErrAlreadyDecided, in.RequestID)
		}
		return nil, err
	}

	// Belt and braces with the trigger: same terminal state either way.
	_, err = tx.ExecContext(ctx,
		`UPDATE approval_requests SET status = $1 WHERE id = $2`,
		string(statusAfter(in.Decision)), in.RequestID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

// GetDecision returns the decision for a request, or ErrNotFound.
func (s *PostgresStore) GetDecision(ctx context.Context, requestID string) (*Decision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, approval_request_id, decided_by, decision, notes, metadata
		 FROM approval_decisions WHERE approval_request_id = $1`, requestID)

	var (
		d        Decision
		kind     string
		notes    sql.NullString
		metadata []byte
	)
	err := row.Scan(&d.ID, &d.CreatedAt, &d.RequestID, &d.DecidedBy, &kind, &notes, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: decision for request %s", ErrNotFound, requestID)
	}
	if err != nil {
		return nil, err
	}
	d.Decision = DecisionKind(kind)
	d.Notes = notes.String
	d.CreatedAt = d.CreatedAt.UTC()
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &d.Metadata); err != nil {
			return nil, fmt.Errorf("approval: unmarshal metadata: %w", err)
		}
	}
	return &d, nil
}

// AutoApprove runs the eligibility gates and records a system decision
// when all pass. Policy failures produce (nil, nil); only storage faults
// are errors.
func (s *PostgresStore) AutoApprove(ctx context.Context, requestID string) (*Decision, error) {
	r, err := s.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	now := s.clock().UTC()
	if r.TrustLevel == schema.TrustL4 || r.Status != StatusPending ||
		!r.AutoApproveEligible || r.ReviewerVerdict != schema.VerdictPass || r.Expired(now) {
		return nil, nil
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE approval_requests SET auto_approve_reason = $1 WHERE id = $2`,
		"all auto-approve gates passed", requestID)
	if err != nil {
		return nil, err
	}

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

func scanRequest(row interface{ Scan(...any) error }) (*Request, error) {
	var (
		r                      Request
		trustLevel, status     string
		payload, reqCtx        []byte
		verdict, notes, reason sql.NullString
	)
	err := row.Scan(&r.ID, &r.CreatedAt, &r.Domain, &r.RunID, &r.WorkflowName, &r.Requester, &trustLevel,
		&r.ActionType, &payload, &status, &r.ExpiresAt, &reqCtx, &verdict, &notes,
		&r.AutoApproveEligible, &reason)
	if err != nil {
		return nil, err
	}
	level, err := schema.ParseTrustLevel(trustLevel)
	if err != nil {
		return nil, err
	}
	r.TrustLevel = level
	r.Status = Status(status)
	r.ReviewerVerdict = schema.Verdict(verdict.String)
	r.ReviewerNotes = notes.String
	r.AutoApproveReason = reason.String
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &r.ActionPayload); err != nil {
			return nil, fmt.Errorf("approval: unmarshal action_payload: %w", err)
		}
	}
	if len(reqCtx) > 0 {
		if err := json.Unmarshal(reqCtx, &r.Context); err != nil {
			return nil, fmt.Errorf("approval: unmarshal context: %w", err)
		}
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullVerdict(v schema.Verdict) sql.NullString {
	return sql.NullString{String: string(v), Valid: v != ""}
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
