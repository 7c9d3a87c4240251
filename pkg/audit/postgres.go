package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/sentire-labs/trustgate/pkg/schema"
)

// PostgresStore persists events in the agent_action_events table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection. Call Init to apply DDL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgEventsSchema = `
CREATE TABLE IF NOT EXISTS agent_action_events (
	id UUID PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	domain TEXT NOT NULL,
	workflow_name TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	run_id UUID NOT NULL,
	trust_level TEXT NOT NULL CHECK (trust_level IN ('L0','L1','L2','L3','L4')),
	stage TEXT NOT NULL CHECK (stage IN ('plan','execute','review','commit')),
	intent TEXT NOT NULL,
	tool_name TEXT,
	tool_args JSONB NOT NULL DEFAULT '{}',
	tool_result JSONB NOT NULL DEFAULT '{}',
	artifact_refs TEXT[] NOT NULL DEFAULT '{}',
	warnings TEXT[] NOT NULL DEFAULT '{}',
	errors TEXT[] NOT NULL DEFAULT '{}',
	summary TEXT,
	confidence DOUBLE PRECISION CHECK (confidence >= 0 AND confidence <= 1),
	approval_request_id UUID,
	sandbox_id TEXT,
	sandbox_artifacts TEXT[] NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_events_run ON agent_action_events (run_id);
CREATE INDEX IF NOT EXISTS idx_events_domain_workflow ON agent_action_events (domain, workflow_name);
CREATE INDEX IF NOT EXISTS idx_events_created ON agent_action_events (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_trust_stage ON agent_action_events (trust_level, stage);
CREATE INDEX IF NOT EXISTS idx_events_tool ON agent_action_events (tool_name);
CREATE INDEX IF NOT EXISTS idx_events_approval ON agent_action_events (approval_request_id);
CREATE INDEX IF NOT EXISTS idx_events_sandbox ON agent_action_events (sandbox_id);
`

// Init applies the table and index DDL.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgEventsSchema)
	return err
}

const pgEventColumns = `id, created_at, domain, workflow_name, agent_name, run_id, trust_level, stage, intent,
	tool_name, tool_args, tool_result, artifact_refs, warnings, errors, summary, confidence,
	approval_request_id, sandbox_id, sandbox_artifacts`

// Append inserts one event row.
func (s *PostgresStore) Append(ctx context.Context, e *Event) error {
	args, err := json.Marshal(orEmpty(e.ToolArgs))
	if err != nil {
		return fmt.Errorf("audit: marshal tool_args: %w", err)
	}
	result, err := json.Marshal(orEmpty(e.ToolResult))
	if err != nil {
		return fmt.Errorf("audit: marshal tool_result: %w", err)
	}

	query := `INSERT INTO agent_action_events (` + pgEventColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`
	_, err = s.db.ExecContext(ctx, query,
		e.ID, e.CreatedAt, e.Domain, e.Workflow, e.Agent, e.RunID,
		e.TrustLevel.String(), string(e.Stage), e.Intent,
		nullable(e.ToolName), args, result,
		pq.Array(orEmptySlice(e.ArtifactRefs)), pq.Array(orEmptySlice(e.Warnings)), pq.Array(orEmptySlice(e.Errors)),
		nullable(e.Summary), e.Confidence,
		nullable(e.ApprovalRequestID), nullable(e.SandboxID), pq.Array(orEmptySlice(e.SandboxArtifacts)))
	return err
}

// Query returns matching events ordered by creation time descending.
func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]*Event, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.RunID != "" {
		add("run_id = $%d", f.RunID)
	}
	if f.Workflow != "" {
		add("workflow_name = $%d", f.Workflow)
	}
	if f.Agent != "" {
		add("agent_name = $%d", f.Agent)
	}
	if f.Domain != "" {
		add("domain = $%d", f.Domain)
	}
	if f.TrustLevel != nil {
		add("trust_level = $%d", f.TrustLevel.String())
	}
	if f.Stage != "" {
		add("stage = $%d", string(f.Stage))
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("created_at <= $%d", *f.Until)
	}

	query := `SELECT ` + pgEventColumns + ` FROM agent_action_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.MaxResults > 0 {
		args = append(args, f.MaxResults)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats aggregates counts with three grouped queries plus an error count.
func (s *PostgresStore) Stats(ctx context.Context, runID string) (*Stats, error) {
	stats := newStats()

	where, args := "", []any{}
	if runID != "" {
		where = " WHERE run_id = $1"
		args = append(args, runID)
	}

	groupCount := func(column string, record func(key string, n int) error) error {
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+column+", COUNT(*) FROM agent_action_events"+where+" GROUP BY "+column, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				return err
			}
			if err := record(key, n); err != nil {
				return err
			}
		}
		return rows.Err()
	}

	if err := groupCount("trust_level", func(key string, n int) error {
		level, err := schema.ParseTrustLevel(key)
		if err != nil {
			return err
		}
		stats.ByTrustLevel[level] = n
		stats.Total += n
		return nil
	}); err != nil {
		return nil, err
	}
	if err := groupCount("stage", func(key string, n int) error {
		stats.ByStage[schema.Stage(key)] = n
		return nil
	}); err != nil {
		return nil, err
	}
	if err := groupCount("domain", func(key string, n int) error {
		stats.ByDomain[key] = n
		return nil
	}); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM agent_action_events"+errCond(where), args...)
	if err := row.Scan(&stats.WithErrors); err != nil {
		return nil, err
	}
	return stats, nil
}

func errCond(where string) string {
	if where == "" {
		return " WHERE cardinality(errors) > 0"
	}
	return where + " AND cardinality(errors) > 0"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (*Event, error) {
	var (
		e                                   Event
		trustLevel, stage                   string
		toolName, summary, approval, sbxID  sql.NullString
		args, result                        []byte
		artifactRefs, warnings, errs, sbArt pq.StringArray
	)
	err := r.Scan(&e.ID, &e.CreatedAt, &e.Domain, &e.Workflow, &e.Agent, &e.RunID,
		&trustLevel, &stage, &e.Intent,
		&toolName, &args, &result, &artifactRefs, &warnings, &errs,
		&summary, &e.Confidence, &approval, &sbxID, &sbArt)
	if err != nil {
		return nil, err
	}

	level, err := schema.ParseTrustLevel(trustLevel)
	if err != nil {
		return nil, err
	}
	e.TrustLevel = level
	e.Stage = schema.Stage(stage)
	e.ToolName = toolName.String
	e.Summary = summary.String
	e.ApprovalRequestID = approval.String
	e.SandboxID = sbxID.String
	e.ArtifactRefs = artifactRefs
	e.Warnings = warnings
	e.Errors = errs
	e.SandboxArtifacts = sbArt
	e.CreatedAt = e.CreatedAt.UTC()

	if len(args) > 0 {
		if err := json.Unmarshal(args, &e.ToolArgs); err != nil {
			return nil, fmt.Errorf("audit: unmarshal tool_args: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &e.ToolResult); err != nil {
			return nil, fmt.Errorf("audit: unmarshal tool_result: %w", err)
		}
	}
	return &e, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
