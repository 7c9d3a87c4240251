package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sentire-labs/trustgate/pkg/schema"
)

// SQLiteStore persists events for single-node deployments. Arrays and
// objects are stored as JSON text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open connection and applies DDL.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS agent_action_events (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		domain TEXT NOT NULL,
		workflow_name TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		run_id TEXT NOT NULL,
		trust_level TEXT NOT NULL,
		stage TEXT NOT NULL,
		intent TEXT NOT NULL,
		tool_name TEXT NOT NULL DEFAULT '',
		tool_args JSON NOT NULL DEFAULT '{}',
		tool_result JSON NOT NULL DEFAULT '{}',
		artifact_refs JSON NOT NULL DEFAULT '[]',
		warnings JSON NOT NULL DEFAULT '[]',
		errors JSON NOT NULL DEFAULT '[]',
		summary TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		approval_request_id TEXT NOT NULL DEFAULT '',
		sandbox_id TEXT NOT NULL DEFAULT '',
		sandbox_artifacts JSON NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_events_run ON agent_action_events (run_id);
	CREATE INDEX IF NOT EXISTS idx_events_created ON agent_action_events (created_at DESC);
	`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append inserts one event row.
func (s *SQLiteStore) Append(ctx context.Context, e *Event) error {
	enc := func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	}
	args, err := enc(orEmpty(e.ToolArgs))
	if err != nil {
		return err
	}
	result, err := enc(orEmpty(e.ToolResult))
	if err != nil {
		return err
	}
	refs, _ := enc(orEmptySlice(e.ArtifactRefs))
	warnings, _ := enc(orEmptySlice(e.Warnings))
	errs, _ := enc(orEmptySlice(e.Errors))
	sbArt, _ := enc(orEmptySlice(e.SandboxArtifacts))

	query := `INSERT INTO agent_action_events
		(id, created_at, domain, workflow_name, agent_name, run_id, trust_level, stage, intent,
		 tool_name, tool_args, tool_result, artifact_refs, warnings, errors, summary, confidence,
		 approval_request_id, sandbox_id, sandbox_artifacts)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	_, err = s.db.ExecContext(ctx, query,
		e.ID, e.CreatedAt.UTC(), e.Domain, e.Workflow, e.Agent, e.RunID,
		e.TrustLevel.String(), string(e.Stage), e.Intent,
		e.ToolName, args, result, refs, warnings, errs,
		e.Summary, e.Confidence, e.ApprovalRequestID, e.SandboxID, sbArt)
	return err
}

// Query returns matching events ordered by creation time descending.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]*Event, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if f.RunID != "" {
		add("run_id = ?", f.RunID)
	}
	if f.Workflow != "" {
		add("workflow_name = ?", f.Workflow)
	}
	if f.Agent != "" {
		add("agent_name = ?", f.Agent)
	}
	if f.Domain != "" {
		add("domain = ?", f.Domain)
	}
	if f.TrustLevel != nil {
		add("trust_level = ?", f.TrustLevel.String())
	}
	if f.Stage != "" {
		add("stage = ?", string(f.Stage))
	}
	if f.Since != nil {
		add("created_at >= ?", f.Since.UTC())
	}
	if f.Until != nil {
		add("created_at <= ?", f.Until.UTC())
	}

	query := `SELECT id, created_at, domain, workflow_name, agent_name, run_id, trust_level, stage, intent,
		tool_name, tool_args, tool_result, artifact_refs, warnings, errors, summary, confidence,
		approval_request_id, sandbox_id, sandbox_artifacts FROM agent_action_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.MaxResults > 0 {
		query += " LIMIT ?"
		args = append(args, f.MaxResults)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		var (
			e                 Event
			trustLevel, stage string
			createdAt         time.Time
			args, result      string
			refs, warns       string
			errs, sbArt       string
		)
		err := rows.Scan(&e.ID, &createdAt, &e.Domain, &e.Workflow, &e.Agent, &e.RunID,
			&trustLevel, &stage, &e.Intent,
			&e.ToolName, &args, &result, &refs, &warns, &errs,
			&e.Summary, &e.Confidence, &e.ApprovalRequestID, &e.SandboxID, &sbArt)
		if err != nil {
			return nil, err
		}
		level, err := schema.ParseTrustLevel(trustLevel)
		if err != nil {
			return nil, err
		}
		e.TrustLevel = level
		e.Stage = schema.Stage(stage)
		e.CreatedAt = createdAt.UTC()
		for dst, src := range map[*[]string]string{
			&e.ArtifactRefs: refs, &e.Warnings: warns, &e.Errors: errs, &e.SandboxArtifacts: sbArt,
		} {
			if err := json.Unmarshal([]byte(src), dst); err != nil {
				return nil, fmt.Errorf("audit: decode array column: %w", err)
			}
		}
		if err := json.Unmarshal([]byte(args), &e.ToolArgs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(result), &e.ToolResult); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Stats aggregates counts, optionally scoped to a run. SQLite has no array
// cardinality, so the error count checks the JSON text.
func (s *SQLiteStore) Stats(ctx context.Context, runID string) (*Stats, error) {
	stats := newStats()

	where, args := "", []any{}
	if runID != "" {
		where = " WHERE run_id = ?"
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

	cond := " WHERE errors != '[]'"
	if where != "" {
		cond = where + " AND errors != '[]'"
	}
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agent_action_events"+cond, args...)
	if err := row.Scan(&stats.WithErrors); err != nil {
		return nil, err
	}
	return stats, nil
}
