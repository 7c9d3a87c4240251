// Package audit implements the append-only action log. Every tool call,
// gate decision, commit, and workflow transition lands here exactly once.
//
// Persistence failures in fire-and-forget mode are logged and dropped:
// callers must not depend on audit durability for correctness, because the
// governing decision has already been made by the time the event is written.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/sentire-labs/trustgate/pkg/schema"
)

var (
	// ErrInvalidEvent marks a validation rejection; the event was not persisted.
	ErrInvalidEvent = errors.New("audit: invalid event")
	// ErrEventNotFound is returned by lookups on unknown event ids.
	ErrEventNotFound = errors.New("audit: event not found")
)

// Event is a single agent-action record. Append-only.
type Event struct {
	ID                string            `json:"id"`
	CreatedAt         time.Time         `json:"created_at"`
	Domain            string            `json:"domain"`
	Workflow          string            `json:"workflow"`
	Agent             string            `json:"agent"`
	RunID             string            `json:"run_id"`
	TrustLevel        schema.TrustLevel `json:"trust_level"`
	Stage             schema.Stage      `json:"stage"`
	Intent            string            `json:"intent"`
	ToolName          string            `json:"tool_name,omitempty"`
	ToolArgs          map[string]any    `json:"tool_args,omitempty"`
	ToolResult        map[string]any    `json:"tool_result,omitempty"`
	ArtifactRefs      []string          `json:"artifact_refs,omitempty"`
	Warnings          []string          `json:"warnings,omitempty"`
	Errors            []string          `json:"errors,omitempty"`
	Summary           string            `json:"summary,omitempty"`
	Confidence        float64           `json:"confidence"`
	ApprovalRequestID string            `json:"approval_request_id,omitempty"`
	SandboxID         string            `json:"sandbox_id,omitempty"`
	SandboxArtifacts  []string          `json:"sandbox_artifacts,omitempty"`
}

// Validate enforces the required fields. The event id is assigned here if
// missing so that a rejected append can still be correlated by the caller.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil", ErrInvalidEvent)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	for field, v := range map[string]string{
		"domain":   e.Domain,
		"workflow": e.Workflow,
		"agent":    e.Agent,
		"run_id":   e.RunID,
		"intent":   e.Intent,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: fail-closed: %s", ErrInvalidEvent, field)
		}
	}
	if !e.TrustLevel.Valid() {
		return fmt.Errorf("%w: fail-closed: trust_level", ErrInvalidEvent)
	}
	if !e.Stage.Valid() {
		return fmt.Errorf("%w: fail-closed: stage", ErrInvalidEvent)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("%w: fail-closed: confidence", ErrInvalidEvent)
	}
	return nil
}

// ContentHash returns the JCS-canonical SHA-256 of the event's decision
// surface (run, tool, stage, trust level, errors). The hash is computed on
// demand; it is not stored on the event or returned by store queries.
func (e *Event) ContentHash() (string, error) {
	hashable := struct {
		RunID      string            `json:"run_id"`
		ToolName   string            `json:"tool_name"`
		Stage      schema.Stage      `json:"stage"`
		TrustLevel schema.TrustLevel `json:"trust_level"`
		Errors     []string          `json:"errors"`
	}{e.RunID, e.ToolName, e.Stage, e.TrustLevel, e.Errors}

	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("audit: hash marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Filter selects events in queries. Zero values match everything.
type Filter struct {
	RunID      string
	Workflow   string
	Agent      string
	Domain     string
	TrustLevel *schema.TrustLevel
	Stage      schema.Stage
	Since      *time.Time
	Until      *time.Time
	MaxResults int
}

func (f Filter) matches(e *Event) bool {
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.Workflow != "" && e.Workflow != f.Workflow {
		return false
	}
	if f.Agent != "" && e.Agent != f.Agent {
		return false
	}
	if f.Domain != "" && e.Domain != f.Domain {
		return false
	}
	if f.TrustLevel != nil && e.TrustLevel != *f.TrustLevel {
		return false
	}
	if f.Stage != "" && e.Stage != f.Stage {
		return false
	}
	if f.Since != nil && e.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}

// Stats aggregates event counts.
type Stats struct {
	Total        int                       `json:"total"`
	ByTrustLevel map[schema.TrustLevel]int `json:"by_trust_level"`
	ByStage      map[schema.Stage]int      `json:"by_stage"`
	ByDomain     map[string]int            `json:"by_domain"`
	WithErrors   int                       `json:"with_errors"`
}

func newStats() *Stats {
	return &Stats{
		ByTrustLevel: make(map[schema.TrustLevel]int),
		ByStage:      make(map[schema.Stage]int),
		ByDomain:     make(map[string]int),
	}
}

func (s *Stats) observe(e *Event) {
	s.Total++
	s.ByTrustLevel[e.TrustLevel]++
	s.ByStage[e.Stage]++
	s.ByDomain[e.Domain]++
	if len(e.Errors) > 0 {
		s.WithErrors++
	}
}
