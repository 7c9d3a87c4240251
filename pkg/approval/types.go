// Package approval persists approval requests and the human or automatic
// decisions taken on them. Semantics are strictly fail-closed: a request
// that cannot be proven APPROVED, unexpired, and reviewer-passed does not
// authorize anything.
package approval

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sentire-labs/trustgate/pkg/schema"
)

// Status is the lifecycle state of a request. PENDING is the only
// non-terminal state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

// Valid reports membership in the closed enumeration.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// DecisionKind is the outcome recorded by a decision.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "APPROVE"
	DecisionReject  DecisionKind = "REJECT"
)

// SystemAutoApprover is the decided-by identity for automatic approvals.
const SystemAutoApprover = "system:auto-approve"

// Expiry defaults by trust level.
const (
	DefaultTTLL3 = 3600 * time.Second
	DefaultTTLL4 = 86400 * time.Second
)

var (
	// ErrNotFound is returned for unknown request or decision ids.
	ErrNotFound = errors.New("approval: not found")
	// ErrAlreadyDecided is returned on a second decision for one request.
	ErrAlreadyDecided = errors.New("approval: request already decided")
	// ErrExpired is returned when deciding a request past its expiry.
	ErrExpired = errors.New("approval: request expired")
	// ErrInvalidRequest marks a validation rejection at creation.
	ErrInvalidRequest = errors.New("approval: invalid request")
)

// Request is a persisted approval request.
type Request struct {
	ID                  string            `json:"id"`
	CreatedAt           time.Time         `json:"created_at"`
	Domain              string            `json:"domain"`
	RunID               string            `json:"run_id"`
	WorkflowName        string            `json:"workflow_name"`
	Requester           string            `json:"requester"`
	TrustLevel          schema.TrustLevel `json:"trust_level"`
	ActionType          string            `json:"action_type"`
	ActionPayload       map[string]any    `json:"action_payload,omitempty"`
	Context             map[string]any    `json:"context,omitempty"`
	ReviewerVerdict     schema.Verdict    `json:"reviewer_verdict,omitempty"`
	ReviewerNotes       string            `json:"reviewer_notes,omitempty"`
	Status              Status            `json:"status"`
	ExpiresAt           time.Time         `json:"expires_at"`
	AutoApproveEligible bool              `json:"auto_approve_eligible"`
	AutoApproveReason   string            `json:"auto_approve_reason,omitempty"`
}

// Expired reports whether the request's expiry has passed at now.
// The boundary is inclusive: a request expires exactly at expires_at.
func (r *Request) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Decision records the outcome taken on a request. At most one exists per
// request, enforced by a uniqueness constraint in every backend.
type Decision struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	RequestID string         `json:"request_id"`
	DecidedBy string         `json:"decided_by"`
	Decision  DecisionKind   `json:"decision"`
	Notes     string         `json:"notes,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CreateInput carries the fields for a new request.
type CreateInput struct {
	Domain          string
	RunID           string
	WorkflowName    string
	Requester       string
	TrustLevel      schema.TrustLevel
	ActionType      string
	ActionPayload   map[string]any
	Context         map[string]any
	ReviewerVerdict schema.Verdict
	ReviewerNotes   string
	TTL             time.Duration // zero means level default
}

func (in *CreateInput) validate() error {
	for field, v := range map[string]string{
		"domain":        in.Domain,
		"run_id":        in.RunID,
		"workflow_name": in.WorkflowName,
		"requester":     in.Requester,
		"action_type":   in.ActionType,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: fail-closed: %s", ErrInvalidRequest, field)
		}
	}
	if !in.TrustLevel.Valid() {
		return fmt.Errorf("%w: fail-closed: trust_level", ErrInvalidRequest)
	}
	if in.ReviewerVerdict != "" && !in.ReviewerVerdict.Valid() {
		return fmt.Errorf("%w: fail-closed: reviewer_verdict", ErrInvalidRequest)
	}
	return nil
}

func (in *CreateInput) ttl() time.Duration {
	if in.TTL > 0 {
		return in.TTL
	}
	if in.TrustLevel == schema.TrustL4 {
		return DefaultTTLL4
	}
	return DefaultTTLL3
}

// Auto-approval action/workflow sets. Membership is matched against both
// the action type and the workflow name.
var (
	autoApproveDeny = map[string]bool{
		"send_invoice":             true,
		"mark_checkpoint_complete": true,
		"billing_reconciliation":   true,
		"compliance_audit_pack":    true,
	}
	autoApproveAllow = map[string]bool{
		"post_alert":          true,
		"publish_daily_brief": true,
		"apply_changes":       true,
		"daily_ops_brief":     true,
		"alert_triage":        true,
	}
)

// autoApproveEligibility computes the eligibility flag at creation time.
// L4 is never eligible; a missing PASS verdict disqualifies; the deny set
// beats the allow set; anything unlisted defaults to ineligible.
func autoApproveEligibility(in *CreateInput) (bool, string) {
	if in.TrustLevel == schema.TrustL4 {
		return false, "L4 requires human approval"
	}
	if in.ReviewerVerdict != schema.VerdictPass {
		return false, "reviewer verdict is not PASS"
	}
	if autoApproveDeny[in.ActionType] || autoApproveDeny[in.WorkflowName] {
		return false, "action type or workflow is denylisted"
	}
	if autoApproveAllow[in.ActionType] || autoApproveAllow[in.WorkflowName] {
		return true, "action type or workflow is allowlisted"
	}
	return false, "not on the auto-approve allowlist"
}

// PendingFilter scopes GetPendingRequests.
type PendingFilter struct {
	Domain       string
	WorkflowName string
	RunID        string
	MaxResults   int
}

// DecisionInput carries the fields for a new decision.
type DecisionInput struct {
	RequestID string
	DecidedBy string
	Decision  DecisionKind
	Notes     string
	Metadata  map[string]any
}

func (in *DecisionInput) validate() error {
	if strings.TrimSpace(in.RequestID) == "" {
		return fmt.Errorf("%w: fail-closed: request_id", ErrInvalidRequest)
	}
	if strings.TrimSpace(in.DecidedBy) == "" {
		return fmt.Errorf("%w: fail-closed: decided_by", ErrInvalidRequest)
	}
	if in.Decision != DecisionApprove && in.Decision != DecisionReject {
		return fmt.Errorf("%w: fail-closed: decision", ErrInvalidRequest)
	}
	return nil
}

// statusAfter maps a decision to the induced terminal status.
func statusAfter(kind DecisionKind) Status {
	if kind == DecisionApprove {
		return StatusApproved
	}
	return StatusRejected
}
