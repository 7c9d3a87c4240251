package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolDefinition declares a tool to the router and the trust gate.
// Definitions are immutable once registered; the registry copies them.
type ToolDefinition struct {
	Name          string          `json:"name"` // {domain}.{action}
	Description   string          `json:"description"`
	Capability    Capability      `json:"capability"`
	Risk          Risk            `json:"risk"`
	ExecutionMode ExecutionMode   `json:"execution_mode"`
	Verification  Verification    `json:"verification"`
	InputSchema   json.RawMessage `json:"input_schema,omitempty"` // JSON Schema for args
}

// Validate rejects a malformed definition.
func (d *ToolDefinition) Validate() error {
	if d == nil {
		return failClosed("tool_definition")
	}
	if strings.TrimSpace(d.Name) == "" {
		return failClosed("tool_definition.name")
	}
	if !strings.Contains(d.Name, ".") {
		return failClosed("tool_definition.name: want {domain}.{action}")
	}
	if !d.Capability.Valid() {
		return failClosed("tool_definition.capability")
	}
	if !d.Risk.Valid() {
		return failClosed("tool_definition.risk")
	}
	if d.ExecutionMode != "" && !d.ExecutionMode.Valid() {
		return failClosed("tool_definition.execution_mode")
	}
	if d.Verification != "" && !d.Verification.Valid() {
		return failClosed("tool_definition.verification")
	}
	return nil
}

// DomainPrefix returns the {domain} part of the tool name.
func (d *ToolDefinition) DomainPrefix() string {
	i := strings.Index(d.Name, ".")
	if i < 0 {
		return ""
	}
	return d.Name[:i]
}

// AgentDefinition declares an agent available to workflows.
type AgentDefinition struct {
	Name         string    `json:"name"`
	Role         AgentRole `json:"role"`
	SystemPrompt string    `json:"system_prompt"`
	AllowedTools []string  `json:"allowed_tools"`
	MaxTurns     int       `json:"max_turns"`
}

// Validate rejects a malformed agent definition.
func (a *AgentDefinition) Validate() error {
	if a == nil {
		return failClosed("agent_definition")
	}
	if strings.TrimSpace(a.Name) == "" {
		return failClosed("agent_definition.name")
	}
	if !a.Role.Valid() {
		return failClosed("agent_definition.role")
	}
	if a.MaxTurns < 0 {
		return failClosed("agent_definition.max_turns")
	}
	return nil
}

// AllowsTool reports whether the agent may call the named tool.
// An empty allowlist permits nothing.
func (a *AgentDefinition) AllowsTool(name string) bool {
	for _, t := range a.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// WorkflowDefinition declares an ordered multi-stage workflow.
type WorkflowDefinition struct {
	Name   string            `json:"name"`
	Domain Domain            `json:"domain"`
	Stages []Stage           `json:"stages"`
	Agents []AgentDefinition `json:"agents"`
}

// Validate enforces the workflow invariants: commit requires an earlier
// review, and every stage must be staffed with an agent of matching role.
func (w *WorkflowDefinition) Validate() error {
	if w == nil {
		return failClosed("workflow_definition")
	}
	if strings.TrimSpace(w.Name) == "" {
		return failClosed("workflow_definition.name")
	}
	if _, err := ParseDomain(string(w.Domain)); err != nil {
		return failClosed("workflow_definition.domain")
	}
	if len(w.Stages) == 0 {
		return failClosed("workflow_definition.stages")
	}

	reviewIdx, commitIdx := -1, -1
	for i, s := range w.Stages {
		if !s.Valid() {
			return failClosed(fmt.Sprintf("workflow_definition.stages[%d]", i))
		}
		switch s {
		case StageReview:
			reviewIdx = i
		case StageCommit:
			commitIdx = i
		}
	}
	if commitIdx >= 0 && (reviewIdx < 0 || reviewIdx >= commitIdx) {
		return failClosed("workflow_definition.stages: commit requires a prior review")
	}

	for _, s := range w.Stages {
		role, err := RoleForStage(s)
		if err != nil {
			return err
		}
		if w.AgentForRole(role) == nil {
			return failClosed(fmt.Sprintf("workflow_definition.agents: no %s for stage %s", role, s))
		}
	}

	for i := range w.Agents {
		if err := w.Agents[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// AgentForRole returns the first agent carrying the role, or nil.
func (w *WorkflowDefinition) AgentForRole(role AgentRole) *AgentDefinition {
	for i := range w.Agents {
		if w.Agents[i].Role == role {
			return &w.Agents[i]
		}
	}
	return nil
}
