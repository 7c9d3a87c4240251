// Package adapter defines the plug-in surface for per-vertical domains:
// an adapter supplies tools, agents, workflows, gate configuration, and
// optional lifecycle hooks, and the registry validates and holds them.
package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/sentire-labs/trustgate/pkg/gate"
	"github.com/sentire-labs/trustgate/pkg/router"
	"github.com/sentire-labs/trustgate/pkg/schema"
)

// Tool pairs a definition with its handler.
type Tool struct {
	Definition schema.ToolDefinition
	Handler    router.Handler
}

// Hooks are optional lifecycle callbacks. Nil members are skipped.
type Hooks struct {
	OnInitialize       func(ctx context.Context) error
	OnShutdown         func(ctx context.Context) error
	OnWorkflowStart    func(ctx context.Context, workflow, runID string) error
	OnWorkflowComplete func(ctx context.Context, workflow, runID string, status string) error
}

// Adapter is one domain plug-in.
type Adapter struct {
	Domain    schema.Domain
	Name      string
	Version   string // semver
	Tools     []Tool
	Agents    []schema.AgentDefinition
	Workflows []schema.WorkflowDefinition
	Config    *gate.Config // partial gate config for the domain
	Hooks     Hooks
}

// ValidationResult separates hard failures from reportable warnings.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// OK reports whether the adapter may be registered.
func (v *ValidationResult) OK() bool { return len(v.Errors) == 0 }

// Validate applies the adapter rules. Errors block registration;
// warnings are surfaced to the operator and tolerated.
func (a *Adapter) Validate() *ValidationResult {
	res := &ValidationResult{}
	fail := func(format string, args ...any) {
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}
	warn := func(format string, args ...any) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
	}

	if _, err := schema.ParseDomain(string(a.Domain)); err != nil {
		fail("invalid domain %q", a.Domain)
	}
	if strings.TrimSpace(a.Name) == "" {
		fail("missing adapter name")
	}
	if _, err := semver.NewVersion(a.Version); err != nil {
		fail("invalid version %q: %v", a.Version, err)
	}

	toolNames := make(map[string]bool)
	for i := range a.Tools {
		def := &a.Tools[i].Definition
		if err := def.Validate(); err != nil {
			fail("tool %q: %v", def.Name, err)
			continue
		}
		if toolNames[def.Name] {
			fail("duplicate tool %q", def.Name)
		}
		toolNames[def.Name] = true
		if def.DomainPrefix() != string(a.Domain) {
			warn("tool %q is not prefixed with %q", def.Name, a.Domain)
		}
		if a.Tools[i].Handler == nil {
			fail("tool %q: nil handler", def.Name)
		}
	}

	for i := range a.Agents {
		agent := &a.Agents[i]
		if err := agent.Validate(); err != nil {
			fail("agent %q: %v", agent.Name, err)
			continue
		}
		for _, t := range agent.AllowedTools {
			if !toolNames[t] {
				warn("agent %q references unknown tool %q", agent.Name, t)
			}
		}
	}

	for i := range a.Workflows {
		wf := &a.Workflows[i]
		if wf.Domain != a.Domain {
			fail("workflow %q: domain %q does not match adapter %q", wf.Name, wf.Domain, a.Domain)
			continue
		}
		if err := wf.Validate(); err != nil {
			fail("workflow %q: %v", wf.Name, err)
		}
	}
	return res
}
