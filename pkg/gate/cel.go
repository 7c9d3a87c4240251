package gate

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/sentire-labs/trustgate/pkg/schema"
)

// DenyRule is a compiled domain policy expression. The environment exposes
// tool, capability, risk, stage, agent, and run_id as strings; a rule
// evaluating to true denies the call.
//
// Example: `tool.startsWith("asi.") && stage == "execute" && risk == "HIGH"`
type DenyRule struct {
	Name    string
	Expr    string
	program cel.Program
}

// CompileDenyRules compiles named expressions at config-load time. A rule
// that fails to compile fails the whole load; there is no partial policy.
func CompileDenyRules(rules map[string]string) ([]DenyRule, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("capability", cel.StringType),
		cel.Variable("risk", cel.StringType),
		cel.Variable("stage", cel.StringType),
		cel.Variable("agent", cel.StringType),
		cel.Variable("run_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("gate: cel env: %w", err)
	}

	out := make([]DenyRule, 0, len(rules))
	for name, expr := range rules {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("gate: deny rule %q: %w", name, issues.Err())
		}
		if ast.OutputType().String() != cel.BoolType.String() {
			return nil, fmt.Errorf("gate: deny rule %q: want bool, got %s", name, ast.OutputType())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("gate: deny rule %q: %w", name, err)
		}
		out = append(out, DenyRule{Name: name, Expr: expr, program: program})
	}
	return out, nil
}

// Matches evaluates the rule against one call. Evaluation errors are
// returned so the gate can fail closed.
func (r *DenyRule) Matches(tool *schema.ToolDefinition, stage schema.Stage, callCtx CallContext) (bool, error) {
	if r.program == nil {
		return false, fmt.Errorf("rule %q not compiled", r.Name)
	}
	val, _, err := r.program.Eval(map[string]any{
		"tool":       tool.Name,
		"capability": string(tool.Capability),
		"risk":       string(tool.Risk),
		"stage":      string(stage),
		"agent":      callCtx.Agent,
		"run_id":     callCtx.RunID,
	})
	if err != nil {
		return false, err
	}
	hit, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %q returned non-bool", r.Name)
	}
	return hit, nil
}
