package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"riskgate/internal/metrics"
)

const celCostLimit = 10000

// CEL evaluates a boolean expression over the call. Available variables:
// risk, action, capability, environment, tenant, actor (strings), level
// (double), roles and indicators (lists of strings).
type CEL struct {
	Expression string
	prg        cel.Program
}

func NewCEL(expression string) (*CEL, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, errors.New("cel expression required")
	}
	env, err := cel.NewEnv(
		cel.Variable("risk", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("capability", cel.StringType),
		cel.Variable("environment", cel.StringType),
		cel.Variable("tenant", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("level", cel.DoubleType),
		cel.Variable("roles", cel.ListType(cel.StringType)),
		cel.Variable("indicators", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	return &CEL{Expression: expression, prg: prg}, nil
}

func (c *CEL) AllowBypass(ctx context.Context, in Input) (bool, error) {
	if c == nil || c.prg == nil {
		return false, errors.New("cel policy not compiled")
	}
	out, _, err := c.prg.ContextEval(ctx, map[string]any{
		"risk":        in.Risk,
		"action":      in.Action,
		"capability":  in.Capability,
		"environment": in.Environment,
		"tenant":      in.Tenant,
		"actor":       in.Actor,
		"level":       in.Level,
		"roles":       nonNil(in.Roles),
		"indicators":  nonNil(in.Indicators),
	})
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("result not boolean")
	}
	record("cel", allowed)
	return allowed, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func record(policy string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	metrics.PolicyDecisionsTotal.WithLabelValues(policy, decision).Inc()
}
