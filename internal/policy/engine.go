// Package policy evaluates operation preconditions with OPA. The controller
// consults it before every mutating tree operation; the rego source is
// swappable so deployments can tighten the rules without a rebuild.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision values returned by Evaluate.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// OpInput describes one tree operation for policy evaluation.
type OpInput struct {
	Op     string `json:"op"`
	NodeID string `json:"node_id"`
	IsRoot bool   `json:"is_root"`
	Mode   string `json:"mode"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a policy engine from the given rego source.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.op_policy.decision"),
		rego.Module("op_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks one operation against the policy and returns the decision.
func (e *Engine) Evaluate(ctx context.Context, input OpInput) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return DecisionAllow, nil
}

// DefaultPolicy is the built-in operation policy.
const DefaultPolicy = `
package op_policy

default decision = "allow"

# The root node anchors the tree: it can never be removed, and it has no
# parent to fork a sibling under.
decision = "block" {
	input.op == "delete"
	input.is_root
}

decision = "block" {
	input.op == "branch"
	input.is_root
}

# Remote engines only know about ids they issued. Nodes created by the
# local engine carry the "local-" prefix and must not reach a remote engine.
decision = "block" {
	input.mode == "remote"
	startswith(input.node_id, "local-")
}
`
