// Package policy authorizes service bus RPC calls with OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by Evaluate.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Input is what a policy sees for one RPC call.
type Input struct {
	Origin  string         `json:"origin"`
	Target  string         `json:"target"`
	Service string         `json:"service"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.rpc_policy.decision"),
		rego.Module("rpc_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks an RPC call against the policy. The rule may produce a
// plain decision string or an object {decision, reason}.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// The policy defines its own default; an undefined result means it
		// did not, so nothing was explicitly allowed.
		return DecisionDeny, "undefined", nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return v, "", nil
	case map[string]any:
		decision, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		if decision == "" {
			return DecisionDeny, "missing decision", nil
		}
		return decision, reason, nil
	}
	return DecisionDeny, "unexpected return type", nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package rpc_policy

default decision = "allow"

# Events enter the hub only from nodes, never from the control surface.
decision = {"decision": "deny", "reason": "events are published by nodes"} {
	input.service == "events"
	input.origin == "http"
}

# Snapshots may carry credentials. Only the owning node and the control
# surface read them.
decision = {"decision": "deny", "reason": "snapshot read from foreign agent"} {
	input.service == "servers"
	input.method == "snapshot"
	input.origin != "http"
	input.origin != input.target
}
`
