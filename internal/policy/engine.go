// Package policy decides whether a run may be launched, using an OPA policy.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// LaunchInput is the document the policy sees as input.
type LaunchInput struct {
	RunID         string   `json:"run_id"`
	Features      []string `json:"features"`
	KnownFeatures []string `json:"known_features"`
	Rows          int      `json:"rows"`
	MaxRows       int      `json:"max_rows"`
}

// Decision is the policy outcome.
type Decision struct {
	Allow  bool
	Reason string
}

// NewEngine prepares policyContent, which must define data.launch_policy.decision
// as an object {allow, reason}.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.launch_policy.decision"),
		rego.Module("launch_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate runs the policy. An undefined result allows the launch.
func (e *Engine) Evaluate(ctx context.Context, input LaunchInput) (Decision, error) {
	if input.Features == nil {
		input.Features = []string{}
	}
	if input.KnownFeatures == nil {
		input.KnownFeatures = []string{}
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: true, Reason: "default"}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("policy returned %T, expected object", results[0].Expressions[0].Value)
	}
	allow, _ := obj["allow"].(bool)
	reason, _ := obj["reason"].(string)
	return Decision{Allow: allow, Reason: reason}, nil
}

// DefaultPolicy only admits known feature toggles and bounded datasets.
const DefaultPolicy = `
package launch_policy

import rego.v1

default decision := {"allow": true, "reason": ""}

unknown_features contains f if {
	some f in input.features
	not f in input.known_features
}

decision := {"allow": false, "reason": msg} if {
	count(unknown_features) > 0
	msg := sprintf("unknown features: %s", [concat(", ", sort(unknown_features))])
}

decision := {"allow": false, "reason": msg} if {
	count(unknown_features) == 0
	input.max_rows > 0
	input.rows > input.max_rows
	msg := sprintf("dataset has %d rows, limit is %d", [input.rows, input.max_rows])
}
`
