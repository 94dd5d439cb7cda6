// Package policy decides whether a message may be sent on a session, using OPA rego.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by the send policy.
const (
	DecisionAllow  = "allow"
	DecisionReject = "reject"
)

// SendInput is the document evaluated by the policy as `input`.
type SendInput struct {
	Streaming     bool
	Provider      string
	Model         string
	ContentLength int
}

func (in SendInput) toMap() map[string]interface{} {
	return map[string]interface{}{
		"streaming":      in.Streaming,
		"provider":       in.Provider,
		"model":          in.Model,
		"content_length": in.ContentLength,
	}
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
// The module must define data.send_policy.decision and data.send_policy.reason.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("decision := data.send_policy.decision; reason := data.send_policy.reason"),
		rego.Module("send_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Load builds an engine from a policy file, or from DefaultPolicy when path is empty.
func Load(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// EvaluateSend checks the send policy.
// Returns: decision (allow, reject), reason (optional), error
func (e *Engine) EvaluateSend(ctx context.Context, input SendInput) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input.toMap()))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 {
		// The policy is expected to define defaults.
		return DecisionAllow, "default", nil
	}

	decision, _ := results[0].Bindings["decision"].(string)
	reason, _ := results[0].Bindings["reason"].(string)
	switch decision {
	case DecisionAllow, DecisionReject:
		return decision, reason, nil
	default:
		return "", "", fmt.Errorf("unexpected policy decision %q", decision)
	}
}

// DefaultPolicy rejects a send while a response is streaming and rejects empty messages.
const DefaultPolicy = `
package send_policy

default decision = "allow"

default reason = ""

decision = "reject" {
	input.streaming
}

decision = "reject" {
	input.content_length == 0
}

reason = "a response is still streaming" {
	input.streaming
}

reason = "message is empty" {
	not input.streaming
	input.content_length == 0
}
`

// AllowAllPolicy keeps concurrent sends: a new send takes over as the active stream.
const AllowAllPolicy = `
package send_policy

default decision = "allow"

default reason = ""
`
