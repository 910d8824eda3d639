package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
)

// RegoHook consults an operator-supplied Rego module after the built-in
// execution checks have passed.
//
// The module must live in package mcpwarden and may define:
//
//	allow: bool (undefined denies)
//	reason: string (optional)
//
// Input available to the module:
//
//	input.agent: string
//	input.server: string
//	input.tool: string
//	input.params: object
//	input.policy: string
//	input.permissions: array of string
type RegoHook struct {
	query rego.PreparedEvalQuery
}

// NewRegoHookFromFile compiles the module at path.
func NewRegoHookFromFile(path string) (*RegoHook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rego policy file: %w", err)
	}
	return NewRegoHook(string(data))
}

// NewRegoHook compiles Rego source.
func NewRegoHook(source string) (*RegoHook, error) {
	if _, err := ast.ParseModuleWithOpts("mcpwarden.rego", source, ast.ParserOptions{RegoVersion: ast.RegoV1}); err != nil {
		return nil, fmt.Errorf("parsing rego policy: %w", err)
	}
	r := rego.New(
		rego.Query("data.mcpwarden"),
		rego.Module("mcpwarden.rego", source),
		rego.Store(inmem.New()),
	)
	query, err := r.PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("preparing rego query: %w", err)
	}
	return &RegoHook{query: query}, nil
}

// evaluate returns whether the module allows the execution and its reason.
func (h *RegoHook) evaluate(ctx context.Context, ev *evaluation) (bool, string, error) {
	perms := make([]string, 0)
	name := ""
	if ev.policy != nil {
		name = ev.policy.Name
		for _, p := range ev.policy.AllowedPermissions {
			perms = append(perms, string(p))
		}
	}
	params := ev.params
	if params == nil {
		params = map[string]any{}
	}
	input := map[string]any{
		"agent":       ev.agent,
		"server":      ev.server,
		"tool":        ev.tool,
		"params":      params,
		"policy":      name,
		"permissions": perms,
	}

	rs, err := h.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, "", fmt.Errorf("rego evaluation failed: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, "rego policy returned no result", nil
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return false, "unexpected rego result type", nil
	}
	allow, _ := doc["allow"].(bool)
	reason, _ := doc["reason"].(string)
	if !allow && reason == "" {
		reason = "denied by rego policy"
	}
	return allow, reason, nil
}
