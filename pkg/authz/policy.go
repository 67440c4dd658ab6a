package authz

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/conda-store/condastore/pkg/datastore/models"
)

// rolePolicy maps each role to the actions it grants. Role names are
// normalized first, so the legacy "editor" evaluates as "developer".
const rolePolicy = `package condastore.authz

default allow := false

role_permissions := {
	"viewer": {
		"namespace:read",
		"environment:read",
		"build:read",
	},
	"developer": {
		"namespace:read",
		"environment:read",
		"environment:create",
		"environment:update",
		"build:read",
		"build:create",
	},
	"admin": {
		"namespace:read",
		"namespace:create",
		"namespace:delete",
		"environment:read",
		"environment:create",
		"environment:update",
		"environment:delete",
		"build:read",
		"build:create",
		"build:cancel",
		"build:delete",
	},
}

allow if {
	some role in input.roles
	permissions := role_permissions[role]
	input.action in permissions
}
`

// PolicyEvaluator answers "does this set of roles grant this action",
// the role-level enforcement layer on top of the visibility filter.
type PolicyEvaluator struct {
	query rego.PreparedEvalQuery
}

func NewPolicyEvaluator(ctx context.Context) (*PolicyEvaluator, error) {
	query, err := rego.New(
		rego.Query("data.condastore.authz.allow"),
		rego.Module("authz.rego", rolePolicy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare authorization policy: %w", err)
	}
	return &PolicyEvaluator{query: query}, nil
}

// Allowed evaluates whether any of roles grants action. Role names are
// normalized before evaluation.
func (p *PolicyEvaluator) Allowed(ctx context.Context, roles []string, action string) (bool, error) {
	normalized := make([]string, 0, len(roles))
	for _, role := range roles {
		normalized = append(normalized, string(models.NormalizeRole(role)))
	}

	results, err := p.query.Eval(ctx, rego.EvalInput(map[string]any{
		"roles":  normalized,
		"action": action,
	}))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate authorization policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, nil
	}
	return allowed, nil
}
