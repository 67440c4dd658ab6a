// Package authz compiles role bindings into database predicates and
// evaluates role-level permissions. The predicate compiler governs row
// visibility; the policy evaluator governs what an already-visible row
// may be used for.
package authz

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	apperrors "github.com/conda-store/condastore/internal/errors"
)

// RoleBindings maps an entity glob ("ns-glob/env-glob") to the roles
// granted on matching environments.
type RoleBindings map[string][]string

// ARNAllowedRegex is the character grammar an entity glob must match:
// a namespace glob and an environment glob separated by a slash, each
// drawn from the name alphabet plus the * wildcard.
var ARNAllowedRegex = regexp.MustCompile(`^([A-Za-z0-9_.\-*]+)/([A-Za-z0-9_.\-*]+)$`)

// CompileARNSQLLike splits an entity glob into namespace and
// environment LIKE patterns, translating * to %.
func CompileARNSQLLike(arn string) (namespace, environment string, err error) {
	match := ARNAllowedRegex.FindStringSubmatch(arn)
	if match == nil {
		return "", "", apperrors.NewValidationError(fmt.Sprintf("invalid entity glob %q", arn))
	}
	return globToLike(match[1]), globToLike(match[2]), nil
}

// globToLike rewrites glob wildcards as SQL LIKE wildcards, escaping
// LIKE's own metacharacters first so a literal underscore in a name
// does not become a single-character wildcard.
func globToLike(glob string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(glob)
	return strings.ReplaceAll(escaped, "*", "%")
}

// Predicate is a SQL fragment restricting a query over
// (environment join namespace) to the rows the bindings expose. Args
// bind to $firstArg onwards.
type Predicate struct {
	Clause string
	Args   []any
}

// FilterEnvironments compiles bindings into one OR'd predicate. Role
// values are not inspected: any binding grants visibility, and
// role-level enforcement is the caller's job. Empty bindings yield a
// predicate matching no rows.
func FilterEnvironments(bindings RoleBindings, firstArg int) (*Predicate, error) {
	if len(bindings) == 0 {
		return &Predicate{Clause: "FALSE"}, nil
	}

	arns := make([]string, 0, len(bindings))
	for arn := range bindings {
		arns = append(arns, arn)
	}
	sort.Strings(arns)

	var clauses []string
	var args []any
	for _, arn := range arns {
		namespace, environment, err := CompileARNSQLLike(arn)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, fmt.Sprintf("(namespace.name LIKE $%d AND environment.name LIKE $%d)",
			firstArg+len(args), firstArg+len(args)+1))
		args = append(args, namespace, environment)
	}

	return &Predicate{
		Clause: "(" + strings.Join(clauses, " OR ") + ")",
		Args:   args,
	}, nil
}
