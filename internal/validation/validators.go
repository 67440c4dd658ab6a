// Package validation holds request-boundary validators: namespace/
// environment name shape, the small closed vocabularies for artifact kinds
// and build stages, and generic string-safety checks shared by every HTTP
// handler that accepts free-form text.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// NamespaceEnvironmentRef identifies an environment within a namespace.
type NamespaceEnvironmentRef struct {
	Namespace   string
	Environment string
}

var (
	namespacePattern   = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	environmentPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9._-]*[a-z0-9])?$`)
)

// ValidateNamespaceEnvironmentRef checks both names for emptiness, length,
// and character-set conformance, returning every violation found rather
// than failing fast on the first.
func ValidateNamespaceEnvironmentRef(ref NamespaceEnvironmentRef) error {
	var errs []string

	if ref.Namespace == "" {
		errs = append(errs, "namespace is required")
	} else if len(ref.Namespace) > 255 {
		errs = append(errs, "namespace must be 255 characters or less")
	} else if !namespacePattern.MatchString(ref.Namespace) {
		errs = append(errs, "namespace must be a valid namespace name (lowercase alphanumeric and hyphens)")
	}

	if ref.Environment == "" {
		errs = append(errs, "environment is required")
	} else if len(ref.Environment) > 255 {
		errs = append(errs, "environment must be 255 characters or less")
	} else if !environmentPattern.MatchString(ref.Environment) {
		errs = append(errs, "environment must be a valid environment name (lowercase alphanumeric, hyphens, underscores, and dots)")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(errs, "; "))
}

// ValidateStringInput enforces a maximum length and rejects strings that
// look like injection attempts or carry control characters. It is the
// single gate every free-form query parameter and form field passes
// through before reaching a handler.
func ValidateStringInput(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s must be %d characters or less", field, maxLen)
	}
	if containsUnsafePattern(value) {
		return fmt.Errorf("%s contains potentially unsafe characters", field)
	}
	if containsControlCharacters(value) {
		return fmt.Errorf("%s contains invalid control characters", field)
	}
	return nil
}

var unsafePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bUNION\b.*\bSELECT\b`),
	regexp.MustCompile(`(?i)\bDROP\s+TABLE\b`),
	regexp.MustCompile(`(?i)<script\b`),
	regexp.MustCompile(`--`),
	regexp.MustCompile(`;`),
	regexp.MustCompile(`'`),
}

func containsUnsafePattern(value string) bool {
	for _, p := range unsafePatterns {
		if p.MatchString(value) {
			return true
		}
	}
	return false
}

func containsControlCharacters(value string) bool {
	for _, r := range value {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return true
		}
	}
	return false
}

var validArtifactKinds = map[string]bool{
	"lockfile":              true,
	"conda-env-export":      true,
	"conda-pack":            true,
	"constructor-installer": true,
}

// ValidateArtifactKind checks kind against the closed set of build
// artifacts condastore can produce.
func ValidateArtifactKind(kind string) error {
	if err := ValidateStringInput("artifact_kind", kind, 64); err != nil {
		return err
	}
	if !validArtifactKinds[kind] {
		return fmt.Errorf("%q is not a recognized artifact kind", kind)
	}
	return nil
}

var validBuildStages = map[string]bool{
	"solve":            true,
	"install":          true,
	"conda_env_export": true,
	"conda_pack":       true,
	"constructor":      true,
}

// ValidateBuildStage checks stage against the closed set of pipeline
// stages a `build-<id>-<stage>` task name can carry.
func ValidateBuildStage(stage string) error {
	if err := ValidateStringInput("build_stage", stage, 64); err != nil {
		return err
	}
	if !validBuildStages[stage] {
		return fmt.Errorf("%q is not a recognized build stage", stage)
	}
	return nil
}

// ValidateBuildTimeoutSeconds bounds a configured per-stage timeout to a
// sane range: positive, and no more than a day.
func ValidateBuildTimeoutSeconds(seconds int) error {
	if seconds <= 0 {
		return fmt.Errorf("build timeout must be greater than 0")
	}
	if seconds > 86400 {
		return fmt.Errorf("build timeout must be 86400 seconds (24h) or less")
	}
	return nil
}

// ValidateLimit bounds a pagination page-size request.
func ValidateLimit(limit int) error {
	if limit <= 0 {
		return fmt.Errorf("limit must be greater than 0")
	}
	if limit > 10000 {
		return fmt.Errorf("limit must be 10000 or less")
	}
	return nil
}

// SanitizeForLogging strips control characters and truncates value so it is
// safe to embed in a structured log line.
func SanitizeForLogging(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			b.WriteRune('?')
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > 200 {
		out = out[:197] + "..."
	}
	return out
}
