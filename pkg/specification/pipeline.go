package specification

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	apperrors "github.com/conda-store/condastore/internal/errors"
	"github.com/conda-store/condastore/pkg/datastore/models"
	"github.com/conda-store/condastore/pkg/datastore/problem"
)

// Settings carries the channel and package policy knobs the pipeline
// enforces. Zero-valued lists disable the corresponding policy.
type Settings struct {
	ChannelAlias    string
	AllowedChannels []string
	DefaultChannels []string

	CondaIncludedPackages []string
	CondaRequiredPackages []string
	CondaDefaultPackages  []string

	PipIncludedPackages []string
	PipRequiredPackages []string
	PipDefaultPackages  []string
}

// SpecificationStore is the slice of the specification repository the
// pipeline needs to deduplicate by content hash.
type SpecificationStore interface {
	EnsureExists(ctx context.Context, spec *models.Specification) (*models.Specification, error)
}

// Pipeline runs a user-submitted specification through structural
// validation, policy enforcement, canonicalization and hashing, and
// dedupe-on-insert.
type Pipeline struct {
	validate *validator.Validate
	settings Settings
	specs    SpecificationStore
	logger   *zap.Logger
	group    singleflight.Group
}

func NewPipeline(settings Settings, specs SpecificationStore, logger *zap.Logger) *Pipeline {
	v := validator.New()
	// Registration only fails for a nil function or empty tag.
	_ = v.RegisterValidation("specname", func(fl validator.FieldLevel) bool {
		return nameRegex.MatchString(fl.Field().String())
	})
	return &Pipeline{
		validate: v,
		settings: settings,
		specs:    specs,
		logger:   logger,
	}
}

// Parse decodes data (YAML or JSON, YAML being a superset) into a
// CondaSpecification and structurally validates it.
func (p *Pipeline) Parse(data []byte) (*CondaSpecification, error) {
	var spec CondaSpecification
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, problem.NewValidationError("specification", "failed to parse specification").
			AddFieldError("body", err.Error())
	}
	if err := p.ValidateStructure(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// ValidateStructure checks the parsed specification's shape, returning
// a field-level ValidationError on failure.
func (p *Pipeline) ValidateStructure(spec *CondaSpecification) error {
	if err := p.validate.Struct(spec); err != nil {
		verr := problem.NewValidationError("specification", "invalid specification")
		var fieldErrs validator.ValidationErrors
		if ok := asValidationErrors(err, &fieldErrs); ok {
			for _, fe := range fieldErrs {
				verr.AddFieldError(strings.ToLower(fe.Field()), validationMessage(fe))
			}
		} else {
			verr.AddFieldError("specification", err.Error())
		}
		return verr
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "specname":
		return "must contain only letters, digits, underscores, dots, and dashes"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// NormalizeChannelName fully qualifies a channel against the configured
// alias; channels already carrying a scheme pass through unchanged.
func NormalizeChannelName(alias, channel string) string {
	if strings.Contains(channel, "://") {
		return channel
	}
	return strings.TrimRight(alias, "/") + "/" + channel
}

// ApplyChannelPolicy substitutes the default channels when none were
// requested, then enforces the allowed-channels set against the
// alias-normalized forms.
func (p *Pipeline) ApplyChannelPolicy(spec *CondaSpecification) error {
	if len(spec.Channels) == 0 {
		spec.Channels = append([]string(nil), p.settings.DefaultChannels...)
	}

	if len(p.settings.AllowedChannels) == 0 {
		return nil
	}

	allowed := map[string]bool{}
	for _, ch := range p.settings.AllowedChannels {
		allowed[NormalizeChannelName(p.settings.ChannelAlias, ch)] = true
	}

	var offending []string
	for _, ch := range spec.Channels {
		if !allowed[NormalizeChannelName(p.settings.ChannelAlias, ch)] {
			offending = append(offending, ch)
		}
	}
	if len(offending) > 0 {
		sort.Strings(offending)
		return apperrors.NewChannelNotAllowedError(strings.Join(offending, ", "))
	}
	return nil
}

// matchSpecName extracts the package name from a conda match-spec
// string: the part before any version constraint, with an optional
// channel:: prefix stripped.
func matchSpecName(spec string) string {
	name := spec
	if idx := strings.LastIndex(name, "::"); idx >= 0 {
		name = name[idx+2:]
	}
	if idx := strings.IndexAny(name, "=<>!~ ["); idx >= 0 {
		name = name[:idx]
	}
	return strings.TrimSpace(name)
}

// pipRequirementName extracts the distribution name from a PEP 508
// requirement string. Flag tokens (starting with --) are keyed by
// themselves so they pass through policy untouched.
func pipRequirementName(req string) string {
	if strings.HasPrefix(req, "--") {
		return req
	}
	name := req
	if idx := strings.IndexAny(name, "=<>!~;[ @"); idx >= 0 {
		name = name[:idx]
	}
	return strings.TrimSpace(name)
}

func condaPackageNames(deps []string) map[string]string {
	out := map[string]string{}
	for _, d := range deps {
		out[matchSpecName(d)] = d
	}
	return out
}

func pipPackageNames(deps []string) map[string]string {
	out := map[string]string{}
	for _, d := range deps {
		out[pipRequirementName(d)] = d
	}
	return out
}

// ApplyCondaPackagePolicy substitutes default packages when the
// dependency list is empty, appends any included packages not already
// present, and requires every required package to be present.
func (p *Pipeline) ApplyCondaPackagePolicy(spec *CondaSpecification) error {
	if len(spec.Dependencies) == 0 {
		for _, d := range p.settings.CondaDefaultPackages {
			spec.Dependencies = append(spec.Dependencies, Dependency{Conda: d})
		}
	}

	present := condaPackageNames(spec.Dependencies.CondaPackages())

	included := condaPackageNames(p.settings.CondaIncludedPackages)
	for _, name := range sortedKeys(included) {
		if _, ok := present[name]; !ok {
			spec.Dependencies = append(spec.Dependencies, Dependency{Conda: included[name]})
			present[name] = included[name]
		}
	}

	var missing []string
	for name := range condaPackageNames(p.settings.CondaRequiredPackages) {
		if _, ok := present[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return apperrors.NewPackageRequiredError(strings.Join(missing, ", "))
	}
	return nil
}

// ApplyPipPackagePolicy is the pip analogue of the conda package
// policy, operating on the nested pip block. Flag tokens pass through
// unparsed.
func (p *Pipeline) ApplyPipPackagePolicy(spec *CondaSpecification) error {
	pip := spec.Dependencies.PipPackages()

	if len(pip) == 0 && len(p.settings.PipDefaultPackages) > 0 {
		appendPip(spec, p.settings.PipDefaultPackages)
		pip = spec.Dependencies.PipPackages()
	}

	present := pipPackageNames(pip)

	included := pipPackageNames(p.settings.PipIncludedPackages)
	for _, name := range sortedKeys(included) {
		if _, ok := present[name]; !ok {
			appendPip(spec, []string{included[name]})
			present[name] = included[name]
		}
	}

	var missing []string
	for name := range pipPackageNames(p.settings.PipRequiredPackages) {
		if _, ok := present[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return apperrors.NewPackageRequiredError(strings.Join(missing, ", "))
	}
	return nil
}

func appendPip(spec *CondaSpecification, packages []string) {
	for i := range spec.Dependencies {
		if spec.Dependencies[i].IsPip() {
			spec.Dependencies[i].Pip = append(spec.Dependencies[i].Pip, packages...)
			return
		}
	}
	spec.Dependencies = append(spec.Dependencies, Dependency{Pip: append([]string(nil), packages...)})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Ensure runs the full pipeline on an already-parsed specification and
// returns the deduplicated specification row: policy stages mutate the
// specification in place, the result is canonicalized and hashed, and
// an existing row with the same hash is returned without inserting a
// duplicate. Concurrent submissions of the same content are collapsed
// in-process before hitting the database's unique constraint.
func (p *Pipeline) Ensure(ctx context.Context, spec *CondaSpecification) (*models.Specification, error) {
	if err := p.ValidateStructure(spec); err != nil {
		return nil, err
	}
	if err := p.ApplyChannelPolicy(spec); err != nil {
		return nil, err
	}
	if err := p.ApplyCondaPackagePolicy(spec); err != nil {
		return nil, err
	}
	if err := p.ApplyPipPackagePolicy(spec); err != nil {
		return nil, err
	}

	canonical, sha, err := Hash(spec)
	if err != nil {
		return nil, err
	}

	row, err, _ := p.group.Do(sha, func() (any, error) {
		return p.specs.EnsureExists(ctx, &models.Specification{
			SHA256: sha,
			Spec:   string(canonical),
		})
	})
	if err != nil {
		return nil, err
	}
	p.logger.Debug("specification ensured",
		zap.String("sha256", sha),
		zap.String("name", spec.Name))
	return row.(*models.Specification), nil
}

// EnsureLockfile stores a lockfile-shaped specification, which skips
// policy enforcement entirely: the lock document is already solved and
// is installed as-is.
func (p *Pipeline) EnsureLockfile(ctx context.Context, spec *LockfileSpecification) (*models.Specification, error) {
	if err := p.validate.Struct(spec); err != nil {
		return nil, problem.NewValidationError("specification", "invalid lockfile specification").
			AddFieldError("lockfile", err.Error())
	}

	canonical, sha, err := Hash(spec)
	if err != nil {
		return nil, err
	}

	row, err, _ := p.group.Do(sha, func() (any, error) {
		return p.specs.EnsureExists(ctx, &models.Specification{
			SHA256:     sha,
			Spec:       string(canonical),
			IsLockfile: true,
		})
	})
	if err != nil {
		return nil, err
	}
	return row.(*models.Specification), nil
}
