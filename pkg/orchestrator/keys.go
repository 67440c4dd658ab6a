package orchestrator

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/conda-store/condastore/pkg/datastore/models"
)

// maxBuildPathLength is the filename-size ceiling the install prefix
// must fit under; paths beyond it fail the build before any filesystem
// work starts, and the failure message is safe to show to the user.
const maxBuildPathLength = 255

// BuildKeys derives every artifact key for one build from its stable
// identity: the specification hash prefix, the build id, and the
// environment name. Storage backends treat the results as opaque.
type BuildKeys struct {
	key string
}

// NewBuildKeys computes the key stem for a build of spec. The
// specification name is recovered from the stored canonical form.
func NewBuildKeys(build *models.Build, spec *models.Specification) BuildKeys {
	sha := spec.SHA256
	if len(sha) > 8 {
		sha = sha[:8]
	}
	return BuildKeys{key: fmt.Sprintf("%s-%d-%s", sha, build.ID, SpecificationName(spec))}
}

// Key returns the bare key stem, used as the installer version tag.
func (k BuildKeys) Key() string { return k.key }

func (k BuildKeys) LogKey() string            { return "logs/" + k.key + ".log" }
func (k BuildKeys) CondaLockKey() string      { return "lockfile/" + k.key + ".json" }
func (k BuildKeys) CondaEnvExportKey() string { return "yaml/" + k.key + ".yaml" }
func (k BuildKeys) CondaPackKey() string      { return "archive/" + k.key + ".tar.gz" }
func (k BuildKeys) ConstructorInstallerKey() string {
	return "installer/" + k.key + ".sh"
}

// BuildPath computes the install prefix for this build under the store
// root. A path longer than the filesystem limit returns a build-path
// error whose message is safe to surface in status_info.
func (k BuildKeys) BuildPath(storePath, namespace string) (string, error) {
	path := filepath.Join(storePath, namespace, k.key)
	if len(path) > maxBuildPathLength {
		return "", &BuildPathError{Path: path}
	}
	return path, nil
}

// EnvironmentPath computes the named-environment symlink location, or
// "" when no environment path root is configured.
func EnvironmentPath(root, namespace, environment string) string {
	if root == "" {
		return ""
	}
	return filepath.Join(root, namespace, environment)
}

// BuildPathError reports an install prefix that exceeds filesystem
// limits. It is the one build failure whose message is forwarded into
// the user-visible status_info.
type BuildPathError struct {
	Path string
}

func (e *BuildPathError) Error() string {
	return fmt.Sprintf("build path too long: must be %d characters or less, got %d",
		maxBuildPathLength, len(e.Path))
}

// SpecificationName extracts the environment name from a stored
// specification's canonical form.
func SpecificationName(spec *models.Specification) string {
	var doc struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(spec.Spec), &doc); err != nil || doc.Name == "" {
		return "environment"
	}
	return doc.Name
}
