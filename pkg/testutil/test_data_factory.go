package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conda-store/condastore/pkg/datastore/models"
)

// Test data constants shared across suites.
const (
	DefaultTestNamespace   = "default"
	DefaultProductionNS    = "production"
	DefaultEnvironmentName = "test-env"
	DefaultChannel         = "conda-forge"
	DefaultPythonSpec      = "python=3.11"
	DefaultSolvePlatform   = "linux-64"
	DefaultPermissions     = "775"
	DefaultLockerPlugin    = "fake-locker"
)

// TestDataFactory centralizes construction of realistic model rows and
// documents so suites do not hand-roll near-identical fixtures.
type TestDataFactory struct{}

func NewTestDataFactory() *TestDataFactory {
	return &TestDataFactory{}
}

// CreateNamespace returns a non-deleted namespace row.
func (f *TestDataFactory) CreateNamespace(id int64, name string) *models.Namespace {
	return &models.Namespace{
		ID:       id,
		Name:     name,
		Metadata: map[string]any{},
	}
}

// CreateEnvironment returns an environment row in the given namespace
// with no completed build yet.
func (f *TestDataFactory) CreateEnvironment(id, namespaceID int64, name string) *models.Environment {
	return &models.Environment{
		ID:          id,
		Name:        name,
		NamespaceID: namespaceID,
		Description: "test environment",
	}
}

// SpecificationDocument returns the canonical user-submitted shape for
// a simple conda environment.
func (f *TestDataFactory) SpecificationDocument(name string) map[string]any {
	return map[string]any{
		"name":         name,
		"channels":     []string{DefaultChannel},
		"dependencies": []any{DefaultPythonSpec},
	}
}

// CreateSpecification returns a specification row whose Spec and
// SHA256 are consistent with each other.
func (f *TestDataFactory) CreateSpecification(id int64, name string) *models.Specification {
	raw, err := json.Marshal(f.SpecificationDocument(name))
	if err != nil {
		panic(fmt.Sprintf("test specification failed to serialize: %v", err))
	}
	sum := sha256.Sum256(raw)
	return &models.Specification{
		ID:     id,
		SHA256: hex.EncodeToString(sum[:]),
		Spec:   string(raw),
	}
}

// CreateQueuedBuild returns a build row in QUEUED status.
func (f *TestDataFactory) CreateQueuedBuild(id, environmentID, specificationID int64) *models.Build {
	return &models.Build{
		ID:              id,
		EnvironmentID:   environmentID,
		SpecificationID: specificationID,
		Status:          models.BuildStatusQueued,
	}
}

// CreateBuildingBuild returns a build row in BUILDING status that
// started age ago, the reaper's candidate shape.
func (f *TestDataFactory) CreateBuildingBuild(id, environmentID, specificationID int64, age time.Duration) *models.Build {
	started := time.Now().Add(-age)
	return &models.Build{
		ID:              id,
		EnvironmentID:   environmentID,
		SpecificationID: specificationID,
		Status:          models.BuildStatusBuilding,
		StartedOn:       &started,
	}
}

// CreateCompletedBuild returns a terminal COMPLETED build row.
func (f *TestDataFactory) CreateCompletedBuild(id, environmentID, specificationID int64, size int64) *models.Build {
	started := time.Now().Add(-time.Minute)
	ended := time.Now()
	return &models.Build{
		ID:              id,
		EnvironmentID:   environmentID,
		SpecificationID: specificationID,
		Status:          models.BuildStatusCompleted,
		StartedOn:       &started,
		EndedOn:         &ended,
		Size:            size,
	}
}

// CreateBuildArtifact returns an artifact row of the given kind.
func (f *TestDataFactory) CreateBuildArtifact(id, buildID int64, kind models.ArtifactKind, key string) *models.BuildArtifact {
	return &models.BuildArtifact{
		ID:           id,
		BuildID:      buildID,
		ArtifactType: kind,
		Key:          key,
	}
}

// LockfileDocument returns a minimal solved conda-lock document
// pinning one conda package and one pip package.
func (f *TestDataFactory) LockfileDocument() map[string]any {
	return map[string]any{
		"version": 1,
		"package": []any{
			map[string]any{
				"name":     "python",
				"version":  "3.11.0",
				"manager":  "conda",
				"platform": DefaultSolvePlatform,
				"url":      "https://conda.anaconda.org/conda-forge/linux-64/python-3.11.0-h582c2e5_0_cpython.conda",
				"hash": map[string]any{
					"md5":    "d41d8cd98f00b204e9800998ecf8427e",
					"sha256": "a3f1f71c1bcd6b1b3d59c7ec4eb1ba52b9f3dd989162b912c4e226dfec807a1e",
				},
			},
			map[string]any{
				"name":    "requests",
				"version": "2.32.0",
				"manager": "pip",
				"url":     "https://pypi.org/packages/requests-2.32.0.tar.gz",
			},
		},
	}
}

// CreateRoleBindings returns a bindings map granting the role on
// every environment of each namespace glob.
func (f *TestDataFactory) CreateRoleBindings(role string, namespaceGlobs ...string) map[string][]string {
	out := map[string][]string{}
	for _, glob := range namespaceGlobs {
		out[glob+"/*"] = []string{role}
	}
	return out
}

// UniqueWorkerName returns a worker identity that will not collide
// across parallel suites.
func (f *TestDataFactory) UniqueWorkerName() string {
	return "worker-" + uuid.NewString()[:8]
}
