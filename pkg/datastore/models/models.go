// Package models holds the relational entities of the build service:
// namespaces, environments, specifications, builds and their artifacts,
// solves, the conda package index, role mappings, and the key-value
// settings store.
package models

import "time"

// Namespace is a user-chosen container for environments. Name must match
// [A-Za-z0-9_.\-]+ and is unique among non-deleted namespaces.
type Namespace struct {
	ID        int64          `db:"id"`
	Name      string         `db:"name"`
	Metadata  map[string]any `db:"metadata"`
	DeletedOn *time.Time     `db:"deleted_on"`
}

// IsDeleted reports whether the namespace has been soft-deleted.
func (n *Namespace) IsDeleted() bool { return n.DeletedOn != nil }

// Environment is a named pointer, within a namespace, to the latest
// completed build. Unique per (NamespaceID, Name).
type Environment struct {
	ID              int64      `db:"id"`
	Name            string     `db:"name"`
	NamespaceID     int64      `db:"namespace_id"`
	Description     string     `db:"description"`
	CurrentBuildID  *int64     `db:"current_build_id"`
	SpecificationID *int64     `db:"specification_id"`
	DeletedOn       *time.Time `db:"deleted_on"`
}

func (e *Environment) IsDeleted() bool { return e.DeletedOn != nil }

// Specification is the canonical, hashed form of a validated user
// environment request. Immutable after insert; shared across every build
// whose specification hashes to it.
type Specification struct {
	ID         int64  `db:"id"`
	SHA256     string `db:"sha256"`
	Spec       string `db:"spec"` // canonical JSON
	IsLockfile bool   `db:"is_lockfile"`
}

// BuildStatus is one of the legal states in the build state machine
// (QUEUED -> BUILDING -> {COMPLETED, FAILED, CANCELED}).
type BuildStatus string

const (
	BuildStatusQueued    BuildStatus = "QUEUED"
	BuildStatusBuilding  BuildStatus = "BUILDING"
	BuildStatusCompleted BuildStatus = "COMPLETED"
	BuildStatusFailed    BuildStatus = "FAILED"
	BuildStatusCanceled  BuildStatus = "CANCELED"
)

// IsTerminal reports whether s is one of the state machine's terminal
// states, where ended_on is expected to be set.
func (s BuildStatus) IsTerminal() bool {
	switch s {
	case BuildStatusCompleted, BuildStatusFailed, BuildStatusCanceled:
		return true
	default:
		return false
	}
}

// Build is one attempt to realize a Specification inside an Environment.
type Build struct {
	ID              int64       `db:"id"`
	EnvironmentID   int64       `db:"environment_id"`
	SpecificationID int64       `db:"specification_id"`
	Status          BuildStatus `db:"status"`
	StatusInfo      string      `db:"status_info"`
	StartedOn       *time.Time  `db:"started_on"`
	EndedOn         *time.Time  `db:"ended_on"`
	Size            int64       `db:"size"`
	DeletedOn       *time.Time  `db:"deleted_on"`
}

func (b *Build) IsDeleted() bool { return b.DeletedOn != nil }

// ArtifactKind is the closed vocabulary of byte blobs a build can produce.
type ArtifactKind string

const (
	ArtifactDirectory          ArtifactKind = "DIRECTORY"
	ArtifactLockfile           ArtifactKind = "LOCKFILE"
	ArtifactLogs               ArtifactKind = "LOGS"
	ArtifactYAML               ArtifactKind = "YAML"
	ArtifactCondaPack          ArtifactKind = "CONDA_PACK"
	ArtifactConstructorInstall ArtifactKind = "CONSTRUCTOR_INSTALLER"
	ArtifactDockerManifest     ArtifactKind = "DOCKER_MANIFEST"
	ArtifactContainerRegistry  ArtifactKind = "CONTAINER_REGISTRY"
)

// BuildArtifact is a byte blob produced by a build, addressed by an
// opaque storage key. (BuildID, Key, ArtifactType) is unique on insert,
// except LOGS artifacts which may be appended to repeatedly.
type BuildArtifact struct {
	ID           int64        `db:"id"`
	BuildID      int64        `db:"build_id"`
	ArtifactType ArtifactKind `db:"artifact_type"`
	Key          string       `db:"key"`
}

// Solve is a solve-only request: a specification resolved into a
// lockfile without being installed.
type Solve struct {
	ID              int64      `db:"id"`
	SpecificationID int64      `db:"specification_id"`
	StartedOn       *time.Time `db:"started_on"`
	EndedOn         *time.Time `db:"ended_on"`
}

// CondaChannel is a channel populated from repodata pulls.
type CondaChannel struct {
	ID         int64     `db:"id"`
	Name       string    `db:"name"`
	LastUpdate time.Time `db:"last_update"`
}

// CondaPackage is unique per (ChannelID, Name, Version).
type CondaPackage struct {
	ID        int64  `db:"id"`
	ChannelID int64  `db:"channel_id"`
	Name      string `db:"name"`
	Version   string `db:"version"`
	License   string `db:"license"`
	Summary   string `db:"summary"`
}

// CondaPackageBuild is unique per (PackageID, Subdir, Build).
type CondaPackageBuild struct {
	ID          int64    `db:"id"`
	PackageID   int64    `db:"package_id"`
	Build       string   `db:"build"`
	BuildNumber int      `db:"build_number"`
	Subdir      string   `db:"subdir"`
	SHA256      string   `db:"sha256"`
	MD5         string   `db:"md5"`
	Size        int64    `db:"size"`
	Depends     []string `db:"depends"`
	Constrains  []string `db:"constrains"`
	Timestamp   int64    `db:"timestamp"`
}

// Role is a normalized permission level granted by a role mapping.
// The legacy "editor" name normalizes to "developer".
type Role string

const (
	RoleViewer    Role = "viewer"
	RoleDeveloper Role = "developer"
	RoleAdmin     Role = "admin"
)

// NormalizeRole maps legacy role names onto the current vocabulary.
func NormalizeRole(r string) Role {
	if r == "editor" {
		return RoleDeveloper
	}
	return Role(r)
}

// NamespaceRoleMapping (v1) grants a role to an entity glob
// (namespace-glob/environment-glob) on objects inside NamespaceID.
type NamespaceRoleMapping struct {
	ID          int64  `db:"id"`
	NamespaceID int64  `db:"namespace_id"`
	Entity      string `db:"entity"`
	Role        string `db:"role"`
}

// NamespaceRoleMappingV2 grants a role to another namespace as a whole.
// Unique per (NamespaceID, OtherNamespaceID).
type NamespaceRoleMappingV2 struct {
	ID               int64  `db:"id"`
	NamespaceID      int64  `db:"namespace_id"`
	OtherNamespaceID int64  `db:"other_namespace_id"`
	Role             string `db:"role"`
}

// KeyValueStore holds per-setting overrides scoped by Prefix.
type KeyValueStore struct {
	ID     int64  `db:"id"`
	Prefix string `db:"prefix"`
	Key    string `db:"key"`
	Value  string `db:"value"`
}
