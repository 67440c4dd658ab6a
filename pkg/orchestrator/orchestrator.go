// Package orchestrator drives the build pipeline: the per-build state
// machine, the task wrapper that assembles a build context with scoped
// plugin registrations, cross-worker log append, and the stuck-build
// reaper that reconciles database state against the live task
// inventory.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gferrors "github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/conda-store/condastore/pkg/broker"
	"github.com/conda-store/condastore/pkg/datastore/models"
	"github.com/conda-store/condastore/pkg/externalproc"
	"github.com/conda-store/condastore/pkg/metrics"
)

// BuildStore is the slice of the build repository the orchestrator
// drives state transitions through.
type BuildStore interface {
	Get(ctx context.Context, id int64) (*models.Build, error)
	TransitionToBuilding(ctx context.Context, id int64) error
	TransitionToCompleted(ctx context.Context, id int64, size int64) error
	TransitionToFailed(ctx context.Context, id int64, statusInfo string) error
	TransitionToCanceled(ctx context.Context, id int64, statusInfo string) error
	ListBuilding(ctx context.Context, ids []int64) ([]*models.Build, error)
}

// EnvironmentStore advances environment pointers on build completion.
type EnvironmentStore interface {
	Get(ctx context.Context, id int64) (*models.Environment, error)
	SetCurrentBuild(ctx context.Context, environmentID, buildID, specificationID int64) error
}

// SpecificationGetter loads the specification a build realizes.
type SpecificationGetter interface {
	Get(ctx context.Context, id int64) (*models.Specification, error)
}

// SolveStore tracks solve-only request lifecycles.
type SolveStore interface {
	Get(ctx context.Context, id int64) (*models.Solve, error)
	MarkStarted(ctx context.Context, id int64) error
	MarkEnded(ctx context.Context, id int64) error
}

// TaskInventory is the broker's control surface: which build tasks are
// live right now, and registration of this worker's own tasks.
type TaskInventory interface {
	RegisterTask(ctx context.Context, worker, taskID string) error
	UnregisterTask(ctx context.Context, worker, taskID string) error
	ActiveBuildIDs(ctx context.Context) (map[int64][]string, error)
}

// Orchestrator owns one worker's build execution.
type Orchestrator struct {
	builds         BuildStore
	artifacts      ArtifactStore
	environments   EnvironmentStore
	specifications SpecificationGetter
	solves         SolveStore
	packages       PackageIndex

	store     *CondaStore
	logs      *LogAppender
	runner    *externalproc.Runner
	inventory TaskInventory
	worker    string
	logger    *zap.Logger
	tracer    trace.Tracer
}

// Config wires an Orchestrator's collaborators.
type Config struct {
	Builds         BuildStore
	Artifacts      ArtifactStore
	Environments   EnvironmentStore
	Specifications SpecificationGetter
	Solves         SolveStore
	Packages       PackageIndex
	Store          *CondaStore
	Runner         *externalproc.Runner
	Inventory      TaskInventory
	WorkerName     string
}

func New(cfg Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		builds:         cfg.Builds,
		artifacts:      cfg.Artifacts,
		environments:   cfg.Environments,
		specifications: cfg.Specifications,
		solves:         cfg.Solves,
		packages:       cfg.Packages,
		store:          cfg.Store,
		logs:           NewLogAppender(cfg.Store.Storage, cfg.Artifacts, logger),
		runner:         cfg.Runner,
		inventory:      cfg.Inventory,
		worker:         cfg.WorkerName,
		logger:         logger,
		tracer:         otel.Tracer("condastore/orchestrator"),
	}
}

// Logs exposes the appender so artifact producers share the same
// locked append path.
func (o *Orchestrator) Logs() *LogAppender { return o.logs }

// registerTask records a build stage in the broker inventory for the
// reaper to see, returning the matching deregistration.
func (o *Orchestrator) registerTask(ctx context.Context, buildID int64, stage string) func() {
	if o.inventory == nil {
		return func() {}
	}
	task := broker.TaskName(buildID, stage)
	if err := o.inventory.RegisterTask(ctx, o.worker, task); err != nil {
		o.logger.Warn("failed to register task in broker inventory",
			zap.String("task", task), zap.Error(err))
	}
	return func() {
		if err := o.inventory.UnregisterTask(ctx, o.worker, task); err != nil {
			o.logger.Warn("failed to unregister task from broker inventory",
				zap.String("task", task), zap.Error(err))
		}
	}
}

// BuildTask realizes one build: QUEUED -> BUILDING -> COMPLETED, or a
// terminal FAILED with the traceback appended to the build log. The
// build row is transitioned before the error is returned, so database
// state is consistent even if the task runner dies afterwards.
func (o *Orchestrator) BuildTask(ctx context.Context, buildID int64, namespace, environment string) (err error) {
	ctx, span := o.tracer.Start(ctx, "build",
		trace.WithAttributes(attribute.Int64("build.id", buildID)))
	defer span.End()

	unregister := o.registerTask(ctx, buildID, "build")
	defer unregister()

	bc, err := NewBuildContext(ctx, o.store, namespace, environment)
	if err != nil {
		return err
	}
	defer bc.Close()

	build, err := o.builds.Get(ctx, buildID)
	if err != nil {
		return err
	}
	spec, err := o.specifications.Get(ctx, build.SpecificationID)
	if err != nil {
		return err
	}

	if err := o.builds.TransitionToBuilding(ctx, buildID); err != nil {
		return err
	}
	metrics.RecordBuildStarted()
	started := time.Now()

	keys := NewBuildKeys(build, spec)
	buildPath, pathErr := keys.BuildPath(bc.Settings.StorePath, namespace)

	runErr := pathErr
	if runErr == nil {
		runErr = o.runBuild(ctx, bc, build, spec, keys, buildPath)
	}
	if runErr != nil {
		o.failBuild(ctx, buildID, keys, buildPath, runErr)
		metrics.RecordBuildFailed()
		return runErr
	}

	metrics.RecordBuildCompleted(time.Since(started))
	return nil
}

// failBuild appends the traceback to the build log and transitions the
// row to FAILED. Only a build-path error's message is exposed in
// status_info; every other message stays in the logs.
func (o *Orchestrator) failBuild(ctx context.Context, buildID int64, keys BuildKeys, buildPath string, cause error) {
	traced := gferrors.Wrap(cause, "build failed")
	if buildPath != "" {
		if err := o.logs.Append(ctx, buildID, buildPath, keys.LogKey(), "", fmt.Sprintf("%+v", traced)); err != nil {
			o.logger.Warn("failed to append failure traceback", zap.Int64("build_id", buildID), zap.Error(err))
		}
	}

	statusInfo := ""
	var pathErr *BuildPathError
	if gferrors.As(cause, &pathErr) {
		statusInfo = pathErr.Error()
	}
	if err := o.builds.TransitionToFailed(ctx, buildID, statusInfo); err != nil {
		o.logger.Error("failed to transition build to failed",
			zap.Int64("build_id", buildID), zap.Error(err))
	}
}

func (o *Orchestrator) runBuild(ctx context.Context, bc *BuildContext, build *models.Build, spec *models.Specification, keys BuildKeys, buildPath string) error {
	append_ := func(prefix, line string) error {
		return o.logs.Append(ctx, build.ID, buildPath, keys.LogKey(), prefix, line)
	}

	if err := append_("", fmt.Sprintf("starting build of conda environment %s UTC", time.Now().UTC().Format(time.RFC3339))); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(buildPath), 0o755); err != nil {
		return fmt.Errorf("failed to create build parent directory: %w", err)
	}
	envPath := EnvironmentPath(bc.Settings.EnvironmentPath, bc.Namespace, bc.Environment)
	if envPath != "" {
		if err := os.MkdirAll(filepath.Dir(envPath), 0o755); err != nil {
			return fmt.Errorf("failed to create environment parent directory: %w", err)
		}
	}

	lockDoc, err := o.solveOrReuseLockfile(ctx, bc, build, spec, keys, buildPath)
	if err != nil {
		return err
	}

	if err := o.installLockfile(ctx, bc, build, keys, buildPath, lockDoc); err != nil {
		return err
	}

	if envPath != "" {
		if err := externalproc.Symlink(buildPath, envPath); err != nil {
			return err
		}
	}

	if err := o.runner.SetPrefixPermissions(ctx, buildPath,
		bc.Settings.DefaultUID, bc.Settings.DefaultGID, bc.Settings.DefaultPermissions,
		o.logs.Sink(ctx, build.ID, buildPath, keys.LogKey(), "set_prefix_permissions: ")); err != nil {
		return err
	}

	indexed, err := o.indexLockfilePackages(ctx, lockDoc, func(packageBuildID int64) error {
		return o.packages.AttachBuild(ctx, build.ID, packageBuildID)
	})
	if err != nil {
		return err
	}
	if err := append_("", fmt.Sprintf("indexed %d conda packages", indexed)); err != nil {
		return err
	}

	size, err := externalproc.DiskUsage(buildPath)
	if err != nil {
		return err
	}

	if err := o.builds.TransitionToCompleted(ctx, build.ID, size); err != nil {
		return err
	}
	if _, err := o.artifacts.InsertOrSkip(ctx, &models.BuildArtifact{
		BuildID:      build.ID,
		ArtifactType: models.ArtifactDirectory,
		Key:          buildPath,
	}); err != nil {
		return err
	}
	if err := o.environments.SetCurrentBuild(ctx, build.EnvironmentID, build.ID, build.SpecificationID); err != nil {
		return err
	}
	return nil
}

// solveOrReuseLockfile produces the pinned lockfile for the build:
// lockfile-shaped specifications are saved as-is, everything else goes
// through the active locker plugin. The result is persisted as the
// build's LOCKFILE artifact.
func (o *Orchestrator) solveOrReuseLockfile(ctx context.Context, bc *BuildContext, build *models.Build, spec *models.Specification, keys BuildKeys, buildPath string) (map[string]any, error) {
	var specDoc map[string]any
	if err := json.Unmarshal([]byte(spec.Spec), &specDoc); err != nil {
		return nil, fmt.Errorf("failed to parse stored specification: %w", err)
	}

	var lockDoc map[string]any
	if spec.IsLockfile {
		embedded, ok := specDoc["lockfile"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("lockfile specification carries no lockfile document")
		}
		lockDoc = embedded
		if err := o.logs.Append(ctx, build.ID, buildPath, keys.LogKey(), "save_lockfile: ", "using lockfile provided by specification"); err != nil {
			return nil, err
		}
	} else {
		locker, err := bc.Locker()
		if err != nil {
			return nil, err
		}
		lockDoc, err = locker.LockEnvironment(specDoc, bc.Settings.SolvePlatforms)
		if err != nil {
			return nil, err
		}
	}

	encoded, err := json.MarshalIndent(lockDoc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize lockfile: %w", err)
	}
	if err := o.store.Storage.Set(ctx, keys.CondaLockKey(), encoded, "application/json"); err != nil {
		return nil, err
	}
	if _, err := o.artifacts.InsertOrSkip(ctx, &models.BuildArtifact{
		BuildID:      build.ID,
		ArtifactType: models.ArtifactLockfile,
		Key:          keys.CondaLockKey(),
	}); err != nil {
		return nil, err
	}
	return lockDoc, nil
}

// installLockfile writes the lock document to a scratch file and
// drives the external installer, which fetches packages into the
// shared cache and links them into the build prefix. Output streams
// into the build log under a stage prefix.
func (o *Orchestrator) installLockfile(ctx context.Context, bc *BuildContext, build *models.Build, keys BuildKeys, buildPath string, lockDoc map[string]any) error {
	scratch, err := os.MkdirTemp("", "condastore-install-")
	if err != nil {
		return fmt.Errorf("failed to create install scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	lockfilePath := filepath.Join(scratch, "conda-lock.json")
	encoded, err := json.Marshal(lockDoc)
	if err != nil {
		return fmt.Errorf("failed to serialize lockfile for install: %w", err)
	}
	if err := os.WriteFile(lockfilePath, encoded, 0o644); err != nil {
		return fmt.Errorf("failed to write lockfile for install: %w", err)
	}

	env := map[string]string{"CONDA_PKGS_DIRS": bc.Settings.PackageCache}
	for k, v := range externalproc.CondaFlagsEnv(bc.Settings.CondaFlags) {
		env[k] = v
	}

	return o.runner.Run(ctx, externalproc.Command{
		Name: bc.Settings.InstallCommand,
		Args: []string{"install", "--conda", bc.Settings.CondaCommand, "--prefix", buildPath, lockfilePath},
		Env:  env,
	}, o.logs.Sink(ctx, build.ID, buildPath, keys.LogKey(), "install_lockfile: "))
}
