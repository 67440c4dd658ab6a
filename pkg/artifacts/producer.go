// Package artifacts implements the post-build artifact producers: the
// conda environment export, the packed archive, and the constructor
// installer. Each producer is a separately dispatched task keyed by
// the build id and runs only after the build has completed.
package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/conda-store/condastore/pkg/broker"
	"github.com/conda-store/condastore/pkg/datastore/models"
	"github.com/conda-store/condastore/pkg/externalproc"
	"github.com/conda-store/condastore/pkg/orchestrator"
)

// BuildGetter loads the build a producer operates on.
type BuildGetter interface {
	Get(ctx context.Context, id int64) (*models.Build, error)
}

// Producer runs the artifact tasks for completed builds.
type Producer struct {
	builds         BuildGetter
	specifications orchestrator.SpecificationGetter
	artifacts      orchestrator.ArtifactStore
	store          *orchestrator.CondaStore
	logs           *orchestrator.LogAppender
	runner         *externalproc.Runner
	inventory      orchestrator.TaskInventory
	worker         string
	logger         *zap.Logger

	// Tool names, overridable for deployments that ship them under
	// different paths.
	packCommand        string
	constructorCommand string
}

// Config wires a Producer's collaborators.
type Config struct {
	Builds         BuildGetter
	Specifications orchestrator.SpecificationGetter
	Artifacts      orchestrator.ArtifactStore
	Store          *orchestrator.CondaStore
	Logs           *orchestrator.LogAppender
	Runner         *externalproc.Runner
	Inventory      orchestrator.TaskInventory
	WorkerName     string

	PackCommand        string
	ConstructorCommand string
}

func New(cfg Config, logger *zap.Logger) *Producer {
	pack := cfg.PackCommand
	if pack == "" {
		pack = "conda-pack"
	}
	constructor := cfg.ConstructorCommand
	if constructor == "" {
		constructor = "constructor"
	}
	return &Producer{
		builds:             cfg.Builds,
		specifications:     cfg.Specifications,
		artifacts:          cfg.Artifacts,
		store:              cfg.Store,
		logs:               cfg.Logs,
		runner:             cfg.Runner,
		inventory:          cfg.Inventory,
		worker:             cfg.WorkerName,
		logger:             logger,
		packCommand:        pack,
		constructorCommand: constructor,
	}
}

// taskScope resolves the build, its keys, and the build context for
// one producer stage, registering the stage in the broker inventory.
type taskScope struct {
	bc        *orchestrator.BuildContext
	build     *models.Build
	spec      *models.Specification
	keys      orchestrator.BuildKeys
	buildPath string
	done      func()
}

func (p *Producer) begin(ctx context.Context, buildID int64, namespace, environment, stage string) (*taskScope, error) {
	task := broker.TaskName(buildID, stage)
	if p.inventory != nil {
		if err := p.inventory.RegisterTask(ctx, p.worker, task); err != nil {
			p.logger.Warn("failed to register producer task", zap.String("task", task), zap.Error(err))
		}
	}
	unregister := func() {
		if p.inventory != nil {
			if err := p.inventory.UnregisterTask(ctx, p.worker, task); err != nil {
				p.logger.Warn("failed to unregister producer task", zap.String("task", task), zap.Error(err))
			}
		}
	}

	bc, err := orchestrator.NewBuildContext(ctx, p.store, namespace, environment)
	if err != nil {
		unregister()
		return nil, err
	}
	build, err := p.builds.Get(ctx, buildID)
	if err != nil {
		bc.Close()
		unregister()
		return nil, err
	}
	spec, err := p.specifications.Get(ctx, build.SpecificationID)
	if err != nil {
		bc.Close()
		unregister()
		return nil, err
	}
	keys := orchestrator.NewBuildKeys(build, spec)
	buildPath, err := keys.BuildPath(bc.Settings.StorePath, namespace)
	if err != nil {
		bc.Close()
		unregister()
		return nil, err
	}
	return &taskScope{
		bc:        bc,
		build:     build,
		spec:      spec,
		keys:      keys,
		buildPath: buildPath,
		done: func() {
			bc.Close()
			unregister()
		},
	}, nil
}

// CondaEnvExport renders the installed prefix as a conda environment
// YAML document and stores it as the build's YAML artifact.
func (p *Producer) CondaEnvExport(ctx context.Context, buildID int64, namespace, environment string) error {
	scope, err := p.begin(ctx, buildID, namespace, environment, "conda_env_export")
	if err != nil {
		return err
	}
	defer scope.done()

	out, err := p.runner.RunCapture(ctx, externalproc.Command{
		Name: scope.bc.Settings.CondaCommand,
		Args: []string{"env", "export", "--prefix", scope.buildPath, "--json"},
	}, p.logs.Sink(ctx, buildID, scope.buildPath, scope.keys.LogKey(), "conda_env_export: "))
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(out, &doc); err != nil {
		return fmt.Errorf("failed to parse conda env export output: %w", err)
	}
	rendered, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to render environment export as yaml: %w", err)
	}

	if err := p.store.Storage.Set(ctx, scope.keys.CondaEnvExportKey(), rendered, "text/yaml"); err != nil {
		return err
	}
	_, err = p.artifacts.InsertOrSkip(ctx, &models.BuildArtifact{
		BuildID:      buildID,
		ArtifactType: models.ArtifactYAML,
		Key:          scope.keys.CondaEnvExportKey(),
	})
	return err
}

// CondaPack packs the installed prefix into environment.tar.gz in a
// scratch directory and uploads it as the CONDA_PACK artifact.
func (p *Producer) CondaPack(ctx context.Context, buildID int64, namespace, environment string) error {
	scope, err := p.begin(ctx, buildID, namespace, environment, "conda_pack")
	if err != nil {
		return err
	}
	defer scope.done()

	scratch, err := os.MkdirTemp("", "condastore-pack-")
	if err != nil {
		return fmt.Errorf("failed to create pack scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	archive := filepath.Join(scratch, "environment.tar.gz")
	if err := p.runner.Run(ctx, externalproc.Command{
		Name: p.packCommand,
		Args: []string{"--prefix", scope.buildPath, "--output", archive},
	}, p.logs.Sink(ctx, buildID, scope.buildPath, scope.keys.LogKey(), "conda_pack: ")); err != nil {
		return err
	}

	if err := p.store.Storage.FSet(ctx, scope.keys.CondaPackKey(), archive, "application/gzip"); err != nil {
		return err
	}
	_, err = p.artifacts.InsertOrSkip(ctx, &models.BuildArtifact{
		BuildID:      buildID,
		ArtifactType: models.ArtifactCondaPack,
		Key:          scope.keys.CondaPackKey(),
	})
	return err
}

// ConstructorInstaller builds a standalone installer for the
// environment. The persisted lockfile is preferred over the raw
// specification since its dependencies are pinned; if the lockfile
// cannot be fetched or parsed the specification is used instead.
func (p *Producer) ConstructorInstaller(ctx context.Context, buildID int64, namespace, environment string) error {
	scope, err := p.begin(ctx, buildID, namespace, environment, "constructor")
	if err != nil {
		return err
	}
	defer scope.done()

	input := p.constructorInput(ctx, scope)

	scratch, err := os.MkdirTemp("", "condastore-constructor-")
	if err != nil {
		return fmt.Errorf("failed to create constructor scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	constructDir := filepath.Join(scratch, "construct")
	outputDir := filepath.Join(scratch, "out")
	for _, dir := range []string{constructDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create constructor directory: %w", err)
		}
	}

	rendered, err := yaml.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to render constructor input: %w", err)
	}
	if err := os.WriteFile(filepath.Join(constructDir, "construct.yaml"), rendered, 0o644); err != nil {
		return fmt.Errorf("failed to write constructor input: %w", err)
	}

	if err := p.runner.Run(ctx, externalproc.Command{
		Name: p.constructorCommand,
		Args: []string{"--output-dir", outputDir, constructDir},
	}, p.logs.Sink(ctx, buildID, scope.buildPath, scope.keys.LogKey(), "constructor: ")); err != nil {
		return err
	}

	installer, err := firstRegularFile(outputDir)
	if err != nil {
		return err
	}

	if err := p.store.Storage.FSet(ctx, scope.keys.ConstructorInstallerKey(), installer, "application/octet-stream"); err != nil {
		return err
	}
	_, err = p.artifacts.InsertOrSkip(ctx, &models.BuildArtifact{
		BuildID:      buildID,
		ArtifactType: models.ArtifactConstructorInstall,
		Key:          scope.keys.ConstructorInstallerKey(),
	})
	return err
}

// constructorInput prefers the pinned lockfile over the raw
// specification.
func (p *Producer) constructorInput(ctx context.Context, scope *taskScope) map[string]any {
	name := orchestrator.SpecificationName(scope.spec)
	version := scope.keys.Key()

	if raw, err := p.store.Storage.Get(ctx, scope.keys.CondaLockKey()); err == nil {
		var lockDoc map[string]any
		if err := json.Unmarshal(raw, &lockDoc); err == nil {
			return map[string]any{
				"name":     name,
				"version":  version,
				"lockfile": lockDoc,
			}
		}
	}
	p.logger.Warn("lockfile unavailable for installer, using specification",
		zap.Int64("build_id", scope.build.ID))

	var specDoc map[string]any
	if err := json.Unmarshal([]byte(scope.spec.Spec), &specDoc); err != nil {
		specDoc = map[string]any{"name": name}
	}
	specDoc["version"] = version
	return specDoc
}

func firstRegularFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list constructor output: %w", err)
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("constructor produced no installer in %s", dir)
}
