// Package locker implements the built-in lock plugin: a wrapper
// around the conda-lock CLI that resolves a specification into a
// pinned lockfile document.
package locker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/conda-store/condastore/pkg/externalproc"
)

// CondaLock shells out to conda-lock to solve an environment for the
// requested platforms.
type CondaLock struct {
	runner       *externalproc.Runner
	condaCommand string
	condaFlags   string
	sink         externalproc.LineSink
	logger       *zap.Logger
}

// Config parameterizes one CondaLock instance. Sink receives solver
// output line-by-line; builds point it at their log artifact.
type Config struct {
	Runner       *externalproc.Runner
	CondaCommand string
	CondaFlags   string
	Sink         externalproc.LineSink
}

func NewCondaLock(cfg Config, logger *zap.Logger) *CondaLock {
	return &CondaLock{
		runner:       cfg.Runner,
		condaCommand: cfg.CondaCommand,
		condaFlags:   cfg.CondaFlags,
		sink:         cfg.Sink,
		logger:       logger,
	}
}

func (c *CondaLock) Name() string { return "conda-lock" }

// LockEnvironment writes the specification to a scratch environment
// file, invokes conda-lock for the given platforms, and parses the
// resulting lockfile. CONDA_FLAGS is passed through the child
// environment because the solver library reads channel-priority
// options from there.
func (c *CondaLock) LockEnvironment(spec map[string]any, platforms []string) (map[string]any, error) {
	scratch, err := os.MkdirTemp("", "condastore-solve-")
	if err != nil {
		return nil, fmt.Errorf("failed to create solve scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	envFile := filepath.Join(scratch, "environment.yaml")
	rendered, err := yaml.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to render environment file: %w", err)
	}
	if err := os.WriteFile(envFile, rendered, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write environment file: %w", err)
	}

	lockfilePath := filepath.Join(scratch, "conda-lock.json")
	args := []string{"lock", "--file", envFile, "--lockfile", lockfilePath, "--conda", c.condaCommand}
	for _, platform := range platforms {
		args = append(args, "--platform", platform)
	}

	if err := c.runner.Run(context.Background(), externalproc.Command{
		Name: "conda-lock",
		Args: args,
		Env:  externalproc.CondaFlagsEnv(c.condaFlags),
	}, c.sink); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(lockfilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read solved lockfile: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse solved lockfile: %w", err)
	}
	c.logger.Debug("environment locked", zap.Strings("platforms", platforms))
	return doc, nil
}
