package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/conda-store/condastore/pkg/metrics"
)

// currentPlatform maps the worker's OS/arch to the conda subdir it
// solves for by default.
func currentPlatform() string {
	switch runtime.GOOS + "/" + runtime.GOARCH {
	case "linux/amd64":
		return "linux-64"
	case "linux/arm64":
		return "linux-aarch64"
	case "darwin/amd64":
		return "osx-64"
	case "darwin/arm64":
		return "osx-arm64"
	case "windows/amd64":
		return "win-64"
	default:
		return "linux-64"
	}
}

// SolveTask resolves a specification into a lockfile without
// installing it, indexing the solved packages against the solve row.
func (o *Orchestrator) SolveTask(ctx context.Context, solveID int64, namespace, environment string) error {
	solve, err := o.solves.Get(ctx, solveID)
	if err != nil {
		return err
	}
	if err := o.solves.MarkStarted(ctx, solveID); err != nil {
		return err
	}
	started := time.Now()

	bc, err := NewBuildContext(ctx, o.store, namespace, environment)
	if err != nil {
		return err
	}
	defer bc.Close()

	spec, err := o.specifications.Get(ctx, solve.SpecificationID)
	if err != nil {
		return err
	}
	var specDoc map[string]any
	if err := json.Unmarshal([]byte(spec.Spec), &specDoc); err != nil {
		return fmt.Errorf("failed to parse stored specification: %w", err)
	}

	locker, err := bc.Locker()
	if err != nil {
		return err
	}
	lockDoc, err := locker.LockEnvironment(specDoc, []string{currentPlatform()})
	if err != nil {
		return err
	}

	if _, err := o.indexLockfilePackages(ctx, lockDoc, func(packageBuildID int64) error {
		return o.packages.AttachSolve(ctx, solveID, packageBuildID)
	}); err != nil {
		return err
	}

	if err := o.solves.MarkEnded(ctx, solveID); err != nil {
		return err
	}
	metrics.RecordSolveCompleted(time.Since(started))
	return nil
}
