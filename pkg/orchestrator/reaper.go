package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/conda-store/condastore/pkg/metrics"
)

const defaultReapReason = `Build marked as %s on cleanup due to being stuck in BUILDING state
and not present on workers. This happens for several reasons: build is
canceled, a worker crash from out of memory errors, worker was killed,
or an internal error.`

// Reap walks builds stuck in BUILDING with no live task behind them
// and transitions each to FAILED (or CANCELED when invoked as a
// cancel), appending an explanation to the build log. Builds younger
// than the settle window are left alone so a just-dispatched task has
// time to appear in the inventory. A non-empty buildIDs restricts the
// sweep. If the broker cannot enumerate active tasks the sweep is
// skipped with a warning.
func (o *Orchestrator) Reap(ctx context.Context, buildIDs []int64, reason string, isCanceled bool) error {
	status := "FAILED"
	if isCanceled {
		status = "CANCELED"
	}
	if reason == "" {
		reason = fmt.Sprintf(defaultReapReason, status)
	}

	active, err := o.inventory.ActiveBuildIDs(ctx)
	if err != nil {
		o.logger.Warn("build cleanup skipped: broker does not support task inspection", zap.Error(err))
		return nil
	}

	settle := o.store.Settings.base.SettleWindow
	if settle <= 0 {
		settle = 5 * time.Second
	}

	builds, err := o.builds.ListBuilding(ctx, buildIDs)
	if err != nil {
		return err
	}

	for _, build := range builds {
		if _, live := active[build.ID]; live {
			continue
		}
		if build.StartedOn == nil || time.Since(*build.StartedOn) < settle {
			continue
		}

		o.logger.Warn("marking stuck build",
			zap.Int64("build_id", build.ID),
			zap.String("status", status))

		spec, err := o.specifications.Get(ctx, build.SpecificationID)
		if err == nil {
			keys := NewBuildKeys(build, spec)
			if buildPath, pathErr := keys.BuildPath(o.store.Settings.base.StorePath, ""); pathErr == nil {
				if appendErr := o.logs.Append(ctx, build.ID, buildPath, keys.LogKey(), "", reason); appendErr != nil {
					o.logger.Warn("failed to append reap explanation",
						zap.Int64("build_id", build.ID), zap.Error(appendErr))
				}
			}
		}

		if isCanceled {
			if err := o.builds.TransitionToCanceled(ctx, build.ID, ""); err != nil {
				o.logger.Error("failed to cancel stuck build", zap.Int64("build_id", build.ID), zap.Error(err))
				continue
			}
			metrics.RecordBuildCanceled()
			metrics.RecordBuildReaped("canceled")
		} else {
			if err := o.builds.TransitionToFailed(ctx, build.ID, ""); err != nil {
				o.logger.Error("failed to fail stuck build", zap.Int64("build_id", build.ID), zap.Error(err))
				continue
			}
			metrics.RecordBuildReaped("failed")
		}
	}
	return nil
}

// CancelBuild is the admin-facing cancel: it reaps exactly one build
// with canceled disposition.
func (o *Orchestrator) CancelBuild(ctx context.Context, buildID int64) error {
	return o.Reap(ctx, []int64{buildID}, "", true)
}
