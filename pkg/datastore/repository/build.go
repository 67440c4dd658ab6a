package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/conda-store/condastore/pkg/datastore/models"
	"github.com/conda-store/condastore/pkg/datastore/problem"
	"github.com/conda-store/condastore/pkg/datastore/sqlutil"
)

// BuildRepository persists models.Build rows and drives their
// state-machine transitions.
type BuildRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewBuildRepository(db *sql.DB, logger *zap.Logger) *BuildRepository {
	return &BuildRepository{db: sqlx.NewDb(db, "pgx"), logger: logger}
}

// Create inserts a new build in QUEUED status.
func (r *BuildRepository) Create(ctx context.Context, environmentID, specificationID int64) (*models.Build, error) {
	const query = `
		INSERT INTO build (environment_id, specification_id, status)
		VALUES ($1, $2, $3)
		RETURNING id, environment_id, specification_id, status, status_info, started_on, ended_on, size, deleted_on`

	row := r.db.QueryRowxContext(ctx, query, environmentID, specificationID, models.BuildStatusQueued)
	var out models.Build
	if err := scanBuild(row, &out); err != nil {
		r.logger.Error("failed to insert build", zap.Error(err))
		return nil, fmt.Errorf("failed to insert build: %w", err)
	}
	return &out, nil
}

// Get fetches a build by id.
func (r *BuildRepository) Get(ctx context.Context, id int64) (*models.Build, error) {
	const query = `
		SELECT id, environment_id, specification_id, status, status_info, started_on, ended_on, size, deleted_on
		FROM build WHERE id = $1`

	row := r.db.QueryRowxContext(ctx, query, id)
	var out models.Build
	if err := scanBuild(row, &out); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, problem.NewNotFoundProblem("Build", fmt.Sprintf("no build with id %d", id))
		}
		return nil, fmt.Errorf("failed to retrieve build: %w", err)
	}
	return &out, nil
}

// TransitionToBuilding marks a QUEUED build BUILDING and records its
// start time. Only the owning worker advances a build's state; the
// reaper is the single exception.
func (r *BuildRepository) TransitionToBuilding(ctx context.Context, id int64) error {
	const query = `
		UPDATE build SET status = $1, started_on = now()
		WHERE id = $2 AND status = $3`
	return r.transition(ctx, query, id, models.BuildStatusBuilding, models.BuildStatusQueued)
}

// TransitionToCompleted marks a build COMPLETED, setting ended_on and size.
func (r *BuildRepository) TransitionToCompleted(ctx context.Context, id int64, size int64) error {
	const query = `
		UPDATE build SET status = $1, ended_on = now(), size = $4
		WHERE id = $2 AND status = $3`
	res, err := r.db.ExecContext(ctx, query, models.BuildStatusCompleted, id, models.BuildStatusBuilding, size)
	if err != nil {
		return fmt.Errorf("failed to transition build to completed: %w", err)
	}
	return checkTransitionResult(res, id)
}

// TransitionToFailed marks a build FAILED. Callers pass statusInfo
// only when the error message is safe to expose to the user; all other
// detail belongs in the build log.
func (r *BuildRepository) TransitionToFailed(ctx context.Context, id int64, statusInfo string) error {
	const query = `
		UPDATE build SET status = $1, ended_on = now(), status_info = $4
		WHERE id = $2 AND status = $3`
	res, err := r.db.ExecContext(ctx, query, models.BuildStatusFailed, id, models.BuildStatusBuilding, statusInfo)
	if err != nil {
		return fmt.Errorf("failed to transition build to failed: %w", err)
	}
	return checkTransitionResult(res, id)
}

// TransitionToCanceled marks a build CANCELED. Unlike the other terminal
// transitions this is allowed from either QUEUED or BUILDING, since the
// reaper (or an admin cancel) may act before a worker ever picks it up.
func (r *BuildRepository) TransitionToCanceled(ctx context.Context, id int64, statusInfo string) error {
	const query = `
		UPDATE build SET status = $1, ended_on = now(), status_info = $4
		WHERE id = $2 AND status IN ($3, $5)`
	res, err := r.db.ExecContext(ctx, query, models.BuildStatusCanceled, id,
		models.BuildStatusBuilding, statusInfo, models.BuildStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to transition build to canceled: %w", err)
	}
	return checkTransitionResult(res, id)
}

func (r *BuildRepository) transition(ctx context.Context, query string, id int64, to, from models.BuildStatus) error {
	res, err := r.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return fmt.Errorf("failed to transition build %d to %s: %w", id, to, err)
	}
	return checkTransitionResult(res, id)
}

func checkTransitionResult(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check build transition result: %w", err)
	}
	if n == 0 {
		return problem.NewConflictProblem("Build",
			fmt.Sprintf("build %d is not in the expected prior state for this transition", id))
	}
	return nil
}

// ListBuilding returns every build currently in BUILDING status, the
// reaper's sweep set. If ids is non-empty the sweep is restricted to
// those build ids.
func (r *BuildRepository) ListBuilding(ctx context.Context, ids []int64) ([]*models.Build, error) {
	query := `
		SELECT id, environment_id, specification_id, status, status_info, started_on, ended_on, size, deleted_on
		FROM build WHERE status = $1`
	args := []any{models.BuildStatusBuilding}
	if len(ids) > 0 {
		query += ` AND id = ANY($2)`
		args = append(args, ids)
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list building builds: %w", err)
	}
	defer rows.Close()

	var out []*models.Build
	for rows.Next() {
		var b models.Build
		if err := scanBuildRows(rows, &b); err != nil {
			return nil, fmt.Errorf("failed to scan build row: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sqlx.Row and *sqlx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner, out *models.Build) error {
	var started, ended, deleted sql.NullTime
	if err := row.Scan(&out.ID, &out.EnvironmentID, &out.SpecificationID, &out.Status,
		&out.StatusInfo, &started, &ended, &out.Size, &deleted); err != nil {
		return err
	}
	out.StartedOn = sqlutil.FromNullTime(started)
	out.EndedOn = sqlutil.FromNullTime(ended)
	out.DeletedOn = sqlutil.FromNullTime(deleted)
	return nil
}

func scanBuildRows(rows *sqlx.Rows, out *models.Build) error {
	return scanBuild(rows, out)
}
