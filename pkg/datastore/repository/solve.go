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

// SolveRepository persists models.Solve rows: solve-only requests that
// resolve a specification into a lockfile without installing it.
type SolveRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewSolveRepository(db *sql.DB, logger *zap.Logger) *SolveRepository {
	return &SolveRepository{db: sqlx.NewDb(db, "pgx"), logger: logger}
}

// Create inserts a solve row for specificationID with no start/end time
// recorded yet.
func (r *SolveRepository) Create(ctx context.Context, specificationID int64) (*models.Solve, error) {
	const query = `
		INSERT INTO solve (specification_id)
		VALUES ($1)
		RETURNING id, specification_id, started_on, ended_on`

	row := r.db.QueryRowxContext(ctx, query, specificationID)
	var out models.Solve
	var started, ended sql.NullTime
	if err := row.Scan(&out.ID, &out.SpecificationID, &started, &ended); err != nil {
		return nil, fmt.Errorf("failed to insert solve: %w", err)
	}
	out.StartedOn = sqlutil.FromNullTime(started)
	out.EndedOn = sqlutil.FromNullTime(ended)
	return &out, nil
}

// Get fetches a solve by id.
func (r *SolveRepository) Get(ctx context.Context, id int64) (*models.Solve, error) {
	const query = `SELECT id, specification_id, started_on, ended_on FROM solve WHERE id = $1`

	var out models.Solve
	var started, ended sql.NullTime
	err := r.db.QueryRowxContext(ctx, query, id).Scan(&out.ID, &out.SpecificationID, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, problem.NewNotFoundProblem("Solve", fmt.Sprintf("no solve with id %d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve solve: %w", err)
	}
	out.StartedOn = sqlutil.FromNullTime(started)
	out.EndedOn = sqlutil.FromNullTime(ended)
	return &out, nil
}

// MarkStarted records the solve's start time.
func (r *SolveRepository) MarkStarted(ctx context.Context, id int64) error {
	const query = `UPDATE solve SET started_on = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark solve started: %w", err)
	}
	return nil
}

// MarkEnded records the solve's completion time.
func (r *SolveRepository) MarkEnded(ctx context.Context, id int64) error {
	const query = `UPDATE solve SET ended_on = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark solve ended: %w", err)
	}
	return nil
}
