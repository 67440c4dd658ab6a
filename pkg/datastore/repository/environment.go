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
)

// EnvironmentRepository persists models.Environment rows, unique per
// (NamespaceID, Name).
type EnvironmentRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewEnvironmentRepository(db *sql.DB, logger *zap.Logger) *EnvironmentRepository {
	return &EnvironmentRepository{db: sqlx.NewDb(db, "pgx"), logger: logger}
}

// Create inserts an environment under an existing namespace.
func (r *EnvironmentRepository) Create(ctx context.Context, env *models.Environment) (*models.Environment, error) {
	const query = `
		INSERT INTO environment (name, namespace_id, description)
		VALUES ($1, $2, $3)
		RETURNING id, name, namespace_id, description, current_build_id, specification_id, deleted_on`

	row := r.db.QueryRowxContext(ctx, query, env.Name, env.NamespaceID, env.Description)
	var out models.Environment
	if err := row.Scan(&out.ID, &out.Name, &out.NamespaceID, &out.Description,
		&out.CurrentBuildID, &out.SpecificationID, &out.DeletedOn); err != nil {
		if isUniqueViolation(err) {
			return nil, problem.NewConflictProblem("Environment",
				fmt.Sprintf("environment %q already exists in this namespace", env.Name))
		}
		r.logger.Error("failed to insert environment", zap.Error(err))
		return nil, fmt.Errorf("failed to insert environment: %w", err)
	}
	return &out, nil
}

// Get fetches an environment by id.
func (r *EnvironmentRepository) Get(ctx context.Context, id int64) (*models.Environment, error) {
	const query = `
		SELECT id, name, namespace_id, description, current_build_id, specification_id, deleted_on
		FROM environment WHERE id = $1`

	var out models.Environment
	err := r.db.QueryRowxContext(ctx, query, id).Scan(&out.ID, &out.Name, &out.NamespaceID, &out.Description,
		&out.CurrentBuildID, &out.SpecificationID, &out.DeletedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, problem.NewNotFoundProblem("Environment", fmt.Sprintf("no environment with id %d", id))
	}
	if err != nil {
		r.logger.Error("failed to retrieve environment", zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve environment: %w", err)
	}
	return &out, nil
}

// GetByNamespaceAndName fetches a non-deleted environment by its unique
// (namespace, name) pair.
func (r *EnvironmentRepository) GetByNamespaceAndName(ctx context.Context, namespaceID int64, name string) (*models.Environment, error) {
	const query = `
		SELECT id, name, namespace_id, description, current_build_id, specification_id, deleted_on
		FROM environment WHERE namespace_id = $1 AND name = $2 AND deleted_on IS NULL`

	var out models.Environment
	err := r.db.QueryRowxContext(ctx, query, namespaceID, name).Scan(&out.ID, &out.Name, &out.NamespaceID,
		&out.Description, &out.CurrentBuildID, &out.SpecificationID, &out.DeletedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, problem.NewNotFoundProblem("Environment", fmt.Sprintf("no environment named %q", name))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve environment: %w", err)
	}
	return &out, nil
}

// List returns environments in a namespace, hiding soft-deleted rows
// unless includeDeleted is set.
func (r *EnvironmentRepository) List(ctx context.Context, namespaceID int64, includeDeleted bool) ([]*models.Environment, error) {
	query := `
		SELECT id, name, namespace_id, description, current_build_id, specification_id, deleted_on
		FROM environment WHERE namespace_id = $1`
	if !includeDeleted {
		query += ` AND deleted_on IS NULL`
	}
	query += ` ORDER BY id ASC`

	rows, err := r.db.QueryxContext(ctx, query, namespaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	var out []*models.Environment
	for rows.Next() {
		var e models.Environment
		if err := rows.Scan(&e.ID, &e.Name, &e.NamespaceID, &e.Description,
			&e.CurrentBuildID, &e.SpecificationID, &e.DeletedOn); err != nil {
			return nil, fmt.Errorf("failed to scan environment row: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// SetCurrentBuild advances an environment's current_build/
// specification pointers. Only COMPLETED builds may become the current
// build; callers (pkg/orchestrator) enforce that invariant.
func (r *EnvironmentRepository) SetCurrentBuild(ctx context.Context, environmentID, buildID, specificationID int64) error {
	const query = `UPDATE environment SET current_build_id = $1, specification_id = $2 WHERE id = $3`
	res, err := r.db.ExecContext(ctx, query, buildID, specificationID, environmentID)
	if err != nil {
		return fmt.Errorf("failed to advance current build: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check current-build update: %w", err)
	}
	if n == 0 {
		return problem.NewNotFoundProblem("Environment", fmt.Sprintf("no environment with id %d", environmentID))
	}
	return nil
}

// SoftDelete marks an environment deleted without removing its row
// (builds are not owned by the environment and remain for history).
func (r *EnvironmentRepository) SoftDelete(ctx context.Context, id int64) error {
	const query = `UPDATE environment SET deleted_on = now() WHERE id = $1 AND deleted_on IS NULL`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete environment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check soft-delete result: %w", err)
	}
	if n == 0 {
		return problem.NewNotFoundProblem("Environment", fmt.Sprintf("no environment with id %d", id))
	}
	return nil
}
