// Package repository exposes typed CRUD and list operations over
// pkg/datastore/models, one file per entity: database/sql + pgx/v5
// stdlib driver, jmoiron/sqlx for list/scan convenience, errors
// surfaced as pkg/datastore/problem.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/conda-store/condastore/pkg/datastore/models"
	"github.com/conda-store/condastore/pkg/datastore/problem"
)

const uniqueViolationCode = "23505"

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (pgx error code 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// NamespaceRepository persists models.Namespace rows.
type NamespaceRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewNamespaceRepository builds a NamespaceRepository over an existing
// *sql.DB connection pool (see internal/database.Connect).
func NewNamespaceRepository(db *sql.DB, logger *zap.Logger) *NamespaceRepository {
	return &NamespaceRepository{db: sqlx.NewDb(db, "pgx"), logger: logger}
}

// Create inserts a namespace, mapping a unique-name violation to a 409
// problem.
func (r *NamespaceRepository) Create(ctx context.Context, ns *models.Namespace) (*models.Namespace, error) {
	const query = `
		INSERT INTO namespace (name, metadata)
		VALUES ($1, $2)
		RETURNING id, name, metadata, deleted_on`

	row := r.db.QueryRowxContext(ctx, query, ns.Name, ns.Metadata)
	var out models.Namespace
	if err := row.Scan(&out.ID, &out.Name, &out.Metadata, &out.DeletedOn); err != nil {
		if isUniqueViolation(err) {
			r.logger.Warn("namespace name conflict", zap.String("name", ns.Name))
			return nil, problem.NewConflictProblem("Namespace", fmt.Sprintf("namespace %q already exists", ns.Name))
		}
		r.logger.Error("failed to insert namespace", zap.Error(err))
		return nil, fmt.Errorf("failed to insert namespace: %w", err)
	}
	return &out, nil
}

// Get fetches a namespace by id, including soft-deleted rows.
func (r *NamespaceRepository) Get(ctx context.Context, id int64) (*models.Namespace, error) {
	const query = `SELECT id, name, metadata, deleted_on FROM namespace WHERE id = $1`

	var out models.Namespace
	err := r.db.QueryRowxContext(ctx, query, id).Scan(&out.ID, &out.Name, &out.Metadata, &out.DeletedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, problem.NewNotFoundProblem("Namespace", fmt.Sprintf("no namespace with id %d", id))
	}
	if err != nil {
		r.logger.Error("failed to retrieve namespace", zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve namespace: %w", err)
	}
	return &out, nil
}

// GetByName fetches a non-deleted namespace by name.
func (r *NamespaceRepository) GetByName(ctx context.Context, name string) (*models.Namespace, error) {
	const query = `SELECT id, name, metadata, deleted_on FROM namespace WHERE name = $1 AND deleted_on IS NULL`

	var out models.Namespace
	err := r.db.QueryRowxContext(ctx, query, name).Scan(&out.ID, &out.Name, &out.Metadata, &out.DeletedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, problem.NewNotFoundProblem("Namespace", fmt.Sprintf("no namespace named %q", name))
	}
	if err != nil {
		r.logger.Error("failed to retrieve namespace", zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve namespace: %w", err)
	}
	return &out, nil
}

// List returns namespaces, hiding soft-deleted rows unless
// includeDeleted is set.
func (r *NamespaceRepository) List(ctx context.Context, includeDeleted bool) ([]*models.Namespace, error) {
	query := `SELECT id, name, metadata, deleted_on FROM namespace`
	if !includeDeleted {
		query += ` WHERE deleted_on IS NULL`
	}
	query += ` ORDER BY id ASC`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		r.logger.Error("failed to list namespaces", zap.Error(err))
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	defer rows.Close()

	var out []*models.Namespace
	for rows.Next() {
		var ns models.Namespace
		if err := rows.Scan(&ns.ID, &ns.Name, &ns.Metadata, &ns.DeletedOn); err != nil {
			return nil, fmt.Errorf("failed to scan namespace row: %w", err)
		}
		out = append(out, &ns)
	}
	return out, rows.Err()
}

// SoftDelete marks a namespace deleted without removing its row.
func (r *NamespaceRepository) SoftDelete(ctx context.Context, id int64) error {
	const query = `UPDATE namespace SET deleted_on = now() WHERE id = $1 AND deleted_on IS NULL`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete namespace: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check soft-delete result: %w", err)
	}
	if n == 0 {
		return problem.NewNotFoundProblem("Namespace", fmt.Sprintf("no namespace with id %d", id))
	}
	return nil
}

// HealthCheck verifies the repository's connection pool is reachable.
func (r *NamespaceRepository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
