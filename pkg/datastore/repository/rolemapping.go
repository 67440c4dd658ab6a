package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/conda-store/condastore/pkg/datastore/models"
)

// RoleMappingRepository persists NamespaceRoleMapping (v1, entity-glob
// grants) and NamespaceRoleMappingV2 (namespace-to-namespace grants)
// rows.
type RoleMappingRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewRoleMappingRepository(db *sql.DB, logger *zap.Logger) *RoleMappingRepository {
	return &RoleMappingRepository{db: sqlx.NewDb(db, "pgx"), logger: logger}
}

// CreateV1 grants role to an entity glob ("ns/env") scoped under
// namespaceID.
func (r *RoleMappingRepository) CreateV1(ctx context.Context, namespaceID int64, entity, role string) (*models.NamespaceRoleMapping, error) {
	const query = `
		INSERT INTO namespace_role_mapping (namespace_id, entity, role)
		VALUES ($1, $2, $3)
		RETURNING id, namespace_id, entity, role`

	row := r.db.QueryRowxContext(ctx, query, namespaceID, entity, string(models.NormalizeRole(role)))
	var out models.NamespaceRoleMapping
	if err := row.Scan(&out.ID, &out.NamespaceID, &out.Entity, &out.Role); err != nil {
		return nil, fmt.Errorf("failed to insert role mapping: %w", err)
	}
	return &out, nil
}

// ListV1ByNamespace returns the entity-glob grants scoped to namespaceID.
func (r *RoleMappingRepository) ListV1ByNamespace(ctx context.Context, namespaceID int64) ([]*models.NamespaceRoleMapping, error) {
	const query = `SELECT id, namespace_id, entity, role FROM namespace_role_mapping WHERE namespace_id = $1 ORDER BY id ASC`

	rows, err := r.db.QueryxContext(ctx, query, namespaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role mappings: %w", err)
	}
	defer rows.Close()

	var out []*models.NamespaceRoleMapping
	for rows.Next() {
		var m models.NamespaceRoleMapping
		if err := rows.Scan(&m.ID, &m.NamespaceID, &m.Entity, &m.Role); err != nil {
			return nil, fmt.Errorf("failed to scan role mapping row: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// CreateV2 grants role from namespaceID to otherNamespaceID as a whole,
// unique per pair.
func (r *RoleMappingRepository) CreateV2(ctx context.Context, namespaceID, otherNamespaceID int64, role string) (*models.NamespaceRoleMappingV2, error) {
	const query = `
		INSERT INTO namespace_role_mapping_v2 (namespace_id, other_namespace_id, role)
		VALUES ($1, $2, $3)
		RETURNING id, namespace_id, other_namespace_id, role`

	row := r.db.QueryRowxContext(ctx, query, namespaceID, otherNamespaceID, string(models.NormalizeRole(role)))
	var out models.NamespaceRoleMappingV2
	if err := row.Scan(&out.ID, &out.NamespaceID, &out.OtherNamespaceID, &out.Role); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("role mapping from namespace %d to %d already exists: %w", namespaceID, otherNamespaceID, err)
		}
		return nil, fmt.Errorf("failed to insert v2 role mapping: %w", err)
	}
	return &out, nil
}
