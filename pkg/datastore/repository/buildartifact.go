package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/conda-store/condastore/pkg/datastore/models"
)

// BuildArtifactRepository persists models.BuildArtifact rows. Non-log
// artifact types are write-once: (BuildID, Key, ArtifactType) is
// unique, and a repeated insert is treated as a no-op rather than an
// error.
type BuildArtifactRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewBuildArtifactRepository(db *sql.DB, logger *zap.Logger) *BuildArtifactRepository {
	return &BuildArtifactRepository{db: sqlx.NewDb(db, "pgx"), logger: logger}
}

// InsertOrSkip registers an artifact row, silently skipping an insert
// that collides with an existing (BuildID, Key, ArtifactType) row: the
// same write-once guard the storage backends apply to the underlying
// blob.
func (r *BuildArtifactRepository) InsertOrSkip(ctx context.Context, a *models.BuildArtifact) (*models.BuildArtifact, error) {
	const insert = `
		INSERT INTO build_artifact (build_id, key, artifact_type)
		VALUES ($1, $2, $3)
		RETURNING id, build_id, key, artifact_type`

	row := r.db.QueryRowxContext(ctx, insert, a.BuildID, a.Key, a.ArtifactType)
	var out models.BuildArtifact
	if err := row.Scan(&out.ID, &out.BuildID, &out.Key, &out.ArtifactType); err != nil {
		if isUniqueViolation(err) {
			r.logger.Debug("artifact already registered, skipping",
				zap.Int64("build_id", a.BuildID), zap.String("key", a.Key))
			return r.Get(ctx, a.BuildID, a.Key, a.ArtifactType)
		}
		return nil, fmt.Errorf("failed to insert build artifact: %w", err)
	}
	return &out, nil
}

// Get fetches a single artifact row by its unique key.
func (r *BuildArtifactRepository) Get(ctx context.Context, buildID int64, key string, kind models.ArtifactKind) (*models.BuildArtifact, error) {
	const query = `SELECT id, build_id, key, artifact_type FROM build_artifact WHERE build_id = $1 AND key = $2 AND artifact_type = $3`

	var out models.BuildArtifact
	err := r.db.QueryRowxContext(ctx, query, buildID, key, kind).Scan(&out.ID, &out.BuildID, &out.Key, &out.ArtifactType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve build artifact: %w", err)
	}
	return &out, nil
}

// ListByBuild returns every artifact row attached to a build.
func (r *BuildArtifactRepository) ListByBuild(ctx context.Context, buildID int64) ([]*models.BuildArtifact, error) {
	const query = `SELECT id, build_id, key, artifact_type FROM build_artifact WHERE build_id = $1 ORDER BY id ASC`

	rows, err := r.db.QueryxContext(ctx, query, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list build artifacts: %w", err)
	}
	defer rows.Close()

	var out []*models.BuildArtifact
	for rows.Next() {
		var a models.BuildArtifact
		if err := rows.Scan(&a.ID, &a.BuildID, &a.Key, &a.ArtifactType); err != nil {
			return nil, fmt.Errorf("failed to scan build artifact row: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
