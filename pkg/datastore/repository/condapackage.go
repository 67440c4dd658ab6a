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

// CondaPackageRepository upserts CondaChannel/CondaPackage/
// CondaPackageBuild rows from a solved lockfile and links them to the
// builds and solves that pinned them.
type CondaPackageRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewCondaPackageRepository(db *sql.DB, logger *zap.Logger) *CondaPackageRepository {
	return &CondaPackageRepository{db: sqlx.NewDb(db, "pgx"), logger: logger}
}

// UpsertChannel inserts a channel or refreshes LastUpdate if it already
// exists.
func (r *CondaPackageRepository) UpsertChannel(ctx context.Context, name string) (*models.CondaChannel, error) {
	const query = `
		INSERT INTO conda_channel (name, last_update)
		VALUES ($1, now())
		ON CONFLICT (name) DO UPDATE SET last_update = now()
		RETURNING id, name, last_update`

	row := r.db.QueryRowxContext(ctx, query, name)
	var out models.CondaChannel
	if err := row.Scan(&out.ID, &out.Name, &out.LastUpdate); err != nil {
		return nil, fmt.Errorf("failed to upsert conda channel: %w", err)
	}
	return &out, nil
}

// UpsertPackage inserts a package or returns the existing row, unique
// per (ChannelID, Name, Version).
func (r *CondaPackageRepository) UpsertPackage(ctx context.Context, pkg *models.CondaPackage) (*models.CondaPackage, error) {
	const query = `
		INSERT INTO conda_package (channel_id, name, version, license, summary)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel_id, name, version) DO UPDATE SET license = EXCLUDED.license, summary = EXCLUDED.summary
		RETURNING id, channel_id, name, version, license, summary`

	row := r.db.QueryRowxContext(ctx, query, pkg.ChannelID, pkg.Name, pkg.Version, pkg.License, pkg.Summary)
	var out models.CondaPackage
	if err := row.Scan(&out.ID, &out.ChannelID, &out.Name, &out.Version, &out.License, &out.Summary); err != nil {
		return nil, fmt.Errorf("failed to upsert conda package: %w", err)
	}
	return &out, nil
}

// UpsertPackageBuild inserts a package-build row, unique per (PackageID,
// Subdir, Build).
func (r *CondaPackageRepository) UpsertPackageBuild(ctx context.Context, b *models.CondaPackageBuild) (*models.CondaPackageBuild, error) {
	const query = `
		INSERT INTO conda_package_build
			(package_id, build, build_number, subdir, sha256, md5, size, depends, constrains, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (package_id, subdir, build) DO UPDATE SET
			sha256 = EXCLUDED.sha256, md5 = EXCLUDED.md5, size = EXCLUDED.size
		RETURNING id, package_id, build, build_number, subdir, sha256, md5, size, depends, constrains, timestamp`

	row := r.db.QueryRowxContext(ctx, query, b.PackageID, b.Build, b.BuildNumber, b.Subdir,
		b.SHA256, b.MD5, b.Size, pqStringArray(b.Depends), pqStringArray(b.Constrains), b.Timestamp)
	var out models.CondaPackageBuild
	if err := row.Scan(&out.ID, &out.PackageID, &out.Build, &out.BuildNumber, &out.Subdir,
		&out.SHA256, &out.MD5, &out.Size, &out.Depends, &out.Constrains, &out.Timestamp); err != nil {
		return nil, fmt.Errorf("failed to upsert conda package build: %w", err)
	}
	return &out, nil
}

// AttachBuild links an installed package build to the build that
// contains it; re-attaching is a no-op.
func (r *CondaPackageRepository) AttachBuild(ctx context.Context, buildID, packageBuildID int64) error {
	const query = `
		INSERT INTO build_conda_package_build (build_id, conda_package_build_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, buildID, packageBuildID); err != nil {
		return fmt.Errorf("failed to attach package build to build: %w", err)
	}
	return nil
}

// AttachSolve links a solved package build to a solve-only request;
// re-attaching is a no-op.
func (r *CondaPackageRepository) AttachSolve(ctx context.Context, solveID, packageBuildID int64) error {
	const query = `
		INSERT INTO solve_conda_package_build (solve_id, conda_package_build_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, solveID, packageBuildID); err != nil {
		return fmt.Errorf("failed to attach package build to solve: %w", err)
	}
	return nil
}

// GetChannelByName fetches a channel by its unique name.
func (r *CondaPackageRepository) GetChannelByName(ctx context.Context, name string) (*models.CondaChannel, error) {
	const query = `SELECT id, name, last_update FROM conda_channel WHERE name = $1`

	var out models.CondaChannel
	err := r.db.QueryRowxContext(ctx, query, name).Scan(&out.ID, &out.Name, &out.LastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve conda channel: %w", err)
	}
	return &out, nil
}

// pqStringArray renders a Go string slice as a Postgres text[] literal.
// Kept local since this is the only call site; a generic array codec
// belongs to sqlutil once a second caller needs one.
func pqStringArray(ss []string) string {
	out := "{"
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += `"` + s + `"`
	}
	return out + "}"
}
