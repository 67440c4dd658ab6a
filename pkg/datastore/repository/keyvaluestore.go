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

// KeyValueStoreRepository persists per-setting overrides scoped by a
// prefix, backing the trait-config plugin's live reconfiguration story
// alongside internal/config.Watcher.
type KeyValueStoreRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewKeyValueStoreRepository(db *sql.DB, logger *zap.Logger) *KeyValueStoreRepository {
	return &KeyValueStoreRepository{db: sqlx.NewDb(db, "pgx"), logger: logger}
}

// Set upserts a (prefix, key) -> value row.
func (r *KeyValueStoreRepository) Set(ctx context.Context, prefix, key, value string) error {
	const query = `
		INSERT INTO key_value_store (prefix, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (prefix, key) DO UPDATE SET value = EXCLUDED.value`
	if _, err := r.db.ExecContext(ctx, query, prefix, key, value); err != nil {
		return fmt.Errorf("failed to set key-value override: %w", err)
	}
	return nil
}

// Get fetches a single override, nil if unset.
func (r *KeyValueStoreRepository) Get(ctx context.Context, prefix, key string) (*models.KeyValueStore, error) {
	const query = `SELECT id, prefix, key, value FROM key_value_store WHERE prefix = $1 AND key = $2`

	var out models.KeyValueStore
	err := r.db.QueryRowxContext(ctx, query, prefix, key).Scan(&out.ID, &out.Prefix, &out.Key, &out.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve key-value override: %w", err)
	}
	return &out, nil
}

// ListByPrefix returns every override under a settings prefix.
func (r *KeyValueStoreRepository) ListByPrefix(ctx context.Context, prefix string) ([]*models.KeyValueStore, error) {
	const query = `SELECT id, prefix, key, value FROM key_value_store WHERE prefix = $1 ORDER BY key ASC`

	rows, err := r.db.QueryxContext(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list key-value overrides: %w", err)
	}
	defer rows.Close()

	var out []*models.KeyValueStore
	for rows.Next() {
		var kv models.KeyValueStore
		if err := rows.Scan(&kv.ID, &kv.Prefix, &kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("failed to scan key-value row: %w", err)
		}
		out = append(out, &kv)
	}
	return out, rows.Err()
}
