// Package bootstrap holds the startup wiring shared by the server and
// worker commands: logger construction, database configuration, and
// storage backend selection.
package bootstrap

import (
	"context"

	"go.uber.org/zap"

	"github.com/conda-store/condastore/internal/config"
	"github.com/conda-store/condastore/internal/database"
	"github.com/conda-store/condastore/pkg/storage"
)

// NewLogger builds the zap logger described by the logging config.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if level, err := zap.ParseAtomicLevel(cfg.Level); err == nil {
		zapCfg.Level = level
	}
	return zapCfg.Build()
}

// DatabaseConfig merges the service config's database section over the
// connection defaults, then applies DB_* environment overrides.
func DatabaseConfig(cfg *config.Config) *database.Config {
	out := database.DefaultConfig()
	if cfg.Database.Host != "" {
		out.Host = cfg.Database.Host
	}
	if cfg.Database.Port != 0 {
		out.Port = cfg.Database.Port
	}
	if cfg.Database.User != "" {
		out.User = cfg.Database.User
	}
	if cfg.Database.Password != "" {
		out.Password = cfg.Database.Password
	}
	if cfg.Database.Database != "" {
		out.Database = cfg.Database.Database
	}
	if cfg.Database.SSLMode != "" {
		out.SSLMode = cfg.Database.SSLMode
	}
	out.LoadFromEnv()
	return out
}

// StorageBackend builds the configured storage backend wrapped in the
// transient-failure retry layer.
func StorageBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Backend, error) {
	var backend storage.Backend
	switch cfg.Storage.Backend {
	case "s3":
		s3backend, err := storage.NewS3Backend(ctx, storage.S3Config{
			InternalEndpoint: cfg.Storage.S3.InternalEndpoint,
			ExternalEndpoint: cfg.Storage.S3.ExternalEndpoint,
			AccessKey:        cfg.Storage.S3.AccessKey,
			SecretKey:        cfg.Storage.S3.SecretKey,
			Region:           cfg.Storage.S3.Region,
			BucketName:       cfg.Storage.S3.BucketName,
			InternalSecure:   cfg.Storage.S3.InternalSecure,
			ExternalSecure:   cfg.Storage.S3.ExternalSecure,
		}, logger)
		if err != nil {
			return nil, err
		}
		backend = s3backend
	default:
		backend = storage.NewLocalBackend(cfg.Storage.Local.StoragePath, cfg.Storage.Local.StorageURL, logger)
	}
	return storage.NewResilient(backend, storage.DefaultRetryConfig(), logger), nil
}
