package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"
)

// LocalBackend stores artifact blobs on the local filesystem under
// <storagePath>/<key> and serves them from an unauthenticated URL
// prefix.
type LocalBackend struct {
	storagePath string
	storageURL  string
	logger      *zap.Logger
}

func NewLocalBackend(storagePath, storageURL string, logger *zap.Logger) *LocalBackend {
	return &LocalBackend{
		storagePath: storagePath,
		storageURL:  storageURL,
		logger:      logger,
	}
}

func (b *LocalBackend) Name() string { return "local" }

func (b *LocalBackend) destination(key string) string {
	return filepath.Join(b.storagePath, filepath.FromSlash(key))
}

// writeAtomic writes data next to the destination and renames it into
// place, so readers never observe a partially written artifact.
func (b *LocalBackend) writeAtomic(destination string, contents io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destination), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary artifact file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, contents); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to finalize artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), destination); err != nil {
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return nil
}

func (b *LocalBackend) Set(_ context.Context, key string, value []byte, contentType string) error {
	destination := b.destination(key)
	if err := b.writeAtomic(destination, bytes.NewReader(value)); err != nil {
		return err
	}
	b.logger.Debug("stored artifact",
		zap.String("key", key),
		zap.Int("bytes", len(value)),
		zap.String("content_type", contentType))
	return nil
}

func (b *LocalBackend) FSet(_ context.Context, key, filename, contentType string) error {
	src, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open artifact source: %w", err)
	}
	defer src.Close()

	if err := b.writeAtomic(b.destination(key), src); err != nil {
		return err
	}
	b.logger.Debug("stored artifact from file",
		zap.String("key", key),
		zap.String("source", filename),
		zap.String("content_type", contentType))
	return nil
}

func (b *LocalBackend) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.destination(key))
	if os.IsNotExist(err) {
		return nil, &NotFoundError{Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

func (b *LocalBackend) GetURL(_ context.Context, key string) (string, error) {
	return path.Join(b.storageURL, key), nil
}

// Delete removes the blob under key. A missing file is skipped: the
// database can hold multiple artifact rows pointing at the same key
// (log files), so a later delete may find the bytes already gone.
func (b *LocalBackend) Delete(_ context.Context, key string) error {
	err := os.Remove(b.destination(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}
