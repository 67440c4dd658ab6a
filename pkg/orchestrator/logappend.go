package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/conda-store/condastore/pkg/datastore/models"
	"github.com/conda-store/condastore/pkg/storage"
)

// ArtifactStore is the slice of the artifact repository the log
// appender and build pipeline register rows through.
type ArtifactStore interface {
	InsertOrSkip(ctx context.Context, a *models.BuildArtifact) (*models.BuildArtifact, error)
}

// LogAppender appends lines to a build's single log artifact. The
// read-concatenate-write round trip is guarded by an exclusive
// cross-process file lock on <build_path>.log.lock, so concurrent
// stages on different workers never interleave partial writes.
type LogAppender struct {
	storage   storage.Backend
	artifacts ArtifactStore
	logger    *zap.Logger
}

func NewLogAppender(backend storage.Backend, artifacts ArtifactStore, logger *zap.Logger) *LogAppender {
	return &LogAppender{storage: backend, artifacts: artifacts, logger: logger}
}

// Append adds logs to the build's log artifact. Empty lines are
// skipped; prefix identifies the producing stage and is applied per
// line. A missing or unreadable current artifact is treated as empty.
func (l *LogAppender) Append(ctx context.Context, buildID int64, buildPath, logKey, prefix, logs string) error {
	appended := formatLines(prefix, logs)
	if appended == "" {
		return nil
	}

	unlock, err := acquireFileLock(buildPath + ".log.lock")
	if err != nil {
		return fmt.Errorf("failed to acquire log lock: %w", err)
	}
	defer unlock()

	current, err := l.storage.Get(ctx, logKey)
	if err != nil {
		current = nil
	}

	if err := l.storage.Set(ctx, logKey, append(current, appended...), "text/plain"); err != nil {
		return err
	}
	if _, err := l.artifacts.InsertOrSkip(ctx, &models.BuildArtifact{
		BuildID:      buildID,
		ArtifactType: models.ArtifactLogs,
		Key:          logKey,
	}); err != nil {
		return err
	}
	return nil
}

// Sink returns a per-stage line sink that appends each line to the
// build's log artifact under the stage's prefix. Append failures are
// logged and dropped so a storage hiccup never kills the stream.
func (l *LogAppender) Sink(ctx context.Context, buildID int64, buildPath, logKey, prefix string) func(line string) {
	return func(line string) {
		if err := l.Append(ctx, buildID, buildPath, logKey, prefix, line); err != nil {
			l.logger.Warn("failed to append build log line",
				zap.Int64("build_id", buildID),
				zap.Error(err))
		}
	}
}

// formatLines drops empty lines, applies the stage prefix, and
// guarantees a trailing newline per line.
func formatLines(prefix, logs string) string {
	var b strings.Builder
	for _, line := range strings.Split(logs, "\n") {
		if line == "" {
			continue
		}
		b.WriteString(prefix)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// acquireFileLock takes an exclusive advisory lock on path, creating
// it if needed, and returns the release function. The lock is
// cross-process: flock serializes log appends from every worker
// sharing the filesystem.
func acquireFileLock(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}
