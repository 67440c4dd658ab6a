// Package storage implements the artifact storage backends. Every
// backend exposes the same contract keyed by opaque artifact keys; the
// active backend is selected at startup and registered with the plugin
// manager.
package storage

import (
	"context"
	"fmt"
)

// Backend is the capability set an artifact store exposes. Keys are
// opaque strings; backends decide how they map to paths or object
// names.
type Backend interface {
	// Name identifies the backend for plugin registration.
	Name() string
	// Set writes value under key with the given content type.
	Set(ctx context.Context, key string, value []byte, contentType string) error
	// FSet uploads the file at filename under key. The write is atomic:
	// a concurrent Get observes either the pre-state or the full
	// post-state, never a partial write.
	FSet(ctx context.Context, key, filename, contentType string) error
	// Get returns the bytes stored under key, or a not-found error.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetURL returns a URL from which the artifact can be fetched by an
	// end user.
	GetURL(ctx context.Context, key string) (string, error)
	// Delete removes the bytes under key. Deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key string) error
}

// NotFoundError reports a Get for a key with no stored bytes.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no artifact stored under key %q", e.Key)
}

// IsNotFound reports whether err is a storage NotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}
