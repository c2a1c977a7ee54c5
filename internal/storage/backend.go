package storage

import (
	"context"
	"fmt"
	"io"
)

// Backend is the blob store consumed by the share coordinator. Keys are
// opaque; all share metadata lives in the record store, the backend only
// holds raw bytes.
type Backend interface {
	Put(ctx context.Context, key string, data io.Reader) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes a blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// NewBackend creates a new storage backend based on configuration
func NewBackend(cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "filesystem", "":
		// Empty string defaults to filesystem
		return NewFilesystemBackend(cfg)
	case "s3":
		return NewS3Backend(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
