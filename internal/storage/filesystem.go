package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// FilesystemBackend implements the Backend interface for local filesystem storage
type FilesystemBackend struct {
	rootPath string
}

// NewFilesystemBackend creates a new filesystem storage backend
func NewFilesystemBackend(cfg Config) (*FilesystemBackend, error) {
	// Ensure root path exists
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, NewErrorWithCause("CreateRootDir", "Failed to create root directory", err)
	}

	return &FilesystemBackend{rootPath: cfg.Root}, nil
}

// Put stores a blob in the filesystem
func (fs *FilesystemBackend) Put(ctx context.Context, key string, data io.Reader) (int64, error) {
	if err := fs.validateKey(key); err != nil {
		return 0, err
	}

	fullPath := fs.getFullPath(key)

	// Create directory if it doesn't exist
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, NewErrorWithCause("CreateDirectory", "Failed to create directory", err)
	}

	// Write to a temporary file first so a partial write never becomes
	// visible under the final key
	tempFile, err := os.CreateTemp(dir, ".tmp_")
	if err != nil {
		return 0, NewErrorWithCause("CreateTempFile", "Failed to create temporary file", err)
	}
	defer os.Remove(tempFile.Name())
	defer tempFile.Close()

	size, err := io.Copy(tempFile, data)
	if err != nil {
		return 0, NewErrorWithCause("WriteData", "Failed to write data", err)
	}

	tempFile.Close()

	// Atomic move
	if err := os.Rename(tempFile.Name(), fullPath); err != nil {
		return 0, NewErrorWithCause("AtomicMove", "Failed to move file to final location", err)
	}

	logrus.WithFields(logrus.Fields{
		"key":  key,
		"size": size,
	}).Debug("Blob stored")

	return size, nil
}

// Get retrieves a blob from the filesystem
func (fs *FilesystemBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := fs.validateKey(key); err != nil {
		return nil, err
	}

	file, err := os.Open(fs.getFullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, NewErrorWithCause("OpenFile", "Failed to open file", err)
	}

	return file, nil
}

// Delete removes a blob from the filesystem. Missing blobs are a no-op so
// the reaper and the download path can race on the same key safely.
func (fs *FilesystemBackend) Delete(ctx context.Context, key string) error {
	if err := fs.validateKey(key); err != nil {
		return err
	}

	if err := os.Remove(fs.getFullPath(key)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return NewErrorWithCause("DeleteFile", "Failed to delete file", err)
	}

	return nil
}

// Exists checks if a blob exists in the filesystem
func (fs *FilesystemBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := fs.validateKey(key); err != nil {
		return false, err
	}

	_, err := os.Stat(fs.getFullPath(key))
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, NewErrorWithCause("StatFile", "Failed to stat file", err)
	}

	return true, nil
}

// Close closes the filesystem backend
func (fs *FilesystemBackend) Close() error {
	// Filesystem backend doesn't need explicit cleanup
	return nil
}

// Helper methods

// validateKey validates that the key is safe for filesystem operations
func (fs *FilesystemBackend) validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	// Prevent directory traversal attacks
	if strings.Contains(key, "..") {
		return ErrInvalidKey
	}

	// Ensure key doesn't start with /
	if strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}

	return nil
}

// getFullPath returns the full filesystem path for a given blob key
func (fs *FilesystemBackend) getFullPath(key string) string {
	return filepath.Join(fs.rootPath, filepath.FromSlash(key))
}
