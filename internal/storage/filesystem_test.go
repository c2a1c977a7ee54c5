package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestBackend(t *testing.T) *FilesystemBackend {
	t.Helper()

	backend, err := NewFilesystemBackend(Config{Root: filepath.Join(t.TempDir(), "blobs")})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	return backend
}

func TestFilesystemPutGet(t *testing.T) {
	backend := setupTestBackend(t)
	ctx := context.Background()

	size, err := backend.Put(ctx, "uploads/abc", strings.NewReader("blob content"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), size)

	reader, err := backend.Get(ctx, "uploads/abc")
	require.NoError(t, err)
	defer reader.Close()

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "blob content", string(got))
}

func TestFilesystemPut_Overwrite(t *testing.T) {
	backend := setupTestBackend(t)
	ctx := context.Background()

	_, err := backend.Put(ctx, "uploads/key", strings.NewReader("first"))
	require.NoError(t, err)
	_, err = backend.Put(ctx, "uploads/key", strings.NewReader("second"))
	require.NoError(t, err)

	reader, err := backend.Get(ctx, "uploads/key")
	require.NoError(t, err)
	defer reader.Close()

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestFilesystemGet_NotFound(t *testing.T) {
	backend := setupTestBackend(t)

	_, err := backend.Get(context.Background(), "uploads/missing")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestFilesystemDelete(t *testing.T) {
	backend := setupTestBackend(t)
	ctx := context.Background()

	_, err := backend.Put(ctx, "uploads/gone", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, backend.Delete(ctx, "uploads/gone"))

	exists, err := backend.Exists(ctx, "uploads/gone")
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting a missing blob is a no-op
	assert.NoError(t, backend.Delete(ctx, "uploads/gone"))
}

func TestFilesystemExists(t *testing.T) {
	backend := setupTestBackend(t)
	ctx := context.Background()

	exists, err := backend.Exists(ctx, "uploads/nope")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = backend.Put(ctx, "uploads/yep", strings.NewReader("x"))
	require.NoError(t, err)

	exists, err = backend.Exists(ctx, "uploads/yep")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFilesystemValidateKey(t *testing.T) {
	backend := setupTestBackend(t)
	ctx := context.Background()

	for _, key := range []string{"", "../escape", "uploads/../../etc/passwd", "/absolute"} {
		_, err := backend.Put(ctx, key, strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q should be rejected", key)

		_, err = backend.Get(ctx, key)
		assert.ErrorIs(t, err, ErrInvalidKey)

		assert.ErrorIs(t, backend.Delete(ctx, key), ErrInvalidKey)
	}
}

func TestStorageError_Unwrap(t *testing.T) {
	cause := errors.New("disk on fire")
	err := NewErrorWithCause("WriteData", "Failed to write data", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "WriteData", err.Code)
	assert.Contains(t, err.Error(), "disk on fire")
}
