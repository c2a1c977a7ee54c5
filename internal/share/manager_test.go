package share

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dropcode/dropcode/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestManager(t *testing.T, opts Options) (*ShareManager, storage.Backend, string) {
	t.Helper()

	blobRoot := filepath.Join(t.TempDir(), "blobs")
	backend, err := storage.NewFilesystemBackend(storage.Config{Root: blobRoot})
	require.NoError(t, err)

	store := setupTestStore(t)

	if opts.TTL == 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.CodeLength == 0 {
		opts.CodeLength = 6
	}
	if opts.CodeRetries == 0 {
		opts.CodeRetries = 5
	}

	return NewManager(store, backend, opts), backend, blobRoot
}

func countBlobFiles(t *testing.T, root string) int {
	t.Helper()

	count := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			count++
		}
		return nil
	})
	require.NoError(t, err)
	return count
}

func TestCreateShare(t *testing.T) {
	manager, backend, _ := setupTestManager(t, Options{})
	ctx := context.Background()

	content := []byte("hello dropcode")
	created, err := manager.CreateShare(ctx, "notes.txt", "text/plain", bytes.NewReader(content))
	require.NoError(t, err)

	assert.Len(t, created.Code, 6)
	for _, c := range created.Code {
		assert.True(t, c >= '0' && c <= '9')
	}
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "notes.txt", created.Filename)
	assert.Equal(t, int64(len(content)), created.FileSize)
	assert.Equal(t, "text/plain", created.FileType)
	assert.Equal(t, created.CreatedAt.Add(10*time.Minute), created.ExpiresAt)
	assert.False(t, created.Downloaded)

	exists, err := backend.Exists(ctx, created.StorageKey)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCreateShare_DefaultContentType(t *testing.T) {
	manager, _, _ := setupTestManager(t, Options{})

	created, err := manager.CreateShare(context.Background(), "blob.bin", "", strings.NewReader("data"))
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", created.FileType)
}

func TestCreateShare_MissingFilename(t *testing.T) {
	manager, _, _ := setupTestManager(t, Options{})

	_, err := manager.CreateShare(context.Background(), "", "text/plain", strings.NewReader("data"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateShare_FileTooLarge(t *testing.T) {
	manager, _, blobRoot := setupTestManager(t, Options{MaxFileSize: 10})

	_, err := manager.CreateShare(context.Background(), "big.bin", "application/octet-stream", strings.NewReader("this is more than ten bytes"))
	assert.ErrorIs(t, err, ErrFileTooLarge)

	// The oversize blob must not be left behind
	assert.Equal(t, 0, countBlobFiles(t, blobRoot))
}

func TestResolve(t *testing.T) {
	manager, _, _ := setupTestManager(t, Options{})
	ctx := context.Background()

	created, err := manager.CreateShare(ctx, "photo.jpg", "image/jpeg", strings.NewReader("jpegdata"))
	require.NoError(t, err)

	resolved, err := manager.Resolve(ctx, created.Code)
	require.NoError(t, err)
	assert.Equal(t, created.ID, resolved.ID)
	assert.Equal(t, "photo.jpg", resolved.Filename)
	// Timestamps are persisted at second precision
	assert.Equal(t, created.ExpiresAt.Unix(), resolved.ExpiresAt.Unix())

	// Resolve is idempotent; nothing was consumed
	resolved, err = manager.Resolve(ctx, created.Code)
	require.NoError(t, err)
	assert.False(t, resolved.Downloaded)
}

func TestResolve_InvalidCode(t *testing.T) {
	manager, _, _ := setupTestManager(t, Options{})
	ctx := context.Background()

	_, err := manager.Resolve(ctx, "12345")
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = manager.Resolve(ctx, "abcdef")
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestResolve_NotFound(t *testing.T) {
	manager, _, _ := setupTestManager(t, Options{})

	_, err := manager.Resolve(context.Background(), "012345")
	assert.ErrorIs(t, err, ErrShareNotFound)
}

func TestResolve_Expired(t *testing.T) {
	manager, _, _ := setupTestManager(t, Options{})
	ctx := context.Background()

	start := time.Now().UTC()
	manager.now = func() time.Time { return start }

	created, err := manager.CreateShare(ctx, "late.txt", "text/plain", strings.NewReader("too slow"))
	require.NoError(t, err)

	// One second past expiry; no reaper involvement needed
	manager.now = func() time.Time { return start.Add(10*time.Minute + time.Second) }

	_, err = manager.Resolve(ctx, created.Code)
	assert.ErrorIs(t, err, ErrShareExpired)
}

func TestCompleteDownload(t *testing.T) {
	manager, backend, _ := setupTestManager(t, Options{})
	ctx := context.Background()

	content := []byte("one-shot payload")
	created, err := manager.CreateShare(ctx, "payload.bin", "application/octet-stream", bytes.NewReader(content))
	require.NoError(t, err)

	blob, downloaded, err := manager.CompleteDownload(ctx, created.Code)
	require.NoError(t, err)
	assert.True(t, downloaded.Downloaded)
	assert.Equal(t, 1, downloaded.DownloadCount)

	got, err := io.ReadAll(blob)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	require.NoError(t, blob.Close())

	// Record and blob are both gone after the stream is closed
	_, err = manager.Resolve(ctx, created.Code)
	assert.ErrorIs(t, err, ErrShareNotFound)

	exists, err := backend.Exists(ctx, created.StorageKey)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCompleteDownload_SecondAttempt(t *testing.T) {
	manager, _, _ := setupTestManager(t, Options{})
	ctx := context.Background()

	created, err := manager.CreateShare(ctx, "once.txt", "text/plain", strings.NewReader("only once"))
	require.NoError(t, err)

	blob, _, err := manager.CompleteDownload(ctx, created.Code)
	require.NoError(t, err)

	// Before cleanup the record still exists and classifies as downloaded
	_, _, err = manager.CompleteDownload(ctx, created.Code)
	assert.ErrorIs(t, err, ErrAlreadyDownloaded)

	_, err = manager.Resolve(ctx, created.Code)
	assert.ErrorIs(t, err, ErrAlreadyDownloaded)

	require.NoError(t, blob.Close())
}

func TestCompleteDownload_Expired(t *testing.T) {
	manager, _, _ := setupTestManager(t, Options{})
	ctx := context.Background()

	start := time.Now().UTC()
	manager.now = func() time.Time { return start }

	created, err := manager.CreateShare(ctx, "old.txt", "text/plain", strings.NewReader("stale"))
	require.NoError(t, err)

	manager.now = func() time.Time { return start.Add(11 * time.Minute) }

	_, _, err = manager.CompleteDownload(ctx, created.Code)
	assert.ErrorIs(t, err, ErrShareExpired)
}

func TestCompleteDownload_Concurrent(t *testing.T) {
	manager, backend, _ := setupTestManager(t, Options{})
	ctx := context.Background()

	content := []byte("contested payload")
	created, err := manager.CreateShare(ctx, "contested.bin", "application/octet-stream", bytes.NewReader(content))
	require.NoError(t, err)

	const attempts = 20

	type result struct {
		blob io.ReadCloser
		err  error
	}

	results := make([]result, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			blob, _, err := manager.CompleteDownload(ctx, created.Code)
			results[i] = result{blob: blob, err: err}
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, r := range results {
		if r.err == nil {
			winners++
			got, err := io.ReadAll(r.blob)
			require.NoError(t, err)
			assert.Equal(t, content, got)
			require.NoError(t, r.blob.Close())
		} else {
			assert.ErrorIs(t, r.err, ErrAlreadyDownloaded)
		}
	}

	assert.Equal(t, 1, winners, "exactly one concurrent download may win")

	exists, err := backend.Exists(ctx, created.StorageKey)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCompleteDownload_StorageFailureStillConsumes(t *testing.T) {
	manager, backend, _ := setupTestManager(t, Options{})
	ctx := context.Background()

	created, err := manager.CreateShare(ctx, "doomed.txt", "text/plain", strings.NewReader("lost"))
	require.NoError(t, err)

	// Simulate a blob store failure by removing the blob out-of-band
	require.NoError(t, backend.Delete(ctx, created.StorageKey))

	_, _, err = manager.CompleteDownload(ctx, created.Code)
	require.Error(t, err)

	// The share is consumed even though delivery failed; retrying the same
	// code must not succeed
	_, _, err = manager.CompleteDownload(ctx, created.Code)
	assert.Error(t, err)
}

func TestQRCode(t *testing.T) {
	manager, _, _ := setupTestManager(t, Options{PublicURL: "http://localhost:8080"})
	ctx := context.Background()

	created, err := manager.CreateShare(ctx, "qr.txt", "text/plain", strings.NewReader("scan me"))
	require.NoError(t, err)

	png, err := manager.QRCode(ctx, created.Code, 256)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")), "expected PNG magic bytes")
}

func TestQRCode_UnknownCode(t *testing.T) {
	manager, _, _ := setupTestManager(t, Options{})

	_, err := manager.QRCode(context.Background(), "013579", 256)
	assert.ErrorIs(t, err, ErrShareNotFound)
}

func TestShareLifecycleScenario(t *testing.T) {
	manager, _, _ := setupTestManager(t, Options{})
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Second)
	clock := start
	manager.now = func() time.Time { return clock }

	// t=0: create
	created, err := manager.CreateShare(ctx, "ten-bytes.bin", "application/octet-stream", strings.NewReader("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, start.Add(10*time.Minute), created.ExpiresAt)

	// t=5: resolve -> found
	clock = start.Add(5 * time.Second)
	resolved, err := manager.Resolve(ctx, created.Code)
	require.NoError(t, err)
	assert.Equal(t, int64(10), resolved.FileSize)

	// t=6: download succeeds
	clock = start.Add(6 * time.Second)
	blob, downloaded, err := manager.CompleteDownload(ctx, created.Code)
	require.NoError(t, err)
	assert.True(t, downloaded.Downloaded)
	got, err := io.ReadAll(blob)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))
	require.NoError(t, blob.Close())

	// t=7: second attempt fails; record already physically removed
	clock = start.Add(7 * time.Second)
	_, _, err = manager.CompleteDownload(ctx, created.Code)
	assert.Error(t, err)
}

func TestShare_IsExpired(t *testing.T) {
	now := time.Now().UTC()

	s := &Share{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, s.IsExpired(now))

	s = &Share{ExpiresAt: now.Add(-time.Minute)}
	assert.True(t, s.IsExpired(now))

	// Expiry boundary is inclusive: now >= expiresAt means expired
	s = &Share{ExpiresAt: now}
	assert.True(t, s.IsExpired(now))
}
