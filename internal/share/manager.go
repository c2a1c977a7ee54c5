package share

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/dropcode/dropcode/internal/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	qrcode "github.com/skip2/go-qrcode"
	_ "modernc.org/sqlite"
)

// Manager coordinates share creation, lookup and one-time download.
//
// State machine per share: Active -> {Downloaded, Expired} -> Deleted.
// Downloaded and Expired are reached from Active only; physical deletion is
// performed inline by CompleteDownload and backstopped by the reaper.
type Manager interface {
	// CreateShare stores the file bytes, allocates a unique code and inserts
	// an active record expiring TTL from now.
	CreateShare(ctx context.Context, filename, fileType string, data io.Reader) (*Share, error)

	// Resolve classifies a code without mutating anything. It returns the
	// share when active, or ErrInvalidCode, ErrShareNotFound,
	// ErrAlreadyDownloaded or ErrShareExpired.
	Resolve(ctx context.Context, code string) (*Share, error)

	// CompleteDownload atomically consumes the share and returns its bytes.
	// Exactly one of N concurrent calls for the same code succeeds; the rest
	// get ErrAlreadyDownloaded. Closing the returned reader triggers
	// best-effort deletion of the blob and the record.
	CompleteDownload(ctx context.Context, code string) (io.ReadCloser, *Share, error)

	// QRCode renders a PNG QR code for an active share's retrieval link.
	QRCode(ctx context.Context, code string, size int) ([]byte, error)

	Close() error
}

// Options configures a share manager
type Options struct {
	TTL         time.Duration
	CodeLength  int
	CodeRetries int
	MaxFileSize int64  // bytes, 0 = unlimited
	PublicURL   string // base URL embedded in QR codes; empty = raw code
}

// ShareManager implements Manager interface
type ShareManager struct {
	store   Store
	backend storage.Backend
	codes   *CodeGenerator
	opts    Options
	now     func() time.Time
}

// NewManager creates a new share manager
func NewManager(store Store, backend storage.Backend, opts Options) *ShareManager {
	return &ShareManager{
		store:   store,
		backend: backend,
		codes:   NewCodeGenerator(opts.CodeLength),
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NewManagerWithDB creates a new share manager backed by SQLite
func NewManagerWithDB(dataDir string, backend storage.Backend, opts Options) (*ShareManager, error) {
	dbPath := filepath.Join(dataDir, "dropcode.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := NewSQLiteStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create share store: %w", err)
	}

	return NewManager(store, backend, opts), nil
}

// Store exposes the record store for collaborators (the reaper)
func (m *ShareManager) Store() Store {
	return m.store
}

// CreateShare creates a new one-time share for the given file
func (m *ShareManager) CreateShare(ctx context.Context, filename, fileType string, data io.Reader) (*Share, error) {
	if filename == "" {
		return nil, fmt.Errorf("%w: filename is required", ErrInvalidInput)
	}
	if fileType == "" {
		fileType = "application/octet-stream"
	}

	id := uuid.NewString()
	storageKey := "uploads/" + id

	reader := data
	if m.opts.MaxFileSize > 0 {
		// Read one byte past the limit so an oversize upload is detected
		// before a record is ever created
		reader = io.LimitReader(data, m.opts.MaxFileSize+1)
	}

	size, err := m.backend.Put(ctx, storageKey, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}

	if m.opts.MaxFileSize > 0 && size > m.opts.MaxFileSize {
		m.discardBlob(storageKey)
		return nil, ErrFileTooLarge
	}

	now := m.now()
	share := &Share{
		ID:         id,
		Filename:   filename,
		FileSize:   size,
		FileType:   fileType,
		StorageKey: storageKey,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.opts.TTL),
	}

	// Allocate a unique code. The store's UNIQUE constraint is the authority;
	// on collision generate a fresh code and retry a bounded number of times.
	inserted := false
	for attempt := 0; attempt < m.opts.CodeRetries; attempt++ {
		code, err := m.codes.Generate()
		if err != nil {
			m.discardBlob(storageKey)
			return nil, err
		}

		share.Code = code
		err = m.store.Insert(ctx, share)
		if err == nil {
			inserted = true
			break
		}
		if err != ErrCodeTaken {
			m.discardBlob(storageKey)
			return nil, err
		}

		logrus.WithField("attempt", attempt+1).Debug("Share code collision, retrying")
	}

	if !inserted {
		m.discardBlob(storageKey)
		return nil, ErrCodeSpaceExhausted
	}

	logrus.WithFields(logrus.Fields{
		"id":         share.ID,
		"code":       share.Code,
		"filename":   share.Filename,
		"size":       share.FileSize,
		"expires_at": share.ExpiresAt,
	}).Info("Share created")

	return share, nil
}

// Resolve classifies a code. It is idempotent and side-effect-free so a
// receiver can resolve repeatedly before committing to the download.
func (m *ShareManager) Resolve(ctx context.Context, code string) (*Share, error) {
	if err := m.codes.ValidateCode(code); err != nil {
		return nil, err
	}

	share, err := m.store.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if share.Downloaded {
		return nil, ErrAlreadyDownloaded
	}
	if share.IsExpired(m.now()) {
		return nil, ErrShareExpired
	}

	return share, nil
}

// CompleteDownload consumes the share and returns its bytes. The downloaded
// flag is set before the blob fetch is attempted, so a fetch failure still
// consumes the share; that is the single-use contract, not a bug.
func (m *ShareManager) CompleteDownload(ctx context.Context, code string) (io.ReadCloser, *Share, error) {
	if err := m.codes.ValidateCode(code); err != nil {
		return nil, nil, err
	}

	share, err := m.store.FindByCode(ctx, code)
	if err != nil {
		return nil, nil, err
	}

	now := m.now()
	if share.Downloaded {
		return nil, nil, ErrAlreadyDownloaded
	}
	if share.IsExpired(now) {
		return nil, nil, ErrShareExpired
	}

	// The compare-and-set closes the race window between the checks above
	// and the fetch below: of N concurrent callers exactly one wins here.
	won, err := m.store.MarkDownloaded(ctx, share.ID, now)
	if err != nil {
		return nil, nil, err
	}
	if !won {
		return nil, nil, ErrAlreadyDownloaded
	}

	share.Downloaded = true
	share.DownloadCount = 1

	blob, err := m.backend.Get(ctx, share.StorageKey)
	if err != nil {
		// The share is consumed either way; clean up immediately and let the
		// caller see the storage failure.
		m.cleanupShare(share)
		return nil, nil, fmt.Errorf("failed to fetch file for share %s: %w", share.ID, err)
	}

	logrus.WithFields(logrus.Fields{
		"id":       share.ID,
		"code":     share.Code,
		"filename": share.Filename,
	}).Info("Share download started")

	// Deletion is deferred until the caller closes the stream so the bytes
	// are delivered before the blob disappears. The reaper covers the case
	// where Close never happens.
	return &consumedBlob{
		ReadCloser: blob,
		cleanup:    func() { m.cleanupShare(share) },
	}, share, nil
}

// QRCode renders the retrieval link for an active share as a PNG
func (m *ShareManager) QRCode(ctx context.Context, code string, size int) ([]byte, error) {
	if _, err := m.Resolve(ctx, code); err != nil {
		return nil, err
	}

	content := code
	if m.opts.PublicURL != "" {
		content = fmt.Sprintf("%s/receive?code=%s", m.opts.PublicURL, code)
	}

	png, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}

	return png, nil
}

// Close closes the record store
func (m *ShareManager) Close() error {
	return m.store.Close()
}

// cleanupShare removes the blob and the record after a download. Failures
// are logged, not surfaced: the record stays overdue and the reaper picks it
// up on its next pass.
func (m *ShareManager) cleanupShare(share *Share) {
	ctx := context.Background()

	if err := m.backend.Delete(ctx, share.StorageKey); err != nil {
		logrus.WithError(err).WithField("id", share.ID).Warn("Failed to delete blob after download, leaving to reaper")
		return
	}

	if err := m.store.Delete(ctx, share.ID); err != nil {
		logrus.WithError(err).WithField("id", share.ID).Warn("Failed to delete share record after download, leaving to reaper")
		return
	}

	logrus.WithFields(logrus.Fields{
		"id":   share.ID,
		"code": share.Code,
	}).Info("Share consumed and deleted")
}

// discardBlob removes a blob written for a share that was never recorded
func (m *ShareManager) discardBlob(key string) {
	if err := m.backend.Delete(context.Background(), key); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Failed to discard orphaned blob")
	}
}

// consumedBlob deletes the share's blob and record once the receiver has
// finished reading
type consumedBlob struct {
	io.ReadCloser
	cleanup func()
	once    sync.Once
}

func (c *consumedBlob) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cleanup)
	return err
}
