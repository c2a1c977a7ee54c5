package share

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore implements Store interface using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(db *sql.DB) (Store, error) {
	// SQLite allows a single writer; one pooled connection keeps racing
	// MarkDownloaded calls queued instead of failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		return nil, err
	}
	return store, nil
}

// initialize creates the shares table.
//
// The UNIQUE constraint on code is what makes the generate-insert-retry loop
// in the manager collision-free: terminal records are physically removed by
// the reaper or the download path, so a live row per code is exactly the
// "one active share per code" invariant.
func (s *SQLiteStore) initialize() error {
	schema := `
	PRAGMA journal_mode = WAL;
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS shares (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		filename TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		file_type TEXT NOT NULL,
		storage_key TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		downloaded INTEGER NOT NULL DEFAULT 0,
		download_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_shares_expires_at ON shares(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Insert creates a new share record
func (s *SQLiteStore) Insert(ctx context.Context, share *Share) error {
	query := `
		INSERT INTO shares (id, code, filename, file_size, file_type, storage_key, created_at, expires_at, downloaded, download_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		share.ID,
		share.Code,
		share.Filename,
		share.FileSize,
		share.FileType,
		share.StorageKey,
		share.CreatedAt.Unix(),
		share.ExpiresAt.Unix(),
		boolToInt(share.Downloaded),
		share.DownloadCount,
	)
	if err != nil {
		// modernc.org/sqlite surfaces constraint violations as plain errors
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrCodeTaken
		}
		return fmt.Errorf("failed to insert share: %w", err)
	}

	return nil
}

// FindByCode retrieves a share by its code
func (s *SQLiteStore) FindByCode(ctx context.Context, code string) (*Share, error) {
	query := `
		SELECT id, code, filename, file_size, file_type, storage_key, created_at, expires_at, downloaded, download_count
		FROM shares
		WHERE code = ?
	`

	row := s.db.QueryRowContext(ctx, query, code)
	return s.scanShare(row)
}

// MarkDownloaded performs the atomic compare-and-set that guards the
// at-most-once download. The WHERE clause re-checks both the downloaded flag
// and expiry inside the same statement, so two racing callers can never both
// see a row flip.
func (s *SQLiteStore) MarkDownloaded(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE shares
		SET downloaded = 1, download_count = 1
		WHERE id = ? AND downloaded = 0 AND expires_at > ?
	`

	result, err := s.db.ExecContext(ctx, query, id, now.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to mark share downloaded: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}

// Delete removes a share record. A missing record is a no-op so the reaper
// and the download path can both clean up the same share.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM shares WHERE id = ?`, id)
	return err
}

// ListOverdue returns all records in a terminal-but-undeleted state
func (s *SQLiteStore) ListOverdue(ctx context.Context, now time.Time) ([]*Share, error) {
	query := `
		SELECT id, code, filename, file_size, file_type, storage_key, created_at, expires_at, downloaded, download_count
		FROM shares
		WHERE expires_at <= ? OR downloaded = 1
	`

	rows, err := s.db.QueryContext(ctx, query, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shares []*Share
	for rows.Next() {
		share, err := s.scanShare(rows)
		if err != nil {
			return nil, err
		}
		shares = append(shares, share)
	}

	return shares, rows.Err()
}

// CountActive returns the number of live shares
func (s *SQLiteStore) CountActive(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM shares WHERE downloaded = 0 AND expires_at > ?`,
		now.Unix(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active shares: %w", err)
	}
	return count, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanShare scans a share from a database row
func (s *SQLiteStore) scanShare(scanner interface {
	Scan(dest ...interface{}) error
}) (*Share, error) {
	var share Share
	var createdAt, expiresAt int64
	var downloaded int

	err := scanner.Scan(
		&share.ID,
		&share.Code,
		&share.Filename,
		&share.FileSize,
		&share.FileType,
		&share.StorageKey,
		&createdAt,
		&expiresAt,
		&downloaded,
		&share.DownloadCount,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrShareNotFound
		}
		return nil, fmt.Errorf("failed to scan share: %w", err)
	}

	share.CreatedAt = time.Unix(createdAt, 0).UTC()
	share.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	share.Downloaded = downloaded == 1

	return &share, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
