package share

import (
	"context"
	"time"
)

// Store defines the interface for share persistence. It is the coordinator's
// single source of truth; the at-most-once download guarantee rests entirely
// on MarkDownloaded being a true compare-and-set.
type Store interface {
	// Insert creates a new share record. It returns ErrCodeTaken when the
	// code is already held by a live record.
	Insert(ctx context.Context, share *Share) error

	// FindByCode looks up a share by its receiver-facing code.
	FindByCode(ctx context.Context, code string) (*Share, error)

	// MarkDownloaded atomically flips downloaded=false to downloaded=true,
	// setting download_count=1 in the same step. It returns true only if the
	// record was active and unexpired as of now; on a lost race or an
	// expired record it returns false and mutates nothing.
	MarkDownloaded(ctx context.Context, id string, now time.Time) (bool, error)

	// Delete removes a share record. Deleting a missing record is a no-op.
	Delete(ctx context.Context, id string) error

	// ListOverdue returns every record that has reached a terminal state:
	// expired as of now, or already downloaded.
	ListOverdue(ctx context.Context, now time.Time) ([]*Share, error)

	// CountActive returns the number of live shares as of now.
	CountActive(ctx context.Context, now time.Time) (int, error)

	Close() error
}
