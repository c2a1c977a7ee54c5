package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/dropcode/dropcode/internal/share"
	"github.com/dropcode/dropcode/internal/storage"
	"github.com/sirupsen/logrus"
)

// Worker is the cleanup sweep that physically deletes terminal shares:
// expired records and records whose single download already happened but
// whose inline cleanup failed. It is what bounds storage lifetime when a
// client never completes a download.
type Worker struct {
	store    share.Store
	backend  storage.Backend
	ticker   *time.Ticker
	stopChan chan struct{}
	now      func() time.Time
	metrics  Recorder
}

// Recorder receives reap counts; satisfied by the metrics manager
type Recorder interface {
	ReapedInc(reason string)
}

// NewWorker creates a new reaper worker
func NewWorker(store share.Store, backend storage.Backend) *Worker {
	return &Worker{
		store:    store,
		backend:  backend,
		stopChan: make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics attaches a reap counter recorder
func (w *Worker) SetMetrics(m Recorder) {
	w.metrics = m
}

// Start begins the reaper loop. A first sweep runs immediately so overdue
// shares left over from a previous process are removed at startup.
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	w.ticker = time.NewTicker(interval)

	logrus.WithField("interval", interval).Info("Reaper started")

	go w.Sweep(ctx)

	go func() {
		for {
			select {
			case <-w.ticker.C:
				w.Sweep(ctx)
			case <-w.stopChan:
				w.ticker.Stop()
				logrus.Info("Reaper stopped")
				return
			case <-ctx.Done():
				w.ticker.Stop()
				logrus.Info("Reaper stopped due to context cancellation")
				return
			}
		}
	}()
}

// Stop stops the reaper
func (w *Worker) Stop() {
	close(w.stopChan)
}

// Sweep runs a single cleanup pass. Every error is logged and skipped; the
// record stays overdue and the next pass retries it. Deleting a blob or
// record that is already gone is a no-op, which makes the sweep safe to run
// concurrently with itself and with in-flight downloads.
func (w *Worker) Sweep(ctx context.Context) {
	now := w.now()

	overdue, err := w.store.ListOverdue(ctx, now)
	if err != nil {
		logrus.WithError(err).Error("Failed to list overdue shares")
		return
	}

	if len(overdue) == 0 {
		logrus.Debug("No overdue shares to reap")
		return
	}

	reaped := 0
	for _, s := range overdue {
		reason := "expired"
		if s.Downloaded {
			reason = "downloaded"
		}

		if err := w.backend.Delete(ctx, s.StorageKey); err != nil && !errors.Is(err, storage.ErrBlobNotFound) {
			logrus.WithError(err).WithFields(logrus.Fields{
				"id":   s.ID,
				"code": s.Code,
			}).Warn("Failed to delete blob, will retry next pass")
			continue
		}

		if err := w.store.Delete(ctx, s.ID); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"id":   s.ID,
				"code": s.Code,
			}).Warn("Failed to delete share record, will retry next pass")
			continue
		}

		reaped++
		if w.metrics != nil {
			w.metrics.ReapedInc(reason)
		}
		logrus.WithFields(logrus.Fields{
			"id":     s.ID,
			"code":   s.Code,
			"reason": reason,
		}).Debug("Share reaped")
	}

	logrus.WithFields(logrus.Fields{
		"overdue": len(overdue),
		"reaped":  reaped,
	}).Info("Reaper pass completed")
}
