package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/score-integrity/internal/config"
	"github.com/score-integrity/internal/domain"
	"github.com/score-integrity/internal/ledger"
)

// Rebuilder is the part of the leaderboard projector the rebuild worker drives
type Rebuilder interface {
	Rebuild(ctx context.Context, levelID string, period domain.Period, records []domain.ScoreRecord, keepAfter time.Time) ([]string, error)
	Commit(ctx context.Context, scoreID string) error
	Retract(ctx context.Context, scoreID string) error
	Now() time.Time
}

// Entries created this close to a snapshot are kept by the rebuild even when
// the snapshot misses them; the ledger and the board clocks may disagree
// by this much.
const rebuildOverlap = 5 * time.Second

// Pruner drops weekly boards whose window closed before cutoff
type Pruner interface {
	Prune(cutoff time.Time) int
}

// RebuildWorker periodically rebuilds the leaderboards from the ledger
type RebuildWorker struct {
	ledger    ledger.Ledger
	projector Rebuilder
	pruner    Pruner
	config    *config.RebuildConfig
	logger    *slog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewRebuildWorker creates a new rebuild worker. pruner may be nil when
// boards expire on their own.
func NewRebuildWorker(
	l ledger.Ledger,
	projector Rebuilder,
	pruner Pruner,
	cfg *config.RebuildConfig,
	logger *slog.Logger,
) *RebuildWorker {
	return &RebuildWorker{
		ledger:    l,
		projector: projector,
		pruner:    pruner,
		config:    cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs one rebuild and then one per interval
func (w *RebuildWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("rebuild worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background rebuild process
func (w *RebuildWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("rebuild worker stopped")
	return nil
}

// IsRunning returns whether the worker is currently running
func (w *RebuildWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// run is the main worker loop
func (w *RebuildWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	w.RunOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce rebuilds every level with ranked records and prunes stale weekly boards
func (w *RebuildWorker) RunOnce(ctx context.Context) {
	w.logger.Info("starting rebuild cycle")
	startTime := time.Now()

	levelIDs, err := w.ledger.ListLevels(ctx)
	if err != nil {
		w.logger.Error("failed to list levels for rebuild", "error", err)
		return
	}

	rebuiltCount := 0
	errorCount := 0

	for _, levelID := range levelIDs {
		for _, period := range domain.Periods {
			if err := w.RebuildLevel(ctx, levelID, period); err != nil {
				w.logger.Error("failed to rebuild leaderboard",
					"level_id", levelID,
					"period", period,
					"error", err,
				)
				errorCount++
			} else {
				rebuiltCount++
			}
		}
	}

	pruned := 0
	if w.pruner != nil {
		pruned = w.pruner.Prune(domain.WeekStart(w.projector.Now()))
	}

	w.logger.Info("rebuild cycle completed",
		"duration", time.Since(startTime),
		"rebuilt", rebuiltCount,
		"pruned", pruned,
		"errors", errorCount,
	)
}

// RebuildLevel replaces the current board of one level and period with the
// ledger's view. Verdicts reached while the snapshot was being written are
// applied afterwards: a revalidator marks the ledger before it touches the
// board, so re-reading the pending and the kept records closes the gap.
func (w *RebuildWorker) RebuildLevel(ctx context.Context, levelID string, period domain.Period) error {
	snapshotAt := w.projector.Now()
	since := domain.PeriodStart(period, snapshotAt)
	records, err := w.ledger.Query(ctx, levelID, since, w.config.Limit)
	if err != nil {
		return fmt.Errorf("querying ledger: %w", err)
	}
	kept, err := w.projector.Rebuild(ctx, levelID, period, records, snapshotAt.Add(-rebuildOverlap))
	if err != nil {
		return err
	}

	recheck := kept
	for _, rec := range records {
		if rec.Status == domain.StatusPending {
			recheck = append(recheck, rec.ID)
		}
	}
	reconciled, err := w.reconcile(ctx, recheck)
	if err != nil {
		return err
	}

	w.logger.Debug("rebuilt leaderboard",
		"level_id", levelID,
		"period", period,
		"records", len(records),
		"kept", len(kept),
		"reconciled", reconciled,
	)
	return nil
}

// reconcile re-reads scoreIDs from the ledger and applies any verdict the
// board does not reflect yet. Entries the ledger does not know are dropped.
func (w *RebuildWorker) reconcile(ctx context.Context, scoreIDs []string) (int, error) {
	reconciled := 0
	for _, id := range scoreIDs {
		rec, err := w.ledger.Get(ctx, id)
		switch {
		case errors.Is(err, domain.ErrScoreNotFound):
			err = w.projector.Retract(ctx, id)
		case err != nil:
			return reconciled, fmt.Errorf("reading score %s: %w", id, err)
		case rec.Status == domain.StatusInvalid:
			err = w.projector.Retract(ctx, id)
		case rec.Status == domain.StatusValid:
			err = w.projector.Commit(ctx, id)
		default:
			continue
		}
		if err != nil {
			return reconciled, err
		}
		reconciled++
	}
	return reconciled, nil
}
