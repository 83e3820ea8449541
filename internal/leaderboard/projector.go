package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/score-integrity/internal/broadcast"
	"github.com/score-integrity/internal/config"
	"github.com/score-integrity/internal/domain"
	"github.com/score-integrity/internal/metrics"
)

// Projector keeps the boards in step with ledger transitions and publishes
// a delta for every change
type Projector struct {
	board        Board
	broadcaster  broadcast.Broadcaster
	defaultLimit int
	maxLimit     int
	now          func() time.Time
	logger       *slog.Logger
}

// NewProjector creates a projector over board
func NewProjector(board Board, broadcaster broadcast.Broadcaster, cfg *config.LeaderboardConfig, logger *slog.Logger) *Projector {
	return &Projector{
		board:        board,
		broadcaster:  broadcaster,
		defaultLimit: cfg.DefaultLimit,
		maxLimit:     cfg.MaxLimit,
		now:          time.Now,
		logger:       logger,
	}
}

// WithClock replaces the time source, for tests
func (p *Projector) WithClock(now func() time.Time) *Projector {
	p.now = now
	return p
}

// InsertProvisional ranks a freshly accepted record on its all-time board and
// the weekly board of its creation week, returning the all-time rank
func (p *Projector) InsertProvisional(ctx context.Context, rec domain.ScoreRecord) (int64, error) {
	var allTimeRank int64
	for _, key := range domain.BoardKeysFor(rec.LevelID, rec.CreatedAt) {
		entry := domain.EntryFromRecord(rec, key.Period)
		rank, err := p.board.Insert(ctx, key, entry)
		if err != nil {
			return 0, fmt.Errorf("inserting into %s: %w", key, err)
		}
		if key.Period == domain.PeriodAllTime {
			allTimeRank = rank
		}
		entry.Rank = rank
		p.publish(ctx, key, domain.DeltaInserted, entry)
	}
	return allTimeRank, nil
}

// Commit marks the record confirmed on every board holding it
func (p *Projector) Commit(ctx context.Context, scoreID string) error {
	keys, err := p.board.Locate(ctx, scoreID)
	if err != nil {
		return fmt.Errorf("locating score %s: %w", scoreID, err)
	}
	for _, key := range keys {
		entry, changed, err := p.board.Confirm(ctx, key, scoreID)
		if err != nil {
			return fmt.Errorf("confirming on %s: %w", key, err)
		}
		if changed {
			p.publish(ctx, key, domain.DeltaCommitted, entry)
		}
	}
	return nil
}

// Retract removes the record from every board holding it
func (p *Projector) Retract(ctx context.Context, scoreID string) error {
	keys, err := p.board.Locate(ctx, scoreID)
	if err != nil {
		return fmt.Errorf("locating score %s: %w", scoreID, err)
	}
	for _, key := range keys {
		entry, removed, err := p.board.Remove(ctx, key, scoreID)
		if err != nil {
			return fmt.Errorf("removing from %s: %w", key, err)
		}
		if removed {
			p.publish(ctx, key, domain.DeltaRemoved, entry)
		}
	}
	return nil
}

// Top returns the current board for a level and period
func (p *Projector) Top(ctx context.Context, levelID string, period domain.Period, limit int) ([]domain.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = p.defaultLimit
	}
	if limit > p.maxLimit {
		limit = p.maxLimit
	}
	key := domain.CurrentBoardKey(levelID, period, p.now())
	entries, err := p.board.Top(ctx, key, limit)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return entries, nil
}

// Rebuild replaces the current board of a level and period with records,
// which must already be filtered to ranked records of that period. Entries
// created after keepAfter that records does not hold are left in place and
// their ids returned.
func (p *Projector) Rebuild(ctx context.Context, levelID string, period domain.Period, records []domain.ScoreRecord, keepAfter time.Time) ([]string, error) {
	key := domain.CurrentBoardKey(levelID, period, p.now())
	entries := make([]domain.LeaderboardEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, domain.EntryFromRecord(rec, period))
	}
	kept, err := p.board.Replace(ctx, key, entries, keepAfter)
	if err != nil {
		return nil, fmt.Errorf("rebuilding %s: %w", key, err)
	}
	return kept, nil
}

// Now returns the projector's clock reading
func (p *Projector) Now() time.Time {
	return p.now()
}

func (p *Projector) publish(ctx context.Context, key domain.BoardKey, action domain.DeltaAction, entry domain.LeaderboardEntry) {
	// Weekly deltas only matter to subscribers of the running week.
	if key.Period == domain.PeriodWeekly && key.Window != domain.WeekWindow(p.now()) {
		return
	}

	delta := domain.LeaderboardDelta{
		LevelID:   key.LevelID,
		Period:    key.Period,
		Action:    action,
		Updates:   []domain.LeaderboardEntry{entry},
		Timestamp: p.now().UnixMilli(),
	}
	topic := broadcast.LeaderboardTopic(key.LevelID, key.Period)
	if err := p.broadcaster.Publish(ctx, topic, delta); err != nil {
		p.logger.Error("failed to publish leaderboard delta",
			"topic", topic,
			"action", action,
			"score_id", entry.ScoreID,
			"error", err,
		)
		return
	}
	metrics.LeaderboardDeltas.WithLabelValues(string(action)).Inc()
}
