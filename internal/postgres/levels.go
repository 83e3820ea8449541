package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/score-integrity/internal/domain"
)

// LevelLimits loads a level's limits, falling back to its game's time limit
func (r *Repository) LevelLimits(ctx context.Context, levelID string) (domain.LevelLimits, error) {
	query := `
		SELECT l.id, l.game_id, l.max_score, COALESCE(l.time_limit_seconds, g.time_limit_seconds)
		FROM levels l
		JOIN games g ON g.id = l.game_id
		WHERE l.id = $1
	`
	var limits domain.LevelLimits
	var seconds float64
	err := r.pool.QueryRow(ctx, query, levelID).Scan(
		&limits.LevelID,
		&limits.GameID,
		&limits.MaxScore,
		&seconds,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LevelLimits{}, domain.ErrLevelNotFound
		}
		return domain.LevelLimits{}, fmt.Errorf("getting level limits: %w", err)
	}
	limits.TimeLimit = time.Duration(seconds * float64(time.Second))
	return limits, nil
}

// SeedLevels upserts levels and their games in one batch
func (r *Repository) SeedLevels(ctx context.Context, levels []domain.LevelLimits) error {
	if len(levels) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	gameQuery := `
		INSERT INTO games (id, time_limit_seconds) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`
	levelQuery := `
		INSERT INTO levels (id, game_id, max_score, time_limit_seconds)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id)
		DO UPDATE SET game_id = $2, max_score = $3, time_limit_seconds = $4
	`
	for _, l := range levels {
		seconds := l.TimeLimit.Seconds()
		batch.Queue(gameQuery, l.GameID, seconds)
		batch.Queue(levelQuery, l.LevelID, l.GameID, l.MaxScore, seconds)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("seeding levels: %w", err)
		}
	}
	r.logger.Info("levels seeded", "count", len(levels))
	return nil
}
