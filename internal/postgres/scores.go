package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/score-integrity/internal/domain"
)

const scoreColumns = `id, level_id, game_id, user_id, username, value, duration, meta,
	status, validation_info, created_at, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScore(row rowScanner) (domain.ScoreRecord, error) {
	var rec domain.ScoreRecord
	var meta, info []byte
	err := row.Scan(
		&rec.ID,
		&rec.LevelID,
		&rec.GameID,
		&rec.UserID,
		&rec.Username,
		&rec.Value,
		&rec.Duration,
		&meta,
		&rec.Status,
		&info,
		&rec.CreatedAt,
		&rec.ResolvedAt,
	)
	if err != nil {
		return domain.ScoreRecord{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Meta); err != nil {
			return domain.ScoreRecord{}, fmt.Errorf("decoding meta: %w", err)
		}
	}
	if len(info) > 0 {
		rec.ValidationInfo = &domain.ValidationInfo{}
		if err := json.Unmarshal(info, rec.ValidationInfo); err != nil {
			return domain.ScoreRecord{}, fmt.Errorf("decoding validation info: %w", err)
		}
	}
	return rec, nil
}

func collectScores(rows pgx.Rows) ([]domain.ScoreRecord, error) {
	defer rows.Close()
	var out []domain.ScoreRecord
	for rows.Next() {
		rec, err := scanScore(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning score: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Append inserts a pending score record
func (r *Repository) Append(ctx context.Context, rec domain.ScoreRecord) (domain.ScoreRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Status = domain.StatusPending
	rec.ValidationInfo = nil
	rec.ResolvedAt = nil

	var meta []byte
	if rec.Meta != nil {
		var err error
		if meta, err = marshalJSON(rec.Meta); err != nil {
			return domain.ScoreRecord{}, err
		}
	}

	query := `
		INSERT INTO scores (id, level_id, game_id, user_id, username, value, duration, meta, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.LevelID,
		rec.GameID,
		rec.UserID,
		rec.Username,
		rec.Value,
		rec.Duration,
		meta,
		string(rec.Status),
		rec.CreatedAt,
	)
	if err != nil {
		return domain.ScoreRecord{}, fmt.Errorf("appending score: %w", err)
	}
	return rec, nil
}

// MarkValid resolves a pending record as valid
func (r *Repository) MarkValid(ctx context.Context, scoreID string, info domain.ValidationInfo) (domain.ScoreRecord, bool, error) {
	info.IsValid = true
	return r.resolve(ctx, scoreID, domain.StatusValid, info)
}

// MarkInvalid resolves a pending record as invalid
func (r *Repository) MarkInvalid(ctx context.Context, scoreID string, info domain.ValidationInfo) (domain.ScoreRecord, bool, error) {
	info.IsValid = false
	return r.resolve(ctx, scoreID, domain.StatusInvalid, info)
}

// resolve relies on the status guard in the WHERE clause so concurrent
// resolutions of one row serialize on the row lock and only the first matches.
func (r *Repository) resolve(ctx context.Context, scoreID string, status domain.ValidationStatus, info domain.ValidationInfo) (domain.ScoreRecord, bool, error) {
	now := time.Now().UTC()
	if info.ValidatedAt.IsZero() {
		info.ValidatedAt = now
	}
	infoJSON, err := marshalJSON(info)
	if err != nil {
		return domain.ScoreRecord{}, false, err
	}

	query := `
		UPDATE scores SET status = $2, validation_info = $3, resolved_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + scoreColumns
	rec, err := scanScore(r.pool.QueryRow(ctx, query, scoreID, string(status), infoJSON, now))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.ScoreRecord{}, false, fmt.Errorf("resolving score: %w", err)
	}

	current, err := r.Get(ctx, scoreID)
	if err != nil {
		return domain.ScoreRecord{}, false, err
	}
	return current, false, nil
}

// Get retrieves a score record by id
func (r *Repository) Get(ctx context.Context, scoreID string) (domain.ScoreRecord, error) {
	query := `SELECT ` + scoreColumns + ` FROM scores WHERE id = $1`
	rec, err := scanScore(r.pool.QueryRow(ctx, query, scoreID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ScoreRecord{}, domain.ErrScoreNotFound
		}
		return domain.ScoreRecord{}, fmt.Errorf("getting score: %w", err)
	}
	return rec, nil
}

// Query returns ranked records of a level, best first
func (r *Repository) Query(ctx context.Context, levelID string, since time.Time, limit int) ([]domain.ScoreRecord, error) {
	query := `
		SELECT ` + scoreColumns + `
		FROM scores
		WHERE level_id = $1 AND status IN ('pending', 'valid') AND created_at >= $2
		ORDER BY value DESC, created_at ASC, id ASC
	`
	args := []any{levelID, since}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying scores: %w", err)
	}
	return collectScores(rows)
}

// RecentByUser returns the newest records of a user on a level
func (r *Repository) RecentByUser(ctx context.Context, userID, levelID string, limit int) ([]domain.ScoreRecord, error) {
	query := `
		SELECT ` + scoreColumns + `
		FROM scores
		WHERE user_id = $1 AND level_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, userID, levelID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent scores: %w", err)
	}
	return collectScores(rows)
}

// ListLevels returns the levels that have ranked records
func (r *Repository) ListLevels(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT level_id FROM scores WHERE status IN ('pending', 'valid') ORDER BY level_id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing levels: %w", err)
	}
	defer rows.Close()

	var levels []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning level: %w", err)
		}
		levels = append(levels, id)
	}
	return levels, rows.Err()
}
