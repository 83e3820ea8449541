package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/score-integrity/internal/domain"
)

// DeadLetters is the PostgreSQL dead letter store
type DeadLetters struct {
	repo *Repository
}

// DeadLetters returns the dead letter store backed by this repository
func (r *Repository) DeadLetters() *DeadLetters {
	return &DeadLetters{repo: r}
}

// Put records a job that exhausted its retries
func (d *DeadLetters) Put(ctx context.Context, dl domain.DeadLetter) error {
	job, err := marshalJSON(dl.Job)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO dead_letters (job_id, score_id, job, reason, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id)
		DO UPDATE SET job = $3, reason = $4, attempts = $5
	`
	_, err = d.repo.pool.Exec(ctx, query, dl.JobID, dl.ScoreID, job, dl.Reason, dl.Attempts, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("storing dead letter: %w", err)
	}
	return nil
}

// List returns unresolved dead letters, oldest first
func (d *DeadLetters) List(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	query := `
		SELECT job_id, score_id, job, reason, attempts, created_at
		FROM dead_letters
		WHERE resolved_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := d.repo.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		var job []byte
		if err := rows.Scan(&dl.JobID, &dl.ScoreID, &job, &dl.Reason, &dl.Attempts, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		if err := json.Unmarshal(job, &dl.Job); err != nil {
			return nil, fmt.Errorf("decoding dead letter job: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Resolve closes every open dead letter of a score
func (d *DeadLetters) Resolve(ctx context.Context, scoreID, resolution string) (bool, error) {
	query := `
		UPDATE dead_letters SET resolved_at = $3, resolution = $2
		WHERE score_id = $1 AND resolved_at IS NULL
	`
	result, err := d.repo.pool.Exec(ctx, query, scoreID, resolution, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("resolving dead letters: %w", err)
	}
	return result.RowsAffected() > 0, nil
}
