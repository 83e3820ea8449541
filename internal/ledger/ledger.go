// Package ledger is the durable record of accepted score submissions and
// their validation outcome.
package ledger

import (
	"context"
	"time"

	"github.com/score-integrity/internal/domain"
)

// Ledger stores score records. Status moves only from pending to valid or
// invalid and the first resolution wins.
type Ledger interface {
	// Append stores rec as pending, assigning an id and createdAt when unset.
	Append(ctx context.Context, rec domain.ScoreRecord) (domain.ScoreRecord, error)

	// MarkValid and MarkInvalid resolve a pending record. The bool reports
	// whether this call performed the transition; a record that is already
	// resolved is returned unchanged with false.
	MarkValid(ctx context.Context, scoreID string, info domain.ValidationInfo) (domain.ScoreRecord, bool, error)
	MarkInvalid(ctx context.Context, scoreID string, info domain.ValidationInfo) (domain.ScoreRecord, bool, error)

	Get(ctx context.Context, scoreID string) (domain.ScoreRecord, error)

	// Query returns ranked (pending or valid) records of a level created at
	// or after since, best first.
	Query(ctx context.Context, levelID string, since time.Time, limit int) ([]domain.ScoreRecord, error)

	// RecentByUser returns the newest records of a user on a level, any status.
	RecentByUser(ctx context.Context, userID, levelID string, limit int) ([]domain.ScoreRecord, error)

	// ListLevels returns the levels that have at least one ranked record.
	ListLevels(ctx context.Context) ([]string, error)
}

// Less orders records best first: higher value, then earlier createdAt, then id
func Less(a, b domain.ScoreRecord) bool {
	if a.Value != b.Value {
		return a.Value > b.Value
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
