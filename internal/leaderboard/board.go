// Package leaderboard maintains ranked per-level boards projected from the
// score ledger.
package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/score-integrity/internal/domain"
)

// Board stores ranked entries per BoardKey. Ranks are 1-based and follow
// domain.LeaderboardEntry.Better.
type Board interface {
	// Insert adds or replaces the entry with the same scoreId and returns its rank.
	Insert(ctx context.Context, key domain.BoardKey, entry domain.LeaderboardEntry) (int64, error)

	// Confirm clears the provisional flag. The bool is false when the entry is
	// absent or already confirmed.
	Confirm(ctx context.Context, key domain.BoardKey, scoreID string) (domain.LeaderboardEntry, bool, error)

	// Remove deletes the entry. The bool is false when it was absent.
	Remove(ctx context.Context, key domain.BoardKey, scoreID string) (domain.LeaderboardEntry, bool, error)

	// Rank returns domain.ErrEntryNotFound when the entry is absent.
	Rank(ctx context.Context, key domain.BoardKey, scoreID string) (int64, error)

	// Top returns the best limit entries with Rank set.
	Top(ctx context.Context, key domain.BoardKey, limit int) ([]domain.LeaderboardEntry, error)

	// Locate returns every board currently holding scoreID.
	Locate(ctx context.Context, scoreID string) ([]domain.BoardKey, error)

	// Replace swaps the contents of a board for entries. Entries already on
	// the board created after keepAfter survive unless entries holds the
	// same scoreId, so inserts racing a rebuild are not lost; their ids are
	// returned.
	Replace(ctx context.Context, key domain.BoardKey, entries []domain.LeaderboardEntry, keepAfter time.Time) ([]string, error)
}

// weekEnd returns the instant a weekly window such as "2026-W42" closes
func weekEnd(window string) (time.Time, error) {
	var year, week int
	if _, err := fmt.Sscanf(window, "%d-W%d", &year, &week); err != nil {
		return time.Time{}, fmt.Errorf("parsing week window %q: %w", window, err)
	}
	// January 4th always falls in ISO week 1.
	firstWeek := domain.WeekStart(time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC))
	return firstWeek.AddDate(0, 0, 7*week), nil
}
