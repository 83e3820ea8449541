package domain

import (
	"fmt"
	"time"
)

// Period represents the time window a leaderboard covers
type Period string

const (
	PeriodAllTime Period = "alltime"
	PeriodWeekly  Period = "weekly"
)

// Periods lists every period a record is projected into
var Periods = []Period{PeriodAllTime, PeriodWeekly}

// ParsePeriod validates a period string; empty defaults to all-time
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case "", PeriodAllTime:
		return PeriodAllTime, nil
	case PeriodWeekly:
		return PeriodWeekly, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
}

// WeekWindow returns the ISO week label (UTC) that t falls into, e.g. "2026-W42"
func WeekWindow(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// WeekStart returns midnight UTC of the Monday starting t's ISO week
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -offset)
}

// PeriodStart returns the earliest createdAt that counts towards period at now
func PeriodStart(period Period, now time.Time) time.Time {
	if period == PeriodWeekly {
		return WeekStart(now)
	}
	return time.Time{}
}

// BoardKey identifies one ranked view: a level, a period and, for weekly boards, the week
type BoardKey struct {
	LevelID string `json:"levelId"`
	Period  Period `json:"period"`
	Window  string `json:"window,omitempty"`
}

// BoardKeysFor returns every board a record created at createdAt belongs to
func BoardKeysFor(levelID string, createdAt time.Time) []BoardKey {
	return []BoardKey{
		{LevelID: levelID, Period: PeriodAllTime},
		{LevelID: levelID, Period: PeriodWeekly, Window: WeekWindow(createdAt)},
	}
}

// CurrentBoardKey returns the board that answers queries for period at now
func CurrentBoardKey(levelID string, period Period, now time.Time) BoardKey {
	if period == PeriodWeekly {
		return BoardKey{LevelID: levelID, Period: PeriodWeekly, Window: WeekWindow(now)}
	}
	return BoardKey{LevelID: levelID, Period: PeriodAllTime}
}

func (k BoardKey) String() string {
	if k.Window == "" {
		return fmt.Sprintf("%s:%s", k.LevelID, k.Period)
	}
	return fmt.Sprintf("%s:%s:%s", k.LevelID, k.Period, k.Window)
}

// LeaderboardEntry represents a single entry in the leaderboard
type LeaderboardEntry struct {
	LevelID     string    `json:"levelId"`
	Period      Period    `json:"period"`
	UserID      string    `json:"userId,omitempty"`
	Username    string    `json:"username"`
	Value       int64     `json:"value"`
	ScoreID     string    `json:"scoreId"`
	Rank        int64     `json:"rank"`
	Provisional bool      `json:"provisional"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Better reports whether e ranks ahead of o: higher value first, then earlier createdAt
func (e LeaderboardEntry) Better(o LeaderboardEntry) bool {
	if e.Value != o.Value {
		return e.Value > o.Value
	}
	if !e.CreatedAt.Equal(o.CreatedAt) {
		return e.CreatedAt.Before(o.CreatedAt)
	}
	return e.ScoreID < o.ScoreID
}

// EntryFromRecord builds the leaderboard view of a ledger record
func EntryFromRecord(rec ScoreRecord, period Period) LeaderboardEntry {
	entry := LeaderboardEntry{
		LevelID:     rec.LevelID,
		Period:      period,
		Username:    rec.Username,
		Value:       rec.Value,
		ScoreID:     rec.ID,
		Provisional: rec.Status != StatusValid,
		CreatedAt:   rec.CreatedAt,
	}
	if rec.UserID != nil {
		entry.UserID = *rec.UserID
	}
	if entry.Username == "" {
		entry.Username = GuestUsername
	}
	return entry
}

// DeltaAction describes what happened to the entries carried by a delta
type DeltaAction string

const (
	DeltaInserted  DeltaAction = "inserted"
	DeltaCommitted DeltaAction = "committed"
	DeltaRemoved   DeltaAction = "removed"
)

// LeaderboardDelta is broadcast on every insert, commit and retract.
// Consumers reconcile by scoreId; no ordering across records is promised.
type LeaderboardDelta struct {
	LevelID   string             `json:"levelId"`
	Period    Period             `json:"period"`
	Action    DeltaAction        `json:"action"`
	Updates   []LeaderboardEntry `json:"updates"`
	Timestamp int64              `json:"timestamp"`
}
