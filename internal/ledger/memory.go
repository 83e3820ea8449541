package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/score-integrity/internal/domain"
)

// Memory is an in-process Ledger
type Memory struct {
	mu      sync.RWMutex
	records map[string]*domain.ScoreRecord
	now     func() time.Time
}

// NewMemory creates an empty in-process ledger
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		records: make(map[string]*domain.ScoreRecord),
		now:     now,
	}
}

func (m *Memory) Append(_ context.Context, rec domain.ScoreRecord) (domain.ScoreRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	rec.Status = domain.StatusPending
	rec.ValidationInfo = nil
	rec.ResolvedAt = nil

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ID]; exists {
		return domain.ScoreRecord{}, fmt.Errorf("appending score %s: duplicate id", rec.ID)
	}
	stored := rec
	m.records[rec.ID] = &stored
	return clone(stored), nil
}

func (m *Memory) MarkValid(ctx context.Context, scoreID string, info domain.ValidationInfo) (domain.ScoreRecord, bool, error) {
	info.IsValid = true
	return m.resolve(scoreID, domain.StatusValid, info)
}

func (m *Memory) MarkInvalid(ctx context.Context, scoreID string, info domain.ValidationInfo) (domain.ScoreRecord, bool, error) {
	info.IsValid = false
	return m.resolve(scoreID, domain.StatusInvalid, info)
}

func (m *Memory) resolve(scoreID string, status domain.ValidationStatus, info domain.ValidationInfo) (domain.ScoreRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[scoreID]
	if !ok {
		return domain.ScoreRecord{}, false, domain.ErrScoreNotFound
	}
	if rec.Status.Resolved() {
		return clone(*rec), false, nil
	}

	now := m.now()
	if info.ValidatedAt.IsZero() {
		info.ValidatedAt = now
	}
	rec.Status = status
	rec.ValidationInfo = &info
	rec.ResolvedAt = &now
	return clone(*rec), true, nil
}

func (m *Memory) Get(_ context.Context, scoreID string) (domain.ScoreRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[scoreID]
	if !ok {
		return domain.ScoreRecord{}, domain.ErrScoreNotFound
	}
	return clone(*rec), nil
}

func (m *Memory) Query(_ context.Context, levelID string, since time.Time, limit int) ([]domain.ScoreRecord, error) {
	m.mu.RLock()
	var out []domain.ScoreRecord
	for _, rec := range m.records {
		if rec.LevelID != levelID || !rec.Status.Ranked() || rec.CreatedAt.Before(since) {
			continue
		}
		out = append(out, clone(*rec))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RecentByUser(_ context.Context, userID, levelID string, limit int) ([]domain.ScoreRecord, error) {
	m.mu.RLock()
	var out []domain.ScoreRecord
	for _, rec := range m.records {
		if rec.UserID == nil || *rec.UserID != userID || rec.LevelID != levelID {
			continue
		}
		out = append(out, clone(*rec))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListLevels(_ context.Context) ([]string, error) {
	m.mu.RLock()
	seen := make(map[string]struct{})
	for _, rec := range m.records {
		if rec.Status.Ranked() {
			seen[rec.LevelID] = struct{}{}
		}
	}
	m.mu.RUnlock()

	levels := make([]string, 0, len(seen))
	for id := range seen {
		levels = append(levels, id)
	}
	sort.Strings(levels)
	return levels, nil
}

func clone(rec domain.ScoreRecord) domain.ScoreRecord {
	if rec.ValidationInfo != nil {
		info := *rec.ValidationInfo
		info.Notes = append([]string(nil), info.Notes...)
		rec.ValidationInfo = &info
	}
	if rec.ResolvedAt != nil {
		at := *rec.ResolvedAt
		rec.ResolvedAt = &at
	}
	return rec
}
