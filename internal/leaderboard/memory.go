package leaderboard

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/score-integrity/internal/domain"
)

const btreeDegree = 32

type memoryBoard struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[domain.LeaderboardEntry]
	byID map[string]domain.LeaderboardEntry
}

func newMemoryBoard() *memoryBoard {
	return &memoryBoard{
		tree: btree.NewG(btreeDegree, domain.LeaderboardEntry.Better),
		byID: make(map[string]domain.LeaderboardEntry),
	}
}

// rank walks the tree from the top, so it costs O(rank); callers hold at
// least a read lock.
func (b *memoryBoard) rank(entry domain.LeaderboardEntry) int64 {
	var rank int64
	b.tree.Ascend(func(e domain.LeaderboardEntry) bool {
		rank++
		return e.ScoreID != entry.ScoreID
	})
	return rank
}

// MemoryBoard is an in-process Board holding one btree per key
type MemoryBoard struct {
	mu     sync.RWMutex
	boards map[domain.BoardKey]*memoryBoard
	index  map[string]map[domain.BoardKey]struct{}
}

// NewMemoryBoard creates an empty in-process board set
func NewMemoryBoard() *MemoryBoard {
	return &MemoryBoard{
		boards: make(map[domain.BoardKey]*memoryBoard),
		index:  make(map[string]map[domain.BoardKey]struct{}),
	}
}

func (m *MemoryBoard) board(key domain.BoardKey, create bool) *memoryBoard {
	m.mu.RLock()
	b, ok := m.boards[key]
	m.mu.RUnlock()
	if ok || !create {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.boards[key]; !ok {
		b = newMemoryBoard()
		m.boards[key] = b
	}
	return b
}

func (m *MemoryBoard) track(scoreID string, key domain.BoardKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index[scoreID] == nil {
		m.index[scoreID] = make(map[domain.BoardKey]struct{})
	}
	m.index[scoreID][key] = struct{}{}
}

func (m *MemoryBoard) untrack(scoreID string, key domain.BoardKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.index[scoreID], key)
	if len(m.index[scoreID]) == 0 {
		delete(m.index, scoreID)
	}
}

func (m *MemoryBoard) Insert(_ context.Context, key domain.BoardKey, entry domain.LeaderboardEntry) (int64, error) {
	b := m.board(key, true)

	b.mu.Lock()
	if old, ok := b.byID[entry.ScoreID]; ok {
		b.tree.Delete(old)
	}
	entry.Rank = 0
	b.tree.ReplaceOrInsert(entry)
	b.byID[entry.ScoreID] = entry
	rank := b.rank(entry)
	b.mu.Unlock()

	m.track(entry.ScoreID, key)
	return rank, nil
}

func (m *MemoryBoard) Confirm(_ context.Context, key domain.BoardKey, scoreID string) (domain.LeaderboardEntry, bool, error) {
	b := m.board(key, false)
	if b == nil {
		return domain.LeaderboardEntry{}, false, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.byID[scoreID]
	if !ok || !entry.Provisional {
		return entry, false, nil
	}
	// Provisional does not take part in ordering, so the tree position holds.
	entry.Provisional = false
	b.tree.ReplaceOrInsert(entry)
	b.byID[scoreID] = entry

	entry.Rank = b.rank(entry)
	return entry, true, nil
}

func (m *MemoryBoard) Remove(_ context.Context, key domain.BoardKey, scoreID string) (domain.LeaderboardEntry, bool, error) {
	b := m.board(key, false)
	if b == nil {
		return domain.LeaderboardEntry{}, false, nil
	}

	b.mu.Lock()
	entry, ok := b.byID[scoreID]
	if ok {
		b.tree.Delete(entry)
		delete(b.byID, scoreID)
	}
	b.mu.Unlock()

	if ok {
		m.untrack(scoreID, key)
	}
	return entry, ok, nil
}

func (m *MemoryBoard) Rank(_ context.Context, key domain.BoardKey, scoreID string) (int64, error) {
	b := m.board(key, false)
	if b == nil {
		return 0, domain.ErrEntryNotFound
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.byID[scoreID]
	if !ok {
		return 0, domain.ErrEntryNotFound
	}
	return b.rank(entry), nil
}

func (m *MemoryBoard) Top(_ context.Context, key domain.BoardKey, limit int) ([]domain.LeaderboardEntry, error) {
	b := m.board(key, false)
	if b == nil || limit <= 0 {
		return []domain.LeaderboardEntry{}, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.LeaderboardEntry, 0, min(limit, b.tree.Len()))
	b.tree.Ascend(func(e domain.LeaderboardEntry) bool {
		if len(out) >= limit {
			return false
		}
		e.Rank = int64(len(out) + 1)
		out = append(out, e)
		return true
	})
	return out, nil
}

func (m *MemoryBoard) Locate(_ context.Context, scoreID string) ([]domain.BoardKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]domain.BoardKey, 0, len(m.index[scoreID]))
	for key := range m.index[scoreID] {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m *MemoryBoard) Replace(_ context.Context, key domain.BoardKey, entries []domain.LeaderboardEntry, keepAfter time.Time) ([]string, error) {
	fresh := newMemoryBoard()
	for _, e := range entries {
		e.Rank = 0
		if old, ok := fresh.byID[e.ScoreID]; ok {
			fresh.tree.Delete(old)
		}
		fresh.tree.ReplaceOrInsert(e)
		fresh.byID[e.ScoreID] = e
	}

	var kept []string
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.boards[key]; ok {
		old.mu.RLock()
		for id, e := range old.byID {
			if _, replaced := fresh.byID[id]; !replaced && e.CreatedAt.After(keepAfter) {
				fresh.tree.ReplaceOrInsert(e)
				fresh.byID[id] = e
				kept = append(kept, id)
			}
			delete(m.index[id], key)
			if len(m.index[id]) == 0 {
				delete(m.index, id)
			}
		}
		old.mu.RUnlock()
	}
	m.boards[key] = fresh
	for id := range fresh.byID {
		if m.index[id] == nil {
			m.index[id] = make(map[domain.BoardKey]struct{})
		}
		m.index[id][key] = struct{}{}
	}
	return kept, nil
}

// Prune drops weekly boards whose window closed before cutoff
func (m *MemoryBoard) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for key, b := range m.boards {
		if key.Period != domain.PeriodWeekly {
			continue
		}
		end, err := weekEnd(key.Window)
		if err != nil || !end.Before(cutoff) {
			continue
		}
		b.mu.RLock()
		for id := range b.byID {
			delete(m.index[id], key)
			if len(m.index[id]) == 0 {
				delete(m.index, id)
			}
		}
		b.mu.RUnlock()
		delete(m.boards, key)
		pruned++
	}
	return pruned
}
