package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/score-integrity/internal/domain"
)

const maxTxRetries = 8

// Board is a leaderboard.Board on Redis sorted sets. Each board is a ZSET
// scored by the negated value so ZRANGE reads best first; members are
// "<createdAt nanos>:<scoreId>" so equal values fall back to submission
// time and then score id. Entry bodies live in a hash beside the ZSET and
// a per-score set remembers which boards hold the score.
type Board struct {
	client    *redis.Client
	prefix    string
	weeklyTTL time.Duration
}

// NewBoard creates a Redis board set with keys under prefix
func NewBoard(client *redis.Client, prefix string) *Board {
	return &Board{client: client, prefix: prefix, weeklyTTL: 7 * 24 * time.Hour}
}

func (b *Board) zsetKey(key domain.BoardKey) string {
	return fmt.Sprintf("%sboard:%s", b.prefix, key)
}

func (b *Board) entriesKey(key domain.BoardKey) string {
	return fmt.Sprintf("%sboard:%s:entries", b.prefix, key)
}

func (b *Board) indexKey(scoreID string) string {
	return fmt.Sprintf("%sscore:%s:boards", b.prefix, scoreID)
}

func member(entry domain.LeaderboardEntry) string {
	return fmt.Sprintf("%019d:%s", entry.CreatedAt.UnixNano(), entry.ScoreID)
}

func encodeKey(key domain.BoardKey) string {
	data, _ := json.Marshal(key)
	return string(data)
}

// expireAt returns when a board's keys may be dropped; all-time boards never expire
func (b *Board) expireAt(key domain.BoardKey) (time.Time, bool) {
	if key.Period != domain.PeriodWeekly {
		return time.Time{}, false
	}
	var year, week int
	if _, err := fmt.Sscanf(key.Window, "%d-W%d", &year, &week); err != nil {
		return time.Time{}, false
	}
	firstWeek := domain.WeekStart(time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC))
	return firstWeek.AddDate(0, 0, 7*week).Add(b.weeklyTTL), true
}

type hashReader interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (b *Board) loadEntry(ctx context.Context, c hashReader, key domain.BoardKey, scoreID string) (domain.LeaderboardEntry, bool, error) {
	raw, err := c.HGet(ctx, b.entriesKey(key), scoreID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.LeaderboardEntry{}, false, nil
		}
		return domain.LeaderboardEntry{}, false, fmt.Errorf("loading entry: %w", err)
	}
	var entry domain.LeaderboardEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.LeaderboardEntry{}, false, fmt.Errorf("decoding entry: %w", err)
	}
	return entry, true, nil
}

// watch runs fn in an optimistic transaction on the board's entry hash,
// retrying when a concurrent writer touched it
func (b *Board) watch(ctx context.Context, key domain.BoardKey, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := b.client.Watch(ctx, fn, b.entriesKey(key))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("updating %s: too much contention", key)
}

func (b *Board) Insert(ctx context.Context, key domain.BoardKey, entry domain.LeaderboardEntry) (int64, error) {
	entry.Rank = 0
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("encoding entry: %w", err)
	}

	err = b.watch(ctx, key, func(tx *redis.Tx) error {
		old, exists, err := b.loadEntry(ctx, tx, key, entry.ScoreID)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if exists && member(old) != member(entry) {
				pipe.ZRem(ctx, b.zsetKey(key), member(old))
			}
			pipe.ZAdd(ctx, b.zsetKey(key), redis.Z{Score: -float64(entry.Value), Member: member(entry)})
			pipe.HSet(ctx, b.entriesKey(key), entry.ScoreID, data)
			pipe.SAdd(ctx, b.indexKey(entry.ScoreID), encodeKey(key))
			if at, ok := b.expireAt(key); ok {
				pipe.ExpireAt(ctx, b.zsetKey(key), at)
				pipe.ExpireAt(ctx, b.entriesKey(key), at)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("inserting entry: %w", err)
	}

	rank, err := b.client.ZRank(ctx, b.zsetKey(key), member(entry)).Result()
	if err != nil {
		return 0, fmt.Errorf("getting rank: %w", err)
	}
	return rank + 1, nil
}

func (b *Board) Confirm(ctx context.Context, key domain.BoardKey, scoreID string) (domain.LeaderboardEntry, bool, error) {
	var entry domain.LeaderboardEntry
	var changed bool
	err := b.watch(ctx, key, func(tx *redis.Tx) error {
		current, exists, err := b.loadEntry(ctx, tx, key, scoreID)
		if err != nil || !exists || !current.Provisional {
			entry, changed = current, false
			return err
		}
		current.Provisional = false
		data, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("encoding entry: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, b.entriesKey(key), scoreID, data)
			return nil
		})
		entry, changed = current, err == nil
		return err
	})
	if err != nil {
		return domain.LeaderboardEntry{}, false, fmt.Errorf("confirming entry: %w", err)
	}
	if changed {
		rank, err := b.client.ZRank(ctx, b.zsetKey(key), member(entry)).Result()
		if err == nil {
			entry.Rank = rank + 1
		}
	}
	return entry, changed, nil
}

func (b *Board) Remove(ctx context.Context, key domain.BoardKey, scoreID string) (domain.LeaderboardEntry, bool, error) {
	var entry domain.LeaderboardEntry
	var removed bool
	err := b.watch(ctx, key, func(tx *redis.Tx) error {
		current, exists, err := b.loadEntry(ctx, tx, key, scoreID)
		if err != nil || !exists {
			entry, removed = current, false
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, b.zsetKey(key), member(current))
			pipe.HDel(ctx, b.entriesKey(key), scoreID)
			pipe.SRem(ctx, b.indexKey(scoreID), encodeKey(key))
			return nil
		})
		entry, removed = current, err == nil
		return err
	})
	if err != nil {
		return domain.LeaderboardEntry{}, false, fmt.Errorf("removing entry: %w", err)
	}
	return entry, removed, nil
}

func (b *Board) Rank(ctx context.Context, key domain.BoardKey, scoreID string) (int64, error) {
	entry, exists, err := b.loadEntry(ctx, b.client, key, scoreID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, domain.ErrEntryNotFound
	}
	rank, err := b.client.ZRank(ctx, b.zsetKey(key), member(entry)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, domain.ErrEntryNotFound
		}
		return 0, fmt.Errorf("getting rank: %w", err)
	}
	return rank + 1, nil
}

func (b *Board) Top(ctx context.Context, key domain.BoardKey, limit int) ([]domain.LeaderboardEntry, error) {
	if limit <= 0 {
		return []domain.LeaderboardEntry{}, nil
	}
	members, err := b.client.ZRange(ctx, b.zsetKey(key), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}
	if len(members) == 0 {
		return []domain.LeaderboardEntry{}, nil
	}

	ids := make([]string, len(members))
	for i, m := range members {
		_, id, _ := strings.Cut(m, ":")
		ids[i] = id
	}
	raws, err := b.client.HMGet(ctx, b.entriesKey(key), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("getting entries: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(raws))
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var entry domain.LeaderboardEntry
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			return nil, fmt.Errorf("decoding entry: %w", err)
		}
		entry.Rank = int64(len(entries) + 1)
		entries = append(entries, entry)
	}
	return entries, nil
}

func (b *Board) Locate(ctx context.Context, scoreID string) ([]domain.BoardKey, error) {
	raws, err := b.client.SMembers(ctx, b.indexKey(scoreID)).Result()
	if err != nil {
		return nil, fmt.Errorf("locating score: %w", err)
	}
	keys := make([]domain.BoardKey, 0, len(raws))
	for _, raw := range raws {
		var key domain.BoardKey
		if err := json.Unmarshal([]byte(raw), &key); err != nil {
			return nil, fmt.Errorf("decoding board key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (b *Board) Replace(ctx context.Context, key domain.BoardKey, entries []domain.LeaderboardEntry, keepAfter time.Time) ([]string, error) {
	var kept []string
	err := b.watch(ctx, key, func(tx *redis.Tx) error {
		kept = kept[:0]
		old, err := tx.HGetAll(ctx, b.entriesKey(key)).Result()
		if err != nil {
			return fmt.Errorf("listing entries: %w", err)
		}
		encoded := encodeKey(key)

		fresh := make(map[string]bool, len(entries))
		for _, entry := range entries {
			fresh[entry.ScoreID] = true
		}
		all := append([]domain.LeaderboardEntry(nil), entries...)
		oldIDs := make([]string, 0, len(old))
		for id, raw := range old {
			oldIDs = append(oldIDs, id)
			if fresh[id] {
				continue
			}
			var entry domain.LeaderboardEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				return fmt.Errorf("decoding entry: %w", err)
			}
			if entry.CreatedAt.After(keepAfter) {
				all = append(all, entry)
				kept = append(kept, id)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, b.zsetKey(key), b.entriesKey(key))
			for _, id := range oldIDs {
				pipe.SRem(ctx, b.indexKey(id), encoded)
			}
			for _, entry := range all {
				entry.Rank = 0
				data, err := json.Marshal(entry)
				if err != nil {
					return fmt.Errorf("encoding entry: %w", err)
				}
				pipe.ZAdd(ctx, b.zsetKey(key), redis.Z{Score: -float64(entry.Value), Member: member(entry)})
				pipe.HSet(ctx, b.entriesKey(key), entry.ScoreID, data)
				pipe.SAdd(ctx, b.indexKey(entry.ScoreID), encoded)
			}
			if at, ok := b.expireAt(key); ok && len(all) > 0 {
				pipe.ExpireAt(ctx, b.zsetKey(key), at)
				pipe.ExpireAt(ctx, b.entriesKey(key), at)
			}
			return nil
		})
		return err
	})
	return kept, err
}
