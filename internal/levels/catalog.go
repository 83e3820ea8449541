// Package levels resolves the plausibility limits of a level.
package levels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/score-integrity/internal/config"
	"github.com/score-integrity/internal/domain"
)

// UnknownGameID is assigned to levels that fall back to the default limits
const UnknownGameID = "unknown"

// Source looks up the limits of a single level
type Source interface {
	LevelLimits(ctx context.Context, levelID string) (domain.LevelLimits, error)
}

// Catalog caches a Source and applies configured defaults for unknown levels
type Catalog struct {
	source       Source
	cache        *expirable.LRU[string, domain.LevelLimits]
	allowUnknown bool
	defaults     domain.LevelLimits
	logger       *slog.Logger
}

// NewCatalog creates a catalog in front of source
func NewCatalog(source Source, cfg *config.LevelsConfig, logger *slog.Logger) *Catalog {
	return &Catalog{
		source:       source,
		cache:        expirable.NewLRU[string, domain.LevelLimits](cfg.CacheSize, nil, cfg.CacheTTL),
		allowUnknown: cfg.AllowUnknown,
		defaults: domain.LevelLimits{
			GameID:    UnknownGameID,
			MaxScore:  cfg.DefaultMaxScore,
			TimeLimit: cfg.DefaultTimeLimit,
		},
		logger: logger,
	}
}

// LevelLimits returns the limits for levelID, consulting the cache first
func (c *Catalog) LevelLimits(ctx context.Context, levelID string) (domain.LevelLimits, error) {
	if limits, ok := c.cache.Get(levelID); ok {
		return limits, nil
	}

	limits, err := c.source.LevelLimits(ctx, levelID)
	if err != nil {
		if !errors.Is(err, domain.ErrLevelNotFound) {
			return domain.LevelLimits{}, fmt.Errorf("loading level %s: %w", levelID, err)
		}
		if !c.allowUnknown {
			return domain.LevelLimits{}, err
		}
		c.logger.Debug("level not in catalog, using defaults", "level_id", levelID)
		limits = c.defaults
		limits.LevelID = levelID
	}

	c.cache.Add(levelID, limits)
	return limits, nil
}

// Invalidate drops a cached entry so the next lookup reaches the source
func (c *Catalog) Invalidate(levelID string) {
	c.cache.Remove(levelID)
}

// Static is an in-memory Source
type Static struct {
	mu     sync.RWMutex
	levels map[string]domain.LevelLimits
}

// NewStatic builds a Static source from configured levels
func NewStatic(levels []config.StaticLevel) *Static {
	s := &Static{levels: make(map[string]domain.LevelLimits, len(levels))}
	for _, l := range levels {
		s.Set(domain.LevelLimits{
			LevelID:   l.ID,
			GameID:    l.GameID,
			MaxScore:  l.MaxScore,
			TimeLimit: l.TimeLimit,
		})
	}
	return s
}

// Set adds or replaces a level
func (s *Static) Set(limits domain.LevelLimits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels[limits.LevelID] = limits
}

func (s *Static) LevelLimits(_ context.Context, levelID string) (domain.LevelLimits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limits, ok := s.levels[levelID]
	if !ok {
		return domain.LevelLimits{}, domain.ErrLevelNotFound
	}
	return limits, nil
}
