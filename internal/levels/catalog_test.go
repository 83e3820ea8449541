package levels

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/score-integrity/internal/config"
	"github.com/score-integrity/internal/domain"
)

type countingSource struct {
	Source
	calls int
	err   error
}

func (c *countingSource) LevelLimits(ctx context.Context, levelID string) (domain.LevelLimits, error) {
	c.calls++
	if c.err != nil {
		return domain.LevelLimits{}, c.err
	}
	return c.Source.LevelLimits(ctx, levelID)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCatalogCachesSource(t *testing.T) {
	cfg := config.DefaultConfig().Levels
	src := &countingSource{Source: NewStatic([]config.StaticLevel{
		{ID: "runner-1", GameID: "runner", MaxScore: 50000, TimeLimit: 60 * time.Second},
	})}
	catalog := NewCatalog(src, &cfg, testLogger())

	for i := 0; i < 3; i++ {
		limits, err := catalog.LevelLimits(context.Background(), "runner-1")
		require.NoError(t, err)
		assert.Equal(t, "runner", limits.GameID)
		assert.Equal(t, int64(50000), limits.MaxScore)
		assert.Equal(t, 60*time.Second, limits.TimeLimit)
	}
	assert.Equal(t, 1, src.calls)

	catalog.Invalidate("runner-1")
	_, err := catalog.LevelLimits(context.Background(), "runner-1")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestCatalogUnknownLevel(t *testing.T) {
	cfg := config.DefaultConfig().Levels

	catalog := NewCatalog(NewStatic(nil), &cfg, testLogger())
	_, err := catalog.LevelLimits(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrLevelNotFound)

	cfg.AllowUnknown = true
	catalog = NewCatalog(NewStatic(nil), &cfg, testLogger())
	limits, err := catalog.LevelLimits(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, domain.LevelLimits{
		LevelID:   "missing",
		GameID:    UnknownGameID,
		MaxScore:  100000,
		TimeLimit: 60 * time.Second,
	}, limits)
}

func TestCatalogSourceFailureNotCached(t *testing.T) {
	cfg := config.DefaultConfig().Levels
	cfg.AllowUnknown = true
	src := &countingSource{Source: NewStatic(nil), err: errors.New("connection refused")}
	catalog := NewCatalog(src, &cfg, testLogger())

	_, err := catalog.LevelLimits(context.Background(), "lvl")
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrLevelNotFound))

	src.err = nil
	_, err = catalog.LevelLimits(context.Background(), "lvl")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}
