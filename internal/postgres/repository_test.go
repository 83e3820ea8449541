package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/score-integrity/internal/config"
	"github.com/score-integrity/internal/domain"
)

// newTestRepository connects to the database named by SCORE_INTEGRITY_PG_HOST
// and skips when it is unset.
func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	host := os.Getenv("SCORE_INTEGRITY_PG_HOST")
	if host == "" {
		t.Skip("SCORE_INTEGRITY_PG_HOST not set")
	}

	cfg := config.DefaultConfig().Postgres
	cfg.Host = host
	cfg.User = os.Getenv("SCORE_INTEGRITY_PG_USER")
	cfg.Password = os.Getenv("SCORE_INTEGRITY_PG_PASSWORD")
	cfg.Database = os.Getenv("SCORE_INTEGRITY_PG_DATABASE")
	if port, err := strconv.Atoi(os.Getenv("SCORE_INTEGRITY_PG_PORT")); err == nil {
		cfg.Port = port
	}

	ctx := context.Background()
	repo, err := NewRepository(ctx, &cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	require.NoError(t, repo.RunMigrations(ctx))
	return repo
}

func TestRepositoryLedger(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	level := "pg-" + uuid.NewString()
	user := "u-" + uuid.NewString()

	rec, err := repo.Append(ctx, domain.ScoreRecord{
		LevelID:   level,
		GameID:    "runner",
		UserID:    &user,
		Username:  "ada",
		Value:     4200,
		Duration:  51.5,
		Meta:      map[string]any{"coins": float64(3)},
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Value, got.Value)
	assert.Equal(t, rec.Meta, got.Meta)

	resolved, changed, err := repo.MarkInvalid(ctx, rec.ID, domain.ValidationInfo{Reason: "replay_mismatch"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.StatusInvalid, resolved.Status)

	_, changed, err = repo.MarkValid(ctx, rec.ID, domain.ValidationInfo{})
	require.NoError(t, err)
	assert.False(t, changed)

	ranked, err := repo.Query(ctx, level, time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, ranked)

	recent, err := repo.RecentByUser(ctx, user, level, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	_, err = repo.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrScoreNotFound)
}

func TestRepositoryLevels(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	level := "pg-" + uuid.NewString()

	require.NoError(t, repo.SeedLevels(ctx, []domain.LevelLimits{
		{LevelID: level, GameID: "runner", MaxScore: 100000, TimeLimit: 60 * time.Second},
	}))
	limits, err := repo.LevelLimits(ctx, level)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), limits.MaxScore)
	assert.Equal(t, 60*time.Second, limits.TimeLimit)

	_, err = repo.LevelLimits(ctx, "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrLevelNotFound)
}

func TestRepositoryDeadLetters(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	store := repo.DeadLetters()
	scoreID := uuid.NewString()

	require.NoError(t, store.Put(ctx, domain.DeadLetter{
		JobID:     uuid.NewString(),
		ScoreID:   scoreID,
		Job:       domain.RevalidationJob{ScoreID: scoreID, Attempt: 5},
		Reason:    "timeout",
		Attempts:  5,
		CreatedAt: time.Now().UTC(),
	}))

	resolved, err := store.Resolve(ctx, scoreID, "approved")
	require.NoError(t, err)
	assert.True(t, resolved)

	resolved, err = store.Resolve(ctx, scoreID, "approved")
	require.NoError(t, err)
	assert.False(t, resolved)
}
