package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/score-integrity/internal/broadcast"
	"github.com/score-integrity/internal/config"
	"github.com/score-integrity/internal/domain"
	"github.com/score-integrity/internal/leaderboard"
	"github.com/score-integrity/internal/ledger"
	"github.com/score-integrity/internal/levels"
	"github.com/score-integrity/internal/queue"
)

var base = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return base }

type simulatorFunc func(ctx context.Context, job domain.RevalidationJob) (int64, error)

func (f simulatorFunc) Simulate(ctx context.Context, job domain.RevalidationJob) (int64, error) {
	return f(ctx, job)
}

type fakeDelivery struct {
	job    domain.RevalidationJob
	mu     sync.Mutex
	acked  bool
	nacked bool
	delay  time.Duration
}

func (d *fakeDelivery) Job() domain.RevalidationJob { return d.job }

func (d *fakeDelivery) Ack(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(_ context.Context, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked = true
	d.delay = delay
	return nil
}

type fixture struct {
	ledger      *ledger.Memory
	projector   *leaderboard.Projector
	board       *leaderboard.MemoryBoard
	queue       *queue.Memory
	deadLetters *queue.MemoryDeadLetters
	config      *config.RevalidationConfig
	worker      *Revalidator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultConfig()

	catalog := levels.NewCatalog(levels.NewStatic([]config.StaticLevel{
		{ID: "lvl", GameID: "runner", MaxScore: 100000, TimeLimit: 60 * time.Second},
	}), &cfg.Levels, logger)

	f := &fixture{
		ledger:      ledger.NewMemory(clock),
		board:       leaderboard.NewMemoryBoard(),
		queue:       queue.NewMemory(clock),
		deadLetters: queue.NewMemoryDeadLetters(clock),
		config:      &cfg.Revalidation,
	}
	f.config.Workers = 2
	f.config.RetryDelay = 10 * time.Millisecond
	f.config.MaxRetryDelay = 80 * time.Millisecond
	f.config.Timeout = time.Second
	f.config.MaxAttempts = 3

	f.projector = leaderboard.NewProjector(f.board, broadcast.NewMemory(16, logger), &cfg.Leaderboard, logger).WithClock(clock)
	f.worker = NewRevalidator(f.queue, f.ledger, catalog, f.projector, f.deadLetters, f.config, logger).WithClock(clock)
	t.Cleanup(func() { f.queue.Close() })
	return f
}

// accept stores a pending record and its provisional entry the way the submission path does
func (f *fixture) accept(t *testing.T, user string, value int64, duration float64, replay string) domain.RevalidationJob {
	t.Helper()
	ctx := context.Background()
	rec := domain.ScoreRecord{
		LevelID:  "lvl",
		GameID:   "runner",
		Username: user,
		Value:    value,
		Duration: duration,
	}
	if user != "" {
		rec.UserID = &user
	}
	rec, err := f.ledger.Append(ctx, rec)
	require.NoError(t, err)
	_, err = f.projector.InsertProvisional(ctx, rec)
	require.NoError(t, err)

	job := domain.RevalidationJob{
		ID:       "job-" + rec.ID,
		ScoreID:  rec.ID,
		LevelID:  rec.LevelID,
		GameID:   rec.GameID,
		UserID:   rec.UserID,
		Value:    value,
		Duration: duration,
	}
	if replay != "" {
		job.ReplayData = []byte(replay)
	}
	return job
}

func (f *fixture) process(job domain.RevalidationJob) *fakeDelivery {
	d := &fakeDelivery{job: job}
	f.worker.handle(context.Background(), d)
	return d
}

func (f *fixture) entry(t *testing.T, scoreID string) (domain.LeaderboardEntry, bool) {
	t.Helper()
	top, err := f.projector.Top(context.Background(), "lvl", domain.PeriodAllTime, 100)
	require.NoError(t, err)
	for _, e := range top {
		if e.ScoreID == scoreID {
			return e, true
		}
	}
	return domain.LeaderboardEntry{}, false
}

func (f *fixture) status(t *testing.T, scoreID string) domain.ScoreRecord {
	t.Helper()
	rec, err := f.ledger.Get(context.Background(), scoreID)
	require.NoError(t, err)
	return rec
}

func TestPlausibleScoreIsCommitted(t *testing.T) {
	f := newFixture(t)
	job := f.accept(t, "alice", 5000, 55, "")

	d := f.process(job)
	assert.True(t, d.acked)
	assert.False(t, d.nacked)

	rec := f.status(t, job.ScoreID)
	assert.Equal(t, domain.StatusValid, rec.Status)
	require.NotNil(t, rec.ValidationInfo)
	assert.True(t, rec.ValidationInfo.IsValid)
	assert.Equal(t, ResolvedBy, rec.ValidationInfo.ResolvedBy)
	assert.Equal(t, 1, rec.ValidationInfo.Attempts)

	e, ok := f.entry(t, job.ScoreID)
	require.True(t, ok)
	assert.False(t, e.Provisional)
}

func TestReplayMismatchRetracts(t *testing.T) {
	f := newFixture(t)
	f.worker.RegisterSimulator("runner", simulatorFunc(func(context.Context, domain.RevalidationJob) (int64, error) {
		return 1200, nil
	}))
	job := f.accept(t, "mallory", 5000, 55, `{"inputs":[1,2,3]}`)

	_, ok := f.entry(t, job.ScoreID)
	require.True(t, ok, "provisional entry expected before revalidation")

	d := f.process(job)
	assert.True(t, d.acked)

	rec := f.status(t, job.ScoreID)
	assert.Equal(t, domain.StatusInvalid, rec.Status)
	assert.Equal(t, ReasonReplayMismatch, rec.ValidationInfo.Reason)

	_, ok = f.entry(t, job.ScoreID)
	assert.False(t, ok)
}

func TestReplayWithinTolerance(t *testing.T) {
	f := newFixture(t)
	f.config.ReplayToleranceAbs = 10
	f.config.ReplayToleranceRatio = 0
	f.worker.RegisterSimulator("runner", simulatorFunc(func(_ context.Context, job domain.RevalidationJob) (int64, error) {
		return job.Value - 10, nil
	}))
	job := f.accept(t, "alice", 5000, 55, `{}`)

	f.process(job)
	assert.Equal(t, domain.StatusValid, f.status(t, job.ScoreID).Status)
}

func TestMalformedReplayIsInvalid(t *testing.T) {
	f := newFixture(t)
	f.worker.RegisterSimulator("runner", simulatorFunc(func(context.Context, domain.RevalidationJob) (int64, error) {
		return 0, ErrMalformedReplay
	}))
	job := f.accept(t, "alice", 5000, 55, `garbage`)

	d := f.process(job)
	assert.True(t, d.acked)
	rec := f.status(t, job.ScoreID)
	assert.Equal(t, domain.StatusInvalid, rec.Status)
	assert.Equal(t, ReasonMalformedReplay, rec.ValidationInfo.Reason)
}

func TestReplayWithoutSimulatorFallsBackToHeuristics(t *testing.T) {
	f := newFixture(t)
	job := f.accept(t, "alice", 5000, 55, `{"inputs":[]}`)

	f.process(job)
	rec := f.status(t, job.ScoreID)
	assert.Equal(t, domain.StatusValid, rec.Status)
	assert.Contains(t, rec.ValidationInfo.Notes, "heuristic validation passed")
}

func TestStricterHeuristics(t *testing.T) {
	tests := []struct {
		name     string
		value    int64
		duration float64
		tune     func(*config.RevalidationConfig)
		reason   string
	}{
		{name: "over maximum", value: 100001, duration: 30, reason: ReasonScoreTooHigh},
		// Accepted synchronously with the 10s grace, refused with the 5s one.
		{name: "over strict time limit", value: 100, duration: 66, reason: ReasonDurationTooLong},
		{
			name:     "too short",
			value:    100,
			duration: 0.5,
			tune:     func(c *config.RevalidationConfig) { c.MinDuration = time.Second },
			reason:   ReasonDurationTooShort,
		},
		{
			name:     "implausible rate",
			value:    9000,
			duration: 3,
			tune:     func(c *config.RevalidationConfig) { c.MaxScorePerSecond = 1000 },
			reason:   ReasonScoreRate,
		},
		{name: "at strict time limit", value: 100, duration: 65},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.tune != nil {
				tt.tune(f.config)
			}
			job := f.accept(t, "alice", tt.value, tt.duration, "")

			d := f.process(job)
			assert.True(t, d.acked)

			rec := f.status(t, job.ScoreID)
			_, onBoard := f.entry(t, job.ScoreID)
			if tt.reason == "" {
				assert.Equal(t, domain.StatusValid, rec.Status)
				assert.True(t, onBoard)
				return
			}
			assert.Equal(t, domain.StatusInvalid, rec.Status)
			assert.Equal(t, tt.reason, rec.ValidationInfo.Reason)
			assert.False(t, onBoard)
		})
	}
}

func TestIdenticalRunsAreInvalid(t *testing.T) {
	f := newFixture(t)
	f.config.IdenticalRunThreshold = 3

	var jobs []domain.RevalidationJob
	for i := 0; i < 3; i++ {
		jobs = append(jobs, f.accept(t, "bot", 4321, 42.5, ""))
	}

	f.process(jobs[0])
	f.process(jobs[1])
	assert.Equal(t, domain.StatusValid, f.status(t, jobs[0].ScoreID).Status)
	assert.Equal(t, domain.StatusValid, f.status(t, jobs[1].ScoreID).Status)

	f.process(jobs[2])
	rec := f.status(t, jobs[2].ScoreID)
	assert.Equal(t, domain.StatusInvalid, rec.Status)
	assert.Equal(t, ReasonIdenticalRuns, rec.ValidationInfo.Reason)
}

func TestGuestScoresSkipPatternAnalysis(t *testing.T) {
	f := newFixture(t)
	f.config.IdenticalRunThreshold = 1

	job := f.accept(t, "", 4321, 42.5, "")
	f.process(job)
	assert.Equal(t, domain.StatusValid, f.status(t, job.ScoreID).Status)
}

func TestRedeliveredJobReappliesOutcome(t *testing.T) {
	f := newFixture(t)
	job := f.accept(t, "alice", 5000, 55, "")

	// Resolved by a moderator, but the projection never caught up.
	_, resolved, err := f.ledger.MarkInvalid(context.Background(), job.ScoreID, domain.ValidationInfo{Reason: "manual"})
	require.NoError(t, err)
	require.True(t, resolved)

	d := f.process(job)
	assert.True(t, d.acked)

	rec := f.status(t, job.ScoreID)
	assert.Equal(t, domain.StatusInvalid, rec.Status)
	assert.Equal(t, "manual", rec.ValidationInfo.Reason)
	_, ok := f.entry(t, job.ScoreID)
	assert.False(t, ok)
}

func TestUnknownScoreIsAcked(t *testing.T) {
	f := newFixture(t)
	d := f.process(domain.RevalidationJob{ID: "j", ScoreID: "missing", LevelID: "lvl"})
	assert.True(t, d.acked)
	assert.False(t, d.nacked)
}

func TestTransientFailureIsRetriedWithBackoff(t *testing.T) {
	f := newFixture(t)
	f.worker.RegisterSimulator("runner", simulatorFunc(func(context.Context, domain.RevalidationJob) (int64, error) {
		return 0, errors.New("simulator unavailable")
	}))
	job := f.accept(t, "alice", 5000, 55, `{}`)
	job.Attempt = 1

	d := f.process(job)
	assert.False(t, d.acked)
	assert.True(t, d.nacked)
	assert.Equal(t, 20*time.Millisecond, d.delay)
	assert.Equal(t, domain.StatusPending, f.status(t, job.ScoreID).Status)
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	f.config.Timeout = 20 * time.Millisecond
	f.worker.RegisterSimulator("runner", simulatorFunc(func(ctx context.Context, _ domain.RevalidationJob) (int64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}))
	job := f.accept(t, "alice", 5000, 55, `{}`)

	d := f.process(job)
	assert.True(t, d.nacked)
	assert.Equal(t, 10*time.Millisecond, d.delay)
}

func TestExhaustedJobIsDeadLettered(t *testing.T) {
	f := newFixture(t)
	f.worker.RegisterSimulator("runner", simulatorFunc(func(context.Context, domain.RevalidationJob) (int64, error) {
		return 0, errors.New("simulator unavailable")
	}))
	job := f.accept(t, "alice", 5000, 55, `{}`)
	job.Attempt = f.config.MaxAttempts - 1

	d := f.process(job)
	assert.True(t, d.acked)
	assert.False(t, d.nacked)

	letters, err := f.deadLetters.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, job.ScoreID, letters[0].ScoreID)
	assert.Equal(t, f.config.MaxAttempts, letters[0].Attempts)
	assert.Contains(t, letters[0].Reason, "simulator unavailable")

	// Awaiting review: still ranked, still pending.
	assert.Equal(t, domain.StatusPending, f.status(t, job.ScoreID).Status)
}

func TestBackoff(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 10*time.Millisecond, f.worker.backoff(0))
	assert.Equal(t, 40*time.Millisecond, f.worker.backoff(2))
	assert.Equal(t, 80*time.Millisecond, f.worker.backoff(3))
	assert.Equal(t, 80*time.Millisecond, f.worker.backoff(10))
	assert.Equal(t, 80*time.Millisecond, f.worker.backoff(64))
}

func TestWorkersResolveQueuedJobs(t *testing.T) {
	f := newFixture(t)
	calls := 0
	var mu sync.Mutex
	f.worker.RegisterSimulator("runner", simulatorFunc(func(_ context.Context, job domain.RevalidationJob) (int64, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return 0, errors.New("flaky")
		}
		return job.Value, nil
	}))

	ctx := context.Background()
	job := f.accept(t, "alice", 5000, 55, `{}`)
	require.NoError(t, f.queue.Enqueue(ctx, job))

	require.NoError(t, f.worker.Start(ctx))
	assert.True(t, f.worker.IsRunning())

	require.Eventually(t, func() bool {
		return f.status(t, job.ScoreID).Status == domain.StatusValid
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.queue.Pending() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.worker.Stop())
	assert.False(t, f.worker.IsRunning())
}
