// Package worker runs the background processes of the score pipeline:
// asynchronous revalidation of accepted scores and periodic leaderboard rebuilds.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/score-integrity/internal/config"
	"github.com/score-integrity/internal/domain"
	"github.com/score-integrity/internal/ledger"
	"github.com/score-integrity/internal/metrics"
	"github.com/score-integrity/internal/queue"
)

// ErrMalformedReplay is returned by a Simulator when replay data cannot be decoded
var ErrMalformedReplay = errors.New("malformed replay data")

// Simulator deterministically replays a recorded run and returns the score it produces
type Simulator interface {
	Simulate(ctx context.Context, job domain.RevalidationJob) (int64, error)
}

// LevelCatalog supplies the plausibility limits of a level
type LevelCatalog interface {
	LevelLimits(ctx context.Context, levelID string) (domain.LevelLimits, error)
}

// Outcomes is the part of the leaderboard projector the revalidator drives
type Outcomes interface {
	Commit(ctx context.Context, scoreID string) error
	Retract(ctx context.Context, scoreID string) error
}

// ResolvedBy is recorded on records resolved by the revalidation worker
const ResolvedBy = "revalidator"

// Invalidation reasons
const (
	ReasonReplayMismatch   = "replay_mismatch"
	ReasonMalformedReplay  = "malformed_replay"
	ReasonScoreTooHigh     = "score_exceeds_maximum"
	ReasonDurationTooLong  = "duration_exceeds_limit"
	ReasonDurationTooShort = "duration_too_short"
	ReasonScoreRate        = "score_rate_exceeded"
	ReasonIdenticalRuns    = "impossible_consistency"
	ReasonUnknownLevel     = "unknown_level"
)

type verdict struct {
	valid  bool
	reason string
	notes  []string
}

func (v *verdict) fail(reason, note string) {
	v.valid = false
	v.reason = reason
	v.notes = append(v.notes, note)
}

// Revalidator is a pool of workers that resolve pending scores
type Revalidator struct {
	queue       queue.Queue
	ledger      ledger.Ledger
	levels      LevelCatalog
	outcomes    Outcomes
	deadLetters queue.DeadLetters
	simulators  map[string]Simulator
	config      *config.RevalidationConfig
	logger      *slog.Logger
	now         func() time.Time
	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewRevalidator creates a revalidation worker pool
func NewRevalidator(
	q queue.Queue,
	l ledger.Ledger,
	levels LevelCatalog,
	outcomes Outcomes,
	deadLetters queue.DeadLetters,
	cfg *config.RevalidationConfig,
	logger *slog.Logger,
) *Revalidator {
	return &Revalidator{
		queue:       q,
		ledger:      l,
		levels:      levels,
		outcomes:    outcomes,
		deadLetters: deadLetters,
		simulators:  make(map[string]Simulator),
		config:      cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock replaces the time source
func (w *Revalidator) WithClock(now func() time.Time) *Revalidator {
	w.now = now
	return w
}

// RegisterSimulator installs the replay simulator of a game. Call before Start.
func (w *Revalidator) RegisterSimulator(gameID string, sim Simulator) *Revalidator {
	w.simulators[gameID] = sim
	return w
}

// Start launches the configured number of workers
func (w *Revalidator) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.running = true

	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.config.Workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}

	w.logger.Info("revalidation workers started",
		"workers", w.config.Workers,
		"max_attempts", w.config.MaxAttempts,
		"timeout", w.config.Timeout,
	)
	return nil
}

// Stop stops the workers and waits for in-flight jobs to finish
func (w *Revalidator) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()

	w.logger.Info("revalidation workers stopped")
	return nil
}

// IsRunning returns whether the workers are running
func (w *Revalidator) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Revalidator) run(ctx context.Context, id int) {
	defer w.wg.Done()

	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, domain.ErrQueueClosed) {
				return
			}
			w.logger.Error("failed to dequeue revalidation job", "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.config.RetryDelay):
			}
			continue
		}
		w.handle(ctx, d)
	}
}

// handle drives one delivery to a terminal state, a retry or the dead-letter store
func (w *Revalidator) handle(ctx context.Context, d queue.Delivery) {
	job := d.Job()
	logger := w.logger.With("job_id", job.ID, "score_id", job.ScoreID, "attempt", job.Attempt)
	logger.Debug("revalidation job running", "state", domain.JobRunning)

	jobCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	state, err := w.revalidate(jobCtx, job)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			// Left unacked; the queue redelivers it.
			logger.Info("revalidation interrupted by shutdown", "error", err)
			return
		}
		w.fail(ctx, d, logger, err)
		return
	}

	if err := d.Ack(ctx); err != nil {
		logger.Error("failed to ack revalidation job", "error", err)
	}
	metrics.Revalidations.WithLabelValues(string(state)).Inc()
	logger.Info("revalidation job finished", "state", state)
}

// fail retries the job with backoff, or dead-letters it once attempts are exhausted
func (w *Revalidator) fail(ctx context.Context, d queue.Delivery, logger *slog.Logger, cause error) {
	job := d.Job()
	attempts := job.Attempt + 1

	if attempts < w.config.MaxAttempts {
		delay := w.backoff(job.Attempt)
		if err := d.Nack(ctx, delay); err != nil {
			logger.Error("failed to requeue revalidation job", "error", err, "cause", cause)
			return
		}
		metrics.Revalidations.WithLabelValues(string(domain.JobRetried)).Inc()
		logger.Warn("revalidation job failed, retrying",
			"state", domain.JobRetried,
			"error", cause,
			"delay", delay,
		)
		return
	}

	dl := domain.DeadLetter{
		JobID:     job.ID,
		ScoreID:   job.ScoreID,
		Job:       job,
		Reason:    cause.Error(),
		Attempts:  attempts,
		CreatedAt: w.now(),
	}
	if err := w.deadLetters.Put(ctx, dl); err != nil {
		logger.Error("failed to dead-letter revalidation job", "error", err, "cause", cause)
		if err := d.Nack(ctx, w.config.MaxRetryDelay); err != nil {
			logger.Error("failed to requeue revalidation job", "error", err)
		}
		return
	}
	if err := d.Ack(ctx); err != nil {
		logger.Error("failed to ack dead-lettered job", "error", err)
	}
	metrics.Revalidations.WithLabelValues(string(domain.JobDeadLettered)).Inc()
	logger.Error("revalidation job dead-lettered",
		"state", domain.JobDeadLettered,
		"attempts", attempts,
		"error", cause,
	)
}

// backoff returns retry_delay * 2^attempt, capped at max_retry_delay
func (w *Revalidator) backoff(attempt int) time.Duration {
	if attempt >= 30 {
		return w.config.MaxRetryDelay
	}
	delay := w.config.RetryDelay << attempt
	if delay <= 0 || delay > w.config.MaxRetryDelay {
		return w.config.MaxRetryDelay
	}
	return delay
}

// revalidate resolves the record behind job. Any returned error is transient.
func (w *Revalidator) revalidate(ctx context.Context, job domain.RevalidationJob) (domain.JobState, error) {
	rec, err := w.ledger.Get(ctx, job.ScoreID)
	if errors.Is(err, domain.ErrScoreNotFound) {
		w.logger.Warn("revalidation job for unknown score", "score_id", job.ScoreID)
		if err := w.outcomes.Retract(ctx, job.ScoreID); err != nil {
			return "", fmt.Errorf("retracting unknown score: %w", err)
		}
		return domain.JobRetracted, nil
	}
	if err != nil {
		return "", fmt.Errorf("loading score: %w", err)
	}

	// Redelivered after the record was resolved: only the projection may be missing.
	if rec.Status.Resolved() {
		return w.apply(ctx, rec)
	}

	v, err := w.judge(ctx, job, rec)
	if err != nil {
		return "", err
	}

	info := domain.ValidationInfo{
		ValidatedAt: w.now(),
		IsValid:     v.valid,
		Reason:      v.reason,
		Notes:       v.notes,
		Attempts:    job.Attempt + 1,
		ResolvedBy:  ResolvedBy,
	}
	if v.valid {
		rec, _, err = w.ledger.MarkValid(ctx, rec.ID, info)
	} else {
		rec, _, err = w.ledger.MarkInvalid(ctx, rec.ID, info)
	}
	if err != nil {
		return "", fmt.Errorf("resolving score: %w", err)
	}
	return w.apply(ctx, rec)
}

// apply projects the resolved status of rec, whichever writer resolved it
func (w *Revalidator) apply(ctx context.Context, rec domain.ScoreRecord) (domain.JobState, error) {
	if rec.Status == domain.StatusValid {
		if err := w.outcomes.Commit(ctx, rec.ID); err != nil {
			return "", fmt.Errorf("committing score: %w", err)
		}
		return domain.JobCommitted, nil
	}
	if err := w.outcomes.Retract(ctx, rec.ID); err != nil {
		return "", fmt.Errorf("retracting score: %w", err)
	}
	return domain.JobRetracted, nil
}

func (w *Revalidator) judge(ctx context.Context, job domain.RevalidationJob, rec domain.ScoreRecord) (verdict, error) {
	v := verdict{valid: true}

	limits, err := w.levels.LevelLimits(ctx, rec.LevelID)
	if errors.Is(err, domain.ErrLevelNotFound) {
		v.fail(ReasonUnknownLevel, fmt.Sprintf("level %s no longer exists", rec.LevelID))
		return v, nil
	}
	if err != nil {
		return v, fmt.Errorf("loading level limits: %w", err)
	}

	sim, ok := w.simulators[limits.GameID]
	if len(job.ReplayData) > 0 && ok {
		if err := w.replay(ctx, sim, job, rec, &v); err != nil {
			return v, err
		}
	} else {
		w.heuristics(limits, rec, &v)
	}
	if !v.valid {
		return v, nil
	}

	if err := w.patterns(ctx, rec, &v); err != nil {
		return v, err
	}
	return v, nil
}

func (w *Revalidator) replay(ctx context.Context, sim Simulator, job domain.RevalidationJob, rec domain.ScoreRecord, v *verdict) error {
	simulated, err := sim.Simulate(ctx, job)
	if errors.Is(err, ErrMalformedReplay) {
		v.fail(ReasonMalformedReplay, err.Error())
		return nil
	}
	if err != nil {
		return fmt.Errorf("simulating replay: %w", err)
	}

	tolerance := max(w.config.ReplayToleranceAbs, int64(w.config.ReplayToleranceRatio*float64(rec.Value)))
	diff := simulated - rec.Value
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		v.fail(ReasonReplayMismatch, fmt.Sprintf("replay produced %d, submitted %d", simulated, rec.Value))
		return nil
	}
	v.notes = append(v.notes, "replay validation passed")
	return nil
}

// heuristics applies stricter thresholds than the synchronous path
func (w *Revalidator) heuristics(limits domain.LevelLimits, rec domain.ScoreRecord, v *verdict) {
	switch {
	case rec.Value < 0 || rec.Value > limits.MaxScore:
		v.fail(ReasonScoreTooHigh, fmt.Sprintf("score %d exceeds maximum %d", rec.Value, limits.MaxScore))
	case rec.Duration > (limits.TimeLimit + w.config.StrictDurationGrace).Seconds():
		v.fail(ReasonDurationTooLong, fmt.Sprintf("duration %.2fs exceeds limit %s", rec.Duration, limits.TimeLimit))
	case w.config.MinDuration > 0 && rec.Duration < w.config.MinDuration.Seconds():
		v.fail(ReasonDurationTooShort, fmt.Sprintf("duration %.2fs below minimum %s", rec.Duration, w.config.MinDuration))
	case w.config.MaxScorePerSecond > 0 && rec.Duration > 0 && float64(rec.Value)/rec.Duration > w.config.MaxScorePerSecond:
		v.fail(ReasonScoreRate, fmt.Sprintf("%.1f points per second", float64(rec.Value)/rec.Duration))
	default:
		v.notes = append(v.notes, "heuristic validation passed")
	}
}

// patterns flags users repeating the exact same value and duration
func (w *Revalidator) patterns(ctx context.Context, rec domain.ScoreRecord, v *verdict) error {
	threshold := w.config.IdenticalRunThreshold
	if rec.UserID == nil || threshold <= 0 {
		return nil
	}

	recent, err := w.ledger.RecentByUser(ctx, *rec.UserID, rec.LevelID, w.config.RecentRuns)
	if err != nil {
		return fmt.Errorf("loading recent runs: %w", err)
	}

	identical := 0
	for _, r := range recent {
		if r.Value == rec.Value && r.Duration == rec.Duration {
			identical++
		}
	}
	if identical >= threshold {
		v.fail(ReasonIdenticalRuns, fmt.Sprintf("%d identical runs among the last %d", identical, len(recent)))
	}
	return nil
}
