// Package service orchestrates the score pipeline: session keys, submission
// acceptance, leaderboard reads and manual review.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/score-integrity/internal/config"
	"github.com/score-integrity/internal/domain"
	"github.com/score-integrity/internal/ledger"
	"github.com/score-integrity/internal/metrics"
	"github.com/score-integrity/internal/queue"
)

// Reasons recorded when the submission path itself has to resolve a record
const (
	ReasonEnqueueFailed    = "enqueue_failed"
	ReasonProjectionFailed = "projection_failed"
	resolvedBySubmission   = "submission"
)

// Sessions issues and resolves ephemeral session keys
type Sessions interface {
	Issue(ctx context.Context) (domain.SessionKey, error)
	Lookup(ctx context.Context, sessionID string) (string, error)
}

// Validator runs the synchronous submission checks
type Validator interface {
	Validate(ctx context.Context, sub domain.ScoreSubmission) (domain.LevelLimits, error)
}

// Projector maintains the ranked leaderboard views
type Projector interface {
	InsertProvisional(ctx context.Context, rec domain.ScoreRecord) (int64, error)
	Commit(ctx context.Context, scoreID string) error
	Retract(ctx context.Context, scoreID string) error
	Top(ctx context.Context, levelID string, period domain.Period, limit int) ([]domain.LeaderboardEntry, error)
}

// ScoreService accepts submissions optimistically and hands them to revalidation
type ScoreService struct {
	sessions  Sessions
	validator Validator
	ledger    ledger.Ledger
	projector Projector
	queue     queue.Queue
	config    *config.LeaderboardConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewScoreService creates a new score service
func NewScoreService(
	sessions Sessions,
	validator Validator,
	l ledger.Ledger,
	projector Projector,
	q queue.Queue,
	cfg *config.LeaderboardConfig,
	logger *slog.Logger,
) *ScoreService {
	return &ScoreService{
		sessions:  sessions,
		validator: validator,
		ledger:    l,
		projector: projector,
		queue:     q,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the time source
func (s *ScoreService) WithClock(now func() time.Time) *ScoreService {
	s.now = now
	return s
}

// IssueSessionKey starts a scored run
func (s *ScoreService) IssueSessionKey(ctx context.Context) (domain.SessionKey, error) {
	key, err := s.sessions.Issue(ctx)
	if err != nil {
		return domain.SessionKey{}, fmt.Errorf("issuing session key: %w", err)
	}
	return key, nil
}

// ValidateSessionKey reports whether key is the live secret of sessionID
func (s *ScoreService) ValidateSessionKey(ctx context.Context, sessionID, key string) (bool, error) {
	secret, err := s.sessions.Lookup(ctx, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up session key: %w", err)
	}
	return key != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(key)) == 1, nil
}

// SubmitScore validates a submission, records it as pending, ranks it
// provisionally and enqueues its revalidation. Rejections are returned as
// *domain.Rejection; any other error is an infrastructure failure.
func (s *ScoreService) SubmitScore(ctx context.Context, sub domain.ScoreSubmission) (domain.SubmitResult, error) {
	start := time.Now()
	defer func() {
		metrics.SubmitDuration.Observe(time.Since(start).Seconds())
	}()

	limits, err := s.validator.Validate(ctx, sub)
	if err != nil {
		s.countFailure(err)
		return domain.SubmitResult{}, err
	}

	rec := domain.ScoreRecord{
		LevelID:  sub.LevelID,
		GameID:   limits.GameID,
		UserID:   sub.UserID,
		Username: sub.Username,
		Value:    sub.Value,
		Duration: sub.Duration,
		Meta:     sub.Meta,
	}
	if rec.Username == "" {
		rec.Username = domain.GuestUsername
	}

	rec, err = s.ledger.Append(ctx, rec)
	if err != nil {
		s.countFailure(err)
		return domain.SubmitResult{}, fmt.Errorf("recording score: %w", err)
	}

	rank, err := s.projector.InsertProvisional(ctx, rec)
	if err != nil {
		s.abandon(ctx, rec, ReasonProjectionFailed)
		s.countFailure(err)
		return domain.SubmitResult{}, fmt.Errorf("ranking score: %w", err)
	}

	job := domain.RevalidationJob{
		ScoreID:    rec.ID,
		LevelID:    rec.LevelID,
		GameID:     rec.GameID,
		UserID:     rec.UserID,
		Value:      rec.Value,
		Duration:   rec.Duration,
		Meta:       rec.Meta,
		ReplayData: sub.ReplayData,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.abandon(ctx, rec, ReasonEnqueueFailed)
		s.countFailure(err)
		return domain.SubmitResult{}, fmt.Errorf("enqueueing revalidation: %w", err)
	}

	metrics.Submissions.WithLabelValues(metrics.OutcomeAccepted, "").Inc()
	s.logger.Debug("score accepted",
		"score_id", rec.ID,
		"level_id", rec.LevelID,
		"value", rec.Value,
		"provisional_rank", rank,
	)

	return domain.SubmitResult{ScoreID: rec.ID, ProvisionalRank: rank}, nil
}

// abandon resolves a record that could not be handed to revalidation, so no
// pending record is left without a job
func (s *ScoreService) abandon(ctx context.Context, rec domain.ScoreRecord, reason string) {
	info := domain.ValidationInfo{
		ValidatedAt: s.now(),
		Reason:      reason,
		ResolvedBy:  resolvedBySubmission,
	}
	if _, _, err := s.ledger.MarkInvalid(ctx, rec.ID, info); err != nil {
		s.logger.Error("failed to resolve abandoned score", "score_id", rec.ID, "reason", reason, "error", err)
	}
	if err := s.projector.Retract(ctx, rec.ID); err != nil {
		s.logger.Error("failed to retract abandoned score", "score_id", rec.ID, "reason", reason, "error", err)
	}
}

func (s *ScoreService) countFailure(err error) {
	if _, ok := domain.AsRejection(err); ok {
		return
	}
	if errors.Is(err, domain.ErrInvalidRequest) {
		metrics.Submissions.WithLabelValues(metrics.OutcomeRejected, "INVALID_REQUEST").Inc()
		return
	}
	metrics.Submissions.WithLabelValues(metrics.OutcomeFailed, "").Inc()
}

// Leaderboard returns the top of a level's board for the named period
func (s *ScoreService) Leaderboard(ctx context.Context, levelID, period string, limit int) ([]domain.LeaderboardEntry, error) {
	if levelID == "" {
		return nil, fmt.Errorf("%w: missing level id", domain.ErrInvalidRequest)
	}
	p, err := domain.ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	entries, err := s.projector.Top(ctx, levelID, p, limit)
	if err != nil {
		return nil, fmt.Errorf("getting leaderboard: %w", err)
	}
	return entries, nil
}
