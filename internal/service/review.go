package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/score-integrity/internal/domain"
	"github.com/score-integrity/internal/ledger"
	"github.com/score-integrity/internal/queue"
)

const reasonManualApproval = "manual_review"

// ReviewService resolves scores that revalidation could not decide
type ReviewService struct {
	ledger      ledger.Ledger
	projector   Projector
	deadLetters queue.DeadLetters
	logger      *slog.Logger
	now         func() time.Time
}

// NewReviewService creates a new review service
func NewReviewService(l ledger.Ledger, projector Projector, deadLetters queue.DeadLetters, logger *slog.Logger) *ReviewService {
	return &ReviewService{
		ledger:      l,
		projector:   projector,
		deadLetters: deadLetters,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock replaces the time source
func (s *ReviewService) WithClock(now func() time.Time) *ReviewService {
	s.now = now
	return s
}

// DeadLetters lists jobs awaiting review, oldest first
func (s *ReviewService) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	letters, err := s.deadLetters.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	return letters, nil
}

// Approve marks a score valid on behalf of a moderator. The bool reports
// whether this call resolved it; a record resolved earlier keeps its status.
func (s *ReviewService) Approve(ctx context.Context, scoreID, moderatorID, notes string) (domain.ScoreRecord, bool, error) {
	info := domain.ValidationInfo{
		ValidatedAt: s.now(),
		Reason:      reasonManualApproval,
		ResolvedBy:  moderatorID,
	}
	if notes != "" {
		info.Notes = []string{notes}
	}
	rec, resolved, err := s.ledger.MarkValid(ctx, scoreID, info)
	if err != nil {
		return domain.ScoreRecord{}, false, fmt.Errorf("approving score: %w", err)
	}
	return s.finish(ctx, rec, resolved, moderatorID)
}

// Reject marks a score invalid on behalf of a moderator
func (s *ReviewService) Reject(ctx context.Context, scoreID, moderatorID, reason string) (domain.ScoreRecord, bool, error) {
	if reason == "" {
		reason = "rejected by moderator"
	}
	info := domain.ValidationInfo{
		ValidatedAt: s.now(),
		Reason:      reason,
		ResolvedBy:  moderatorID,
	}
	rec, resolved, err := s.ledger.MarkInvalid(ctx, scoreID, info)
	if err != nil {
		return domain.ScoreRecord{}, false, fmt.Errorf("rejecting score: %w", err)
	}
	return s.finish(ctx, rec, resolved, moderatorID)
}

// finish projects the record's actual status and closes its dead letters
func (s *ReviewService) finish(ctx context.Context, rec domain.ScoreRecord, resolved bool, moderatorID string) (domain.ScoreRecord, bool, error) {
	var err error
	if rec.Status == domain.StatusValid {
		err = s.projector.Commit(ctx, rec.ID)
	} else {
		err = s.projector.Retract(ctx, rec.ID)
	}
	if err != nil {
		return rec, resolved, fmt.Errorf("updating leaderboard: %w", err)
	}

	resolution := fmt.Sprintf("%s by %s", rec.Status, moderatorID)
	if _, err := s.deadLetters.Resolve(ctx, rec.ID, resolution); err != nil {
		return rec, resolved, fmt.Errorf("resolving dead letter: %w", err)
	}

	s.logger.Info("score reviewed",
		"score_id", rec.ID,
		"status", rec.Status,
		"moderator_id", moderatorID,
		"resolved", resolved,
	)
	return rec, resolved, nil
}
