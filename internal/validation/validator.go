// Package validation runs the synchronous trust and plausibility checks a
// submission must pass before it is accepted.
package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/score-integrity/internal/config"
	"github.com/score-integrity/internal/domain"
	"github.com/score-integrity/internal/ratelimit"
	"github.com/score-integrity/internal/signature"
)

// SessionStore resolves and consumes session secrets
type SessionStore interface {
	Lookup(ctx context.Context, sessionID string) (string, error)
	Consume(ctx context.Context, sessionID string) (bool, error)
	SingleUse() bool
}

// LevelCatalog resolves per-level limits
type LevelCatalog interface {
	LevelLimits(ctx context.Context, levelID string) (domain.LevelLimits, error)
}

// RejectObserver receives every refused submission
type RejectObserver interface {
	ObserveReject(ctx context.Context, event domain.RejectEvent)
}

// MultiObserver fans a reject event out to several observers
type MultiObserver []RejectObserver

func (m MultiObserver) ObserveReject(ctx context.Context, event domain.RejectEvent) {
	for _, o := range m {
		o.ObserveReject(ctx, event)
	}
}

type nopObserver struct{}

func (nopObserver) ObserveReject(context.Context, domain.RejectEvent) {}

// Validator applies the ordered submission checks
type Validator struct {
	sessions SessionStore
	levels   LevelCatalog
	limiter  ratelimit.Limiter
	observer RejectObserver
	skew     time.Duration
	grace    time.Duration
	now      func() time.Time
}

// NewValidator creates a validator. observer may be nil.
func NewValidator(
	sessions SessionStore,
	levels LevelCatalog,
	limiter ratelimit.Limiter,
	observer RejectObserver,
	cfg *config.ValidationConfig,
) *Validator {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Validator{
		sessions: sessions,
		levels:   levels,
		limiter:  limiter,
		observer: observer,
		skew:     cfg.MaxClockSkew,
		grace:    cfg.DurationGrace,
		now:      time.Now,
	}
}

// WithClock replaces the time source, for tests
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate returns the level limits for an admissible submission. A refused
// submission yields a *domain.Rejection for the first failing check; any
// other error is an infrastructure failure and the client may retry.
func (v *Validator) Validate(ctx context.Context, sub domain.ScoreSubmission) (domain.LevelLimits, error) {
	limits, err := v.validate(ctx, sub)
	if rej, ok := domain.AsRejection(err); ok {
		event := domain.RejectEvent{
			Reason:    rej.Reason,
			Class:     rej.Reason.Class(),
			LevelID:   sub.LevelID,
			SessionID: sub.SessionID,
			ClientIP:  sub.ClientIP,
			Detail:    rej.Detail,
			At:        v.now(),
		}
		if sub.UserID != nil {
			event.UserID = *sub.UserID
		}
		v.observer.ObserveReject(ctx, event)
	}
	return limits, err
}

func checkShape(sub domain.ScoreSubmission) error {
	switch {
	case sub.LevelID == "":
		return fmt.Errorf("%w: levelId is required", domain.ErrInvalidRequest)
	case sub.Value < 0:
		return fmt.Errorf("%w: value must not be negative", domain.ErrInvalidRequest)
	case sub.Duration < 0:
		return fmt.Errorf("%w: duration must not be negative", domain.ErrInvalidRequest)
	}
	return nil
}

func (v *Validator) validate(ctx context.Context, sub domain.ScoreSubmission) (domain.LevelLimits, error) {
	// 1. freshness
	drift := v.now().UnixMilli() - sub.Timestamp
	if drift < 0 {
		drift = -drift
	}
	if drift > v.skew.Milliseconds() {
		return domain.LevelLimits{}, domain.Reject(domain.RejectStaleTimestamp,
			fmt.Sprintf("timestamp off by %dms", drift))
	}
	if err := checkShape(sub); err != nil {
		return domain.LevelLimits{}, err
	}

	// 2. session
	secret, err := v.sessions.Lookup(ctx, sub.SessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return domain.LevelLimits{}, domain.Reject(domain.RejectInvalidSession, "")
		}
		return domain.LevelLimits{}, fmt.Errorf("resolving session: %w", err)
	}

	// 3. signature
	if !signature.Verify(signature.PayloadOf(sub), sub.ClientSignature, secret) {
		return domain.LevelLimits{}, domain.Reject(domain.RejectBadSignature, "")
	}
	if v.sessions.SingleUse() {
		consumed, err := v.sessions.Consume(ctx, sub.SessionID)
		if err != nil {
			return domain.LevelLimits{}, fmt.Errorf("consuming session: %w", err)
		}
		if !consumed {
			return domain.LevelLimits{}, domain.Reject(domain.RejectInvalidSession, "session already used")
		}
	}

	limits, err := v.levels.LevelLimits(ctx, sub.LevelID)
	if err != nil {
		return domain.LevelLimits{}, err
	}

	// 4. magnitude
	if sub.Value > limits.MaxScore {
		return limits, domain.Reject(domain.RejectScoreTooHigh,
			fmt.Sprintf("%d > %d", sub.Value, limits.MaxScore))
	}

	// 5. duration
	maxDuration := (limits.TimeLimit + v.grace).Seconds()
	if sub.Duration > maxDuration {
		return limits, domain.Reject(domain.RejectDurationTooLong,
			fmt.Sprintf("%gs > %gs", sub.Duration, maxDuration))
	}

	// 6. rate
	allowed, err := v.limiter.Allow(ctx, ratelimit.Identity(sub.UserID, sub.ClientIP))
	if err != nil {
		return limits, fmt.Errorf("checking rate limit: %w", err)
	}
	if !allowed {
		return limits, domain.Reject(domain.RejectRateLimited, "")
	}

	return limits, nil
}
