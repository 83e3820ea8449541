package validation

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

	"github.com/score-integrity/internal/config"
	"github.com/score-integrity/internal/domain"
	"github.com/score-integrity/internal/kv"
	"github.com/score-integrity/internal/levels"
	"github.com/score-integrity/internal/ratelimit"
	"github.com/score-integrity/internal/session"
	"github.com/score-integrity/internal/signature"
)

var t0 = time.UnixMilli(1760000000000)

type recorder struct {
	mu     sync.Mutex
	events []domain.RejectEvent
}

func (r *recorder) ObserveReject(_ context.Context, e domain.RejectEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

type fixture struct {
	now       time.Time
	sessions  *session.Store
	validator *Validator
	observed  *recorder
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	f := &fixture{now: t0, observed: &recorder{}}
	clock := func() time.Time { return f.now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f.sessions = session.NewStore(kv.NewMemory(clock), &cfg.Session, logger).WithClock(clock)
	catalog := levels.NewCatalog(levels.NewStatic([]config.StaticLevel{
		{ID: "lvl-1", GameID: "runner", MaxScore: 100000, TimeLimit: 60 * time.Second},
	}), &cfg.Levels, logger)
	limiter := ratelimit.NewMemory(cfg.Validation.RateLimit.Window, cfg.Validation.RateLimit.Max, clock)

	f.validator = NewValidator(f.sessions, catalog, limiter, f.observed, &cfg.Validation).WithClock(clock)
	return f
}

func (f *fixture) issue(t *testing.T) domain.SessionKey {
	t.Helper()
	key, err := f.sessions.Issue(context.Background())
	require.NoError(t, err)
	return key
}

func signed(t *testing.T, key domain.SessionKey, secret string, ts time.Time, value int64, duration float64) domain.ScoreSubmission {
	t.Helper()
	sub := domain.ScoreSubmission{
		LevelID:   "lvl-1",
		Value:     value,
		Duration:  duration,
		Meta:      map[string]any{"coins": 12},
		SessionID: key.SessionID,
		Timestamp: ts.UnixMilli(),
		ClientIP:  "203.0.113.7",
	}
	sig, err := signature.Sign(signature.PayloadOf(sub), secret)
	require.NoError(t, err)
	sub.ClientSignature = sig
	return sub
}

func requireReason(t *testing.T, err error, want domain.RejectReason) {
	t.Helper()
	rej, ok := domain.AsRejection(err)
	require.True(t, ok, "expected rejection %s, got %v", want, err)
	assert.Equal(t, want, rej.Reason)
}

func TestValidateAccepts(t *testing.T) {
	f := newFixture(t, nil)
	key := f.issue(t)
	f.now = t0.Add(5 * time.Second)

	limits, err := f.validator.Validate(context.Background(), signed(t, key, key.Secret, f.now, 5000, 55))
	require.NoError(t, err)
	assert.Equal(t, "runner", limits.GameID)
	assert.Empty(t, f.observed.events)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name  string
		build func(t *testing.T, f *fixture, key domain.SessionKey) domain.ScoreSubmission
		want  domain.RejectReason
	}{
		{
			name: "timestamp 45s behind server clock",
			build: func(t *testing.T, f *fixture, key domain.SessionKey) domain.ScoreSubmission {
				f.now = t0.Add(5 * time.Second)
				return signed(t, key, key.Secret, f.now.Add(-45*time.Second), 5000, 55)
			},
			want: domain.RejectStaleTimestamp,
		},
		{
			name: "timestamp 45s after issue",
			build: func(t *testing.T, f *fixture, key domain.SessionKey) domain.ScoreSubmission {
				return signed(t, key, key.Secret, t0.Add(45*time.Second), 5000, 55)
			},
			want: domain.RejectStaleTimestamp,
		},
		{
			name: "stale wins over a negative value",
			build: func(t *testing.T, f *fixture, key domain.SessionKey) domain.ScoreSubmission {
				return signed(t, key, key.Secret, t0.Add(-time.Minute), -1, 55)
			},
			want: domain.RejectStaleTimestamp,
		},
		{
			name: "stale wins over a negative duration",
			build: func(t *testing.T, f *fixture, key domain.SessionKey) domain.ScoreSubmission {
				return signed(t, key, key.Secret, t0.Add(time.Minute), 5000, -3)
			},
			want: domain.RejectStaleTimestamp,
		},
		{
			name: "stale wins over a bad signature",
			build: func(t *testing.T, f *fixture, key domain.SessionKey) domain.ScoreSubmission {
				return signed(t, key, "wrong", t0.Add(-time.Minute), 5000, 55)
			},
			want: domain.RejectStaleTimestamp,
		},
		{
			name: "unknown session",
			build: func(t *testing.T, f *fixture, key domain.SessionKey) domain.ScoreSubmission {
				key.SessionID = "deadbeef"
				return signed(t, key, key.Secret, t0, 5000, 55)
			},
			want: domain.RejectInvalidSession,
		},
		{
			name: "expired session",
			build: func(t *testing.T, f *fixture, key domain.SessionKey) domain.ScoreSubmission {
				f.now = t0.Add(31 * time.Second)
				return signed(t, key, key.Secret, f.now, 5000, 55)
			},
			want: domain.RejectInvalidSession,
		},
		{
			name: "wrong secret",
			build: func(t *testing.T, f *fixture, key domain.SessionKey) domain.ScoreSubmission {
				return signed(t, key, "0123456789abcdef", t0, 5000, 55)
			},
			want: domain.RejectBadSignature,
		},
		{
			name: "tampered value",
			build: func(t *testing.T, f *fixture, key domain.SessionKey) domain.ScoreSubmission {
				sub := signed(t, key, key.Secret, t0, 5000, 55)
				sub.Value = 9000
				return sub
			},
			want: domain.RejectBadSignature,
		},
		{
			name: "score above level maximum",
			build: func(t *testing.T, f *fixture, key domain.SessionKey) domain.ScoreSubmission {
				return signed(t, key, key.Secret, t0, 999999, 55)
			},
			want: domain.RejectScoreTooHigh,
		},
		{
			name: "duration past limit plus grace",
			build: func(t *testing.T, f *fixture, key domain.SessionKey) domain.ScoreSubmission {
				return signed(t, key, key.Secret, t0, 5000, 70.5)
			},
			want: domain.RejectDurationTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			key := f.issue(t)
			_, err := f.validator.Validate(context.Background(), tt.build(t, f, key))
			requireReason(t, err, tt.want)

			require.Len(t, f.observed.events, 1)
			event := f.observed.events[0]
			assert.Equal(t, tt.want, event.Reason)
			assert.Equal(t, tt.want.Class(), event.Class)
			assert.Equal(t, "203.0.113.7", event.ClientIP)
		})
	}
}

func TestValidateDurationBoundary(t *testing.T) {
	f := newFixture(t, nil)
	key := f.issue(t)
	_, err := f.validator.Validate(context.Background(), signed(t, key, key.Secret, t0, 100000, 70))
	assert.NoError(t, err)
}

func TestValidateSingleUse(t *testing.T) {
	f := newFixture(t, nil)
	key := f.issue(t)
	sub := signed(t, key, key.Secret, t0, 5000, 55)

	_, err := f.validator.Validate(context.Background(), sub)
	require.NoError(t, err)

	_, err = f.validator.Validate(context.Background(), sub)
	requireReason(t, err, domain.RejectInvalidSession)
}

func TestValidateReusableSessions(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		off := false
		cfg.Session.SingleUse = &off
	})
	key := f.issue(t)
	sub := signed(t, key, key.Secret, t0, 5000, 55)

	for i := 0; i < 2; i++ {
		_, err := f.validator.Validate(context.Background(), sub)
		require.NoError(t, err)
	}
}

func TestValidateRateLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Validation.RateLimit.Max = 2
	})

	for i := 0; i < 2; i++ {
		key := f.issue(t)
		_, err := f.validator.Validate(context.Background(), signed(t, key, key.Secret, t0, 5000, 55))
		require.NoError(t, err)
	}
	key := f.issue(t)
	_, err := f.validator.Validate(context.Background(), signed(t, key, key.Secret, t0, 5000, 55))
	requireReason(t, err, domain.RejectRateLimited)
	assert.Equal(t, domain.RejectClassPlausibility, f.observed.events[0].Class)
}

func TestValidateMalformed(t *testing.T) {
	f := newFixture(t, nil)
	key := f.issue(t)

	sub := signed(t, key, key.Secret, t0, -1, 55)
	_, err := f.validator.Validate(context.Background(), sub)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	sub = signed(t, key, key.Secret, t0, 1, 55)
	sub.LevelID = ""
	_, err = f.validator.Validate(context.Background(), sub)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Empty(t, f.observed.events)
}

type failingSessions struct{}

func (failingSessions) Lookup(context.Context, string) (string, error) {
	return "", errors.New("dial tcp: connection refused")
}
func (failingSessions) Consume(context.Context, string) (bool, error) { return false, nil }
func (failingSessions) SingleUse() bool { return true }

func TestValidateStoreFailureIsNotRejection(t *testing.T) {
	cfg := config.DefaultConfig()
	catalog := levels.NewCatalog(levels.NewStatic(nil), &cfg.Levels, slog.New(slog.NewTextHandler(io.Discard, nil)))
	observed := &recorder{}
	v := NewValidator(failingSessions{}, catalog, ratelimit.NewMemory(time.Minute, 10, nil), observed, &cfg.Validation).
		WithClock(func() time.Time { return t0 })

	_, err := v.Validate(context.Background(), domain.ScoreSubmission{
		LevelID:   "lvl-1",
		SessionID: "abc",
		Timestamp: t0.UnixMilli(),
	})
	require.Error(t, err)
	_, isRejection := domain.AsRejection(err)
	assert.False(t, isRejection)
	assert.Empty(t, observed.events)
}

func TestMultiObserver(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	MultiObserver{a, b}.ObserveReject(context.Background(), domain.RejectEvent{Reason: domain.RejectBadSignature})
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}
