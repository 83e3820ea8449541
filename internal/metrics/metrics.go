// Package metrics provides Prometheus metrics for the score pipeline.
package metrics

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/score-integrity/internal/domain"
)

var (
	// Submissions counts submissions by outcome (accepted, rejected, failed)
	// and reject reason
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "score_submissions_total",
			Help: "Score submissions by outcome and reason",
		},
		[]string{"outcome", "reason"},
	)

	// SubmitDuration observes the latency of the synchronous submission path
	SubmitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "score_submit_duration_seconds",
			Help:    "Latency of score submission handling",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Revalidations counts revalidation jobs by terminal or transient state
	Revalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "score_revalidations_total",
			Help: "Revalidation job outcomes",
		},
		[]string{"outcome"}, // committed, retracted, retried, dead_lettered
	)

	// LeaderboardDeltas counts published leaderboard deltas by action
	LeaderboardDeltas = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaderboard_deltas_total",
			Help: "Leaderboard deltas published by action",
		},
		[]string{"action"},
	)
)

// Submission outcomes
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// RejectObserver counts reject events and logs them as abuse signals:
// trust failures at warn, plausibility failures at info.
type RejectObserver struct {
	logger *slog.Logger
}

// NewRejectObserver creates a reject observer
func NewRejectObserver(logger *slog.Logger) *RejectObserver {
	return &RejectObserver{logger: logger}
}

// ObserveReject records one rejected submission
func (o *RejectObserver) ObserveReject(ctx context.Context, event domain.RejectEvent) {
	Submissions.WithLabelValues(OutcomeRejected, string(event.Reason)).Inc()

	level := slog.LevelInfo
	if event.Class == domain.RejectClassTrust {
		level = slog.LevelWarn
	}
	o.logger.Log(ctx, level, "score submission rejected",
		"reason", event.Reason,
		"class", event.Class,
		"level_id", event.LevelID,
		"session_id", event.SessionID,
		"user_id", event.UserID,
		"client_ip", event.ClientIP,
		"detail", event.Detail,
	)
}
