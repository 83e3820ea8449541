package domain

import (
	"encoding/json"
	"time"
)

// RevalidationJob is the unit of work consumed by the revalidation workers
type RevalidationJob struct {
	ID         string          `json:"id"`
	ScoreID    string          `json:"scoreId"`
	LevelID    string          `json:"levelId"`
	GameID     string          `json:"gameId"`
	UserID     *string         `json:"userId,omitempty"`
	Value      int64           `json:"value"`
	Duration   float64         `json:"duration"`
	Meta       map[string]any  `json:"meta,omitempty"`
	ReplayData json.RawMessage `json:"replayData,omitempty"`
	Attempt    int             `json:"attempt"`
	NotBefore  time.Time       `json:"notBefore,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// JobState is the lifecycle state of a revalidation job
type JobState string

const (
	JobQueued       JobState = "queued"
	JobRunning      JobState = "running"
	JobCommitted    JobState = "committed"
	JobRetracted    JobState = "retracted"
	JobRetried      JobState = "retried"
	JobDeadLettered JobState = "dead_lettered"
)

// DeadLetter is a job that exhausted its retries and awaits manual review
type DeadLetter struct {
	JobID      string          `json:"jobId"`
	ScoreID    string          `json:"scoreId"`
	Job        RevalidationJob `json:"job"`
	Reason     string          `json:"reason"`
	Attempts   int             `json:"attempts"`
	CreatedAt  time.Time       `json:"createdAt"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
	Resolution string          `json:"resolution,omitempty"`
}
