package domain

import (
	"encoding/json"
	"time"
)

// ValidationStatus is the tri-state outcome of asynchronous revalidation
type ValidationStatus string

const (
	StatusPending ValidationStatus = "pending"
	StatusValid   ValidationStatus = "valid"
	StatusInvalid ValidationStatus = "invalid"
)

// Resolved reports whether the status is terminal
func (s ValidationStatus) Resolved() bool {
	return s == StatusValid || s == StatusInvalid
}

// Ranked reports whether a record in this status may appear on a leaderboard
func (s ValidationStatus) Ranked() bool {
	return s == StatusPending || s == StatusValid
}

// ScoreSubmission is the client-supplied result of a scored run
type ScoreSubmission struct {
	LevelID         string          `json:"levelId"`
	Value           int64           `json:"value"`
	Duration        float64         `json:"duration"`
	Meta            map[string]any  `json:"meta"`
	ClientSignature string          `json:"clientSignature"`
	SessionID       string          `json:"sessionId"`
	Timestamp       int64           `json:"timestamp"`
	ReplayData      json.RawMessage `json:"replayData,omitempty"`

	// Filled in by the server from the request, never by the client body.
	UserID   *string `json:"-"`
	Username string  `json:"-"`
	ClientIP string  `json:"-"`
}

// ValidationInfo records how and when a score was resolved
type ValidationInfo struct {
	ValidatedAt time.Time `json:"validatedAt"`
	IsValid     bool      `json:"isValid"`
	Reason      string    `json:"reason,omitempty"`
	Notes       []string  `json:"notes,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	ResolvedBy  string    `json:"resolvedBy,omitempty"`
}

// ScoreRecord is the durable ledger entry for an accepted submission
type ScoreRecord struct {
	ID             string           `json:"id"`
	LevelID        string           `json:"levelId"`
	GameID         string           `json:"gameId"`
	UserID         *string          `json:"userId,omitempty"`
	Username       string           `json:"username"`
	Value          int64            `json:"value"`
	Duration       float64          `json:"duration"`
	Meta           map[string]any   `json:"meta,omitempty"`
	Status         ValidationStatus `json:"isValidated"`
	ValidationInfo *ValidationInfo  `json:"validationInfo,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	ResolvedAt     *time.Time       `json:"resolvedAt,omitempty"`
}

// GuestUsername is shown for scores submitted without an identity
const GuestUsername = "guest"

// SubmitResult is returned for an accepted submission
type SubmitResult struct {
	ScoreID         string `json:"scoreId"`
	ProvisionalRank int64  `json:"provisionalRank"`
}

// RejectEvent is emitted for every refused submission so abuse tracking can consume it
type RejectEvent struct {
	Reason    RejectReason `json:"reason"`
	Class     RejectClass  `json:"class"`
	LevelID   string       `json:"levelId,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
	UserID    string       `json:"userId,omitempty"`
	ClientIP  string       `json:"clientIp,omitempty"`
	Detail    string       `json:"detail,omitempty"`
	At        time.Time    `json:"at"`
}
