package domain

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrNotFound        = errors.New("not found")
	ErrSessionNotFound = errors.New("session key not found")
	ErrScoreNotFound   = errors.New("score not found")
	ErrLevelNotFound   = errors.New("level not found")
	ErrEntryNotFound   = errors.New("leaderboard entry not found")
	ErrInvalidPeriod   = errors.New("invalid leaderboard period")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInternalError   = errors.New("internal server error")
	ErrQueueClosed     = errors.New("queue closed")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrScoreNotFound) ||
		errors.Is(err, ErrLevelNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}

// RejectReason is the wire code returned for a refused submission.
type RejectReason string

const (
	RejectStaleTimestamp  RejectReason = "STALE_TIMESTAMP"
	RejectInvalidSession  RejectReason = "INVALID_SESSION"
	RejectBadSignature    RejectReason = "BAD_SIGNATURE"
	RejectScoreTooHigh    RejectReason = "SCORE_TOO_HIGH"
	RejectDurationTooLong RejectReason = "DURATION_TOO_LONG"
	RejectRateLimited     RejectReason = "RATE_LIMITED"
)

// RejectClass groups reasons by how they should be treated downstream.
type RejectClass string

const (
	RejectClassTrust        RejectClass = "trust"
	RejectClassPlausibility RejectClass = "plausibility"
)

// Class reports whether the reason is a trust failure or a plausibility failure.
func (r RejectReason) Class() RejectClass {
	switch r {
	case RejectStaleTimestamp, RejectInvalidSession, RejectBadSignature:
		return RejectClassTrust
	default:
		return RejectClassPlausibility
	}
}

// Rejection is returned when a submission fails a synchronous check.
// It is never retried.
type Rejection struct {
	Reason RejectReason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("submission rejected: %s", r.Reason)
	}
	return fmt.Sprintf("submission rejected: %s: %s", r.Reason, r.Detail)
}

// Reject builds a Rejection error.
func Reject(reason RejectReason, detail string) error {
	return &Rejection{Reason: reason, Detail: detail}
}

// AsRejection extracts a Rejection from err, if any.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
