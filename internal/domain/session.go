package domain

import "time"

// SessionKey is a short-lived secret bound to a single scored run
type SessionKey struct {
	SessionID string    `json:"sessionId"`
	Secret    string    `json:"ephemeralKey"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the key is past its expiry at now
func (k SessionKey) Expired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}
