// Package session issues and resolves the short-lived signing secrets that
// bind a score submission to a live play session.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/score-integrity/internal/config"
	"github.com/score-integrity/internal/domain"
	"github.com/score-integrity/internal/kv"
)

const (
	keyPrefix      = "session:"
	sessionIDBytes = 16
)

// Store issues ephemeral session keys and looks them up by session id
type Store struct {
	kv        kv.Store
	ttl       time.Duration
	keyBytes  int
	singleUse bool
	now       func() time.Time
	logger    *slog.Logger
}

// NewStore creates a session key store on top of a kv.Store
func NewStore(store kv.Store, cfg *config.SessionConfig, logger *slog.Logger) *Store {
	return &Store{
		kv:        store,
		ttl:       cfg.TTL,
		keyBytes:  cfg.KeyBytes,
		singleUse: cfg.IsSingleUse(),
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock replaces the time source, for tests
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// SingleUse reports whether keys are consumed by their first accepted submission
func (s *Store) SingleUse() bool {
	return s.singleUse
}

// Issue generates a new session key and stores it for the configured TTL
func (s *Store) Issue(ctx context.Context) (domain.SessionKey, error) {
	secret, err := randomHex(s.keyBytes)
	if err != nil {
		return domain.SessionKey{}, fmt.Errorf("generating secret: %w", err)
	}
	id, err := randomHex(sessionIDBytes)
	if err != nil {
		return domain.SessionKey{}, fmt.Errorf("generating session id: %w", err)
	}

	now := s.now()
	key := domain.SessionKey{
		SessionID: id,
		Secret:    secret,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}

	data, err := json.Marshal(key)
	if err != nil {
		return domain.SessionKey{}, fmt.Errorf("encoding session key: %w", err)
	}
	if err := s.kv.Put(ctx, keyPrefix+id, data, s.ttl); err != nil {
		return domain.SessionKey{}, fmt.Errorf("storing session key: %w", err)
	}

	s.logger.Debug("session key issued", "session_id", id, "expires_at", key.ExpiresAt)
	return key, nil
}

// Lookup returns the secret for sessionID. Unknown and expired sessions
// return domain.ErrSessionNotFound; a secret is never returned past its expiry
// even if the backing store has not evicted it yet.
func (s *Store) Lookup(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", domain.ErrSessionNotFound
	}

	data, err := s.kv.Get(ctx, keyPrefix+sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", domain.ErrSessionNotFound
		}
		return "", fmt.Errorf("looking up session key: %w", err)
	}

	var key domain.SessionKey
	if err := json.Unmarshal(data, &key); err != nil {
		return "", fmt.Errorf("decoding session key: %w", err)
	}
	if key.Expired(s.now()) {
		return "", domain.ErrSessionNotFound
	}
	return key.Secret, nil
}

// Consume deletes the session so it cannot sign another submission.
// Across concurrent callers exactly one gets true.
func (s *Store) Consume(ctx context.Context, sessionID string) (bool, error) {
	ok, err := s.kv.Delete(ctx, keyPrefix+sessionID)
	if err != nil {
		return false, fmt.Errorf("consuming session key: %w", err)
	}
	return ok, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
