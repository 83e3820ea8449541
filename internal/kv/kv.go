// Package kv defines the shared key-value store the volatile components are built on.
package kv

import (
	"context"
	"time"
)

// Store is a concurrent-safe key-value store with per-key expiry.
//
// Get returns domain.ErrNotFound for absent or expired keys. Delete reports
// whether the key was present, and of concurrent deletes of one key exactly
// one observes true.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
}
