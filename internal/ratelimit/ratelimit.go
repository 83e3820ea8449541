// Package ratelimit caps how many submissions one identity may make in a
// trailing window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits or refuses one more event for identity
type Limiter interface {
	Allow(ctx context.Context, identity string) (bool, error)
}

// Identity returns the key submissions are counted under: the user id when
// known, otherwise the client address.
func Identity(userID *string, clientIP string) string {
	if userID != nil && *userID != "" {
		return "user:" + *userID
	}
	return "ip:" + clientIP
}

type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

// Memory is an in-process sliding window limiter
type Memory struct {
	mu      sync.Mutex
	windows map[string]*window
	size    time.Duration
	max     int
	now     func() time.Time
}

// NewMemory creates a limiter admitting max events per size window
func NewMemory(size time.Duration, max int, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		windows: make(map[string]*window),
		size:    size,
		max:     max,
		now:     now,
	}
}

func (m *Memory) get(identity string) *window {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[identity]
	if !ok {
		w = &window{}
		m.windows[identity] = w
	}
	return w
}

func (m *Memory) Allow(_ context.Context, identity string) (bool, error) {
	w := m.get(identity)
	now := m.now()
	cutoff := now.Add(-m.size)

	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept

	if len(w.stamps) >= m.max {
		return false, nil
	}
	w.stamps = append(w.stamps, now)
	return true, nil
}

// Sweep forgets identities with no events inside the window
func (m *Memory) Sweep() int {
	cutoff := m.now().Add(-m.size)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, w := range m.windows {
		w.mu.Lock()
		idle := len(w.stamps) == 0 || !w.stamps[len(w.stamps)-1].After(cutoff)
		w.mu.Unlock()
		if idle {
			delete(m.windows, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked identities
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
