// Package broadcast fans leaderboard deltas out to subscribers by topic.
package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/score-integrity/internal/domain"
)

// Broadcaster publishes deltas to every current subscriber of a topic.
// Delivery is best effort and carries no ordering across topics.
type Broadcaster interface {
	Publish(ctx context.Context, topic string, delta domain.LeaderboardDelta) error

	// Subscribe returns a stream that is closed once ctx is done.
	Subscribe(ctx context.Context, topic string) (<-chan domain.LeaderboardDelta, error)
}

// LeaderboardTopic names the topic a level's board for period publishes on
func LeaderboardTopic(levelID string, period domain.Period) string {
	return "leaderboard:" + levelID + ":" + string(period)
}

type subscriber struct {
	ch chan domain.LeaderboardDelta
}

// Memory is an in-process Broadcaster. A subscriber that falls behind by
// more than its buffer misses deltas rather than stalling publishers.
type Memory struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	buffer int
	logger *slog.Logger
}

// NewMemory creates an in-process broadcaster
func NewMemory(buffer int, logger *slog.Logger) *Memory {
	if buffer <= 0 {
		buffer = 64
	}
	return &Memory{
		topics: make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

func (m *Memory) Publish(_ context.Context, topic string, delta domain.LeaderboardDelta) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for sub := range m.topics[topic] {
		select {
		case sub.ch <- delta:
		default:
			m.logger.Warn("subscriber buffer full, dropping delta", "topic", topic)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan domain.LeaderboardDelta, error) {
	sub := &subscriber{ch: make(chan domain.LeaderboardDelta, m.buffer)}

	m.mu.Lock()
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[*subscriber]struct{})
	}
	m.topics[topic][sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.topics[topic], sub)
		if len(m.topics[topic]) == 0 {
			delete(m.topics, topic)
		}
		m.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch, nil
}

// Subscribers returns the number of live subscriptions on topic
func (m *Memory) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}
