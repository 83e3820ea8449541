package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/score-integrity/internal/domain"
	"github.com/score-integrity/internal/queue"
)

const promoteBatch = 100

var promoteDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, raw in ipairs(due) do
	redis.call('ZREM', KEYS[1], raw)
	redis.call('LPUSH', KEYS[2], raw)
end
return #due
`)

// Queue is a queue.Queue on Redis lists. Dequeue moves a job atomically
// from the ready list to the processing list, so a worker that dies before
// acking leaves the job in processing where Recover finds it. Nacked jobs
// wait in a sorted set scored by their NotBefore.
type Queue struct {
	client *redis.Client
	ready  string
	active string
	later  string
	poll   time.Duration
	closed atomic.Bool
	now    func() time.Time
	logger *slog.Logger
}

// NewQueue creates a Redis job queue named name under prefix
func NewQueue(client *redis.Client, prefix, name string, poll time.Duration, logger *slog.Logger) *Queue {
	base := fmt.Sprintf("%squeue:%s", prefix, name)
	return &Queue{
		client: client,
		ready:  base + ":ready",
		active: base + ":processing",
		later:  base + ":delayed",
		poll:   poll,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock replaces the time source, for tests
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

func (q *Queue) Enqueue(ctx context.Context, job domain.RevalidationJob) error {
	if q.closed.Load() {
		return domain.ErrQueueClosed
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	if err := q.client.LPush(ctx, q.ready, data).Err(); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

// promote moves delayed jobs whose time has come onto the ready list. The
// claim and the push run as one script, so a job is never in neither place.
func (q *Queue) promote(ctx context.Context) (int64, error) {
	moved, err := promoteDue.Run(ctx, q.client, []string{q.later, q.ready},
		q.now().UnixMilli(), promoteBatch).Int64()
	if err != nil {
		return 0, fmt.Errorf("promoting delayed jobs: %w", err)
	}
	return moved, nil
}

func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	for {
		if q.closed.Load() {
			return nil, domain.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := q.promote(ctx); err != nil {
			return nil, err
		}

		raw, err := q.client.BLMove(ctx, q.ready, q.active, "RIGHT", "LEFT", q.poll).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("dequeueing job: %w", err)
		}

		var job domain.RevalidationJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Error("dropping undecodable job", "error", err)
			q.client.LRem(ctx, q.active, 1, raw)
			continue
		}
		return &redisDelivery{queue: q, raw: raw, job: job}, nil
	}
}

// Recover returns every job left in the processing list to the ready list.
// Call it before workers start, while no delivery is outstanding.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.active, q.ready, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("recovering jobs: %w", err)
		}
		moved++
	}
	if moved > 0 {
		q.logger.Info("recovered in-flight jobs", "count", moved)
	}
	return moved, nil
}

// Close makes further Enqueue and Dequeue calls fail; the client stays open
func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}

// Depth reports the ready, processing and delayed job counts
func (q *Queue) Depth(ctx context.Context) (ready, processing, delayed int64, err error) {
	pipe := q.client.Pipeline()
	readyCmd := pipe.LLen(ctx, q.ready)
	activeCmd := pipe.LLen(ctx, q.active)
	laterCmd := pipe.ZCard(ctx, q.later)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return readyCmd.Val(), activeCmd.Val(), laterCmd.Val(), nil
}

type redisDelivery struct {
	queue *Queue
	raw   string
	job   domain.RevalidationJob
}

func (d *redisDelivery) Job() domain.RevalidationJob {
	return d.job
}

func (d *redisDelivery) Ack(ctx context.Context) error {
	if err := d.queue.client.LRem(ctx, d.queue.active, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("acking job: %w", err)
	}
	return nil
}

func (d *redisDelivery) Nack(ctx context.Context, delay time.Duration) error {
	next := queue.Retry(d.job, d.queue.now(), delay)
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	_, err = d.queue.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, d.queue.active, 1, d.raw)
		if delay <= 0 {
			pipe.LPush(ctx, d.queue.ready, data)
		} else {
			pipe.ZAdd(ctx, d.queue.later, redis.Z{Score: float64(next.NotBefore.UnixMilli()), Member: data})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("nacking job: %w", err)
	}
	return nil
}
