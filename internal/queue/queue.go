// Package queue carries revalidation jobs from the submission path to the
// workers with at-least-once delivery.
package queue

import (
	"context"
	"time"

	"github.com/score-integrity/internal/domain"
)

// Queue is a typed job queue. A dequeued job stays owned by its Delivery
// until it is acked or nacked; unacked jobs may be redelivered.
type Queue interface {
	Enqueue(ctx context.Context, job domain.RevalidationJob) error

	// Dequeue blocks until a job is ready, ctx is done or the queue closes.
	Dequeue(ctx context.Context) (Delivery, error)

	Close() error
}

// Delivery is one handed-out job
type Delivery interface {
	Job() domain.RevalidationJob

	// Ack removes the job for good.
	Ack(ctx context.Context) error

	// Nack requeues the job with Attempt+1, ready no earlier than delay from now.
	Nack(ctx context.Context, delay time.Duration) error
}

// DeadLetters holds jobs that exhausted their retries
type DeadLetters interface {
	Put(ctx context.Context, dl domain.DeadLetter) error

	// List returns unresolved dead letters, oldest first.
	List(ctx context.Context, limit int) ([]domain.DeadLetter, error)

	// Resolve closes every open dead letter of a score and reports whether any existed.
	Resolve(ctx context.Context, scoreID, resolution string) (bool, error)
}

// Retry returns job prepared for redelivery after delay
func Retry(job domain.RevalidationJob, now time.Time, delay time.Duration) domain.RevalidationJob {
	job.Attempt++
	job.NotBefore = now.Add(delay)
	return job
}
