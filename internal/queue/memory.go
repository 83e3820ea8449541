package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/score-integrity/internal/domain"
)

// Memory is an in-process Queue
type Memory struct {
	mu       sync.Mutex
	ready    []domain.RevalidationJob
	signal   chan struct{}
	timers   map[string]*time.Timer
	inFlight int
	closed   bool
	now      func() time.Time
}

// NewMemory creates an empty in-process queue
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		signal: make(chan struct{}, 1),
		timers: make(map[string]*time.Timer),
		now:    now,
	}
}

func (q *Memory) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Memory) Enqueue(_ context.Context, job domain.RevalidationJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.ErrQueueClosed
	}
	q.ready = append(q.ready, job)
	q.notify()
	return nil
}

func (q *Memory) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, domain.ErrQueueClosed
		}
		if len(q.ready) > 0 {
			job := q.ready[0]
			q.ready = q.ready[1:]
			q.inFlight++
			if len(q.ready) > 0 {
				q.notify()
			}
			q.mu.Unlock()
			return &memoryDelivery{queue: q, job: job}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Close stops pending retries and wakes blocked consumers
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	close(q.signal)
	return nil
}

// Len returns the number of jobs ready for delivery
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Pending returns ready, delayed and in-flight jobs together
func (q *Memory) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.timers) + q.inFlight
}

func (q *Memory) settle() {
	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()
}

func (q *Memory) requeue(job domain.RevalidationJob, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight--
	if q.closed {
		return
	}
	if delay <= 0 {
		q.ready = append(q.ready, job)
		q.notify()
		return
	}
	q.timers[job.ID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, job.ID)
		if q.closed {
			return
		}
		q.ready = append(q.ready, job)
		q.notify()
	})
}

type memoryDelivery struct {
	queue *Memory
	job   domain.RevalidationJob
	once  sync.Once
}

func (d *memoryDelivery) Job() domain.RevalidationJob {
	return d.job
}

func (d *memoryDelivery) Ack(context.Context) error {
	d.once.Do(d.queue.settle)
	return nil
}

func (d *memoryDelivery) Nack(_ context.Context, delay time.Duration) error {
	d.once.Do(func() {
		d.queue.requeue(Retry(d.job, d.queue.now(), delay), delay)
	})
	return nil
}

// MemoryDeadLetters is an in-process DeadLetters store
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters map[string]domain.DeadLetter
	now     func() time.Time
}

// NewMemoryDeadLetters creates an empty dead letter store
func NewMemoryDeadLetters(now func() time.Time) *MemoryDeadLetters {
	if now == nil {
		now = time.Now
	}
	return &MemoryDeadLetters{letters: make(map[string]domain.DeadLetter), now: now}
}

func (m *MemoryDeadLetters) Put(_ context.Context, dl domain.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.letters[dl.JobID] = dl
	return nil
}

func (m *MemoryDeadLetters) List(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	m.mu.Lock()
	var out []domain.DeadLetter
	for _, dl := range m.letters {
		if dl.ResolvedAt == nil {
			out = append(out, dl)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryDeadLetters) Resolve(_ context.Context, scoreID, resolution string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	resolved := false
	for id, dl := range m.letters {
		if dl.ScoreID != scoreID || dl.ResolvedAt != nil {
			continue
		}
		dl.ResolvedAt = &now
		dl.Resolution = resolution
		m.letters[id] = dl
		resolved = true
	}
	return resolved, nil
}
