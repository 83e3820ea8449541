package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/score-integrity/internal/config"
	"github.com/score-integrity/internal/domain"
	"github.com/score-integrity/internal/queue"
)

const redeliverDelay = time.Second

// Queue is a queue.Queue on a Kafka topic. Jobs are produced synchronously
// keyed by score id. The consumer group hands out one message per partition
// at a time and marks its offset only once the job is acked or requeued, so
// a crash redelivers it.
type Queue struct {
	config     *config.KafkaConfig
	producer   sarama.SyncProducer
	group      sarama.ConsumerGroup
	deliveries chan *delivery
	logger     *slog.Logger
	now        func() time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewSaramaConfig returns the client settings shared by producer and consumer
func NewSaramaConfig(cfg *config.KafkaConfig) *sarama.Config {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.ClientID = cfg.ClientID
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Return.Errors = true
	return saramaConfig
}

// Dial connects a producer and, when consume is set, a consumer group
func Dial(cfg *config.KafkaConfig, consume bool, logger *slog.Logger) (*Queue, error) {
	saramaConfig := NewSaramaConfig(cfg)
	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}

	var group sarama.ConsumerGroup
	if consume {
		group, err = sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
		if err != nil {
			producer.Close()
			return nil, fmt.Errorf("creating consumer group: %w", err)
		}
	}
	return NewQueue(cfg, producer, group, logger), nil
}

// NewQueue wraps an existing producer and optional consumer group
func NewQueue(cfg *config.KafkaConfig, producer sarama.SyncProducer, group sarama.ConsumerGroup, logger *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		config:     cfg,
		producer:   producer,
		group:      group,
		deliveries: make(chan *delivery, cfg.Buffer),
		logger:     logger,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (q *Queue) Enqueue(ctx context.Context, job domain.RevalidationJob) error {
	if q.ctx.Err() != nil {
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

	_, _, err = q.producer.SendMessage(&sarama.ProducerMessage{
		Topic: q.config.Topic,
		Key:   sarama.StringEncoder(job.ScoreID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("producing job: %w", err)
	}
	return nil
}

// Start begins consuming the topic and blocks until the first session is set up
func (q *Queue) Start() error {
	if q.group == nil {
		return errors.New("kafka queue has no consumer group")
	}
	q.logger.Info("starting Kafka consumer",
		"brokers", q.config.Brokers,
		"topic", q.config.Topic,
		"group_id", q.config.GroupID,
	)

	// Each session closes its own channel in Setup; Start only waits for the first
	ready := make(chan bool)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		sessionReady := ready
		for {
			handler := &groupHandler{queue: q, ready: sessionReady}
			if err := q.group.Consume(q.ctx, []string{q.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				q.logger.Error("error from consumer", "error", err)
			}

			// Check if context was cancelled
			if q.ctx.Err() != nil {
				return
			}
			sessionReady = make(chan bool)
		}
	}()

	select {
	case <-ready:
		q.logger.Info("Kafka consumer ready")
	case <-q.ctx.Done():
		return domain.ErrQueueClosed
	}

	// Handle errors in separate goroutine
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-q.ctx.Done():
				return
			case err, ok := <-q.group.Errors():
				if !ok {
					return
				}
				q.logger.Error("consumer group error", "error", err)
			}
		}
	}()
	return nil
}

func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	select {
	case d := <-q.deliveries:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.ctx.Done():
		return nil, domain.ErrQueueClosed
	}
}

// Close stops consuming and closes the Kafka clients
func (q *Queue) Close() error {
	var errs []error
	q.closeOnce.Do(func() {
		q.logger.Info("stopping Kafka queue")
		q.cancel()
		if q.group != nil {
			errs = append(errs, q.group.Close())
		}
		q.wg.Wait()
		errs = append(errs, q.producer.Close())
	})
	return errors.Join(errs...)
}

type delivery struct {
	queue   *Queue
	session sarama.ConsumerGroupSession
	message *sarama.ConsumerMessage
	job     domain.RevalidationJob
	done    chan bool
	once    sync.Once
}

func (d *delivery) Job() domain.RevalidationJob {
	return d.job
}

func (d *delivery) settle(marked bool) {
	d.once.Do(func() {
		if marked {
			d.session.MarkMessage(d.message, "")
		}
		d.done <- marked
	})
}

func (d *delivery) Ack(context.Context) error {
	d.settle(true)
	return nil
}

// Nack republishes the job with its next attempt and NotBefore, then marks
// the original. If the republish fails the original is offered again.
func (d *delivery) Nack(ctx context.Context, delay time.Duration) error {
	next := queue.Retry(d.job, d.queue.now(), delay)
	if err := d.queue.Enqueue(ctx, next); err != nil {
		d.settle(false)
		return fmt.Errorf("requeueing job: %w", err)
	}
	d.settle(true)
	return nil
}

// groupHandler implements sarama.ConsumerGroupHandler
type groupHandler struct {
	queue *Queue
	ready chan bool
}

// Setup is called at the beginning of a new session
func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim hands messages of one partition to the workers strictly one
// after another
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	logger := h.queue.logger
	for {
		select {
		case <-session.Context().Done():
			return nil

		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			var job domain.RevalidationJob
			if err := json.Unmarshal(message.Value, &job); err != nil {
				logger.Warn("failed to unmarshal job",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				session.MarkMessage(message, "")
				continue
			}

			if !h.waitUntil(session.Context(), job.NotBefore) {
				return nil
			}
			for {
				d := &delivery{
					queue:   h.queue,
					session: session,
					message: message,
					job:     job,
					done:    make(chan bool, 1),
				}
				marked, ok := h.handOff(session.Context(), d)
				if !ok {
					return nil
				}
				if marked {
					break
				}
				if !h.waitUntil(session.Context(), h.queue.now().Add(redeliverDelay)) {
					return nil
				}
			}
		}
	}
}

// handOff offers d to a worker and waits for it to be settled
func (h *groupHandler) handOff(ctx context.Context, d *delivery) (marked, ok bool) {
	select {
	case h.queue.deliveries <- d:
	case <-ctx.Done():
		return false, false
	}
	select {
	case marked = <-d.done:
		return marked, true
	case <-ctx.Done():
		return false, false
	}
}

func (h *groupHandler) waitUntil(ctx context.Context, at time.Time) bool {
	wait := at.Sub(h.queue.now())
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
