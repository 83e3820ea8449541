// Package app assembles the storage, queue and broadcast backends selected
// by configuration into the components the binaries run.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/score-integrity/internal/broadcast"
	"github.com/score-integrity/internal/config"
	"github.com/score-integrity/internal/domain"
	"github.com/score-integrity/internal/kafka"
	"github.com/score-integrity/internal/kv"
	"github.com/score-integrity/internal/leaderboard"
	"github.com/score-integrity/internal/ledger"
	"github.com/score-integrity/internal/levels"
	"github.com/score-integrity/internal/metrics"
	"github.com/score-integrity/internal/postgres"
	"github.com/score-integrity/internal/queue"
	"github.com/score-integrity/internal/ratelimit"
	"github.com/score-integrity/internal/redis"
	"github.com/score-integrity/internal/session"
	"github.com/score-integrity/internal/validation"
	"github.com/score-integrity/internal/worker"
)

const broadcastBuffer = 256

// Check probes one backend for readiness
type Check func(ctx context.Context) error

// Stack holds the wired backends
type Stack struct {
	Ledger      ledger.Ledger
	DeadLetters queue.DeadLetters
	Catalog     *levels.Catalog
	Sessions    *session.Store
	Limiter     ratelimit.Limiter
	Broadcaster broadcast.Broadcaster
	Projector   *leaderboard.Projector
	Queue       queue.Queue

	// Pruner is set when boards are held in process and need explicit
	// cleanup of closed weekly windows.
	Pruner worker.Pruner

	Checks map[string]Check

	store   kv.Store
	closers []func()
	logger  *slog.Logger
}

// sweeper is an in-process store that only forgets expired state when asked
type sweeper interface {
	Sweep() int
}

// Open connects every backend cfg selects. consume controls whether a
// Kafka queue joins its consumer group; producers only need Enqueue.
func Open(ctx context.Context, cfg *config.Config, consume bool, logger *slog.Logger) (*Stack, error) {
	s := &Stack{
		Checks: make(map[string]Check),
		logger: logger,
	}
	if err := s.openDurable(ctx, cfg); err != nil {
		s.Close()
		return nil, err
	}
	client, err := s.openVolatile(ctx, cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := s.openQueue(ctx, cfg, client, consume); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stack) openDurable(ctx context.Context, cfg *config.Config) error {
	switch cfg.Storage.Durable {
	case config.DriverPostgres:
		s.logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(ctx, &cfg.Postgres, s.logger)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		s.closers = append(s.closers, repo.Close)

		if err := repo.RunMigrations(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		if err := repo.SeedLevels(ctx, staticLimits(cfg.Levels.Static)); err != nil {
			return fmt.Errorf("seeding levels: %w", err)
		}

		s.Ledger = repo
		s.DeadLetters = repo.DeadLetters()
		s.Catalog = levels.NewCatalog(repo, &cfg.Levels, s.logger)
		s.Checks["postgres"] = repo.Ping
	default:
		s.Ledger = ledger.NewMemory(time.Now)
		s.DeadLetters = queue.NewMemoryDeadLetters(time.Now)
		s.Catalog = levels.NewCatalog(levels.NewStatic(cfg.Levels.Static), &cfg.Levels, s.logger)
	}
	return nil
}

func (s *Stack) openVolatile(ctx context.Context, cfg *config.Config) (*goredis.Client, error) {
	var (
		store kv.Store
		board leaderboard.Board
	)
	window, limit := cfg.Validation.RateLimit.Window, cfg.Validation.RateLimit.Max

	switch cfg.Storage.Volatile {
	case config.DriverRedis:
		s.logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		client, err := redis.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { client.Close() })

		prefix := cfg.Redis.KeyPrefix
		store = redis.NewStore(client, prefix)
		board = redis.NewBoard(client, prefix)
		s.Limiter = redis.NewLimiter(client, prefix, window, limit)
		s.Broadcaster = redis.NewPubSub(client, prefix, broadcastBuffer, s.logger)
		s.Checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }

		s.finishVolatile(cfg, store, board)
		return client, nil
	default:
		memoryStore := kv.NewMemory(time.Now)
		memoryLimiter := ratelimit.NewMemory(window, limit, time.Now)
		memoryBoard := leaderboard.NewMemoryBoard()
		store = memoryStore
		board = memoryBoard
		s.Pruner = memoryBoard
		s.Limiter = memoryLimiter
		s.Broadcaster = broadcast.NewMemory(broadcastBuffer, s.logger)

		sweepCtx, cancel := context.WithCancel(ctx)
		s.closers = append(s.closers, cancel)
		go s.runSweeper(sweepCtx, "sessions", memoryStore, cfg.Storage.SweepInterval)
		go s.runSweeper(sweepCtx, "rate_limits", memoryLimiter, cfg.Storage.SweepInterval)

		s.finishVolatile(cfg, store, board)
		return nil, nil
	}
}

// runSweeper calls Sweep every interval until ctx is done
func (s *Stack) runSweeper(ctx context.Context, name string, target sweeper, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := target.Sweep(); n > 0 {
				s.logger.Debug("swept expired entries", "store", name, "removed", n)
			}
		}
	}
}

func (s *Stack) finishVolatile(cfg *config.Config, store kv.Store, board leaderboard.Board) {
	s.store = store
	s.Sessions = session.NewStore(store, &cfg.Session, s.logger)
	s.Projector = leaderboard.NewProjector(board, s.Broadcaster, &cfg.Leaderboard, s.logger)
}

func (s *Stack) openQueue(ctx context.Context, cfg *config.Config, client *goredis.Client, consume bool) error {
	switch cfg.Queue.Driver {
	case config.DriverKafka:
		s.logger.Info("connecting to Kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
		q, err := kafka.Dial(&cfg.Kafka, consume, s.logger)
		if err != nil {
			return fmt.Errorf("connecting to kafka: %w", err)
		}
		s.closers = append(s.closers, func() { q.Close() })
		if consume {
			if err := q.Start(); err != nil {
				return fmt.Errorf("starting kafka consumer: %w", err)
			}
		}
		s.Queue = q
	case config.DriverRedis:
		q := redis.NewQueue(client, cfg.Redis.KeyPrefix, cfg.Queue.Name, cfg.Queue.PollInterval, s.logger)
		s.closers = append(s.closers, func() { q.Close() })
		if consume {
			recovered, err := q.Recover(ctx)
			if err != nil {
				return fmt.Errorf("recovering in-flight jobs: %w", err)
			}
			if recovered > 0 {
				s.logger.Info("requeued in-flight revalidation jobs", "count", recovered)
			}
		}
		s.Queue = q
	default:
		q := queue.NewMemory(time.Now)
		s.closers = append(s.closers, func() { q.Close() })
		s.Queue = q
	}
	return nil
}

// Validator builds the synchronous submission validator
func (s *Stack) Validator(cfg *config.Config) *validation.Validator {
	return validation.NewValidator(s.Sessions, s.Catalog, s.Limiter, metrics.NewRejectObserver(s.logger), &cfg.Validation)
}

// Revalidator builds the revalidation worker pool over the stack's queue
func (s *Stack) Revalidator(cfg *config.Config) *worker.Revalidator {
	return worker.NewRevalidator(s.Queue, s.Ledger, s.Catalog, s.Projector, s.DeadLetters, &cfg.Revalidation, s.logger)
}

// RebuildWorker builds the periodic leaderboard rebuild
func (s *Stack) RebuildWorker(cfg *config.Config) *worker.RebuildWorker {
	return worker.NewRebuildWorker(s.Ledger, s.Projector, s.Pruner, &cfg.Rebuild, s.logger)
}

// Close releases backends in reverse order of opening
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func staticLimits(static []config.StaticLevel) []domain.LevelLimits {
	limits := make([]domain.LevelLimits, 0, len(static))
	for _, l := range static {
		limits = append(limits, domain.LevelLimits{
			LevelID:   l.ID,
			GameID:    l.GameID,
			MaxScore:  l.MaxScore,
			TimeLimit: l.TimeLimit,
		})
	}
	return limits
}
