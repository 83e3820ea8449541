package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Redis        RedisConfig        `yaml:"redis"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Storage      StorageConfig      `yaml:"storage"`
	Session      SessionConfig      `yaml:"session"`
	Validation   ValidationConfig   `yaml:"validation"`
	Levels       LevelsConfig       `yaml:"levels"`
	Leaderboard  LeaderboardConfig  `yaml:"leaderboard"`
	Queue        QueueConfig        `yaml:"queue"`
	Revalidation RevalidationConfig `yaml:"revalidation"`
	Rebuild      RebuildConfig      `yaml:"rebuild"`
	Auth         AuthConfig         `yaml:"auth"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// Per client IP token bucket applied to every route.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel maps the configured level name to a slog.Level
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	GroupID  string   `yaml:"group_id"`
	ClientID string   `yaml:"client_id"`

	// Deliveries buffered between the consumer group and the workers.
	Buffer int `yaml:"buffer"`
}

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverKafka    = "kafka"
)

// StorageConfig selects the backends for durable and volatile state
type StorageConfig struct {
	// Ledger, level catalog and dead letters: postgres or memory.
	Durable string `yaml:"durable"`

	// Session keys, boards, rate limiter and broadcast: redis or memory.
	Volatile string `yaml:"volatile"`

	// How often in-process stores drop expired keys and idle windows.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SessionConfig holds ephemeral session key settings
type SessionConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	SingleUse *bool         `yaml:"single_use"`
	KeyBytes  int           `yaml:"key_bytes"`
}

// IsSingleUse reports whether keys are consumed by the first accepted submission
func (c SessionConfig) IsSingleUse() bool {
	return c.SingleUse == nil || *c.SingleUse
}

// ValidationConfig holds synchronous submission check settings
type ValidationConfig struct {
	MaxClockSkew  time.Duration   `yaml:"max_clock_skew"`
	DurationGrace time.Duration   `yaml:"duration_grace"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds the sliding window submission cap
type RateLimitConfig struct {
	Window time.Duration `yaml:"window"`
	Max    int           `yaml:"max"`
}

// LevelsConfig holds level catalog settings
type LevelsConfig struct {
	CacheSize        int           `yaml:"cache_size"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	AllowUnknown     bool          `yaml:"allow_unknown"`
	DefaultMaxScore  int64         `yaml:"default_max_score"`
	DefaultTimeLimit time.Duration `yaml:"default_time_limit"`

	// Static levels, used by the memory driver and as seed data.
	Static []StaticLevel `yaml:"static"`
}

// StaticLevel is a level defined directly in configuration
type StaticLevel struct {
	ID        string        `yaml:"id"`
	GameID    string        `yaml:"game_id"`
	MaxScore  int64         `yaml:"max_score"`
	TimeLimit time.Duration `yaml:"time_limit"`
}

// LeaderboardConfig holds leaderboard-specific configuration
type LeaderboardConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

// QueueConfig selects and tunes the revalidation job queue
type QueueConfig struct {
	Driver string `yaml:"driver"`
	Name   string `yaml:"name"`

	// Poll interval for promoting delayed jobs (redis driver).
	PollInterval time.Duration `yaml:"poll_interval"`
}

// RevalidationConfig holds asynchronous revalidation worker settings
type RevalidationConfig struct {
	Enabled               bool          `yaml:"enabled"`
	Workers               int           `yaml:"workers"`
	Timeout               time.Duration `yaml:"timeout"`
	MaxAttempts           int           `yaml:"max_attempts"`
	RetryDelay            time.Duration `yaml:"retry_delay"`
	MaxRetryDelay         time.Duration `yaml:"max_retry_delay"`
	ReplayToleranceAbs    int64         `yaml:"replay_tolerance_abs"`
	ReplayToleranceRatio  float64       `yaml:"replay_tolerance_ratio"`
	StrictDurationGrace   time.Duration `yaml:"strict_duration_grace"`
	MinDuration           time.Duration `yaml:"min_duration"`
	MaxScorePerSecond     float64       `yaml:"max_score_per_second"`
	IdenticalRunThreshold int           `yaml:"identical_run_threshold"`
	RecentRuns            int           `yaml:"recent_runs"`
}

// RebuildConfig holds projector rebuild worker configuration
type RebuildConfig struct {
	Interval time.Duration `yaml:"interval"`
	Limit    int           `yaml:"limit"`
	Enabled  bool          `yaml:"enabled"`
}

// AuthConfig holds bearer token settings
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects combinations that cannot run
func (c *Config) Validate() error {
	switch c.Storage.Durable {
	case DriverMemory, DriverPostgres:
	default:
		return fmt.Errorf("unknown durable storage driver %q", c.Storage.Durable)
	}
	switch c.Storage.Volatile {
	case DriverMemory, DriverRedis:
	default:
		return fmt.Errorf("unknown volatile storage driver %q", c.Storage.Volatile)
	}
	switch c.Queue.Driver {
	case DriverMemory, DriverRedis, DriverKafka:
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}
	if c.Queue.Driver == DriverRedis && c.Storage.Volatile != DriverRedis {
		return fmt.Errorf("queue driver redis requires volatile storage redis")
	}
	if c.Revalidation.MaxAttempts < 1 {
		return fmt.Errorf("revalidation.max_attempts must be at least 1")
	}
	if c.Storage.SweepInterval < 0 {
		return fmt.Errorf("storage.sweep_interval must not be negative")
	}
	if c.Storage.Durable == DriverPostgres && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required with durable storage postgres")
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Server.RequestsPerSecond == 0 {
		c.Server.RequestsPerSecond = 20
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = 40
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "si:"
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "score-revalidation"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "score-revalidators"
	}
	if c.Kafka.ClientID == "" {
		c.Kafka.ClientID = "score-integrity"
	}
	if c.Kafka.Buffer == 0 {
		c.Kafka.Buffer = 64
	}

	// Storage defaults
	if c.Storage.Durable == "" {
		c.Storage.Durable = DriverPostgres
	}
	if c.Storage.Volatile == "" {
		c.Storage.Volatile = DriverRedis
	}
	if c.Storage.SweepInterval == 0 {
		c.Storage.SweepInterval = time.Minute
	}

	// Session defaults
	if c.Session.TTL == 0 {
		c.Session.TTL = 30 * time.Second
	}
	if c.Session.KeyBytes == 0 {
		c.Session.KeyBytes = 32
	}

	// Validation defaults
	if c.Validation.MaxClockSkew == 0 {
		c.Validation.MaxClockSkew = 30 * time.Second
	}
	if c.Validation.DurationGrace == 0 {
		c.Validation.DurationGrace = 10 * time.Second
	}
	if c.Validation.RateLimit.Window == 0 {
		c.Validation.RateLimit.Window = time.Minute
	}
	if c.Validation.RateLimit.Max == 0 {
		c.Validation.RateLimit.Max = 10
	}

	// Level catalog defaults
	if c.Levels.CacheSize == 0 {
		c.Levels.CacheSize = 1024
	}
	if c.Levels.CacheTTL == 0 {
		c.Levels.CacheTTL = 5 * time.Minute
	}
	if c.Levels.DefaultMaxScore == 0 {
		c.Levels.DefaultMaxScore = 100000
	}
	if c.Levels.DefaultTimeLimit == 0 {
		c.Levels.DefaultTimeLimit = 60 * time.Second
	}

	// Leaderboard defaults
	if c.Leaderboard.DefaultLimit == 0 {
		c.Leaderboard.DefaultLimit = 100
	}
	if c.Leaderboard.MaxLimit == 0 {
		c.Leaderboard.MaxLimit = 1000
	}

	// Queue defaults
	if c.Queue.Driver == "" {
		c.Queue.Driver = DriverRedis
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "score-validation"
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = time.Second
	}

	// Revalidation defaults
	if c.Revalidation.Workers == 0 {
		c.Revalidation.Workers = 4
	}
	if c.Revalidation.Timeout == 0 {
		c.Revalidation.Timeout = 30 * time.Second
	}
	if c.Revalidation.MaxAttempts == 0 {
		c.Revalidation.MaxAttempts = 5
	}
	if c.Revalidation.RetryDelay == 0 {
		c.Revalidation.RetryDelay = time.Second
	}
	if c.Revalidation.MaxRetryDelay == 0 {
		c.Revalidation.MaxRetryDelay = time.Minute
	}
	if c.Revalidation.ReplayToleranceRatio == 0 {
		c.Revalidation.ReplayToleranceRatio = 0.01
	}
	if c.Revalidation.StrictDurationGrace == 0 {
		c.Revalidation.StrictDurationGrace = 5 * time.Second
	}
	if c.Revalidation.IdenticalRunThreshold == 0 {
		c.Revalidation.IdenticalRunThreshold = 5
	}
	if c.Revalidation.RecentRuns == 0 {
		c.Revalidation.RecentRuns = 20
	}

	// Rebuild defaults
	if c.Rebuild.Interval == 0 {
		c.Rebuild.Interval = 30 * time.Minute
	}
	if c.Rebuild.Limit == 0 {
		c.Rebuild.Limit = 10000
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Rebuild.Enabled = true
	cfg.Revalidation.Enabled = true
	return cfg
}

// MemoryConfig returns defaults with every backend held in process
func MemoryConfig() *Config {
	cfg := DefaultConfig()
	cfg.Storage.Durable = DriverMemory
	cfg.Storage.Volatile = DriverMemory
	cfg.Queue.Driver = DriverMemory
	cfg.Levels.AllowUnknown = true
	cfg.Auth.JWTSecret = "dev-secret"
	return cfg
}
