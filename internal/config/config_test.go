package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9000\nauth:\n  jwt_secret: s3cret\n"))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Storage.Durable)
	assert.Equal(t, DriverRedis, cfg.Storage.Volatile)
	assert.Equal(t, DriverRedis, cfg.Queue.Driver)
	assert.Equal(t, 30*time.Second, cfg.Session.TTL)
	assert.True(t, cfg.Session.IsSingleUse())
	assert.Equal(t, 30*time.Second, cfg.Validation.MaxClockSkew)
	assert.Equal(t, 10, cfg.Validation.RateLimit.Max)
	assert.Equal(t, 5, cfg.Revalidation.MaxAttempts)
	assert.False(t, cfg.Revalidation.Enabled)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("SCORES_TEST_SECRET", "s3cret")
	cfg, err := Load(writeConfig(t, "auth:\n  jwt_secret: ${SCORES_TEST_SECRET}\nsession:\n  single_use: false\n"))
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.False(t, cfg.Session.IsSingleUse())
}

func TestLoadSample(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := Load(filepath.Join("..", "..", "config.yaml"))
	require.NoError(t, err)

	require.Len(t, cfg.Levels.Static, 2)
	assert.Equal(t, StaticLevel{ID: "lvl-1", GameID: "runner", MaxScore: 100000, TimeLimit: time.Minute}, cfg.Levels.Static[0])
	assert.True(t, cfg.Revalidation.Enabled)
	assert.True(t, cfg.Rebuild.Enabled)
}

func TestLoadSampleRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load(filepath.Join("..", "..", "config.yaml"))
	assert.ErrorContains(t, err, "jwt_secret")
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"missing file":     "",
		"bad yaml":         "server: [",
		"unknown durable":  "storage:\n  durable: mysql\n",
		"unknown volatile": "storage:\n  volatile: memcached\n",
		"unknown queue":    "queue:\n  driver: sqs\n",
		"redis queue":      "storage:\n  volatile: memory\nqueue:\n  driver: redis\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "absent.yaml")
			if body != "" {
				path = writeConfig(t, body)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestMemoryConfig(t *testing.T) {
	cfg := MemoryConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverMemory, cfg.Storage.Durable)
	assert.Equal(t, DriverMemory, cfg.Queue.Driver)
	assert.True(t, cfg.Levels.AllowUnknown)
	assert.NotEmpty(t, cfg.Auth.JWTSecret)

	// The development secret never leaks into the durable defaults.
	assert.Empty(t, DefaultConfig().Auth.JWTSecret)
	assert.ErrorContains(t, DefaultConfig().Validate(), "jwt_secret")
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LogConfig{Level: "DEBUG"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, LogConfig{Level: "warning"}.SlogLevel())
	assert.Equal(t, slog.LevelError, LogConfig{Level: "error"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, LogConfig{}.SlogLevel())
}

func TestConnectionString(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "scores"}
	assert.Equal(t, "postgres://u:p@db:5432/scores?sslmode=disable", cfg.ConnectionString())
}
