package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadWorker_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadWorker("")
	require.NoError(t, err)

	assert.Equal(t, ":50051", cfg.Server.Addr)
	assert.Equal(t, "localhost:9090", cfg.Coordinator.Addr)
	assert.Equal(t, 30*time.Second, cfg.Task.CancellationInterval)
	assert.Equal(t, 180*time.Second, cfg.Task.CancellationTimeout)
	assert.Equal(t, 1024, cfg.Task.RetainedTerminalTasks)
	assert.Equal(t, 4, cfg.Notifications.Workers)
	assert.Equal(t, 256, cfg.Notifications.QueueSize)
	assert.Equal(t, 5, cfg.Notifications.MaxAttempts)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.NotEmpty(t, cfg.Task.PartitionsDir)
}

func TestLoadWorker_FileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
task:
  cancellation_interval: 5s
  cancellation_timeout: 1m
  partitions_dir: /var/lib/gorun
notifications:
  workers: 2
logging:
  level: debug
`)
	t.Setenv("GORUN_WORKER_NOTIFICATIONS_WORKERS", "8")
	t.Setenv("GORUN_WORKER_COORDINATOR_ADDR", "coordinator:9090")

	cfg, err := LoadWorker(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Task.CancellationInterval)
	assert.Equal(t, time.Minute, cfg.Task.CancellationTimeout)
	assert.Equal(t, "/var/lib/gorun", cfg.Task.PartitionsDir)
	assert.Equal(t, 8, cfg.Notifications.Workers)
	assert.Equal(t, "coordinator:9090", cfg.Coordinator.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadWorker_InvalidFile(t *testing.T) {
	path := writeConfig(t, "task: [not, a, map")

	_, err := LoadWorker(path)
	require.ErrorContains(t, err, "error reading config file")
}

func TestLoadCoordinator_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadCoordinator("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.REST.Addr)
	assert.Equal(t, ":9090", cfg.GRPC.Addr)
	assert.Equal(t, 5*time.Second, cfg.GRPC.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, cfg.Health.StaleTimeout)
	assert.Equal(t, 3, cfg.Executions.MaxAttempts)
}

func TestLoadCoordinator_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GORUN_COORDINATOR_HEALTH_STALE_TIMEOUT", "42s")

	cfg, err := LoadCoordinator("")
	require.NoError(t, err)
	assert.Equal(t, 42*time.Second, cfg.Health.StaleTimeout)
}
