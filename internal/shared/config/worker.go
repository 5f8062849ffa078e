package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// WorkerConfig contains all configuration for the worker service.
type WorkerConfig struct {
	Server        ServerConfig          `mapstructure:"server"`
	Coordinator   CoordinatorConnConfig `mapstructure:"coordinator"`
	Task          TaskConfig            `mapstructure:"task"`
	Notifications NotificationsConfig   `mapstructure:"notifications"`
	Logging       LoggingConfig         `mapstructure:"logging"`
}

// ServerConfig contains the worker's REST query surface configuration.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// CoordinatorConnConfig contains coordinator connection configuration.
type CoordinatorConnConfig struct {
	Addr             string           `mapstructure:"addr"`
	GRPC             WorkerGRPCConfig `mapstructure:"grpc"`
	PollInterval     time.Duration    `mapstructure:"poll_interval"`
	MaxPollBackoff   time.Duration    `mapstructure:"max_poll_backoff"`
	RegisterAttempts int              `mapstructure:"register_attempts"`
}

// WorkerGRPCConfig contains worker gRPC client configuration.
type WorkerGRPCConfig struct {
	KeepaliveTime    time.Duration `mapstructure:"keepalive_time"`
	KeepaliveTimeout time.Duration `mapstructure:"keepalive_timeout"`
}

// TaskConfig controls task execution and teardown.
type TaskConfig struct {
	CancellationInterval  time.Duration `mapstructure:"cancellation_interval"`
	CancellationTimeout   time.Duration `mapstructure:"cancellation_timeout"`
	PartitionsDir         string        `mapstructure:"partitions_dir"`
	RetainedTerminalTasks int           `mapstructure:"retained_terminal_tasks"`
}

// NotificationsConfig controls delivery of task events to the coordinator.
type NotificationsConfig struct {
	Workers     int `mapstructure:"workers"`
	QueueSize   int `mapstructure:"queue_size"`
	MaxAttempts int `mapstructure:"max_attempts"`
}

// LoadWorker loads the worker configuration from the given path.
// If configPath is empty, it looks for worker.yaml in the config/ directory.
// Environment variables with GORUN_WORKER_ prefix override config file values.
func LoadWorker(configPath string) (*WorkerConfig, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":50051")
	v.SetDefault("coordinator.addr", "localhost:9090")
	v.SetDefault("coordinator.grpc.keepalive_time", 30*time.Second)
	v.SetDefault("coordinator.grpc.keepalive_timeout", 5*time.Second)
	v.SetDefault("coordinator.poll_interval", time.Second)
	v.SetDefault("coordinator.max_poll_backoff", 10*time.Second)
	v.SetDefault("coordinator.register_attempts", 5)
	v.SetDefault("task.cancellation_interval", 30*time.Second)
	v.SetDefault("task.cancellation_timeout", 180*time.Second)
	v.SetDefault("task.partitions_dir", filepath.Join(os.TempDir(), "gorun-partitions"))
	v.SetDefault("task.retained_terminal_tasks", 1024)
	v.SetDefault("notifications.workers", 4)
	v.SetDefault("notifications.queue_size", 256)
	v.SetDefault("notifications.max_attempts", 5)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	var cfg WorkerConfig
	if err := load(v, configPath, "worker", "GORUN_WORKER", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
