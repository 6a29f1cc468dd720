// Package config provides the configuration object for marketsync.
//
// A single Config value is built at process start and handed to every
// component constructor; nothing reads ambient global state after that.
//
// The configuration is organized into logical sections:
//   - Log: zap logger settings
//   - Database: Offset Store backend (postgres or sqlite)
//   - Redis / Queue: durable job queue and worker pool
//   - Transfer: batch transfer engine tuning
//   - Remote: collaborator endpoints and HTTP client resilience
//   - Kubernetes / Kafka: streaming connector provisioning
//   - S3: optional object storage for file-shaped assets
//   - Metrics / Tracing: observability
//
// Example usage:
//
//	cfg, err := config.Load("marketsync.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.Transfer.BatchSize = 500
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ajitpratap0/marketsync/pkg/errors"
	"github.com/ajitpratap0/marketsync/pkg/logger"
)

// Config is the root configuration structure.
type Config struct {
	Log        logger.Config    `mapstructure:"log" yaml:"log"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Queue      QueueConfig      `mapstructure:"queue" yaml:"queue"`
	Transfer   TransferConfig   `mapstructure:"transfer" yaml:"transfer"`
	Remote     RemoteConfig     `mapstructure:"remote" yaml:"remote"`
	Kubernetes KubernetesConfig `mapstructure:"kubernetes" yaml:"kubernetes"`
	Kafka      KafkaConfig      `mapstructure:"kafka" yaml:"kafka"`
	S3         S3Config         `mapstructure:"s3" yaml:"s3"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
}

// DatabaseConfig selects and configures the Offset Store backend.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite"
	Driver string `mapstructure:"driver" yaml:"driver"`
	// DSN is a postgres connection string or a sqlite file path / URI
	DSN string `mapstructure:"dsn" yaml:"dsn"`
	// MaxConns caps the postgres pool size
	MaxConns int32 `mapstructure:"max_conns" yaml:"max_conns"`
}

// RedisConfig configures the connection backing the job queue.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// QueueConfig controls the durable job queue and its workers.
type QueueConfig struct {
	// Prefix namespaces every redis key used by the queue
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
	// Concurrency is the number of jobs one worker process runs at once
	Concurrency  int           `mapstructure:"concurrency" yaml:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// MaxAttempts is the per-job retry budget
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial"`
	// Retention is how long finished job records are kept
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
	// LeaseTimeout is how long a claimed job may go without a heartbeat
	// before another worker takes it back
	LeaseTimeout time.Duration `mapstructure:"lease_timeout" yaml:"lease_timeout"`
}

// TransferConfig tunes the batch transfer engine.
type TransferConfig struct {
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`
	// LocalAccessPrefix is used to build local access URLs when the requester
	// factory cannot be resolved
	LocalAccessPrefix string        `mapstructure:"local_access_prefix" yaml:"local_access_prefix"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// RemoteConfig lists collaborator endpoints and HTTP client resilience settings.
type RemoteConfig struct {
	RegistryURL     string `mapstructure:"registry_url" yaml:"registry_url"`
	MetadataURL     string `mapstructure:"metadata_url" yaml:"metadata_url"`
	StorageURL      string `mapstructure:"storage_url" yaml:"storage_url"`
	NotificationURL string `mapstructure:"notification_url" yaml:"notification_url"`
	// ServiceToken authenticates calls made on behalf of the platform itself
	ServiceToken string `mapstructure:"service_token" yaml:"service_token"`

	RateLimit        float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst        int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

// KubernetesConfig locates the cluster API used for streaming resources.
type KubernetesConfig struct {
	// Kubeconfig is empty for in-cluster configuration
	Kubeconfig  string `mapstructure:"kubeconfig" yaml:"kubeconfig"`
	Namespace   string `mapstructure:"namespace" yaml:"namespace"`
	ClusterName string `mapstructure:"cluster_name" yaml:"cluster_name"`
	// ConnectReplicas is the replica count of each mirror connector
	ConnectReplicas int `mapstructure:"connect_replicas" yaml:"connect_replicas"`
}

// KafkaConfig holds default topic settings and source verification options.
type KafkaConfig struct {
	Topic             TopicConfig `mapstructure:"topic" yaml:"topic"`
	VerifySourceTopic bool        `mapstructure:"verify_source_topic" yaml:"verify_source_topic"`
	SASLMechanism     string      `mapstructure:"sasl_mechanism" yaml:"sasl_mechanism"`
	EnableTLS         bool        `mapstructure:"enable_tls" yaml:"enable_tls"`
}

// TopicConfig is applied to every topic the connector manager creates.
type TopicConfig struct {
	Partitions   int   `mapstructure:"partitions" yaml:"partitions"`
	Replicas     int   `mapstructure:"replicas" yaml:"replicas"`
	RetentionMs  int64 `mapstructure:"retention_ms" yaml:"retention_ms"`
	SegmentBytes int64 `mapstructure:"segment_bytes" yaml:"segment_bytes"`
}

// S3Config enables object storage for file-shaped assets.
type S3Config struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Bucket   string `mapstructure:"bucket" yaml:"bucket"`
	Region   string `mapstructure:"region" yaml:"region"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	ServiceName  string  `mapstructure:"service_name" yaml:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate"`
}

// Default returns a configuration with every field set to a working value.
func Default() *Config {
	return &Config{
		Log: logger.Config{Level: "info", Encoding: "json"},
		Database: DatabaseConfig{
			Driver:   "sqlite",
			DSN:      "file:marketsync.db?_pragma=busy_timeout(5000)",
			MaxConns: 10,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Queue: QueueConfig{
			Prefix:         "marketsync",
			Concurrency:    4,
			PollInterval:   time.Second,
			MaxAttempts:    3,
			BackoffInitial: 3 * time.Second,
			Retention:      7 * 24 * time.Hour,
			LeaseTimeout:   2 * time.Minute,
		},
		Transfer: TransferConfig{
			BatchSize:         1000,
			LocalAccessPrefix: "http://localhost:8080",
			RequestTimeout:    2 * time.Minute,
		},
		Remote: RemoteConfig{
			RateLimit:        50,
			RateBurst:        10,
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		},
		Kubernetes: KubernetesConfig{
			Namespace:       "kafka",
			ClusterName:     "marketsync",
			ConnectReplicas: 1,
		},
		Kafka: KafkaConfig{
			Topic: TopicConfig{
				Partitions:   1,
				Replicas:     1,
				RetentionMs:  7 * 24 * 60 * 60 * 1000,
				SegmentBytes: 1 << 30,
			},
			SASLMechanism: "SCRAM-SHA-512",
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		Tracing: TracingConfig{ServiceName: "marketsync", SamplingRate: 1.0},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var problems []string

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("database.driver must be postgres or sqlite, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		problems = append(problems, "database.dsn is required")
	}
	if c.Queue.Concurrency <= 0 {
		problems = append(problems, "queue.concurrency must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		problems = append(problems, "queue.max_attempts must be positive")
	}
	if c.Queue.PollInterval <= 0 {
		problems = append(problems, "queue.poll_interval must be positive")
	}
	if c.Queue.LeaseTimeout <= 0 {
		problems = append(problems, "queue.lease_timeout must be positive")
	}
	if c.Transfer.BatchSize <= 0 {
		problems = append(problems, "transfer.batch_size must be positive")
	}
	if c.Kafka.Topic.Partitions <= 0 || c.Kafka.Topic.Replicas <= 0 {
		problems = append(problems, "kafka.topic partitions and replicas must be positive")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		problems = append(problems, "s3.bucket is required when s3 is enabled")
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrorTypeConfig, strings.Join(problems, "; "))
	}
	return nil
}
