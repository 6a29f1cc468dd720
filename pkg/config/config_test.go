package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/marketsync/pkg/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "marketsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults without file", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default().Transfer.BatchSize, cfg.Transfer.BatchSize)
		assert.Equal(t, 3*time.Second, cfg.Queue.BackoffInitial)
		assert.Equal(t, 2*time.Minute, cfg.Queue.LeaseTimeout)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := writeConfig(t, `
database:
  driver: postgres
  dsn: postgres://localhost/marketsync
transfer:
  batch_size: 250
queue:
  poll_interval: 250ms
kafka:
  topic:
    partitions: 3
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "postgres", cfg.Database.Driver)
		assert.Equal(t, 250, cfg.Transfer.BatchSize)
		assert.Equal(t, 250*time.Millisecond, cfg.Queue.PollInterval)
		assert.Equal(t, 3, cfg.Kafka.Topic.Partitions)
		assert.Equal(t, 1, cfg.Kafka.Topic.Replicas)
	})

	t.Run("substitutes env references", func(t *testing.T) {
		t.Setenv("MS_TEST_REDIS", "redis.internal:6380")
		path := writeConfig(t, "redis:\n  addr: ${MS_TEST_REDIS}\n")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	})

	t.Run("env overrides file", func(t *testing.T) {
		t.Setenv("MARKETSYNC_KUBERNETES_NAMESPACE", "streams")
		path := writeConfig(t, "kubernetes:\n  namespace: kafka\n")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "streams", cfg.Kubernetes.Namespace)
	})

	t.Run("invalid values", func(t *testing.T) {
		path := writeConfig(t, "transfer:\n  batch_size: 0\n")

		_, err := Load(path)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		assert.Contains(t, err.Error(), "transfer.batch_size")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "mysql"
	cfg.S3.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "s3.bucket")
}

func TestDump(t *testing.T) {
	data, err := Dump(Default())
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "queue")
	assert.Contains(t, decoded, "kafka")
}
