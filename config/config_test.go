package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esmero/strawberry-runners-sub000/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultNATSURL, cfg.NATS.URL)
	assert.Equal(t, "sbr-assets", cfg.NATS.Bucket("assets"))
	assert.Equal(t, "@every 5s", cfg.Queues.RealtimeSchedule)
	assert.Equal(t, 2, cfg.Queues.RealtimeWorkers)
	assert.Equal(t, 3*time.Second, cfg.Scheduler.WakePeriod())
	assert.Equal(t, 5, cfg.Scheduler.IdleBudget)
	assert.Equal(t, 2, cfg.Scheduler.MaxChildren)
	assert.Equal(t, DefaultDatasource, cfg.Datasource)
	assert.Equal(t, DefaultMetricsAddr, cfg.Metrics.Addr)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
nats:
  url: nats://queue.example.org:4222
  bucket_prefix: prod
queues:
  realtime_schedule: "@every 2s"
  background_schedule: "*/5 * * * *"
  background_rate: 1.5
scheduler:
  enabled: true
  wake_seconds: 10
  idle_budget: 12
  max_children: 4
indexes:
  - id: solr-main
    endpoint: http://solr:8983/sbr
    datasources: [strawberryfield_flavor_datasource]
    timeout_seconds: 8
storage:
  root: /data/files
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://queue.example.org:4222", cfg.NATS.URL)
	assert.Equal(t, "prod-tracking", cfg.NATS.Bucket("tracking"))
	assert.Equal(t, 1.5, cfg.Queues.BackgroundRate)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.WakePeriod())
	assert.Equal(t, 4, cfg.Scheduler.MaxChildren)
	assert.Equal(t, "/data/files", cfg.Storage.Root)

	require.Len(t, cfg.Indexes, 1)
	hc := cfg.Indexes[0].HTTP()
	assert.Equal(t, "solr-main", hc.ID)
	assert.Equal(t, 8*time.Second, hc.Timeout)
	assert.Equal(t, []string{"strawberryfield_flavor_datasource"}, hc.Datasources)
}

func TestLoadExpandsEnvReferences(t *testing.T) {
	t.Setenv("TEST_SOLR_TOKEN", "sekrit")
	path := writeConfig(t, `
indexes:
  - id: solr-main
    endpoint: http://solr:8983/sbr
    headers:
      Authorization: "Bearer ${TEST_SOLR_TOKEN}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Bearer sekrit", cfg.Indexes[0].Headers["Authorization"])
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("NATS_URL", "nats://override:4222")
	t.Setenv("SBR_LOG_LEVEL", "warn")
	path := writeConfig(t, `
nats:
  url: nats://file:4222
logging:
  level: info
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://override:4222", cfg.NATS.URL)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateRejectsBadSchedule(t *testing.T) {
	path := writeConfig(t, `
queues:
  realtime_schedule: "whenever"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidateRejectsDuplicateIndex(t *testing.T) {
	path := writeConfig(t, `
indexes:
  - id: solr-main
    endpoint: http://a:8983
  - id: solr-main
    endpoint: http://b:8983
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: chatty
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoggerLevels(t *testing.T) {
	logger := LoggingConfig{Level: "error", Format: "text"}.Logger()
	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(nil, slog.LevelInfo))
	assert.True(t, logger.Enabled(nil, slog.LevelError))
}
