package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarungka/watcher/checkpoint"
	"github.com/tarungka/watcher/internal/failure"
	"github.com/tarungka/watcher/sinks"
	"github.com/tarungka/watcher/sources"
)

const minimalYAML = `
data_db:
  connection_string: mongodb://localhost:27017/?replicaSet=rs0
  data_file: /tmp/watcher/data.json
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	f := NewFlagSet("test")
	require.NoError(t, f.Parse(args))
	return Load(koanf.New("."), f)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "watcher.yaml", minimalYAML)
	cfg, err := load(t, "--config", path)
	require.NoError(t, err)

	assert.Equal(t, "mongodb://localhost:27017/?replicaSet=rs0", cfg.DataDB.ConnectionString)
	assert.Equal(t, 10000, cfg.DataDB.Timeout)
	assert.Equal(t, sources.PolicyDefault, cfg.DataDB.FullDocument)
	assert.False(t, cfg.General.Debug)
	assert.Equal(t, DefaultLogFile, cfg.General.LogFile)
	assert.Equal(t, checkpoint.BackendFile, cfg.Checkpoint.Backend)
	assert.Equal(t, ".resume_token", cfg.Checkpoint.Path)
	assert.Equal(t, sinks.TypeFile, cfg.Sink.Type)
	assert.True(t, cfg.Sink.SyncEveryWrite)
	assert.Equal(t, "/tmp/watcher/data.json", cfg.Sink.Path)
	assert.Empty(t, cfg.HTTP.Address)
}

func TestLoad_FullYAML(t *testing.T) {
	path := writeConfig(t, "watcher.yml", `
general:
  debug: true
  log_file: /var/log/watcher.log
data_db:
  connection_string: mongodb://user:secret@db:27017/
  timeout: 2000
  database: app
  collection: users
  event_pipeline: '[{"$match": {"operationType": "insert"}}]'
  full_document: updateLookup
  data_file: /opt/data.json
checkpoint:
  backend: bbolt
  token_file: /var/lib/watcher/checkpoint.db
sink:
  type: kafka
  sync_every_write: false
  kafka:
    brokers: [kafka-1:9092, kafka-2:9092]
    topic: changes
    delivery_timeout: 45s
http:
  address: ":8080"
`)
	cfg, err := load(t, "-c", path)
	require.NoError(t, err)

	assert.True(t, cfg.General.Debug)
	assert.Equal(t, 2000, cfg.DataDB.Timeout)
	assert.Equal(t, "users", cfg.DataDB.Collection)
	assert.Equal(t, sources.PolicyUpdateLookup, cfg.DataDB.FullDocument)
	assert.Equal(t, checkpoint.BackendBolt, cfg.Checkpoint.Backend)
	require.NotNil(t, cfg.Sink.Kafka)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Sink.Kafka.Brokers)
	assert.Equal(t, 45*time.Second, cfg.Sink.Kafka.DeliveryTimeout)
	assert.False(t, cfg.Sink.SyncEveryWrite)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "watcher.json", `{"data_db": {"connection_string": "mongodb://h", "data_file": "d.json"}}`)
	cfg, err := load(t, "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "mongodb://h", cfg.DataDB.ConnectionString)
}

func TestLoad_EnvironmentAndFlagsOverride(t *testing.T) {
	path := writeConfig(t, "watcher.yaml", minimalYAML)
	t.Setenv("WATCHER_DATA_DB__TIMEOUT", "500")
	t.Setenv("WATCHER_CHECKPOINT__TOKEN_FILE", "/from/env")
	t.Setenv("WATCHER_GENERAL__LOG_FILE", "/env.log")

	cfg, err := load(t, "--config", path, "--token", "/from/flag", "--debug")
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.DataDB.Timeout)
	assert.Equal(t, "/from/flag", cfg.Checkpoint.Path, "flags win over the environment")
	assert.Equal(t, "/env.log", cfg.General.LogFile)
	assert.True(t, cfg.General.Debug)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "missing connection string", file: "a.yaml", content: "data_db:\n  data_file: x.json\n"},
		{name: "unknown full document policy", file: "b.yaml", content: minimalYAML + "  full_document: sometimes\n"},
		{name: "collection without database", file: "c.yaml", content: minimalYAML + "  collection: users\n"},
		{name: "bad pipeline", file: "d.yaml", content: minimalYAML + "  event_pipeline: '{not json'\n"},
		{name: "unknown backend", file: "e.yaml", content: minimalYAML + "checkpoint:\n  backend: redis\n"},
		{name: "kafka without section", file: "f.yaml", content: minimalYAML + "sink:\n  type: kafka\n"},
		{name: "kafka without topic", file: "g.yaml", content: minimalYAML + "sink:\n  type: kafka\n  kafka:\n    brokers: [k:9092]\n"},
		{name: "unsupported extension", file: "h.conf", content: minimalYAML},
		{name: "missing ca file", file: "i.yaml", content: minimalYAML + "  ssl_ca_cert_path: /does/not/exist\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.content)
			_, err := load(t, "--config", path)
			require.Error(t, err)
			assert.True(t, failure.Is(err, failure.Config), "got %v", err)
			assert.Equal(t, 2, failure.ExitCode(err))
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := load(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Config))
	assert.Contains(t, err.Error(), "must exist")
}

func TestValidate_ReportsKoanfNames(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data_db.connection_string")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "data_db.connection_string", envKey("WATCHER_DATA_DB__CONNECTION_STRING"))
	assert.Equal(t, "sink.kafka.topic", envKey("WATCHER_SINK__KAFKA__TOPIC"))
}
