package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeFile(t, `
server_id: srv-file
producer_url: https://cp.example/messaging
role_name: web
behaviors: [app, www]
send_backoff: [10ms, 20ms]
workers: 4
`)
	t.Setenv("FLEET_SERVER_ID", "srv-env")
	t.Setenv("FLEET_API_PORT", "9010")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "srv-env", cfg.ServerID)
	assert.Equal(t, "https://cp.example/messaging", cfg.ProducerURL)
	assert.Equal(t, []string{"app", "www"}, cfg.Behaviors)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, cfg.SendBackoff)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 9010, cfg.APIPort)
	assert.Equal(t, 8013, cfg.ConsumerPort)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("FLEET_CONFIG", "")
	t.Setenv("FLEET_SERVER_ID", "srv-1")
	t.Setenv("FLEET_PRODUCER_URL", "http://127.0.0.1:8008/messaging/")
	t.Setenv("FLEET_SEND_BACKOFF", "1s, 3s")

	cfg := DefaultConfig()
	require.NoError(t, cfg.loadEnv())
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "http://127.0.0.1:8008/messaging", cfg.ProducerURL)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, cfg.SendBackoff)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessageFormat = "protobuf"
	cfg.Workers = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server_id is required")
	assert.Contains(t, err.Error(), "producer_url is required")
	assert.Contains(t, err.Error(), "message_format")
	assert.Contains(t, err.Error(), "workers")
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogDir = t.TempDir()
	cfg.Debug = true

	logger, err := NewLogger(cfg, "agent")
	require.NoError(t, err)
	logger.Debug("hello", "k", "v")

	data, err := os.ReadFile(filepath.Join(cfg.LogDir, "agent.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}
