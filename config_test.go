package someip

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
address: 127.0.0.1
port: 30509
workers: 8
max_message_size: 4096
reconnect_interval: 2s
socket:
  qos:
    enabled: true
    priority: 5
  keep_alive:
    enabled: true
    time: 30s
    interval: 5s
    retry_count: 4
log:
  level: debug
provided:
  - service: 0x1234
    instance: 0x0001
required:
  - service: 0x5678
    instance: 0x0002
    address: 10.0.0.2
    port: 30501
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfig))
	require.NoError(t, err)

	local, err := cfg.LocalAddr()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:30509", local.String())
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 4096, cfg.MaxMessageSize)
	assert.Equal(t, defaultBacklog, cfg.Backlog)
	assert.Equal(t, 2*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, QoS{Enabled: true, Priority: 5}, cfg.Socket.QoS)
	assert.Equal(t, KeepAlive{Enabled: true, Time: 30 * time.Second, Interval: 5 * time.Second, RetryCount: 4}, cfg.Socket.KeepAlive)

	require.Len(t, cfg.Provided, 1)
	assert.Equal(t, ServiceInstanceEntry{Service: 0x1234, Instance: 0x0001}, cfg.Provided[0])

	require.Len(t, cfg.Required, 1)
	remote, err := cfg.Required[0].Remote()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:30501", remote.String())
	assert.Equal(t, uint16(0x5678), cfg.Required[0].Service)
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("port: 1\n"))
	require.NoError(t, err)

	assert.Equal(t, defaultAddress, cfg.Address)
	assert.Equal(t, defaultWorkers, cfg.Workers)
	assert.Equal(t, defaultMaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, defaultReconnectInterval, cfg.ReconnectInterval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestConfig_Validate(t *testing.T) {
	for name, data := range map[string]string{
		"address":          "address: not-an-ip\n",
		"workers":          "workers: -1\n",
		"max message size": "max_message_size: 8\n",
		"log level":        "log:\n  level: loud\n",
		"duplicate":        "provided:\n  - {service: 1, instance: 1}\n  - {service: 1, instance: 2}\n",
		"required address": "required:\n  - {service: 1, instance: 1, address: nowhere, port: 1}\n",
	} {
		_, err := ParseConfig([]byte(data))
		assert.ErrorIs(t, err, ErrInvalidConfig, name)
	}

	_, err := ParseConfig([]byte("port: [1"))
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "someipd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(30509), cfg.Port)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_EndpointOptions(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfig))
	require.NoError(t, err)

	logger := &mockLogger{}
	var opts options
	for _, o := range cfg.EndpointOptions(logger) {
		o(&opts)
	}

	assert.Equal(t, Logger(logger), opts.logger)
	assert.Equal(t, 4096, opts.maxMessageSize)
	assert.Equal(t, defaultBacklog, opts.backlog)
	assert.Equal(t, cfg.Socket, opts.socketOptions)
}

func TestLogConfig_NewLogger(t *testing.T) {
	logger, closer, err := LogConfig{Level: "warn"}.NewLogger()
	require.NoError(t, err)
	require.NoError(t, closer.Close())
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))

	path := filepath.Join(t.TempDir(), "someipd.log")
	logger, closer, err = LogConfig{Level: "debug", File: path, MaxSizeMB: 1}.NewLogger()
	require.NoError(t, err)
	logger.Info("hello", "key", "value")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)

	_, _, err = LogConfig{Level: "loud"}.NewLogger()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
