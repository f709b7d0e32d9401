package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/shiny/internal/errors"
	"github.com/vango-dev/shiny/pkg/server"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shiny.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewDefaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, 60*time.Second, cfg.LivenessWindow)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, int64(64*1024), cfg.MaxMessageSize)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NoError(t, cfg.Validate())
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, New().Address, cfg.Address)
	assert.Empty(t, cfg.Path())
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
address: "127.0.0.1:9000"
liveness_window: 2m
sweep_interval: 5s
max_sessions: 100
log_level: warn
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Address)
	assert.Equal(t, 2*time.Minute, cfg.LivenessWindow)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, 100, cfg.MaxSessions)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, path, cfg.Path())

	// Fields absent from the file keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Address)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "address: \":9000\"\nwrite_timeout: 1s\n")
	t.Setenv("SHINY_ADDRESS", ":7000")
	t.Setenv("SHINY_LIVENESS_WINDOW", "90s")
	t.Setenv("SHINY_DEBUG", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Address)
	assert.Equal(t, 90*time.Second, cfg.LivenessWindow)
	assert.Equal(t, time.Second, cfg.WriteTimeout)
	assert.True(t, cfg.Debug)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
		env  map[string]string
		code string
	}{
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") }, nil, "S100"},
		{"bad duration", func(t *testing.T) string { return writeFile(t, "liveness_window: soon\n") }, nil, "S101"},
		{"unknown field", func(t *testing.T) string { return writeFile(t, "adress: x\n") }, nil, "S101"},
		{"bad env", func(t *testing.T) string { return "" }, map[string]string{"SHINY_MAX_SESSIONS": "many"}, "S102"},
		{"out of range", func(t *testing.T) string { return writeFile(t, "sweep_interval: -1s\n") }, nil, "S103"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(tt.path(t))
			require.Error(t, err)

			var d *errors.Diagnostic
			require.ErrorAs(t, err, &d)
			assert.Equal(t, tt.code, d.Code)
		})
	}
}

func TestLoadEnvFromMap(t *testing.T) {
	cfg := New()
	require.NoError(t, cfg.loadEnv(map[string]string{
		"SHINY_MAX_MESSAGE_SIZE": "1024",
		"SHINY_LOG_LEVEL":        "debug",
		"ADDRESS":                ":1",
	}))
	assert.Equal(t, int64(1024), cfg.MaxMessageSize)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.Address, "unprefixed variables are ignored")
}

func TestValidate(t *testing.T) {
	cfg := New()
	cfg.Address = ""
	cfg.LogLevel = "loud"
	cfg.MaxSessions = -1

	err := cfg.Validate()
	require.Error(t, err)
	var d *errors.Diagnostic
	require.ErrorAs(t, err, &d)
	assert.Contains(t, d.Detail, "address is empty")
	assert.Contains(t, d.Detail, `log_level "loud"`)
	assert.Contains(t, d.Detail, "max_sessions must not be negative")
}

func TestLevelAndLogger(t *testing.T) {
	cfg := New()
	cfg.LogLevel = "warn"
	assert.Equal(t, "WARN", cfg.Level().String())

	var buf bytes.Buffer
	logger := cfg.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")

	cfg.Debug = true
	assert.Equal(t, "DEBUG", cfg.Level().String())
}

func TestServerConfig(t *testing.T) {
	cfg := New()
	cfg.Address = ":9999"
	cfg.LivenessWindow = time.Minute
	cfg.MaxSessions = 3
	cfg.MaxMessageSize = 512

	sc := cfg.ServerConfig(nil)
	assert.Equal(t, ":9999", sc.Address)
	assert.Equal(t, 3, sc.MaxSessions)
	assert.Equal(t, time.Minute, sc.SessionConfig.LivenessWindow)
	assert.Equal(t, int64(512), sc.SessionConfig.MaxMessageSize)
	assert.Equal(t, server.DefaultSessionConfig().HeartbeatInterval, sc.SessionConfig.HeartbeatInterval)

	cfg.HeartbeatInterval = 5 * time.Second
	assert.Equal(t, 5*time.Second, cfg.ServerConfig(nil).SessionConfig.HeartbeatInterval)
}

func TestHeartbeatMustBeShorterThanReadTimeout(t *testing.T) {
	path := writeFile(t, `
read_timeout: 10s
`)
	_, err := Load(path)
	var d *errors.Diagnostic
	require.ErrorAs(t, err, &d)
	assert.Equal(t, "S103", d.Code)
	assert.Contains(t, d.Detail, "heartbeat_interval (20s) must be shorter than read_timeout (10s)")

	path = writeFile(t, `
read_timeout: 10s
heartbeat_interval: 4s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 4*time.Second, cfg.SessionConfig().HeartbeatInterval)
}
