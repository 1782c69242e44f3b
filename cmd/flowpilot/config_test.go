package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/nodes"
)

// isolate points the config at an empty home and clears env overrides.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("FLOWPILOT_HOME", dir)
	for _, k := range []string{
		"FLOWPILOT_LISTEN_ADDR", "FLOWPILOT_DB_PATH", "FLOWPILOT_LOG_LEVEL", "FLOWPILOT_LOG_FORMAT",
		"FLOWPILOT_NODE_TIMEOUT", "FLOWPILOT_SCHEDULER_INTERVAL", "FLOWPILOT_SHUTDOWN_TIMEOUT",
		"FLOWPILOT_BATCH_CONCURRENCY", "FLOWPILOT_RATE_BURST", "FLOWPILOT_RATE_REFILL", "FLOWPILOT_EVENT_QUEUE",
		"FLOWPILOT_CONTENT_ENDPOINT", "FLOWPILOT_CONTENT_API_KEY",
		"FLOWPILOT_MESSAGING_ENDPOINT", "FLOWPILOT_MESSAGING_API_KEY",
	} {
		t.Setenv(k, "")
	}
	return dir
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":4100", cfg.ListenAddr)
	assert.Equal(t, filepath.Join(dir, "flowpilot.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, time.Duration(cfg.NodeTimeout))
	assert.Equal(t, 60*time.Second, time.Duration(cfg.SchedulerTick))
	assert.Equal(t, 10, cfg.RateBurst)
}

func TestLoadConfig_Layering(t *testing.T) {
	dir := isolate(t)
	settings := `{"listen_addr":":5000","log_level":"debug","node_timeout":"45s","scheduler_interval":10,"rate_burst":20}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(settings), 0o600))
	t.Setenv("FLOWPILOT_LOG_LEVEL", "warn")
	t.Setenv("FLOWPILOT_RATE_BURST", "3")
	t.Setenv("FLOWPILOT_RATE_REFILL", "0.5")
	t.Setenv("FLOWPILOT_SHUTDOWN_TIMEOUT", "2s")
	t.Setenv("FLOWPILOT_EVENT_QUEUE", "not-a-number")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":5000", cfg.ListenAddr, "settings.json over defaults")
	assert.Equal(t, "warn", cfg.LogLevel, "env over settings.json")
	assert.Equal(t, 45*time.Second, time.Duration(cfg.NodeTimeout))
	assert.Equal(t, 10*time.Second, time.Duration(cfg.SchedulerTick), "numbers are seconds")
	assert.Equal(t, 3, cfg.RateBurst)
	assert.InDelta(t, 0.5, cfg.RateRefill, 1e-9)
	assert.Equal(t, 2*time.Second, time.Duration(cfg.ShutdownTimeout))
	assert.Equal(t, 1024, cfg.EventQueue, "unparsable env values are ignored")
}

func TestLoadConfig_BadSettings(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{"node_timeout":"soon"}`), 0o600))

	_, err := loadConfig()
	assert.Error(t, err)
}

func TestWriteSettings(t *testing.T) {
	dir := isolate(t)
	cfg := defaultConfig()
	cfg.ListenAddr = ":4200"
	cfg.LogFormat = "json"

	var out strings.Builder
	require.NoError(t, writeSettings(settingsPath(), cfg, false, &out))
	assert.Contains(t, out.String(), filepath.Join(dir, "settings.json"))

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	err = writeSettings(settingsPath(), cfg, false, &out)
	assert.ErrorContains(t, err, "already exists")
	assert.NoError(t, writeSettings(settingsPath(), cfg, true, &out))
}

func TestDiffConfigs(t *testing.T) {
	base := defaultConfig()

	d := diffConfigs(base, base)
	assert.False(t, d.LogLevelChanged)
	assert.Empty(t, d.RestartNeeded)

	next := base
	next.LogLevel = "debug"
	next.ListenAddr = ":9999"
	next.RateBurst = 1
	d = diffConfigs(base, next)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, []string{"listen_addr", "rate_limit"}, d.RestartNeeded)
}

func TestProviderDeps(t *testing.T) {
	cfg := defaultConfig()
	deps := providerDeps(cfg, slog.New(slog.DiscardHandler))
	assert.IsType(t, nodes.TemplateGenerator{}, deps.ContentGenerator)
	assert.IsType(t, &nodes.LogSender{}, deps.MessageSender)

	cfg.ContentEndpoint = "https://content.example/generate"
	cfg.MessagingEndpoint = "https://sms.example/send"
	cfg.MessagingAPIKey = "secret"
	deps = providerDeps(cfg, slog.New(slog.DiscardHandler))
	gen, ok := deps.ContentGenerator.(*nodes.HTTPGenerator)
	require.True(t, ok)
	assert.Equal(t, cfg.ContentEndpoint, gen.Endpoint)
	sender, ok := deps.MessageSender.(*nodes.HTTPSender)
	require.True(t, ok)
	assert.Equal(t, "secret", sender.APIKey)
}
