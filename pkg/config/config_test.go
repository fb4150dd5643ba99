package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_Defaults(t *testing.T) {
	cfg, err := Initialize("")
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.Server.ListenAddr)
	assert.Equal(t, "sqlite://probehound.db", cfg.Database.URL)
	assert.Equal(t, 5, cfg.Replay.MaxConcurrentRequests)
	assert.Equal(t, 30*time.Second, cfg.Replay.RequestTimeout)
	assert.Equal(t, 2, cfg.Replay.RetryAttempts)
	assert.InDelta(t, 10, cfg.Replay.FailureThresholdPct, 1e-9)
	assert.InDelta(t, 0.7, cfg.Analysis.ConfidenceThresholdDefault, 1e-9)
	assert.Equal(t, 90, cfg.Retention.ReportRetentionDays)
}

func TestInitialize_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: ":9000"
replay:
  max_concurrent_requests: 12
`), 0o644))

	cfg, err := Initialize(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, 12, cfg.Replay.MaxConcurrentRequests)
	// Untouched keys keep their defaults.
	assert.Equal(t, "sqlite://probehound.db", cfg.Database.URL)
}

func TestInitialize_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_addr: \":9000\"\n"), 0o644))

	t.Setenv("LISTEN_ADDR", ":7777")
	t.Setenv("REQUEST_TIMEOUT_S", "5")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Initialize(path)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.Replay.RequestTimeout)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.CORSAllowedOrigins)
}

func TestInitialize_RejectsInvalidValues(t *testing.T) {
	t.Setenv("CONFIDENCE_THRESHOLD_DEFAULT", "1.5")
	_, err := Initialize("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confidence_threshold_default")
}

func TestValidate_Bounds(t *testing.T) {
	cfg := Default()
	cfg.Replay.FailureThresholdPct = 101
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database.MaxIdleConns = cfg.Database.MaxOpenConns + 1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Replay.MaxConcurrentRequests = 0
	assert.Error(t, cfg.Validate())
}
