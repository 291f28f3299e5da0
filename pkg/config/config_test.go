package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultServer(t *testing.T) {
	cfg := DefaultServer()
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, int64(30000), cfg.HeartbeatTimeoutMs)
	assert.Equal(t, int64(5000), cfg.SchedulerTickMs)
	assert.Equal(t, int64(30000), cfg.CooldownMs)
	assert.Equal(t, int64(300000), cfg.DefaultTimeoutMs)
	assert.Equal(t, float64(1), cfg.DefaultCPU)
	assert.Equal(t, int64(256), cfg.DefaultRAMMB)
	assert.Equal(t, 3, cfg.DefaultMaxRetries)
	assert.Equal(t, 100, cfg.RateLimitMax)

	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout())
	assert.Equal(t, 5*time.Second, cfg.SchedulerTick())
	assert.Equal(t, 30*time.Second, cfg.Cooldown())
	assert.Equal(t, time.Minute, cfg.RateLimitWindow())
}

func TestLoadServerFromFile(t *testing.T) {
	path := writeConfig(t, `
listenAddr: ":9999"
heartbeatTimeoutMs: 45000
allowedOrigins:
  - https://ops.example.com
workerTokenSecret: file-secret
log:
  level: debug
  json: false
`)

	cfg, err := LoadServer(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, int64(45000), cfg.HeartbeatTimeoutMs)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "file-secret", cfg.WorkerTokenSecret)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Log.JSON)

	// Untouched fields keep their defaults.
	assert.Equal(t, int64(5000), cfg.SchedulerTickMs)
	assert.Equal(t, 3, cfg.DefaultMaxRetries)
}

func TestLoadServerExplicitPathMustExist(t *testing.T) {
	_, err := LoadServer(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadServerConfigEnvPath(t *testing.T) {
	path := writeConfig(t, "listenAddr: \":7777\"\n")
	t.Setenv("FOREMAN_CONFIG", path)

	cfg, err := LoadServer("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.ListenAddr)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "listenAddr: \":9999\"\nworkerTokenSecret: file-secret\n")
	t.Setenv("FOREMAN_LISTEN_ADDR", ":6060")
	t.Setenv("FOREMAN_WORKER_TOKEN_SECRET", "env-secret")
	t.Setenv("FOREMAN_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := LoadServer(path)
	require.NoError(t, err)

	assert.Equal(t, ":6060", cfg.ListenAddr)
	assert.Equal(t, "env-secret", cfg.WorkerTokenSecret)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
}

func TestLoadServerRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "listenAddr: [unclosed\n")
	_, err := LoadServer(path)
	require.Error(t, err)
}

func TestLoadServerRejectsBadValues(t *testing.T) {
	path := writeConfig(t, "heartbeatTimeoutMs: -5\n")
	_, err := LoadServer(path)
	require.Error(t, err)
}

func TestDefaultAgent(t *testing.T) {
	cfg := DefaultAgent()
	assert.Equal(t, "http://localhost:8080", cfg.ServerURL)
	assert.Equal(t, "none", cfg.SandboxNetworkMode)
	assert.Zero(t, cfg.MaxParallelJobs)

	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 5*time.Second, cfg.PollInterval())
	assert.Equal(t, 2*time.Second, cfg.CancelProbeInterval())
}

func TestLoadAgentFromFile(t *testing.T) {
	path := writeConfig(t, `
serverUrl: http://dispatcher:8080
maxParallelJobs: 4
sandboxMemoryLimit: 512
sandboxCpuLimit: 1.5
images:
  go: golang:1.22
fallbackImage: busybox:stable
`)

	cfg, err := LoadAgent(path)
	require.NoError(t, err)

	assert.Equal(t, "http://dispatcher:8080", cfg.ServerURL)
	assert.Equal(t, 4, cfg.MaxParallelJobs)
	assert.Equal(t, int64(512), cfg.SandboxMemoryLimitMB)
	assert.Equal(t, 1.5, cfg.SandboxCPULimit)
	assert.Equal(t, map[string]string{"go": "golang:1.22"}, cfg.Images)
	assert.Equal(t, "busybox:stable", cfg.FallbackImage)
}

func TestLoadAgentEnvOverrides(t *testing.T) {
	path := writeConfig(t, "serverUrl: http://file:8080\n")
	t.Setenv("FOREMAN_SERVER_URL", "http://env:8080")
	t.Setenv("FOREMAN_WORKER_ID", "env-worker")
	t.Setenv("FOREMAN_MAX_PARALLEL_JOBS", "8")

	cfg, err := LoadAgent(path)
	require.NoError(t, err)

	assert.Equal(t, "http://env:8080", cfg.ServerURL)
	assert.Equal(t, "env-worker", cfg.WorkerID)
	assert.Equal(t, 8, cfg.MaxParallelJobs)
}

func TestLoadAgentRejectsUnknownNetworkMode(t *testing.T) {
	path := writeConfig(t, "sandboxNetworkMode: bridge\n")
	_, err := LoadAgent(path)
	require.Error(t, err)
}
