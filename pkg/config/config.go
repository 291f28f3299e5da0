package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/foreman/pkg/errors"
)

// Default config file locations, used when no path is given explicitly
// or through FOREMAN_CONFIG.
const (
	DefaultServerPath = "/etc/foreman/server.yaml"
	DefaultAgentPath  = "/etc/foreman/agent.yaml"
)

// LogConfig selects log verbosity and format.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ServerConfig carries every recognized dispatcher option. Field names
// follow the wire convention; durations are millisecond counts with
// accessor methods.
type ServerConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	DataDir    string `yaml:"dataDir"`

	HeartbeatTimeoutMs int64 `yaml:"heartbeatTimeoutMs"`
	SchedulerTickMs    int64 `yaml:"schedulerTickMs"`
	CooldownMs         int64 `yaml:"cooldownMs"`

	DefaultTimeoutMs  int64   `yaml:"defaultTimeoutMs"`
	DefaultCPU        float64 `yaml:"defaultCpu"`
	DefaultRAMMB      int64   `yaml:"defaultRamMb"`
	DefaultMaxRetries int     `yaml:"defaultMaxRetries"`

	RateLimitWindowMs int64    `yaml:"rateLimitWindowMs"`
	RateLimitMax      int      `yaml:"rateLimitMax"`
	AllowedOrigins    []string `yaml:"allowedOrigins"`

	JWTSecret         string `yaml:"jwtSecret"`
	WorkerTokenSecret string `yaml:"workerTokenSecret"`

	// RedisAddr switches the cache tier from in-process memory to Redis.
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`

	Log LogConfig `yaml:"log"`
}

// AgentConfig carries every recognized worker option.
type AgentConfig struct {
	ServerURL string `yaml:"serverUrl"`
	DataDir   string `yaml:"dataDir"`
	WorkerID  string `yaml:"workerId"`

	MaxParallelJobs int `yaml:"maxParallelJobs"`

	HeartbeatIntervalMs   int64 `yaml:"heartbeatIntervalMs"`
	PollIntervalMs        int64 `yaml:"pollIntervalMs"`
	CancelProbeIntervalMs int64 `yaml:"cancelProbeIntervalMs"`

	SandboxMemoryLimitMB int64   `yaml:"sandboxMemoryLimit"`
	SandboxCPULimit      float64 `yaml:"sandboxCpuLimit"`
	SandboxTmpfsMB       int64   `yaml:"sandboxTmpfsMb"`
	SandboxPidsLimit     int64   `yaml:"sandboxPidsLimit"`
	SandboxNetworkMode   string  `yaml:"sandboxNetworkMode"`

	// Images extends or overrides the command-prefix to sandbox-image
	// table; FallbackImage runs commands matching no rule.
	Images        map[string]string `yaml:"images"`
	FallbackImage string            `yaml:"fallbackImage"`

	ContainerdSocket    string `yaml:"containerdSocket"`
	ContainerdNamespace string `yaml:"containerdNamespace"`

	Log LogConfig `yaml:"log"`
}

// DefaultServer returns the documented dispatcher defaults.
func DefaultServer() ServerConfig {
	return ServerConfig{
		ListenAddr:         ":8080",
		DataDir:            "/var/lib/foreman",
		HeartbeatTimeoutMs: 30000,
		SchedulerTickMs:    5000,
		CooldownMs:         30000,
		DefaultTimeoutMs:   300000,
		DefaultCPU:         1,
		DefaultRAMMB:       256,
		DefaultMaxRetries:  3,
		RateLimitWindowMs:  60000,
		RateLimitMax:       100,
		Log:                LogConfig{Level: "info", JSON: true},
	}
}

// DefaultAgent returns the documented worker defaults.
func DefaultAgent() AgentConfig {
	return AgentConfig{
		ServerURL:             "http://localhost:8080",
		DataDir:               "/var/lib/foreman-agent",
		HeartbeatIntervalMs:   10000,
		PollIntervalMs:        5000,
		CancelProbeIntervalMs: 2000,
		SandboxNetworkMode:    "none",
		Log:                   LogConfig{Level: "info", JSON: true},
	}
}

// LoadServer resolves the dispatcher configuration: defaults, then the
// YAML file, then environment overrides. An explicitly named file must
// exist; the default location is optional.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServer()
	if err := loadFile(path, DefaultServerPath, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadAgent resolves the worker configuration the same way.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgent()
	if err := loadFile(path, DefaultAgentPath, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadFile merges the YAML file at path into cfg. With no explicit path
// the FOREMAN_CONFIG variable and then fallback are tried; those may be
// absent, an explicit path may not.
func loadFile(path, fallback string, cfg interface{}) error {
	explicit := path != ""
	if !explicit {
		path = os.Getenv("FOREMAN_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = fallback
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.BadRequest.Wrapf(err, "parse config %s", path)
	}
	return nil
}

func (c *ServerConfig) applyEnv() {
	c.ListenAddr = getEnv("FOREMAN_LISTEN_ADDR", c.ListenAddr)
	c.DataDir = getEnv("FOREMAN_DATA_DIR", c.DataDir)
	c.JWTSecret = getEnv("FOREMAN_JWT_SECRET", c.JWTSecret)
	c.WorkerTokenSecret = getEnv("FOREMAN_WORKER_TOKEN_SECRET", c.WorkerTokenSecret)
	c.RedisAddr = getEnv("FOREMAN_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("FOREMAN_REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("FOREMAN_REDIS_DB", c.RedisDB)
	c.RateLimitMax = getEnvInt("FOREMAN_RATE_LIMIT_MAX", c.RateLimitMax)
	if origins := os.Getenv("FOREMAN_ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = splitList(origins)
	}
	c.Log.Level = getEnv("FOREMAN_LOG_LEVEL", c.Log.Level)
}

func (c *AgentConfig) applyEnv() {
	c.ServerURL = getEnv("FOREMAN_SERVER_URL", c.ServerURL)
	c.DataDir = getEnv("FOREMAN_DATA_DIR", c.DataDir)
	c.WorkerID = getEnv("FOREMAN_WORKER_ID", c.WorkerID)
	c.MaxParallelJobs = getEnvInt("FOREMAN_MAX_PARALLEL_JOBS", c.MaxParallelJobs)
	c.SandboxNetworkMode = getEnv("FOREMAN_SANDBOX_NETWORK_MODE", c.SandboxNetworkMode)
	c.ContainerdSocket = getEnv("FOREMAN_CONTAINERD_SOCKET", c.ContainerdSocket)
	c.ContainerdNamespace = getEnv("FOREMAN_CONTAINERD_NAMESPACE", c.ContainerdNamespace)
	c.Log.Level = getEnv("FOREMAN_LOG_LEVEL", c.Log.Level)
}

func (c *ServerConfig) validate() error {
	if c.HeartbeatTimeoutMs <= 0 {
		return errors.BadRequest.New("heartbeatTimeoutMs must be positive")
	}
	if c.SchedulerTickMs <= 0 {
		return errors.BadRequest.New("schedulerTickMs must be positive")
	}
	if c.RateLimitWindowMs <= 0 {
		return errors.BadRequest.New("rateLimitWindowMs must be positive")
	}
	return nil
}

func (c *AgentConfig) validate() error {
	if c.ServerURL == "" {
		return errors.BadRequest.New("serverUrl is required")
	}
	switch c.SandboxNetworkMode {
	case "", "none", "host":
	default:
		return errors.BadRequest.Newf("unknown sandboxNetworkMode %q", c.SandboxNetworkMode)
	}
	if c.MaxParallelJobs < 0 {
		return errors.BadRequest.New("maxParallelJobs cannot be negative")
	}
	return nil
}

// HeartbeatTimeout is the grace period before a silent worker goes
// OFFLINE.
func (c *ServerConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}

// SchedulerTick is the periodic scheduler trigger interval.
func (c *ServerConfig) SchedulerTick() time.Duration {
	return time.Duration(c.SchedulerTickMs) * time.Millisecond
}

// Cooldown is the penalty window after a worker-reported failure.
func (c *ServerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// RateLimitWindow is the fixed window for API request counting.
func (c *ServerConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMs) * time.Millisecond
}

// HeartbeatInterval is the agent's reporting period.
func (c *AgentConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// PollInterval is the agent's work-polling period.
func (c *AgentConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// CancelProbeInterval is the cancel-flag polling period during a run.
func (c *AgentConfig) CancelProbeInterval() time.Duration {
	return time.Duration(c.CancelProbeIntervalMs) * time.Millisecond
}

func getEnv(key, current string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return current
}

func getEnvInt(key string, current int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return current
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
