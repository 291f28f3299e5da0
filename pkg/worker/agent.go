package worker

import (
	"context"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/cuemby/foreman/pkg/client"
	"github.com/cuemby/foreman/pkg/errors"
	"github.com/cuemby/foreman/pkg/health"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/runtime"
	"github.com/cuemby/foreman/pkg/types"
)

// Sandbox network modes. Anything other than host means no network.
const (
	NetworkModeNone = "none"
	NetworkModeHost = "host"
)

const (
	DefaultHeartbeatInterval   = 10 * time.Second
	DefaultPollInterval        = 5 * time.Second
	DefaultCancelProbeInterval = 2 * time.Second

	registerBackoffBase = 1 * time.Second
	registerBackoffCap  = 30 * time.Second

	workerIDFile = "worker.id"
)

// Config holds agent configuration.
type Config struct {
	// ServerURL is the dispatcher base URL.
	ServerURL string

	// DataDir holds the persisted worker identity and job workspaces.
	DataDir string

	// WorkerID pins the identity. Empty means load-or-mint one under
	// DataDir so the worker keeps its id across restarts.
	WorkerID string

	// Version is reported at registration.
	Version string

	// MaxParallelJobs caps concurrent executions. Zero derives
	// max(1, cpuCount/2) from the host.
	MaxParallelJobs int

	HeartbeatInterval   time.Duration
	PollInterval        time.Duration
	CancelProbeInterval time.Duration

	// Per-sandbox limits applied to every command. Zero fields are
	// unlimited (tmpfs takes the runtime default).
	SandboxMemoryLimitMB int64
	SandboxCPULimit      float64
	SandboxTmpfsMB       int64
	SandboxPidsLimit     int64
	SandboxNetworkMode   string

	// ImageRules overrides the command-prefix to sandbox-image table.
	// Nil keeps the built-in runtimes.
	ImageRules map[string]string

	// FallbackImage runs commands matching no rule. Empty means
	// DefaultImage.
	FallbackImage string
}

// Agent is the worker side of the platform: it registers with the
// dispatcher, heartbeats host telemetry, polls for assigned jobs, and
// executes each one in a sandbox.
type Agent struct {
	cfg      Config
	client   *client.Client
	runtime  runtime.Runtime
	images   *ImageTable
	logger   zerolog.Logger
	workerID string
	hostname string
	hostOS   string

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	running    map[string]struct{}
	dispatcher *health.Status

	slots chan struct{}
	wg    sync.WaitGroup

	stopOnce      sync.Once
	submitBackoff time.Duration
}

// NewAgent wires an agent against the given runtime. Start begins the
// protocol loops.
func NewAgent(cfg Config, rt runtime.Runtime) (*Agent, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("agent requires a dispatcher URL")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(os.TempDir(), "foreman-agent")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CancelProbeInterval <= 0 {
		cfg.CancelProbeInterval = DefaultCancelProbeInterval
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create agent data dir")
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		var err error
		workerID, err = loadOrMintWorkerID(filepath.Join(cfg.DataDir, workerIDFile))
		if err != nil {
			return nil, err
		}
	}

	hostname, hostOS := identifyHost()

	parallel := cfg.MaxParallelJobs
	if parallel <= 0 {
		parallel = defaultParallelism()
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		cfg:           cfg,
		client:        client.NewClient(cfg.ServerURL),
		runtime:       rt,
		images:        NewImageTable(cfg.ImageRules, cfg.FallbackImage),
		logger:        log.WithComponent("agent"),
		workerID:      workerID,
		hostname:      hostname,
		hostOS:        hostOS,
		ctx:           ctx,
		cancel:        cancel,
		running:       make(map[string]struct{}),
		dispatcher:    health.NewStatus(health.Config{Retries: 3}),
		slots:         make(chan struct{}, parallel),
		submitBackoff: retryBackoffBase,
	}
	return a, nil
}

// WorkerID returns the agent's persisted identity.
func (a *Agent) WorkerID() string {
	return a.workerID
}

// Start gates on dispatcher reachability, registers, and launches the
// heartbeat and poll loops. The context bounds only this startup phase;
// cancelling it after Start returns has no effect.
func (a *Agent) Start(ctx context.Context) error {
	checker := health.NewHTTPChecker(a.cfg.ServerURL + "/healthz")
	if err := health.Wait(ctx, checker, health.DefaultConfig().Interval); err != nil {
		return errors.Wrap(err, "dispatcher never became reachable")
	}

	if err := a.register(ctx); err != nil {
		return err
	}

	a.wg.Add(2)
	go a.heartbeatLoop()
	go a.pollLoop()

	a.logger.Info().
		Str("worker_id", a.workerID).
		Str("server", a.cfg.ServerURL).
		Int("max_parallel", cap(a.slots)).
		Msg("Agent started")
	return nil
}

// Stop terminates the loops, kills any running sandboxes, and waits for
// the executors to report their jobs back before closing the runtime.
func (a *Agent) Stop() error {
	var closeErr error
	a.stopOnce.Do(func() {
		a.logger.Info().Msg("Agent stopping")
		a.cancel()
		a.wg.Wait()
		closeErr = a.runtime.Close()
		a.logger.Info().Msg("Agent stopped")
	})
	return closeErr
}

// register announces the worker, retrying indefinitely with exponential
// backoff until the dispatcher accepts or ctx ends.
func (a *Agent) register(ctx context.Context) error {
	backoff := registerBackoffBase
	for {
		req := a.registerRequest()
		resp, err := a.client.Register(ctx, req)
		if err == nil && resp.Success {
			a.logger.Info().Str("worker_id", resp.WorkerID).Msg("Registered with dispatcher")
			return nil
		}
		if err == nil {
			err = errors.New("dispatcher rejected registration")
		}
		a.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Registration failed")

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "registration abandoned")
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > registerBackoffCap {
			backoff = registerBackoffCap
		}
	}
}

func (a *Agent) registerRequest() *types.RegisterRequest {
	cpuCount, cpuUsage, ramTotal, ramFree := hostSnapshot()
	return &types.RegisterRequest{
		WorkerID:   a.workerID,
		Hostname:   a.hostname,
		OS:         a.hostOS,
		CPUCount:   cpuCount,
		CPUUsage:   cpuUsage,
		RAMTotalMB: ramTotal,
		RAMFreeMB:  ramFree,
		Version:    a.cfg.Version,
		Status:     string(types.WorkerIdle),
	}
}

func (a *Agent) heartbeatLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat()
		}
	}
}

// sendHeartbeat reports host metrics, sandbox telemetry, and the agent's
// own status. Transport errors never tear the agent down; they feed the
// dispatcher-connectivity status so flips are logged once.
func (a *Agent) sendHeartbeat() {
	_, cpuUsage, ramTotal, ramFree := hostSnapshot()

	stats, err := a.runtime.Stats(a.ctx)
	if err != nil {
		a.logger.Debug().Err(err).Msg("Sandbox telemetry unavailable")
		stats = &runtime.Stats{}
	}

	status := types.WorkerIdle
	if a.runningCount() > 0 {
		status = types.WorkerBusy
	}

	_, err = a.client.Heartbeat(a.ctx, &types.HeartbeatRequest{
		WorkerID:        a.workerID,
		CPUUsage:        cpuUsage,
		RAMFreeMB:       ramFree,
		RAMTotalMB:      ramTotal,
		Status:          string(status),
		SandboxCount:    stats.Sandboxes,
		SandboxCPUUsage: stats.CPUPercent,
		SandboxMemoryMB: stats.MemoryMB,
	})

	a.mu.Lock()
	flipped := a.dispatcher.Update(health.Result{
		Healthy:   err == nil,
		CheckedAt: time.Now(),
	})
	healthy := a.dispatcher.Healthy
	a.mu.Unlock()

	if flipped {
		if healthy {
			a.logger.Info().Msg("Dispatcher connection restored")
		} else {
			a.logger.Warn().Err(err).Msg("Dispatcher unreachable")
		}
	}

	if err == nil {
		return
	}
	if errors.IsKind(err, errors.WorkerUnknown) {
		// The dispatcher lost our record, likely a restart. Re-register
		// inline; polling is pointless until it succeeds.
		a.logger.Warn().Msg("Dispatcher does not know this worker, re-registering")
		if regErr := a.register(a.ctx); regErr != nil {
			a.logger.Warn().Err(regErr).Msg("Re-registration abandoned")
		}
		return
	}
	a.logger.Debug().Err(err).Msg("Heartbeat failed")
}

func (a *Agent) pollLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce()
		}
	}
}

// pollOnce asks for work if a slot is free and hands any assignment to an
// executor goroutine. One job per tick; the dispatcher returns a single
// assignment anyway.
func (a *Agent) pollOnce() {
	select {
	case a.slots <- struct{}{}:
	default:
		return
	}

	job, err := a.client.PollJob(a.ctx, a.workerID)
	if err != nil {
		<-a.slots
		a.logger.Debug().Err(err).Msg("Poll failed")
		return
	}
	if job == nil {
		<-a.slots
		return
	}

	a.logger.Info().
		Str("job_id", job.JobID).
		Str("bundle", job.BundleName).
		Msg("Job received")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() { <-a.slots }()
		a.runJob(job)
	}()
}

func (a *Agent) trackJob(jobID string) {
	a.mu.Lock()
	a.running[jobID] = struct{}{}
	a.mu.Unlock()
}

func (a *Agent) untrackJob(jobID string) {
	a.mu.Lock()
	delete(a.running, jobID)
	a.mu.Unlock()
}

func (a *Agent) runningCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.running)
}

// makeWorkspace creates the scratch directory for one job run. The random
// suffix keeps a requeued job from colliding with a stale directory of
// its own earlier attempt.
func (a *Agent) makeWorkspace(jobID string) (string, error) {
	root := filepath.Join(a.cfg.DataDir, "workspaces")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", errors.Wrap(err, "create workspace root")
	}
	dir, err := os.MkdirTemp(root, jobID+"-")
	if err != nil {
		return "", errors.Wrap(err, "create workspace")
	}
	return dir, nil
}

// loadOrMintWorkerID reads the persisted worker identity, minting and
// saving a fresh one on first run.
func loadOrMintWorkerID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", errors.Wrap(err, "read worker id")
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", errors.Wrap(err, "persist worker id")
	}
	return id, nil
}

func identifyHost() (hostname, hostOS string) {
	if info, err := host.Info(); err == nil {
		return info.Hostname, info.OS
	}
	hostname, _ = os.Hostname()
	return hostname, goruntime.GOOS
}

// hostSnapshot samples host capacity. CPU usage is measured over the
// interval since the previous call, which is exactly the heartbeat-window
// sample the dispatcher expects.
func hostSnapshot() (cpuCount int, cpuUsage float64, ramTotalMB, ramFreeMB int64) {
	cpuCount, err := cpu.Counts(true)
	if err != nil || cpuCount <= 0 {
		cpuCount = goruntime.NumCPU()
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuUsage = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		ramTotalMB = int64(vm.Total / 1024 / 1024)
		ramFreeMB = int64(vm.Available / 1024 / 1024)
	}
	return cpuCount, cpuUsage, ramTotalMB, ramFreeMB
}

func defaultParallelism() int {
	count, err := cpu.Counts(true)
	if err != nil || count <= 0 {
		count = goruntime.NumCPU()
	}
	if count/2 < 1 {
		return 1
	}
	return count / 2
}
