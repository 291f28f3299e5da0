package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/cgroups/v3/cgroup1/stats"
	statsv2 "github.com/containerd/cgroups/v3/cgroup2/stats"
	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/typeurl/v2"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/errors"
	"github.com/cuemby/foreman/pkg/log"
)

const (
	// DefaultNamespace is the containerd namespace sandboxes run in.
	DefaultNamespace = "foreman"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultPullTimeout bounds an image fetch.
	DefaultPullTimeout = 10 * time.Minute

	// DefaultTmpfsMB sizes /tmp when the spec does not.
	DefaultTmpfsMB = 256

	// killWait bounds how long a SIGKILL may take to be observed
	// before the sandbox is declared stuck.
	killWait = 10 * time.Second
)

// Config carries the containerd connection settings.
type Config struct {
	SocketPath  string
	Namespace   string
	PullTimeout time.Duration
}

// Containerd runs sandboxes through a containerd daemon. Each Run is
// one container with one task, hardened per the execution contract:
// read-only rootfs, no capabilities, no new privileges, no network
// unless shared with the host, resource limits, and the workspace
// bound at WorkspaceMount.
type Containerd struct {
	client      *containerd.Client
	namespace   string
	pullTimeout time.Duration
	logger      zerolog.Logger

	mu         sync.Mutex
	cpuSamples map[string]cpuSample
}

// cpuSample is the last observed cumulative CPU reading for a sandbox,
// kept so Stats can report usage as a rate.
type cpuSample struct {
	totalNanos uint64
	at         time.Time
}

// NewContainerd connects to the containerd daemon.
func NewContainerd(cfg Config) (*Containerd, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = DefaultPullTimeout
	}

	client, err := containerd.New(cfg.SocketPath)
	if err != nil {
		return nil, errors.SandboxLaunchFailed.Wrapf(err, "connect to containerd at %s", cfg.SocketPath)
	}
	return &Containerd{
		client:      client,
		namespace:   cfg.Namespace,
		pullTimeout: cfg.PullTimeout,
		logger:      log.WithComponent("runtime"),
		cpuSamples:  make(map[string]cpuSample),
	}, nil
}

// Close releases the client connection.
func (r *Containerd) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// EnsureImage pulls the image unless it is already present.
func (r *Containerd) EnsureImage(ctx context.Context, ref string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if _, err := r.client.GetImage(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return errors.SandboxLaunchFailed.Wrapf(err, "inspect image %s", ref)
	}

	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()

	r.logger.Info().Str("image", ref).Msg("Pulling sandbox image")
	if _, err := r.client.Pull(pullCtx, ref, containerd.WithPullUnpack); err != nil {
		return errors.SandboxLaunchFailed.Wrapf(err, "pull image %s", ref)
	}
	return nil
}

// Run executes the spec and blocks until exit. On ctx cancellation the
// sandbox and everything in it is killed and the observed exit code is
// returned with ctx's error.
func (r *Containerd) Run(ctx context.Context, spec *RunSpec, stdout, stderr io.Writer) (int, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	// Cleanup must survive caller cancellation or the snapshot leaks.
	cleanupCtx := namespaces.WithNamespace(context.Background(), r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return -1, errors.SandboxLaunchFailed.Wrapf(err, "load image %s", spec.Image)
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(sandboxOpts(spec, image)...),
	)
	if err != nil {
		return -1, errors.SandboxLaunchFailed.Wrapf(err, "create sandbox %s", spec.ID)
	}
	defer func() {
		if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil {
			r.logger.Warn().Err(err).Str("sandbox", spec.ID).Msg("Failed to delete sandbox")
		}
	}()

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return -1, errors.SandboxLaunchFailed.Wrapf(err, "create sandbox task %s", spec.ID)
	}
	defer func() {
		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil {
			r.logger.Warn().Err(err).Str("sandbox", spec.ID).Msg("Failed to delete sandbox task")
		}
	}()

	// Wait on the cleanup context so the exit is still observed after
	// a cancellation-triggered kill.
	exitCh, err := task.Wait(cleanupCtx)
	if err != nil {
		return -1, errors.SandboxLaunchFailed.Wrapf(err, "wait on sandbox %s", spec.ID)
	}

	if err := task.Start(ctx); err != nil {
		return -1, errors.SandboxLaunchFailed.Wrapf(err, "start sandbox %s", spec.ID)
	}

	select {
	case st := <-exitCh:
		if err := st.Error(); err != nil {
			return -1, errors.Internal.Wrapf(err, "sandbox %s exit status", spec.ID)
		}
		return int(st.ExitCode()), nil

	case <-ctx.Done():
		if err := task.Kill(cleanupCtx, syscall.SIGKILL, containerd.WithKillAll); err != nil && !errdefs.IsNotFound(err) {
			r.logger.Warn().Err(err).Str("sandbox", spec.ID).Msg("Failed to kill sandbox")
		}
		select {
		case st := <-exitCh:
			return int(st.ExitCode()), ctx.Err()
		case <-time.After(killWait):
			return -1, errors.SandboxTimedOut.Newf("sandbox %s did not exit after SIGKILL", spec.ID)
		}
	}
}

// sandboxOpts assembles the hardened OCI spec for one execution.
func sandboxOpts(spec *RunSpec, image containerd.Image) []oci.SpecOpts {
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(spec.Command...),
		oci.WithProcessCwd(WorkspaceMount),
		oci.WithRootFSReadonly(),
		oci.WithCapabilities(nil),
		oci.WithNoNewPrivileges,
		oci.WithMounts(sandboxMounts(spec)),
	}
	if len(spec.Env) > 0 {
		opts = append(opts, oci.WithEnv(spec.Env))
	}
	if spec.MemoryLimitMB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryLimitMB)<<20))
	}
	if spec.CPULimit > 0 {
		// CFS quota against a 100ms period.
		const period = 100000
		opts = append(opts, oci.WithCPUCFS(int64(spec.CPULimit*period), period))
	}
	if spec.PidsLimit > 0 {
		opts = append(opts, oci.WithPidsLimit(spec.PidsLimit))
	}
	if spec.HostNetwork {
		opts = append(opts,
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithHostHostsFile,
			oci.WithHostResolvconf,
		)
	}
	return opts
}

// sandboxMounts binds the workspace read-write and gives the sandbox a
// private /tmp; the rest of the filesystem stays read-only.
func sandboxMounts(spec *RunSpec) []specs.Mount {
	tmpfsMB := spec.TmpfsMB
	if tmpfsMB <= 0 {
		tmpfsMB = DefaultTmpfsMB
	}
	return []specs.Mount{
		{
			Destination: WorkspaceMount,
			Type:        "bind",
			Source:      spec.WorkspaceDir,
			Options:     []string{"rbind", "rw"},
		},
		{
			Destination: "/tmp",
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options:     []string{"nosuid", "nodev", fmt.Sprintf("size=%dm", tmpfsMB)},
		},
	}
}

// Stats walks the running sandboxes and aggregates count, CPU and
// memory. CPU is reported as a rate computed against the previous call,
// so the first observation of a sandbox contributes zero.
func (r *Containerd) Stats(ctx context.Context) (*Stats, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, errors.Internal.Wrap(err, "list sandboxes")
	}

	out := &Stats{}
	now := time.Now()
	seen := make(map[string]bool, len(containers))

	for _, c := range containers {
		task, err := c.Task(ctx, nil)
		if err != nil {
			continue
		}
		status, err := task.Status(ctx)
		if err != nil || status.Status != containerd.Running {
			continue
		}
		out.Sandboxes++

		metric, err := task.Metrics(ctx)
		if err != nil {
			continue
		}
		data, err := typeurl.UnmarshalAny(metric.Data)
		if err != nil {
			continue
		}
		cpuNanos, memBytes := decodeMetrics(data)
		out.MemoryMB += int64(memBytes >> 20)

		id := c.ID()
		seen[id] = true
		r.mu.Lock()
		if prev, ok := r.cpuSamples[id]; ok && cpuNanos >= prev.totalNanos && now.After(prev.at) {
			wall := float64(now.Sub(prev.at).Nanoseconds())
			out.CPUPercent += float64(cpuNanos-prev.totalNanos) / wall * 100
		}
		r.cpuSamples[id] = cpuSample{totalNanos: cpuNanos, at: now}
		r.mu.Unlock()
	}

	r.mu.Lock()
	for id := range r.cpuSamples {
		if !seen[id] {
			delete(r.cpuSamples, id)
		}
	}
	r.mu.Unlock()

	return out, nil
}

// decodeMetrics extracts cumulative CPU nanoseconds and current memory
// bytes from a cgroup v1 or v2 metrics blob.
func decodeMetrics(data interface{}) (cpuNanos, memoryBytes uint64) {
	switch v := data.(type) {
	case *stats.Metrics:
		if v.CPU != nil && v.CPU.Usage != nil {
			cpuNanos = v.CPU.Usage.Total
		}
		if v.Memory != nil && v.Memory.Usage != nil {
			memoryBytes = v.Memory.Usage.Usage
		}
	case *statsv2.Metrics:
		if v.CPU != nil {
			cpuNanos = v.CPU.UsageUsec * 1000
		}
		if v.Memory != nil {
			memoryBytes = v.Memory.Usage
		}
	}
	return cpuNanos, memoryBytes
}
