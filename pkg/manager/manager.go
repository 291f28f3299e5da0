package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/blob"
	"github.com/cuemby/foreman/pkg/cache"
	"github.com/cuemby/foreman/pkg/errors"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

// DefaultCooldown is the penalty window applied after a worker-reported
// failure.
const DefaultCooldown = 30 * time.Second

// Config holds manager policy options.
type Config struct {
	// Cooldown is the penalty window after a worker reports a failure.
	Cooldown time.Duration

	// Job-submission defaults applied when a create request omits the
	// field. Zero fields take the types package defaults.
	DefaultTimeoutMs  int64
	DefaultCPU        float64
	DefaultRAMMB      int64
	DefaultMaxRetries int
}

// Manager owns the job and worker registries and implements every state
// transition in the system. Handlers and the scheduler never mutate
// records directly; they go through the manager so reservations, the
// cache tier, events, and metrics stay in step with the store.
type Manager struct {
	store  storage.Store
	cache  cache.Cache
	blobs  blob.Store
	tokens *TokenSigner
	broker *events.Broker
	cfg    Config
	logger zerolog.Logger

	// mu serializes read-modify-write transitions. Individual store
	// operations are atomic per record; the mutex is what makes a
	// get-mutate-put sequence safe against a concurrent handler.
	mu sync.Mutex
}

// NewManager creates a Manager over the given tiers. The event broker is
// created and started here; Shutdown stops it.
func NewManager(store storage.Store, cacheTier cache.Cache, blobs blob.Store, tokens *TokenSigner, cfg Config) *Manager {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.DefaultTimeoutMs <= 0 {
		cfg.DefaultTimeoutMs = types.DefaultTimeoutMs
	}
	if cfg.DefaultCPU <= 0 {
		cfg.DefaultCPU = types.DefaultRequiredCPU
	}
	if cfg.DefaultRAMMB <= 0 {
		cfg.DefaultRAMMB = types.DefaultRequiredRAMMB
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = types.DefaultMaxRetries
	}

	broker := events.NewBroker()
	broker.Start()

	return &Manager{
		store:  store,
		cache:  cacheTier,
		blobs:  blobs,
		tokens: tokens,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("manager"),
	}
}

// Store returns the authoritative tier. The scheduler reads worker and
// job sets through it.
func (m *Manager) Store() storage.Store {
	return m.store
}

// Blobs returns the blob backend serving bundle and result archives.
func (m *Manager) Blobs() blob.Store {
	return m.blobs
}

// Events returns the event broker for subscriptions.
func (m *Manager) Events() *events.Broker {
	return m.broker
}

// Tokens returns the worker token signer used by the API middleware.
func (m *Manager) Tokens() *TokenSigner {
	return m.tokens
}

// PublishEvent publishes an event to all subscribers.
func (m *Manager) PublishEvent(event *events.Event) {
	m.broker.Publish(event)
}

// Shutdown stops the event broker. The store and cache are owned by the
// caller that constructed them.
func (m *Manager) Shutdown() {
	m.broker.Stop()
}

// ---------------------------------------------------------------------------
// Worker lifecycle

// RegisterWorker upserts a worker record and mints its protocol token.
// Jobs still held by a re-registering worker were lost with its previous
// process: a run that had started is charged against the retry budget,
// an assignment the worker never picked up returns to the queue for
// free.
func (m *Manager) RegisterWorker(ctx context.Context, req *types.RegisterRequest) (*types.Worker, string, error) {
	if req.WorkerID == "" || req.Hostname == "" {
		return nil, "", errors.BadRequest.New("workerId and hostname are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	existing, err := m.store.GetWorker(req.WorkerID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, "", errors.StoreUnavailable.Wrapf(err, "load worker %s", req.WorkerID)
	}

	if existing != nil {
		if err := m.releaseLostWorkerJobsLocked(ctx, existing, "Worker restarted"); err != nil {
			return nil, "", err
		}
	}

	worker := &types.Worker{
		WorkerID:      req.WorkerID,
		Hostname:      req.Hostname,
		OS:            req.OS,
		Version:       req.Version,
		CPUCount:      req.CPUCount,
		CPUUsage:      req.CPUUsage,
		RAMTotalMB:    req.RAMTotalMB,
		RAMFreeMB:     req.RAMFreeMB,
		Status:        types.WorkerIdle,
		CurrentJobIDs: []string{},
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if existing != nil {
		worker.CreatedAt = existing.CreatedAt
	}

	if err := m.store.UpdateWorker(worker); err != nil {
		return nil, "", errors.StoreUnavailable.Wrapf(err, "persist worker %s", worker.WorkerID)
	}

	token := m.tokens.Sign(worker.WorkerID, worker.Hostname, now)

	m.broker.Publish(events.WorkerEvent(events.EventWorkerRegistered, worker.WorkerID,
		"Worker "+worker.Hostname+" registered"))
	m.logger.Info().
		Str("worker_id", worker.WorkerID).
		Str("hostname", worker.Hostname).
		Int("cpu_count", worker.CPUCount).
		Int64("ram_total_mb", worker.RAMTotalMB).
		Msg("Worker registered")

	return worker, token, nil
}

// Heartbeat records current host metrics and refreshes the liveness
// timestamp. The advertised status is normalized, then reconciled: a
// worker holding assignments is BUSY, an empty one IDLE, and cooldown
// always pins UNHEALTHY.
func (m *Manager) Heartbeat(ctx context.Context, req *types.HeartbeatRequest) (*types.Worker, error) {
	if req.WorkerID == "" {
		return nil, errors.BadRequest.New("workerId is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	worker, err := m.store.GetWorker(req.WorkerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.WorkerUnknown.Newf("worker %s is not registered", req.WorkerID)
		}
		return nil, errors.StoreUnavailable.Wrapf(err, "load worker %s", req.WorkerID)
	}

	prev := worker.Status

	worker.CPUUsage = req.CPUUsage
	worker.RAMFreeMB = req.RAMFreeMB
	if req.RAMTotalMB > 0 {
		worker.RAMTotalMB = req.RAMTotalMB
	}
	worker.SandboxCount = req.SandboxCount
	worker.SandboxCPUUsage = req.SandboxCPUUsage
	worker.SandboxMemoryMB = req.SandboxMemoryMB
	worker.LastHeartbeat = now
	worker.UpdatedAt = now

	status := types.NormalizeWorkerStatus(req.Status)
	switch {
	case worker.InCooldown(now):
		status = types.WorkerUnhealthy
		worker.HealthReason = "cooldown"
	case len(worker.CurrentJobIDs) > 0 && (status == types.WorkerIdle || status == types.WorkerBusy):
		status = types.WorkerBusy
	case len(worker.CurrentJobIDs) == 0 && status == types.WorkerBusy:
		status = types.WorkerIdle
	}
	worker.Status = status

	if (prev == types.WorkerOffline || prev == types.WorkerUnhealthy) &&
		(status == types.WorkerIdle || status == types.WorkerBusy) {
		worker.HealthReason = ""
		m.broker.Publish(events.WorkerEvent(events.EventWorkerRecovered, worker.WorkerID,
			"Worker heartbeat resumed"))
		m.logger.Info().Str("worker_id", worker.WorkerID).Msg("Worker recovered")
	}

	if err := m.store.UpdateWorker(worker); err != nil {
		return nil, errors.StoreUnavailable.Wrapf(err, "persist worker %s", worker.WorkerID)
	}
	return worker, nil
}

// ListWorkers returns all worker records sorted by id.
func (m *Manager) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	workers, err := m.store.ListWorkers()
	if err != nil {
		return nil, errors.StoreUnavailable.Wrap(err, "list workers")
	}
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].WorkerID < workers[j].WorkerID
	})
	return workers, nil
}

// RemoveWorker deletes a worker. Jobs it still holds are released back
// to the queue first so nothing is orphaned. Returns whether the worker
// existed.
func (m *Manager) RemoveWorker(ctx context.Context, workerID string) (bool, error) {
	if workerID == "" {
		return false, errors.BadRequest.New("workerId is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	worker, err := m.store.GetWorker(workerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, errors.StoreUnavailable.Wrapf(err, "load worker %s", workerID)
	}

	if err := m.releaseWorkerJobsLocked(ctx, worker, releaseRequeue, ""); err != nil {
		return false, err
	}
	if err := m.store.DeleteWorker(workerID); err != nil {
		return false, errors.StoreUnavailable.Wrapf(err, "delete worker %s", workerID)
	}

	m.broker.Publish(events.WorkerEvent(events.EventWorkerRemoved, workerID, "Worker removed"))
	m.logger.Info().Str("worker_id", workerID).Msg("Worker removed")
	return true, nil
}

// ---------------------------------------------------------------------------
// Job lifecycle

// CreateJob validates a submission, applies defaults, and queues it.
func (m *Manager) CreateJob(ctx context.Context, req *types.CreateJobRequest) (*types.Job, error) {
	if req.Command == "" {
		return nil, errors.BadRequest.New("command is required")
	}

	now := time.Now()
	job := &types.Job{
		JobID:         "job-" + uuid.New().String(),
		Command:       req.Command,
		BundleRef:     req.BundleRef,
		BundleName:    req.BundleName,
		RequiredCPU:   req.RequiredCPU,
		RequiredRAMMB: req.RequiredRAMMB,
		TimeoutMs:     req.TimeoutMs,
		MaxRetries:    req.MaxRetries,
		Status:        types.JobQueued,
		CreatedAt:     now,
		QueuedAt:      now,
	}
	if job.RequiredCPU <= 0 {
		job.RequiredCPU = m.cfg.DefaultCPU
	}
	if job.RequiredRAMMB <= 0 {
		job.RequiredRAMMB = m.cfg.DefaultRAMMB
	}
	if job.TimeoutMs <= 0 {
		job.TimeoutMs = m.cfg.DefaultTimeoutMs
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = m.cfg.DefaultMaxRetries
	}

	if err := m.store.CreateJob(job); err != nil {
		return nil, errors.StoreUnavailable.Wrapf(err, "persist job %s", job.JobID)
	}
	m.primeStatus(ctx, job)
	if err := m.cache.SetCancelFlag(ctx, job.JobID, false); err != nil {
		m.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to prime cancel flag")
	}

	m.broker.Publish(events.JobEvent(events.EventJobQueued, job.JobID, "Job queued"))
	metrics.JobsSubmitted.Inc()
	m.logger.Info().
		Str("job_id", job.JobID).
		Float64("required_cpu", job.RequiredCPU).
		Int64("required_ram_mb", job.RequiredRAMMB).
		Int64("timeout_ms", job.TimeoutMs).
		Msg("Job created")

	return job, nil
}

// PollJob hands the oldest ASSIGNED job for this worker over and marks
// it RUNNING. The attempts counter moves here: this is the moment the
// worker actually starts the run. Returns (nil, nil) when there is no
// work.
func (m *Manager) PollJob(ctx context.Context, workerID string) (*types.Job, error) {
	if workerID == "" {
		return nil, errors.BadRequest.New("workerId is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	if _, err := m.store.GetWorker(workerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.WorkerUnknown.Newf("worker %s is not registered", workerID)
		}
		return nil, errors.StoreUnavailable.Wrapf(err, "load worker %s", workerID)
	}

	jobs, err := m.store.ListJobsByWorker(workerID)
	if err != nil {
		return nil, errors.StoreUnavailable.Wrapf(err, "list jobs for worker %s", workerID)
	}

	var next *types.Job
	for _, job := range jobs {
		if job.Status != types.JobAssigned {
			continue
		}
		if next == nil || job.AssignedAt.Before(next.AssignedAt) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}

	next.MarkRunning(now)
	if err := m.store.UpdateJob(next); err != nil {
		return nil, errors.StoreUnavailable.Wrapf(err, "persist job %s", next.JobID)
	}
	m.primeStatus(ctx, next)

	m.broker.Publish(events.JobEvent(events.EventJobRunning, next.JobID, "Job picked up by worker"))
	m.logger.Info().
		Str("job_id", next.JobID).
		Str("worker_id", workerID).
		Int("attempts", next.Attempts).
		Msg("Job handed to worker")

	return next, nil
}

// AppendOutput appends a streamed chunk to the job's captured output.
// Chunks arriving after a terminal transition are still appended (a
// worker that has not yet observed a cancel may flush late); the
// terminal status itself is never overwritten.
func (m *Manager) AppendOutput(ctx context.Context, req *types.StreamOutputRequest) error {
	if req.JobID == "" {
		return errors.BadRequest.New("jobId is required")
	}
	if req.Type != types.OutputStdout && req.Type != types.OutputStderr {
		return errors.BadRequest.Newf("unknown output type %q", req.Type)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.getJob(req.JobID)
	if err != nil {
		return err
	}

	if req.Type == types.OutputStdout {
		job.Stdout += req.Data
	} else {
		job.Stderr += req.Data
	}
	job.LastStreamedAt = time.Now()

	if err := m.store.UpdateJob(job); err != nil {
		return errors.StoreUnavailable.Wrapf(err, "persist job %s", job.JobID)
	}
	m.primeStatus(ctx, job)
	metrics.StreamBytes.WithLabelValues(string(req.Type)).Add(float64(len(req.Data)))
	return nil
}

// SubmitResult records a finished execution reported by the owning
// worker and frees its reservation. The job completes with the reported
// exit code whether or not it is zero; FAILED is reserved for exhausted
// retries and worker-reported failures, and a job whose cancel flag was
// raised finalizes as CANCELLED.
func (m *Manager) SubmitResult(ctx context.Context, req *types.SubmitResultRequest) (*types.Job, error) {
	if req.JobID == "" || req.WorkerID == "" {
		return nil, errors.BadRequest.New("jobId and workerId are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	job, err := m.getJob(req.JobID)
	if err != nil {
		return nil, err
	}
	if job.AssignedWorkerID != req.WorkerID {
		return nil, errors.JobNotOwned.Newf("job %s is not assigned to worker %s", req.JobID, req.WorkerID)
	}
	if job.Status.Terminal() {
		// Duplicate submission after a retried transport call; the first
		// outcome stands.
		return job, nil
	}

	// The aggregate the worker sends is authoritative over the streamed
	// chunks; fall back to whatever was streamed if it sends none.
	if req.Stdout != "" {
		job.Stdout = req.Stdout
	}
	if req.Stderr != "" {
		job.Stderr = req.Stderr
	}
	if job.CancelRequested {
		// The worker observed the cancel probe, killed the sandbox, and
		// submitted the partial output. The exit code and result archive
		// are kept, but the user-visible status is CANCELLED, not
		// COMPLETED.
		exitCode := req.ExitCode
		job.MarkCancelled(now)
		job.ExitCode = &exitCode
		job.ResultRef = req.ResultRef
		job.ResultName = req.ResultName
	} else {
		job.MarkCompleted(req.ExitCode, req.ResultRef, req.ResultName, now)
	}

	worker, err := m.store.GetWorker(req.WorkerID)
	if err == nil {
		worker.RemoveJob(job.JobID, job.RequiredCPU, job.RequiredRAMMB)
		if len(worker.CurrentJobIDs) == 0 && worker.Status != types.WorkerOffline && !worker.InCooldown(now) {
			worker.Status = types.WorkerIdle
		}
		worker.UpdatedAt = now
		if err := m.store.UpdateWorker(worker); err != nil {
			return nil, errors.StoreUnavailable.Wrapf(err, "persist worker %s", worker.WorkerID)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, errors.StoreUnavailable.Wrapf(err, "load worker %s", req.WorkerID)
	}

	if err := m.store.UpdateJob(job); err != nil {
		return nil, errors.StoreUnavailable.Wrapf(err, "persist job %s", job.JobID)
	}
	m.primeStatus(ctx, job)

	if job.Status == types.JobCancelled {
		m.broker.Publish(events.JobEvent(events.EventJobCancelled, job.JobID, "Job cancelled"))
		metrics.JobsCancelled.Inc()
	} else {
		m.broker.Publish(events.JobEvent(events.EventJobCompleted, job.JobID, "Job completed"))
		metrics.JobsCompleted.Inc()
	}
	m.logger.Info().
		Str("job_id", job.JobID).
		Str("worker_id", req.WorkerID).
		Str("status", string(job.Status)).
		Int("exit_code", req.ExitCode).
		Msg("Job finished")

	return job, nil
}

// ReportFailure applies the failure penalty: the worker goes into
// cooldown and every job it holds is released. The reported job carries
// the worker's message; a cancel-requested job finalizes as CANCELLED
// instead of retrying.
func (m *Manager) ReportFailure(ctx context.Context, req *types.FailureReport) (*types.Job, error) {
	if req.JobID == "" || req.WorkerID == "" {
		return nil, errors.BadRequest.New("jobId and workerId are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	job, err := m.getJob(req.JobID)
	if err != nil {
		return nil, err
	}
	if job.AssignedWorkerID != req.WorkerID {
		return nil, errors.JobNotOwned.Newf("job %s is not assigned to worker %s", req.JobID, req.WorkerID)
	}
	if job.Status.Terminal() {
		// Late report after the outcome was already recorded; the first
		// outcome stands and the worker keeps its standing.
		return job, nil
	}

	worker, err := m.store.GetWorker(req.WorkerID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, errors.StoreUnavailable.Wrapf(err, "load worker %s", req.WorkerID)
	}

	message := req.ErrorMessage
	if message == "" {
		message = "Worker reported failure"
	}

	if worker != nil {
		worker.Status = types.WorkerUnhealthy
		worker.CooldownUntil = now.Add(m.cfg.Cooldown)
		worker.HealthReason = message
		worker.UpdatedAt = now

		m.broker.Publish(events.WorkerEvent(events.EventWorkerUnhealthy, worker.WorkerID,
			"Failure reported: "+message))
		metrics.WorkersPenalized.Inc()

		// The reported job is always charged the lost run; the worker's
		// remaining jobs get the disposition their state earns.
		if err := m.releaseJobLocked(ctx, job, worker, releaseRequeueCounted, message); err != nil {
			return nil, err
		}
		if err := m.releaseLostWorkerJobsLocked(ctx, worker, message); err != nil {
			return nil, err
		}
		if err := m.store.UpdateWorker(worker); err != nil {
			return nil, errors.StoreUnavailable.Wrapf(err, "persist worker %s", worker.WorkerID)
		}
	} else {
		if err := m.releaseJobLocked(ctx, job, nil, releaseRequeueCounted, message); err != nil {
			return nil, err
		}
	}

	m.logger.Warn().
		Str("job_id", job.JobID).
		Str("worker_id", req.WorkerID).
		Str("error", message).
		Msg("Worker reported job failure")

	return job, nil
}

// JobStatus serves the status projection cache-first, falling back to
// the store and re-priming the cache on a miss.
func (m *Manager) JobStatus(ctx context.Context, jobID string) (*types.JobStatusView, error) {
	if jobID == "" {
		return nil, errors.BadRequest.New("jobId is required")
	}

	if view, err := m.cache.JobStatus(ctx, jobID); err == nil && view != nil {
		return view, nil
	} else if err != nil {
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("Status cache read failed")
	}

	job, err := m.getJob(jobID)
	if err != nil {
		return nil, err
	}
	view := job.StatusView()
	if err := m.cache.SetJobStatus(ctx, view); err != nil {
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to prime status cache")
	}
	return view, nil
}

// GetJob returns the full job record.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	if jobID == "" {
		return nil, errors.BadRequest.New("jobId is required")
	}
	return m.getJob(jobID)
}

// ListJobs returns all job records, oldest first.
func (m *Manager) ListJobs(ctx context.Context) ([]*types.Job, error) {
	jobs, err := m.store.ListJobs()
	if err != nil {
		return nil, errors.StoreUnavailable.Wrap(err, "list jobs")
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// CancelJob cancels a job. A queued or assigned job cancels immediately;
// a running one only gets its cancel flag raised, the worker's next
// probe does the rest. Cancelling an already-terminal job is a no-op.
func (m *Manager) CancelJob(ctx context.Context, jobID string) (string, error) {
	if jobID == "" {
		return "", errors.BadRequest.New("jobId is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.getJob(jobID)
	if err != nil {
		return "", err
	}

	switch {
	case job.Status.Terminal():
		return "Job already finished", nil

	case job.Status == types.JobRunning:
		job.CancelRequested = true
		if err := m.store.UpdateJob(job); err != nil {
			return "", errors.StoreUnavailable.Wrapf(err, "persist job %s", job.JobID)
		}
		if err := m.cache.SetCancelFlag(ctx, job.JobID, true); err != nil {
			m.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to prime cancel flag")
		}
		m.primeStatus(ctx, job)
		m.logger.Info().Str("job_id", job.JobID).Msg("Cancellation requested for running job")
		return "Cancellation requested; the worker will stop the job at its next probe", nil

	default:
		// QUEUED, ASSIGNED, or SUBMITTED: no worker involvement needed.
		job.CancelRequested = true
		if err := m.releaseJobLocked(ctx, job, nil, releaseCancel, ""); err != nil {
			return "", err
		}
		m.logger.Info().Str("job_id", job.JobID).Msg("Job cancelled")
		return "Job cancelled", nil
	}
}

// CheckCancel reports the cancel flag, cache-first.
func (m *Manager) CheckCancel(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, errors.BadRequest.New("jobId is required")
	}

	if cancelled, ok, err := m.cache.CancelFlag(ctx, jobID); err == nil && ok {
		return cancelled, nil
	} else if err != nil {
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("Cancel flag cache read failed")
	}

	job, err := m.getJob(jobID)
	if err != nil {
		return false, err
	}
	if err := m.cache.SetCancelFlag(ctx, jobID, job.CancelRequested); err != nil {
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to prime cancel flag")
	}
	return job.CancelRequested, nil
}

// ---------------------------------------------------------------------------
// Release protocol

// releaseOutcome selects the disposition of a released job.
type releaseOutcome int

const (
	// releaseRequeue returns the job to the queue without counting an
	// attempt: the run never started.
	releaseRequeue releaseOutcome = iota

	// releaseRequeueCounted counts the lost run against the retry
	// budget, failing the job permanently when the budget is exhausted.
	releaseRequeueCounted

	// releaseFail marks the job permanently failed.
	releaseFail

	// releaseCancel marks the job cancelled.
	releaseCancel
)

// releaseJobLocked detaches a job from its worker and applies the
// outcome: reservation returned, assignment cleared, then requeue or
// terminal state per the caller. A pending cancel always wins over a
// requeue. Callers hold m.mu; worker may be nil, in which case the
// assigned worker is loaded if there is one.
func (m *Manager) releaseJobLocked(ctx context.Context, job *types.Job, worker *types.Worker, outcome releaseOutcome, message string) error {
	now := time.Now()

	if worker == nil && job.AssignedWorkerID != "" {
		w, err := m.store.GetWorker(job.AssignedWorkerID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return errors.StoreUnavailable.Wrapf(err, "load worker %s", job.AssignedWorkerID)
		}
		worker = w
	}

	if worker != nil {
		worker.RemoveJob(job.JobID, job.RequiredCPU, job.RequiredRAMMB)
		if len(worker.CurrentJobIDs) == 0 && worker.Status != types.WorkerOffline && !worker.InCooldown(now) {
			worker.Status = types.WorkerIdle
		}
		worker.UpdatedAt = now
		if err := m.store.UpdateWorker(worker); err != nil {
			return errors.StoreUnavailable.Wrapf(err, "persist worker %s", worker.WorkerID)
		}
	}

	job.ClearAssignment()

	// A user cancel outranks any retry decision.
	if job.CancelRequested && (outcome == releaseRequeue || outcome == releaseRequeueCounted) {
		outcome = releaseCancel
	}

	switch outcome {
	case releaseRequeue:
		job.Requeue(now, false)
		if message != "" {
			job.ErrorMessage = message
		}
		m.broker.Publish(events.JobEvent(events.EventJobQueued, job.JobID, "Job requeued"))
		metrics.JobsRequeued.Inc()

	case releaseRequeueCounted:
		if job.RetriesExhausted() {
			job.MarkFailed(message, now)
			m.broker.Publish(events.JobEvent(events.EventJobFailed, job.JobID, message))
			metrics.JobsFailed.Inc()
		} else {
			job.Requeue(now, true)
			job.ErrorMessage = message
			m.broker.Publish(events.JobEvent(events.EventJobQueued, job.JobID, "Job requeued for retry"))
			metrics.JobsRequeued.Inc()
		}

	case releaseFail:
		job.MarkFailed(message, now)
		m.broker.Publish(events.JobEvent(events.EventJobFailed, job.JobID, message))
		metrics.JobsFailed.Inc()

	case releaseCancel:
		job.MarkCancelled(now)
		m.broker.Publish(events.JobEvent(events.EventJobCancelled, job.JobID, "Job cancelled"))
		metrics.JobsCancelled.Inc()
		if err := m.cache.SetCancelFlag(ctx, job.JobID, true); err != nil {
			m.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to prime cancel flag")
		}
	}

	if err := m.store.UpdateJob(job); err != nil {
		return errors.StoreUnavailable.Wrapf(err, "persist job %s", job.JobID)
	}
	m.primeStatus(ctx, job)
	return nil
}

// releaseWorkerJobsLocked releases every job the worker currently holds
// with one shared outcome. The worker record itself is left for the
// caller to persist.
func (m *Manager) releaseWorkerJobsLocked(ctx context.Context, worker *types.Worker, outcome releaseOutcome, message string) error {
	ids := make([]string, len(worker.CurrentJobIDs))
	copy(ids, worker.CurrentJobIDs)

	for _, jobID := range ids {
		job, err := m.store.GetJob(jobID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Stale reference; drop it from the worker.
				worker.RemoveJob(jobID, 0, 0)
				continue
			}
			return errors.StoreUnavailable.Wrapf(err, "load job %s", jobID)
		}
		if err := m.releaseJobLocked(ctx, job, worker, outcome, message); err != nil {
			return err
		}
	}
	return nil
}

// releaseLostWorkerJobsLocked releases the jobs of a worker whose process
// is gone (crashed, silent, or restarted). Each job gets the disposition
// its state earns: a RUNNING job had its run started, so the lost run is
// charged against the retry budget; an ASSIGNED job the worker never
// polled goes back to the queue for free. The worker record itself is
// left for the caller to persist.
func (m *Manager) releaseLostWorkerJobsLocked(ctx context.Context, worker *types.Worker, message string) error {
	ids := make([]string, len(worker.CurrentJobIDs))
	copy(ids, worker.CurrentJobIDs)

	for _, jobID := range ids {
		job, err := m.store.GetJob(jobID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				worker.RemoveJob(jobID, 0, 0)
				continue
			}
			return errors.StoreUnavailable.Wrapf(err, "load job %s", jobID)
		}
		outcome, msg := releaseRequeue, ""
		if job.Status == types.JobRunning {
			outcome, msg = releaseRequeueCounted, message
		}
		if err := m.releaseJobLocked(ctx, job, worker, outcome, msg); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Scheduler-facing transitions
//
// The scheduler works from listed snapshots; these methods reload the
// records by id under the lock and revalidate before committing, so a
// decision made against stale state degrades to a no-op instead of a
// double assignment or a resurrected terminal job.

// AssignJob reserves resources on the worker and binds the job to it.
// Returns false without error when the snapshot the caller decided on no
// longer holds: the job left the queue, or the worker is gone, penalized,
// or out of capacity.
func (m *Manager) AssignJob(ctx context.Context, jobID, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	job, err := m.getJob(jobID)
	if err != nil {
		return false, err
	}
	if job.Status != types.JobQueued || job.CancelRequested {
		return false, nil
	}

	worker, err := m.store.GetWorker(workerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, errors.StoreUnavailable.Wrapf(err, "load worker %s", workerID)
	}
	if !worker.Status.Schedulable() || worker.InCooldown(now) || !worker.CanFit(job) {
		return false, nil
	}

	worker.AddJob(job.JobID, job.RequiredCPU, job.RequiredRAMMB)
	worker.Status = types.WorkerBusy
	worker.UpdatedAt = now
	job.MarkAssigned(worker.WorkerID, now)

	if err := m.store.UpdateWorker(worker); err != nil {
		return false, errors.StoreUnavailable.Wrapf(err, "persist worker %s", worker.WorkerID)
	}
	if err := m.store.UpdateJob(job); err != nil {
		return false, errors.StoreUnavailable.Wrapf(err, "persist job %s", job.JobID)
	}
	m.primeStatus(ctx, job)

	m.broker.Publish(events.JobEvent(events.EventJobAssigned, job.JobID,
		"Job assigned to "+worker.WorkerID))
	metrics.JobsAssigned.Inc()
	m.logger.Info().
		Str("job_id", job.JobID).
		Str("worker_id", worker.WorkerID).
		Msg("Job assigned")

	return true, nil
}

// ReclaimTimedOut releases a running job whose deadline has passed,
// charging the lost run against its retry budget. The deadline is
// rechecked under the lock: a result that arrived in the meantime wins
// and the reclamation is a no-op.
func (m *Manager) ReclaimTimedOut(ctx context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	job, err := m.getJob(jobID)
	if err != nil {
		return false, err
	}
	if job.Status != types.JobRunning {
		return false, nil
	}
	deadline := job.StartedAt.Add(time.Duration(job.TimeoutMs) * time.Millisecond)
	if !deadline.Before(now) {
		return false, nil
	}

	if err := m.releaseJobLocked(ctx, job, nil, releaseRequeueCounted, "Execution timeout"); err != nil {
		return false, err
	}
	m.logger.Warn().
		Str("job_id", job.JobID).
		Int("attempts", job.Attempts).
		Str("status", string(job.Status)).
		Msg("Running job timed out")
	return true, nil
}

// MarkWorkerOffline transitions a silent worker to OFFLINE and releases
// its jobs: runs that had started are charged against their retry
// budgets, assignments the worker never polled requeue for free. The
// heartbeat age is rechecked under the lock so a heartbeat that raced
// the caller's snapshot keeps the worker online.
func (m *Manager) MarkWorkerOffline(ctx context.Context, workerID string, heartbeatTimeout time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	worker, err := m.store.GetWorker(workerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, errors.StoreUnavailable.Wrapf(err, "load worker %s", workerID)
	}
	if worker.Status == types.WorkerOffline {
		return false, nil
	}
	if now.Sub(worker.LastHeartbeat) <= heartbeatTimeout {
		return false, nil
	}

	worker.Status = types.WorkerOffline
	worker.HealthReason = "heartbeat_timeout"
	worker.UpdatedAt = now
	if err := m.releaseLostWorkerJobsLocked(ctx, worker, "Worker went offline"); err != nil {
		return false, err
	}
	if err := m.store.UpdateWorker(worker); err != nil {
		return false, errors.StoreUnavailable.Wrapf(err, "persist worker %s", worker.WorkerID)
	}

	m.broker.Publish(events.WorkerEvent(events.EventWorkerOffline, workerID, "Heartbeat timed out"))
	metrics.WorkersOffline.Inc()
	m.logger.Warn().
		Str("worker_id", workerID).
		Time("last_heartbeat", worker.LastHeartbeat).
		Msg("Worker marked offline")
	return true, nil
}

// PinCooldown keeps a penalized worker marked UNHEALTHY with reason
// "cooldown" for the remainder of its penalty window.
func (m *Manager) PinCooldown(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	worker, err := m.store.GetWorker(workerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return errors.StoreUnavailable.Wrapf(err, "load worker %s", workerID)
	}
	if !worker.InCooldown(now) {
		return nil
	}
	if worker.Status == types.WorkerUnhealthy && worker.HealthReason == "cooldown" {
		return nil
	}

	worker.Status = types.WorkerUnhealthy
	worker.HealthReason = "cooldown"
	worker.UpdatedAt = now
	if err := m.store.UpdateWorker(worker); err != nil {
		return errors.StoreUnavailable.Wrapf(err, "persist worker %s", worker.WorkerID)
	}
	return nil
}

// RecoverWorker returns an OFFLINE or UNHEALTHY worker to rotation once
// its heartbeat is fresh again and any cooldown has expired. Both
// conditions are rechecked under the lock.
func (m *Manager) RecoverWorker(ctx context.Context, workerID string, heartbeatTimeout time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	worker, err := m.store.GetWorker(workerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, errors.StoreUnavailable.Wrapf(err, "load worker %s", workerID)
	}
	if worker.Status != types.WorkerOffline && worker.Status != types.WorkerUnhealthy {
		return false, nil
	}
	if worker.InCooldown(now) || now.Sub(worker.LastHeartbeat) > heartbeatTimeout {
		return false, nil
	}

	if len(worker.CurrentJobIDs) > 0 {
		worker.Status = types.WorkerBusy
	} else {
		worker.Status = types.WorkerIdle
	}
	worker.HealthReason = ""
	worker.UpdatedAt = now
	if err := m.store.UpdateWorker(worker); err != nil {
		return false, errors.StoreUnavailable.Wrapf(err, "persist worker %s", worker.WorkerID)
	}

	m.broker.Publish(events.WorkerEvent(events.EventWorkerRecovered, workerID,
		"Worker back in rotation"))
	m.logger.Info().Str("worker_id", workerID).Msg("Worker recovered")
	return true, nil
}

// ---------------------------------------------------------------------------
// Helpers

func (m *Manager) getJob(jobID string) (*types.Job, error) {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.NotFound.Newf("job %s not found", jobID)
		}
		return nil, errors.StoreUnavailable.Wrapf(err, "load job %s", jobID)
	}
	return job, nil
}

func (m *Manager) primeStatus(ctx context.Context, job *types.Job) {
	if err := m.cache.SetJobStatus(ctx, job.StatusView()); err != nil {
		m.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to prime status cache")
	}
}
