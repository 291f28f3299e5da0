package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/cache"
	"github.com/cuemby/foreman/pkg/errors"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/manager"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/types"
)

const (
	// DefaultTick is the cadence of unprompted scheduler passes.
	DefaultTick = 5 * time.Second

	// DefaultHeartbeatTimeout is how long a worker may stay silent before
	// it is marked OFFLINE and its jobs are returned to the queue.
	DefaultHeartbeatTimeout = 30 * time.Second

	// DefaultMaxCPUPercent is the live CPU ceiling above which a worker
	// takes no new work regardless of its reservations.
	DefaultMaxCPUPercent = 90.0
)

// Config carries the scheduler's tunables. Zero values fall back to the
// defaults above.
type Config struct {
	Tick             time.Duration
	HeartbeatTimeout time.Duration
	MaxCPUPercent    float64
}

// Scheduler places queued jobs on workers and keeps the fleet's health
// state coherent. Each pass runs three phases in order: reconcile worker
// health from heartbeat age, reclaim timed-out runs, then assign queued
// jobs oldest first.
//
// A pass is an exclusive section. The mutex serializes passes within this
// process; the cache lease serializes them across dispatcher instances
// sharing a Redis tier.
type Scheduler struct {
	manager *manager.Manager
	cache   cache.Cache
	cfg     Config
	logger  zerolog.Logger

	mu      sync.Mutex
	trigger chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a scheduler over the given manager and cache tier.
func NewScheduler(mgr *manager.Manager, cacheTier cache.Cache, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.MaxCPUPercent <= 0 {
		cfg.MaxCPUPercent = DefaultMaxCPUPercent
	}
	return &Scheduler{
		manager: mgr,
		cache:   cacheTier,
		cfg:     cfg,
		logger:  log.WithComponent("scheduler"),
		trigger: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the scheduling loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Trigger requests a pass outside the tick cadence. Triggers arriving
// while a pass is already pending coalesce into one trailing run.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// run is the main scheduler loop.
func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runLogged()
		case <-s.trigger:
			s.runLogged()
		case <-s.stopCh:
			return
		}
	}
}

// runLogged runs one pass, logging instead of surfacing the error; the
// next tick retries.
func (s *Scheduler) runLogged() {
	if err := s.RunOnce(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("Scheduler pass failed")
	}
}

// RunOnce performs one scheduling pass. Callers that just mutated state
// (job created, worker registered, result submitted) may call it directly
// instead of waiting for the tick.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acquired, err := s.cache.AcquireLease(ctx, cache.SchedulerLockKey, cache.SchedulerLockTTL)
	switch {
	case err != nil:
		// The local mutex still serializes passes within this process.
		s.logger.Warn().Err(err).Msg("Scheduler lease unavailable, proceeding locally")
	case !acquired:
		// Another dispatcher instance owns this window.
		return nil
	default:
		defer func() {
			if err := s.cache.ReleaseLease(ctx, cache.SchedulerLockKey); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to release scheduler lease")
			}
		}()
	}

	timer := metrics.NewTimer()
	defer func() {
		metrics.SchedulerRuns.Inc()
		timer.ObserveDuration(metrics.SchedulingLatency)
	}()

	now := time.Now()
	if err := s.reconcileWorkers(ctx, now); err != nil {
		return err
	}
	if err := s.reclaimTimeouts(ctx, now); err != nil {
		return err
	}
	return s.placeQueued(ctx, now)
}

// reconcileWorkers walks the fleet and updates each worker's health state
// before any placement decision. Cooldown takes precedence over heartbeat
// age; a silent worker's jobs go back to the queue uncharged.
func (s *Scheduler) reconcileWorkers(ctx context.Context, now time.Time) error {
	workers, err := s.manager.ListWorkers(ctx)
	if err != nil {
		return err
	}
	for _, worker := range workers {
		switch {
		case worker.InCooldown(now):
			if err := s.manager.PinCooldown(ctx, worker.WorkerID); err != nil {
				return err
			}
		case now.Sub(worker.LastHeartbeat) > s.cfg.HeartbeatTimeout:
			if worker.Status == types.WorkerOffline {
				continue
			}
			if _, err := s.manager.MarkWorkerOffline(ctx, worker.WorkerID, s.cfg.HeartbeatTimeout); err != nil {
				return err
			}
		case worker.Status == types.WorkerOffline || worker.Status == types.WorkerUnhealthy:
			if _, err := s.manager.RecoverWorker(ctx, worker.WorkerID, s.cfg.HeartbeatTimeout); err != nil {
				return err
			}
		}
	}
	return nil
}

// reclaimTimeouts releases RUNNING jobs whose deadline has passed. The
// deadline check here is a snapshot precheck; the manager rechecks it
// under the lock, so a result that lands in between wins.
func (s *Scheduler) reclaimTimeouts(ctx context.Context, now time.Time) error {
	running, err := s.manager.Store().ListJobsByStatus(types.JobRunning)
	if err != nil {
		return errors.StoreUnavailable.Wrap(err, "list running jobs")
	}
	for _, job := range running {
		deadline := job.StartedAt.Add(time.Duration(job.TimeoutMs) * time.Millisecond)
		if !deadline.Before(now) {
			continue
		}
		if _, err := s.manager.ReclaimTimedOut(ctx, job.JobID); err != nil {
			return err
		}
	}
	return nil
}

// placeQueued assigns queued jobs oldest first. A job with no eligible
// worker is skipped without blocking the jobs behind it. Committed
// assignments are mirrored onto the local worker copies so later jobs in
// the same pass see the reservations.
func (s *Scheduler) placeQueued(ctx context.Context, now time.Time) error {
	queued, err := s.manager.Store().ListJobsByStatus(types.JobQueued)
	if err != nil {
		return errors.StoreUnavailable.Wrap(err, "list queued jobs")
	}
	if len(queued) == 0 {
		return nil
	}
	sort.Slice(queued, func(i, j int) bool {
		if !queued[i].QueuedAt.Equal(queued[j].QueuedAt) {
			return queued[i].QueuedAt.Before(queued[j].QueuedAt)
		}
		return queued[i].JobID < queued[j].JobID
	})

	workers, err := s.manager.ListWorkers(ctx)
	if err != nil {
		return err
	}

	for _, job := range queued {
		if job.CancelRequested {
			continue
		}
		worker := pickWorker(workers, job, now, s.cfg.MaxCPUPercent)
		if worker == nil {
			s.logger.Debug().
				Str("job_id", job.JobID).
				Float64("required_cpu", job.RequiredCPU).
				Int64("required_ram_mb", job.RequiredRAMMB).
				Msg("No eligible worker, leaving job queued")
			continue
		}
		committed, err := s.manager.AssignJob(ctx, job.JobID, worker.WorkerID)
		if err != nil {
			return err
		}
		if !committed {
			continue
		}
		worker.AddJob(job.JobID, job.RequiredCPU, job.RequiredRAMMB)
		worker.Status = types.WorkerBusy
	}
	return nil
}

// eligible reports whether a worker can take the job right now.
func eligible(w *types.Worker, job *types.Job, now time.Time, maxCPUPercent float64) bool {
	return w.Status.Schedulable() &&
		!w.InCooldown(now) &&
		w.CanFit(job) &&
		w.CPUUsage <= maxCPUPercent
}

// score ranks an eligible worker; lower is better. Live CPU usage
// dominates, then the reserved CPU share, then the reserved RAM share.
// The two reciprocal terms separate otherwise-equal workers by absolute
// headroom, so a 16-core machine beats a 2-core machine at the same
// utilization.
func score(w *types.Worker) float64 {
	return 0.6*w.CPUUsage +
		0.3*(w.ReservedCPU/float64(w.CPUCount))*100 +
		0.1*(float64(w.ReservedRAMMB)/float64(w.RAMTotalMB))*100 +
		5/w.AvailableCPU() +
		0.01/float64(w.AvailableRAMMB())
}

// pickWorker returns the best-scoring eligible worker for the job, or nil
// when no worker can hold it.
func pickWorker(workers []*types.Worker, job *types.Job, now time.Time, maxCPUPercent float64) *types.Worker {
	var best *types.Worker
	var bestScore float64
	for _, w := range workers {
		if !eligible(w, job, now, maxCPUPercent) {
			continue
		}
		sc := score(w)
		switch {
		case best == nil || sc < bestScore:
			best, bestScore = w, sc
		case sc == bestScore && breaksTie(w, best):
			best = w
		}
	}
	return best
}

// breaksTie prefers the worker heard from most recently, then the
// lexicographically smaller id, so equal scores place deterministically.
func breaksTie(w, best *types.Worker) bool {
	if !w.LastHeartbeat.Equal(best.LastHeartbeat) {
		return w.LastHeartbeat.After(best.LastHeartbeat)
	}
	return w.WorkerID < best.WorkerID
}
