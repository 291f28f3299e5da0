package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/blob"
	"github.com/cuemby/foreman/pkg/cache"
	"github.com/cuemby/foreman/pkg/manager"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

func newTestScheduler(t *testing.T) (*Scheduler, *manager.Manager) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)

	blobs, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	cacheTier := cache.NewMemory()
	mgr := manager.NewManager(store, cacheTier, blobs,
		manager.NewTokenSigner("test-secret", 0), manager.Config{})
	sched := NewScheduler(mgr, cacheTier, Config{})

	t.Cleanup(func() {
		mgr.Shutdown()
		store.Close()
	})
	return sched, mgr
}

func registerWorker(t *testing.T, mgr *manager.Manager, id string, cpus int, ramMB int64) *types.Worker {
	t.Helper()
	worker, _, err := mgr.RegisterWorker(context.Background(), &types.RegisterRequest{
		WorkerID:   id,
		Hostname:   id + "-host",
		OS:         "linux",
		CPUCount:   cpus,
		RAMTotalMB: ramMB,
		RAMFreeMB:  ramMB,
	})
	require.NoError(t, err)
	return worker
}

func submitJob(t *testing.T, mgr *manager.Manager, cpu float64, ramMB int64) *types.Job {
	t.Helper()
	job, err := mgr.CreateJob(context.Background(), &types.CreateJobRequest{
		Command:       "echo hi",
		RequiredCPU:   cpu,
		RequiredRAMMB: ramMB,
	})
	require.NoError(t, err)
	return job
}

func reportUsage(t *testing.T, mgr *manager.Manager, workerID string, cpuUsage float64) {
	t.Helper()
	_, err := mgr.Heartbeat(context.Background(), &types.HeartbeatRequest{
		WorkerID: workerID,
		CPUUsage: cpuUsage,
		Status:   "IDLE",
	})
	require.NoError(t, err)
}

func TestSchedulePlacesQueuedJob(t *testing.T) {
	sched, mgr := newTestScheduler(t)
	ctx := context.Background()

	registerWorker(t, mgr, "worker-1", 4, 4096)
	job := submitJob(t, mgr, 1, 256)

	require.NoError(t, sched.RunOnce(ctx))

	got, err := mgr.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobAssigned, got.Status)
	assert.Equal(t, "worker-1", got.AssignedWorkerID)
	assert.False(t, got.AssignedAt.IsZero())

	worker, err := mgr.Store().GetWorker("worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerBusy, worker.Status)
	assert.Equal(t, 1.0, worker.ReservedCPU)
	assert.Equal(t, int64(256), worker.ReservedRAMMB)
	assert.True(t, worker.HasJob(job.JobID))
}

func TestScheduleNoWorkers(t *testing.T) {
	sched, mgr := newTestScheduler(t)
	ctx := context.Background()

	job := submitJob(t, mgr, 1, 256)

	require.NoError(t, sched.RunOnce(ctx))

	got, err := mgr.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, got.Status)
}

func TestScheduleFIFOWithinCapacity(t *testing.T) {
	sched, mgr := newTestScheduler(t)
	ctx := context.Background()

	// Room for exactly two of the three jobs.
	registerWorker(t, mgr, "worker-1", 4, 1024)

	first := submitJob(t, mgr, 1, 512)
	time.Sleep(2 * time.Millisecond)
	second := submitJob(t, mgr, 1, 512)
	time.Sleep(2 * time.Millisecond)
	third := submitJob(t, mgr, 1, 512)

	require.NoError(t, sched.RunOnce(ctx))

	for _, want := range []struct {
		jobID  string
		status types.JobStatus
	}{
		{first.JobID, types.JobAssigned},
		{second.JobID, types.JobAssigned},
		{third.JobID, types.JobQueued},
	} {
		got, err := mgr.GetJob(ctx, want.jobID)
		require.NoError(t, err)
		assert.Equal(t, want.status, got.Status, "job %s", want.jobID)
	}

	worker, err := mgr.Store().GetWorker("worker-1")
	require.NoError(t, err)
	assert.Len(t, worker.CurrentJobIDs, 2)
	assert.Equal(t, int64(1024), worker.ReservedRAMMB)
}

func TestScheduleSkipsUnplaceableJob(t *testing.T) {
	sched, mgr := newTestScheduler(t)
	ctx := context.Background()

	registerWorker(t, mgr, "worker-1", 4, 4096)

	// The oversized head of the queue must not block the job behind it.
	huge := submitJob(t, mgr, 64, 256)
	time.Sleep(2 * time.Millisecond)
	small := submitJob(t, mgr, 1, 256)

	require.NoError(t, sched.RunOnce(ctx))

	gotHuge, err := mgr.GetJob(ctx, huge.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, gotHuge.Status)

	gotSmall, err := mgr.GetJob(ctx, small.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobAssigned, gotSmall.Status)
}

func TestSchedulePrefersLeastLoadedWorker(t *testing.T) {
	sched, mgr := newTestScheduler(t)
	ctx := context.Background()

	registerWorker(t, mgr, "worker-hot", 4, 4096)
	registerWorker(t, mgr, "worker-cold", 4, 4096)
	reportUsage(t, mgr, "worker-hot", 80)
	reportUsage(t, mgr, "worker-cold", 10)

	job := submitJob(t, mgr, 1, 256)

	require.NoError(t, sched.RunOnce(ctx))

	got, err := mgr.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, "worker-cold", got.AssignedWorkerID)
}

func TestScheduleRespectsCPUCeiling(t *testing.T) {
	sched, mgr := newTestScheduler(t)
	ctx := context.Background()

	registerWorker(t, mgr, "worker-1", 4, 4096)
	reportUsage(t, mgr, "worker-1", 95)

	job := submitJob(t, mgr, 1, 256)

	require.NoError(t, sched.RunOnce(ctx))

	got, err := mgr.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, got.Status)
}

func TestScheduleExactResourceFit(t *testing.T) {
	sched, mgr := newTestScheduler(t)
	ctx := context.Background()

	registerWorker(t, mgr, "worker-1", 2, 512)
	job := submitJob(t, mgr, 2, 512)

	require.NoError(t, sched.RunOnce(ctx))

	got, err := mgr.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobAssigned, got.Status)

	worker, err := mgr.Store().GetWorker("worker-1")
	require.NoError(t, err)
	assert.Zero(t, worker.AvailableCPU())
	assert.Zero(t, worker.AvailableRAMMB())
}

func TestScheduleHeartbeatTimeout(t *testing.T) {
	sched, mgr := newTestScheduler(t)
	ctx := context.Background()

	worker := registerWorker(t, mgr, "worker-1", 4, 4096)
	job := submitJob(t, mgr, 1, 256)
	require.NoError(t, sched.RunOnce(ctx))
	running, err := mgr.PollJob(ctx, worker.WorkerID)
	require.NoError(t, err)
	require.NotNil(t, running)

	stored, err := mgr.Store().GetWorker(worker.WorkerID)
	require.NoError(t, err)
	stored.LastHeartbeat = time.Now().Add(-time.Minute)
	require.NoError(t, mgr.Store().UpdateWorker(stored))

	require.NoError(t, sched.RunOnce(ctx))

	offline, err := mgr.Store().GetWorker(worker.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerOffline, offline.Status)
	assert.Equal(t, "heartbeat_timeout", offline.HealthReason)
	assert.Empty(t, offline.CurrentJobIDs)

	// The started run is charged; with no live worker it waits in the queue.
	got, err := mgr.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "Worker went offline", got.ErrorMessage)
}

func TestScheduleFreshHeartbeatStaysOnline(t *testing.T) {
	sched, mgr := newTestScheduler(t)
	ctx := context.Background()

	worker := registerWorker(t, mgr, "worker-1", 4, 4096)

	stored, err := mgr.Store().GetWorker(worker.WorkerID)
	require.NoError(t, err)
	stored.LastHeartbeat = time.Now().Add(-29 * time.Second)
	require.NoError(t, mgr.Store().UpdateWorker(stored))

	require.NoError(t, sched.RunOnce(ctx))

	got, err := mgr.Store().GetWorker(worker.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerIdle, got.Status)
}

func TestScheduleRecoversOfflineWorker(t *testing.T) {
	sched, mgr := newTestScheduler(t)
	ctx := context.Background()

	worker := registerWorker(t, mgr, "worker-1", 4, 4096)

	stored, err := mgr.Store().GetWorker(worker.WorkerID)
	require.NoError(t, err)
	stored.Status = types.WorkerOffline
	stored.HealthReason = "heartbeat_timeout"
	require.NoError(t, mgr.Store().UpdateWorker(stored))

	job := submitJob(t, mgr, 1, 256)

	// One pass recovers the worker and places the waiting job.
	require.NoError(t, sched.RunOnce(ctx))

	got, err := mgr.Store().GetWorker(worker.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerBusy, got.Status)
	assert.Empty(t, got.HealthReason)

	placed, err := mgr.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobAssigned, placed.Status)
}

func TestScheduleCooldownPinAndRelease(t *testing.T) {
	sched, mgr := newTestScheduler(t)
	ctx := context.Background()

	worker := registerWorker(t, mgr, "worker-1", 4, 4096)
	job := submitJob(t, mgr, 1, 256)

	stored, err := mgr.Store().GetWorker(worker.WorkerID)
	require.NoError(t, err)
	stored.CooldownUntil = time.Now().Add(time.Minute)
	require.NoError(t, mgr.Store().UpdateWorker(stored))

	require.NoError(t, sched.RunOnce(ctx))

	pinned, err := mgr.Store().GetWorker(worker.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerUnhealthy, pinned.Status)
	assert.Equal(t, "cooldown", pinned.HealthReason)

	queued, err := mgr.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, queued.Status)

	// Cooldown over: the next pass puts the worker back and drains the queue.
	pinned.CooldownUntil = time.Now().Add(-time.Second)
	require.NoError(t, mgr.Store().UpdateWorker(pinned))

	require.NoError(t, sched.RunOnce(ctx))

	recovered, err := mgr.Store().GetWorker(worker.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerBusy, recovered.Status)

	placed, err := mgr.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobAssigned, placed.Status)
}

func TestScheduleReclaimsTimedOutRun(t *testing.T) {
	sched, mgr := newTestScheduler(t)
	ctx := context.Background()

	worker := registerWorker(t, mgr, "worker-1", 4, 4096)
	job := submitJob(t, mgr, 1, 256)
	require.NoError(t, sched.RunOnce(ctx))
	running, err := mgr.PollJob(ctx, worker.WorkerID)
	require.NoError(t, err)
	require.NotNil(t, running)

	stored, err := mgr.Store().GetJob(job.JobID)
	require.NoError(t, err)
	stored.StartedAt = time.Now().Add(-10 * time.Minute)
	require.NoError(t, mgr.Store().UpdateJob(stored))

	// Keep the worker over the CPU ceiling so the reclaimed job is not
	// immediately placed again within the same pass.
	reportUsage(t, mgr, worker.WorkerID, 95)

	require.NoError(t, sched.RunOnce(ctx))

	got, err := mgr.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "Execution timeout", got.ErrorMessage)

	freed, err := mgr.Store().GetWorker(worker.WorkerID)
	require.NoError(t, err)
	assert.Empty(t, freed.CurrentJobIDs)
}

func TestScheduleLeaseExcludesPass(t *testing.T) {
	sched, mgr := newTestScheduler(t)
	ctx := context.Background()

	registerWorker(t, mgr, "worker-1", 4, 4096)
	job := submitJob(t, mgr, 1, 256)

	// Another instance holds the window: this pass does nothing.
	held, err := sched.cache.AcquireLease(ctx, cache.SchedulerLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, sched.RunOnce(ctx))
	got, err := mgr.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, got.Status)

	require.NoError(t, sched.cache.ReleaseLease(ctx, cache.SchedulerLockKey))

	require.NoError(t, sched.RunOnce(ctx))
	got, err = mgr.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobAssigned, got.Status)
}

func TestScheduleIdempotentPass(t *testing.T) {
	sched, mgr := newTestScheduler(t)
	ctx := context.Background()

	registerWorker(t, mgr, "worker-1", 4, 4096)
	job := submitJob(t, mgr, 1, 256)

	require.NoError(t, sched.RunOnce(ctx))
	require.NoError(t, sched.RunOnce(ctx))

	worker, err := mgr.Store().GetWorker("worker-1")
	require.NoError(t, err)
	assert.Len(t, worker.CurrentJobIDs, 1)
	assert.Equal(t, 1.0, worker.ReservedCPU)

	got, err := mgr.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobAssigned, got.Status)
}

func TestSchedulerLoop(t *testing.T) {
	sched, mgr := newTestScheduler(t)
	ctx := context.Background()

	registerWorker(t, mgr, "worker-1", 4, 4096)
	job := submitJob(t, mgr, 1, 256)

	sched.Start()
	defer sched.Stop()

	sched.Trigger()
	sched.Trigger()
	sched.Trigger()

	deadline := time.After(2 * time.Second)
	for {
		got, err := mgr.GetJob(ctx, job.JobID)
		require.NoError(t, err)
		if got.Status == types.JobAssigned {
			assert.Equal(t, "worker-1", got.AssignedWorkerID)
			return
		}
		select {
		case <-deadline:
			t.Fatal("job was not assigned by the scheduler loop")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
