package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/errors"
	"github.com/cuemby/foreman/pkg/types"
)

// TestJobRoundTrip drives a job through the full stack: HTTP submission,
// scheduling, a real agent executing in a fake sandbox, output streaming,
// and result submission.
func TestJobRoundTrip(t *testing.T) {
	d := newDispatcher(t, dispatcherConfig{})
	rt := &shellRuntime{}
	a := startAgent(t, d, rt)

	bundle := d.uploadBundle()
	jobID := d.submitJob(bundle, "echo hello", nil)
	t.Logf("✓ Job submitted: %s", jobID)

	require.Eventually(t, func() bool {
		view, err := d.Client.JobStatus(context.Background(), jobID)
		return err == nil && view.Status == types.JobCompleted
	}, 10*time.Second, 20*time.Millisecond, "job never completed")
	t.Log("✓ Job completed")

	view := d.job(jobID)
	require.Contains(t, view.Stdout, "hello")
	require.NotNil(t, view.ExitCode)
	require.Equal(t, 0, *view.ExitCode)
	require.Equal(t, 1, view.Attempts)
	require.NotEmpty(t, view.ResultRef, "result archive should be uploaded")
	require.NotEmpty(t, rt.pulled(), "sandbox image should be ensured before the run")

	// The reservation is returned the moment the result lands.
	wv := d.worker(a.WorkerID())
	require.Equal(t, types.WorkerIdle, wv.Status)
	require.Zero(t, wv.ReservedCPU)
	require.Zero(t, wv.ReservedRAMMB)
	require.Empty(t, wv.CurrentJobIDs)
}

// TestResourceGatingHoldsExcessJobs checks that assignment never
// oversubscribes a worker and that handoff order follows assignment age.
func TestResourceGatingHoldsExcessJobs(t *testing.T) {
	d := newDispatcher(t, dispatcherConfig{})
	w := registerProtoWorker(t, d, "w1", 2, 4096, 10)

	bundle := d.uploadBundle()
	j1 := d.submitJob(bundle, "echo one", nil)
	j2 := d.submitJob(bundle, "echo two", nil)
	j3 := d.submitJob(bundle, "echo three", nil)

	d.pass()

	require.Equal(t, types.JobAssigned, d.job(j1).Status)
	require.Equal(t, types.JobAssigned, d.job(j2).Status)
	require.Equal(t, types.JobQueued, d.job(j3).Status, "third job must wait for capacity")

	wv := d.worker("w1")
	require.Equal(t, float64(2), wv.ReservedCPU)
	require.Equal(t, int64(256), wv.ReservedRAMMB)
	require.Len(t, wv.CurrentJobIDs, 2)

	// Oldest assignment is handed off first.
	handoff := w.poll()
	require.NotNil(t, handoff)
	require.Equal(t, j1, handoff.JobID)
	w.submit(j1, 0, "one\n")
	t.Log("✓ First job finished, capacity freed")

	d.pass()
	require.Equal(t, types.JobAssigned, d.job(j3).Status, "freed capacity goes to the waiting job")
}

// TestTimeoutRetriesThenFails walks a job through the retry budget: each
// expired run charges an attempt, and exhaustion turns into FAILED.
func TestTimeoutRetriesThenFails(t *testing.T) {
	d := newDispatcher(t, dispatcherConfig{})
	w := registerProtoWorker(t, d, "w1", 4, 4096, 10)

	bundle := d.uploadBundle()
	jobID := d.submitJob(bundle, "sleep 600", &types.CreateJobRequest{
		TimeoutMs:  150,
		MaxRetries: 2,
	})

	d.pass()
	handoff := w.poll()
	require.NotNil(t, handoff)
	require.Equal(t, jobID, handoff.JobID)
	view := d.job(jobID)
	require.Equal(t, types.JobRunning, view.Status)
	require.Equal(t, 1, view.Attempts)

	// Worker goes silent on the result; deadline passes.
	time.Sleep(250 * time.Millisecond)
	d.pass()
	view = d.job(jobID)
	require.Equal(t, 2, view.Attempts, "timeout reclaim charges the attempt")
	require.Equal(t, types.JobAssigned, view.Status, "same pass re-places the requeued job")
	require.Equal(t, "Execution timeout", view.ErrorMessage)
	t.Log("✓ First run reclaimed and retried")

	handoff = w.poll()
	require.NotNil(t, handoff)
	require.Equal(t, jobID, handoff.JobID)
	require.Equal(t, 3, d.job(jobID).Attempts)

	time.Sleep(250 * time.Millisecond)
	d.pass()
	view = d.job(jobID)
	require.Equal(t, types.JobFailed, view.Status, "budget of 1+2 runs is spent")
	require.Equal(t, 3, view.Attempts)
	require.Equal(t, "Execution timeout", view.ErrorMessage)
	require.Nil(t, view.ExitCode, "no run ever produced an exit code")
	t.Log("✓ Retry budget exhausted, job failed")

	wv := d.worker("w1")
	require.Zero(t, wv.ReservedCPU)
	require.Empty(t, wv.CurrentJobIDs)
}

// TestWorkerCrashReleasesJobs covers the crash path: a worker that stops
// heartbeating goes OFFLINE and its jobs requeue. The run that had
// started is charged an attempt; the assignment the worker never polled
// goes back for free. A healthy replacement picks both up.
func TestWorkerCrashReleasesJobs(t *testing.T) {
	d := newDispatcher(t, dispatcherConfig{heartbeatTimeout: 750 * time.Millisecond})
	w1 := registerProtoWorker(t, d, "w1", 4, 4096, 10)

	bundle := d.uploadBundle()
	started := d.submitJob(bundle, "echo started", nil)
	pending := d.submitJob(bundle, "echo pending", nil)

	d.pass()
	handoff := w1.poll()
	require.NotNil(t, handoff)
	require.Equal(t, started, handoff.JobID, "oldest assignment is handed off first")
	require.Equal(t, types.JobRunning, d.job(started).Status)
	require.Equal(t, types.JobAssigned, d.job(pending).Status)

	// w1 crashes: no heartbeat, no result.
	time.Sleep(time.Second)
	d.pass()
	t.Log("✓ Heartbeat timeout elapsed")

	wv := d.worker("w1")
	require.Equal(t, types.WorkerOffline, wv.Status)
	require.Equal(t, "heartbeat_timeout", wv.HealthReason)
	require.Empty(t, wv.CurrentJobIDs)
	require.Zero(t, wv.ReservedCPU)

	view := d.job(started)
	require.Equal(t, types.JobQueued, view.Status)
	require.Equal(t, 2, view.Attempts, "the interrupted run is charged")
	require.Equal(t, "Worker went offline", view.ErrorMessage)
	require.Empty(t, view.AssignedWorkerID)

	view = d.job(pending)
	require.Equal(t, types.JobQueued, view.Status)
	require.Zero(t, view.Attempts, "a never-started assignment is not charged")
	require.Empty(t, view.ErrorMessage)

	registerProtoWorker(t, d, "w2", 4, 4096, 10)
	d.pass()
	require.Equal(t, "w2", d.job(started).AssignedWorkerID)
	require.Equal(t, "w2", d.job(pending).AssignedWorkerID)
	require.Equal(t, 2, d.job(started).Attempts)
	t.Log("✓ Replacement worker picked the jobs up")
}

// TestCancelRunningJob cancels mid-run: the agent notices via its probe,
// kills the sandbox, and the submitted partial result lands as CANCELLED.
func TestCancelRunningJob(t *testing.T) {
	d := newDispatcher(t, dispatcherConfig{})
	rt := &shellRuntime{}
	a := startAgent(t, d, rt)

	bundle := d.uploadBundle()
	jobID := d.submitJob(bundle, "sleep 600", nil)

	require.Eventually(t, func() bool {
		view, err := d.Client.JobStatus(context.Background(), jobID)
		return err == nil && view.Status == types.JobRunning
	}, 10*time.Second, 20*time.Millisecond, "job never started")
	t.Log("✓ Job running")

	resp, err := d.Client.CancelJob(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "Cancellation requested; the worker will stop the job at its next probe", resp.Message)

	require.Eventually(t, func() bool {
		view, err := d.Client.JobStatus(context.Background(), jobID)
		return err == nil && view.Status == types.JobCancelled
	}, 10*time.Second, 20*time.Millisecond, "cancel never landed")
	t.Log("✓ Job cancelled")

	view := d.job(jobID)
	require.Equal(t, "Job cancelled by user", view.ErrorMessage)
	require.NotNil(t, view.ExitCode)
	require.Equal(t, 130, *view.ExitCode)

	wv := d.worker(a.WorkerID())
	require.Equal(t, types.WorkerIdle, wv.Status)
	require.Empty(t, wv.CurrentJobIDs)
}

// TestPlacementPrefersLeastLoadedWorker pins the scoring tie-break: with
// capacity equal, the worker with the lower reported CPU load wins.
func TestPlacementPrefersLeastLoadedWorker(t *testing.T) {
	d := newDispatcher(t, dispatcherConfig{maxCPUPercent: 90})
	registerProtoWorker(t, d, "w-busy", 8, 8192, 80)
	registerProtoWorker(t, d, "w-calm", 8, 8192, 10)

	bundle := d.uploadBundle()
	jobID := d.submitJob(bundle, "echo placed", nil)

	d.pass()
	view := d.job(jobID)
	require.Equal(t, types.JobAssigned, view.Status)
	require.Equal(t, "w-calm", view.AssignedWorkerID)
}

// TestRequestRateLimit exhausts a small per-client budget and checks the
// client surfaces the throttle as a RateLimited error.
func TestRequestRateLimit(t *testing.T) {
	d := newDispatcher(t, dispatcherConfig{
		rateLimitWindow: time.Minute,
		rateLimitMax:    5,
	})

	var limited bool
	for i := 0; i < 20; i++ {
		if _, err := d.Client.ListJobs(context.Background()); err != nil {
			require.True(t, errors.IsKind(err, errors.RateLimited), "unexpected error: %v", err)
			limited = true
			break
		}
	}
	require.True(t, limited, "budget of 5 requests never throttled")
}

// TestLateOutputAfterTerminalState checks that a straggling output chunk
// arriving after the result is recorded, not rejected, and leaves the
// terminal state alone.
func TestLateOutputAfterTerminalState(t *testing.T) {
	d := newDispatcher(t, dispatcherConfig{})
	w := registerProtoWorker(t, d, "w1", 4, 4096, 10)

	bundle := d.uploadBundle()
	jobID := d.submitJob(bundle, "echo done", nil)

	d.pass()
	handoff := w.poll()
	require.NotNil(t, handoff)
	w.submit(jobID, 0, "done\n")

	before := d.job(jobID)
	require.Equal(t, types.JobCompleted, before.Status)

	err := w.c.StreamOutput(context.Background(), jobID, types.OutputStdout, "late tail\n")
	require.NoError(t, err, "post-terminal output is accepted")

	after := d.job(jobID)
	require.Equal(t, types.JobCompleted, after.Status)
	require.Equal(t, before.CompletedAt, after.CompletedAt)
	require.Contains(t, after.Stdout, "done")
	require.Contains(t, after.Stdout, "late tail")
}
