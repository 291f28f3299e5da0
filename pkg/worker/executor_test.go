package worker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/bundle"
	"github.com/cuemby/foreman/pkg/types"
)

func TestRunJobHappyPath(t *testing.T) {
	f := newFakeDispatcher(t)
	f.bundles["bundle-1"] = makeZipBundle(t, map[string]string{"run.sh": "echo hi\n"})
	rt := &fakeRuntime{script: []fakeStep{
		{stdout: "hello from python\n"},
		{stdout: "done\n"},
	}}
	a := newTestAgent(t, f, rt)

	a.runJob(&types.JobHandoff{
		JobID:      "job-1",
		Command:    "python main.py\n\necho done\n",
		BundleRef:  "bundle-1",
		BundleName: "bundle.zip",
		TimeoutMs:  60000,
	})

	require.Len(t, f.submitted(), 1)
	sub := f.submitted()[0]
	assert.Equal(t, "job-1", sub.JobID)
	assert.Equal(t, a.WorkerID(), sub.WorkerID)
	assert.Equal(t, 0, sub.ExitCode)
	assert.Equal(t, "hello from python\ndone\n", sub.Stdout)
	assert.Empty(t, sub.Stderr)
	assert.Equal(t, "job-1-result.tar.gz", sub.ResultName)
	require.NotEmpty(t, sub.ResultRef)
	assert.Empty(t, f.failed())

	// One sandbox per command, image picked per command.
	assert.Equal(t, []string{"python:3.11-slim", "alpine:latest"}, rt.pulled())
	require.Equal(t, 2, rt.runCount())

	spec := rt.spec(0)
	assert.True(t, strings.HasPrefix(spec.ID, "job-1-0-"))
	assert.Equal(t, []string{"/bin/sh", "-c", "python main.py"}, spec.Command)
	assert.Contains(t, spec.Env, "HOME=/workspace")
	assert.Equal(t, int64(512), spec.MemoryLimitMB)
	assert.Equal(t, 1.5, spec.CPULimit)
	assert.Equal(t, int64(64), spec.TmpfsMB)
	assert.Equal(t, int64(128), spec.PidsLimit)
	assert.False(t, spec.HostNetwork)
	assert.True(t, strings.HasPrefix(rt.spec(1).ID, "job-1-1-"))

	// Both commands shared one workspace, removed after the run.
	assert.Equal(t, spec.WorkspaceDir, rt.spec(1).WorkspaceDir)
	assert.True(t, strings.HasPrefix(spec.WorkspaceDir, filepath.Join(a.cfg.DataDir, "workspaces")))
	assert.NoDirExists(t, spec.WorkspaceDir)

	// Output was streamed live, in order.
	streams := f.streamed()
	require.Len(t, streams, 2)
	assert.Equal(t, "job-1", streams[0].JobID)
	assert.Equal(t, types.OutputStdout, streams[0].Type)
	assert.Equal(t, "hello from python\n", streams[0].Data)
	assert.Equal(t, "done\n", streams[1].Data)

	// The result archive holds the workspace plus the combined logs.
	archive := f.upload(sub.ResultRef)
	require.NotEmpty(t, archive)
	dir := t.TempDir()
	require.NoError(t, bundle.Extract(archive, dir))

	logs, err := os.ReadFile(filepath.Join(dir, "logs.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello from python\ndone\n", string(logs))

	script, err := os.ReadFile(filepath.Join(dir, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, "echo hi\n", string(script))
}

func TestRunJobBadBundleReportsFailure(t *testing.T) {
	f := newFakeDispatcher(t)
	f.bundles["bundle-bad"] = []byte("#!/bin/sh\necho not an archive\n")
	rt := &fakeRuntime{}
	a := newTestAgent(t, f, rt)

	a.runJob(&types.JobHandoff{
		JobID:     "job-bad",
		Command:   "echo hi",
		BundleRef: "bundle-bad",
	})

	require.Len(t, f.failed(), 1)
	report := f.failed()[0]
	assert.Equal(t, "job-bad", report.JobID)
	assert.Equal(t, a.WorkerID(), report.WorkerID)
	assert.Contains(t, report.ErrorMessage, "not a zip or gzip archive")

	assert.Zero(t, rt.runCount())
	assert.Empty(t, f.submitted())
}

func TestRunJobMissingBundleReportsFailure(t *testing.T) {
	f := newFakeDispatcher(t)
	rt := &fakeRuntime{}
	a := newTestAgent(t, f, rt)

	a.runJob(&types.JobHandoff{
		JobID:     "job-gone",
		Command:   "echo hi",
		BundleRef: "bundle-gone",
	})

	require.Len(t, f.failed(), 1)
	assert.Contains(t, f.failed()[0].ErrorMessage, "fetch bundle")
	assert.Zero(t, rt.runCount())
	assert.Empty(t, f.submitted())
}

func TestRunJobTimeout(t *testing.T) {
	f := newFakeDispatcher(t)
	rt := &fakeRuntime{script: []fakeStep{
		{block: true},
		{stdout: "never runs\n"},
	}}
	a := newTestAgent(t, f, rt)

	a.runJob(&types.JobHandoff{
		JobID:     "job-slow",
		Command:   "sleep 600\necho done",
		TimeoutMs: 150,
	})

	// The timed-out run still submits a result with the timeout code and
	// the marker on stderr; remaining commands are skipped.
	require.Len(t, f.submitted(), 1)
	sub := f.submitted()[0]
	assert.Equal(t, 124, sub.ExitCode)
	assert.Contains(t, sub.Stderr, "[TIMEOUT]")
	assert.Equal(t, 1, rt.runCount())
	assert.Empty(t, f.failed())
	assert.NotEmpty(t, sub.ResultRef)

	streams := f.streamed()
	require.NotEmpty(t, streams)
	last := streams[len(streams)-1]
	assert.Equal(t, types.OutputStderr, last.Type)
	assert.Contains(t, last.Data, "[TIMEOUT]")
}

func TestRunJobCancelled(t *testing.T) {
	f := newFakeDispatcher(t)
	f.cancelAfter = 1
	rt := &fakeRuntime{script: []fakeStep{
		{block: true},
		{stdout: "never runs\n"},
	}}
	a := newTestAgent(t, f, rt)

	a.runJob(&types.JobHandoff{
		JobID:     "job-cancel",
		Command:   "sleep 600\necho done",
		TimeoutMs: 60000,
	})

	require.Len(t, f.submitted(), 1)
	sub := f.submitted()[0]
	assert.Equal(t, 130, sub.ExitCode)
	assert.Contains(t, sub.Stderr, "[CANCELLED]")
	assert.Equal(t, 1, rt.runCount())
	assert.Empty(t, f.failed())
}

func TestRunJobNonZeroContinues(t *testing.T) {
	f := newFakeDispatcher(t)
	rt := &fakeRuntime{script: []fakeStep{
		{stderr: "boom\n", code: 7},
		{stdout: "recovered\n"},
	}}
	a := newTestAgent(t, f, rt)

	a.runJob(&types.JobHandoff{
		JobID:     "job-flaky",
		Command:   "python fail.py\necho recovered",
		TimeoutMs: 60000,
	})

	require.Len(t, f.submitted(), 1)
	sub := f.submitted()[0]
	assert.Equal(t, 0, sub.ExitCode)
	assert.Equal(t, "recovered\n", sub.Stdout)
	assert.Equal(t, "boom\n", sub.Stderr)
	assert.Equal(t, 2, rt.runCount())
}

func TestRunJobLastExitCodeWins(t *testing.T) {
	f := newFakeDispatcher(t)
	rt := &fakeRuntime{script: []fakeStep{
		{code: 0},
		{code: 3},
	}}
	a := newTestAgent(t, f, rt)

	a.runJob(&types.JobHandoff{
		JobID:     "job-codes",
		Command:   "true\nexit 3",
		TimeoutMs: 60000,
	})

	require.Len(t, f.submitted(), 1)
	assert.Equal(t, 3, f.submitted()[0].ExitCode)
}

func TestRunJobSubmitRetriesTransientFailure(t *testing.T) {
	f := newFakeDispatcher(t)
	f.submitRejects = 1
	rt := &fakeRuntime{script: []fakeStep{{stdout: "ok\n"}}}
	a := newTestAgent(t, f, rt)

	a.runJob(&types.JobHandoff{
		JobID:     "job-retry",
		Command:   "echo ok",
		TimeoutMs: 60000,
	})

	require.Len(t, f.submitted(), 1)
	assert.Empty(t, f.failed())
}

func TestRunJobSubmitExhaustionReportsFailure(t *testing.T) {
	f := newFakeDispatcher(t)
	f.submitRejects = submitAttempts
	rt := &fakeRuntime{script: []fakeStep{{stdout: "ok\n"}}}
	a := newTestAgent(t, f, rt)

	a.runJob(&types.JobHandoff{
		JobID:     "job-unreported",
		Command:   "echo ok",
		TimeoutMs: 60000,
	})

	assert.Empty(t, f.submitted())
	require.Len(t, f.failed(), 1)
	assert.Contains(t, f.failed()[0].ErrorMessage, "could not submit result")
}

func TestRunJobShutdownReportsFailure(t *testing.T) {
	f := newFakeDispatcher(t)
	rt := &fakeRuntime{script: []fakeStep{{block: true}}}
	a := newTestAgent(t, f, rt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.runJob(&types.JobHandoff{
			JobID:     "job-interrupted",
			Command:   "sleep 600",
			TimeoutMs: 600000,
		})
	}()

	require.Eventually(t, func() bool {
		return rt.runCount() == 1
	}, 3*time.Second, 5*time.Millisecond)

	a.cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("runJob did not return after agent shutdown")
	}

	assert.Empty(t, f.submitted())
	require.Len(t, f.failed(), 1)
	assert.Contains(t, f.failed()[0].ErrorMessage, "worker shutting down")
}
