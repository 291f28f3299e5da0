package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/bundle"
	"github.com/cuemby/foreman/pkg/errors"
	"github.com/cuemby/foreman/pkg/runtime"
	"github.com/cuemby/foreman/pkg/types"
)

const (
	submitAttempts   = 3
	retryBackoffBase = 1 * time.Second
)

// Markers appended to stderr when a sandbox is forcibly terminated.
const (
	timeoutMarker = "[TIMEOUT]"
	cancelMarker  = "[CANCELLED]"
)

// execution carries the state of one job run: workspace, aggregated
// output, and the terminal attribution flags.
type execution struct {
	agent  *Agent
	logger zerolog.Logger
	job    *types.JobHandoff

	// ctx is the job's lifetime context. It outlives the per-run context
	// so result packing and the final report still happen after a cancel
	// or timeout kill.
	ctx context.Context

	workspace  string
	exitCode   int
	resultRef  string
	resultName string

	// Aggregated output. Each buffer is written by exactly one stream at
	// a time and read only after the run drained.
	stdout bytes.Buffer
	stderr bytes.Buffer

	mu        sync.Mutex
	cancelled bool
}

// runJob drives one assignment through the execution contract and reports
// the outcome. It holds one concurrency slot for its whole duration.
func (a *Agent) runJob(handoff *types.JobHandoff) {
	jobCtx, cancel := context.WithCancel(a.ctx)
	defer cancel()

	a.trackJob(handoff.JobID)
	defer a.untrackJob(handoff.JobID)

	e := &execution{
		agent:  a,
		logger: a.logger.With().Str("job_id", handoff.JobID).Logger(),
		job:    handoff,
		ctx:    jobCtx,
	}

	start := time.Now()
	if err := e.run(); err != nil {
		e.logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Job execution failed")
		e.reportFailure(err)
		return
	}

	e.submitResult()
	e.logger.Info().
		Int("exit_code", e.exitCode).
		Dur("elapsed", time.Since(start)).
		Msg("Job finished")
}

// run executes the job: workspace, bundle, command sequence, result
// archive. A returned error means no result can be submitted and the
// dispatcher gets a failure report instead.
func (e *execution) run() error {
	workspace, err := e.agent.makeWorkspace(e.job.JobID)
	if err != nil {
		return err
	}
	e.workspace = workspace
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			e.logger.Warn().Err(err).Str("workspace", workspace).Msg("Workspace cleanup failed")
		}
	}()

	if e.job.BundleRef != "" {
		if err := e.fetchBundle(); err != nil {
			return err
		}
	}

	commands := splitCommands(e.job.Command)

	runCtx, kill := e.runContext()
	defer kill()
	go e.probeCancel(runCtx, kill)

	for i, command := range commands {
		err := e.runCommand(runCtx, i, command)
		if err == nil {
			continue
		}
		if e.wasCancelled() {
			e.exitCode = 130
			e.appendMarker(cancelMarker)
			e.logger.Info().Msg("Job cancelled, aborting remaining commands")
			break
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			e.exitCode = 124
			e.appendMarker(timeoutMarker)
			e.logger.Warn().Int64("timeout_ms", e.job.TimeoutMs).Msg("Job timed out, aborting remaining commands")
			break
		}
		if e.ctx.Err() != nil {
			return errors.Wrap(err, "worker shutting down")
		}
		return err
	}

	e.packAndUpload()
	return nil
}

// runContext derives the context enforcing the job's total time budget.
func (e *execution) runContext() (context.Context, context.CancelFunc) {
	if e.job.TimeoutMs > 0 {
		return context.WithTimeout(e.ctx, time.Duration(e.job.TimeoutMs)*time.Millisecond)
	}
	return context.WithCancel(e.ctx)
}

// fetchBundle downloads, validates, and extracts the input bundle.
func (e *execution) fetchBundle() error {
	rc, _, err := e.agent.client.Blobs().Get(e.ctx, e.job.BundleRef)
	if err != nil {
		return errors.Wrapf(err, "fetch bundle %s", e.job.BundleRef)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return errors.Wrapf(err, "read bundle %s", e.job.BundleRef)
	}
	e.logger.Info().
		Int("bytes", len(data)).
		Str("bundle", e.job.BundleName).
		Msg("Bundle downloaded")

	if _, err := bundle.Sniff(data); err != nil {
		return err
	}
	return bundle.Extract(data, e.workspace)
}

// runCommand executes a single command of the sequence in its own
// sandbox. A non-zero exit is not an error; the sequence continues.
func (e *execution) runCommand(ctx context.Context, index int, command string) error {
	image := e.agent.images.ImageFor(command)
	logger := e.logger.With().Int("step", index).Str("image", image).Logger()
	logger.Info().Str("command", command).Msg("Running command")

	if err := e.agent.runtime.EnsureImage(ctx, image); err != nil {
		return err
	}

	spec := &runtime.RunSpec{
		ID:            sandboxID(e.job.JobID, index),
		Image:         image,
		Command:       []string{"/bin/sh", "-c", command},
		WorkspaceDir:  e.workspace,
		Env:           sandboxEnv(),
		MemoryLimitMB: e.agent.cfg.SandboxMemoryLimitMB,
		CPULimit:      e.agent.cfg.SandboxCPULimit,
		TmpfsMB:       e.agent.cfg.SandboxTmpfsMB,
		PidsLimit:     e.agent.cfg.SandboxPidsLimit,
		HostNetwork:   e.agent.cfg.SandboxNetworkMode == NetworkModeHost,
	}
	stdout := &streamWriter{e: e, kind: types.OutputStdout, buf: &e.stdout}
	stderr := &streamWriter{e: e, kind: types.OutputStderr, buf: &e.stderr}

	code, err := e.agent.runtime.Run(ctx, spec, stdout, stderr)
	if err != nil {
		return err
	}
	e.exitCode = code
	if code != 0 {
		logger.Warn().Int("exit_code", code).Msg("Command exited non-zero, continuing")
	}
	return nil
}

// probeCancel polls the dispatcher's cancel flag while the sequence runs
// and kills the run context when it is set.
func (e *execution) probeCancel(ctx context.Context, kill context.CancelFunc) {
	ticker := time.NewTicker(e.agent.cfg.CancelProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelled, err := e.agent.client.CheckCancel(ctx, e.job.JobID)
			if err != nil {
				e.logger.Debug().Err(err).Msg("Cancel probe failed")
				continue
			}
			if cancelled {
				e.logger.Info().Msg("Cancellation requested, terminating sandbox")
				e.markCancelled()
				kill()
				return
			}
		}
	}
}

func (e *execution) markCancelled() {
	e.mu.Lock()
	e.cancelled = true
	e.mu.Unlock()
}

func (e *execution) wasCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// appendMarker records a termination marker on stderr, locally and on the
// dispatcher's streamed copy.
func (e *execution) appendMarker(marker string) {
	line := "\n" + marker + "\n"
	e.stderr.WriteString(line)
	if err := e.agent.client.StreamOutput(e.ctx, e.job.JobID, types.OutputStderr, line); err != nil {
		e.logger.Debug().Err(err).Msg("Streaming marker failed")
	}
}

// packAndUpload builds the result archive (workspace plus logs.txt) and
// uploads it. Failures are logged, not fatal: the result submission still
// carries the aggregated output.
func (e *execution) packAndUpload() {
	logs := make([]byte, 0, e.stdout.Len()+e.stderr.Len())
	logs = append(logs, e.stdout.Bytes()...)
	logs = append(logs, e.stderr.Bytes()...)

	archive, err := bundle.PackResult(e.workspace, logs)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Result packing failed, submitting without result archive")
		return
	}

	name := e.job.JobID + "-result.tar.gz"
	meta, err := e.agent.client.Blobs().Put(e.ctx, name, "application/gzip", bytes.NewReader(archive))
	if err != nil {
		e.logger.Warn().Err(err).Msg("Result upload failed, submitting without result archive")
		return
	}
	e.resultRef = meta.Ref
	e.resultName = name
	e.logger.Info().
		Str("result_ref", meta.Ref).
		Int("bytes", len(archive)).
		Msg("Result archive uploaded")
}

// submitResult reports the finished execution, retrying transient
// failures with exponential backoff. When the budget is spent it falls
// back to a failure report so the dispatcher can requeue. The detached
// context lets the final report out even while the agent shuts down.
func (e *execution) submitResult() {
	req := &types.SubmitResultRequest{
		JobID:      e.job.JobID,
		WorkerID:   e.agent.workerID,
		Stdout:     e.stdout.String(),
		Stderr:     e.stderr.String(),
		ExitCode:   e.exitCode,
		ResultRef:  e.resultRef,
		ResultName: e.resultName,
	}

	backoff := e.agent.submitBackoff
	var lastErr error
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		_, lastErr = e.agent.client.SubmitResult(context.Background(), req)
		if lastErr == nil {
			return
		}
		if errors.IsKind(lastErr, errors.JobNotOwned) || errors.IsKind(lastErr, errors.NotFound) {
			// The dispatcher reassigned or forgot the job; retrying
			// cannot change its answer.
			e.logger.Warn().Err(lastErr).Msg("Result rejected by dispatcher")
			return
		}
		e.logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("Result submission failed")
		if attempt < submitAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	e.reportFailure(errors.Wrap(lastErr, "could not submit result"))
}

// reportFailure tells the dispatcher this run produced no result.
func (e *execution) reportFailure(cause error) {
	err := e.agent.client.ReportFailure(context.Background(), &types.FailureReport{
		JobID:        e.job.JobID,
		WorkerID:     e.agent.workerID,
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("Failure report did not reach the dispatcher")
	}
}

// streamWriter tees sandbox output into the local aggregate and forwards
// each chunk to the dispatcher. Forwarding failures keep the chunk
// locally; the aggregate is the source of truth at submit time.
type streamWriter struct {
	e    *execution
	kind types.OutputKind
	buf  *bytes.Buffer
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if err := w.e.agent.client.StreamOutput(w.e.ctx, w.e.job.JobID, w.kind, string(p)); err != nil {
		w.e.logger.Debug().Err(err).Msg("Streaming output chunk failed")
	}
	return len(p), nil
}

// splitCommands turns the job's command field into the command sequence:
// one command per line, blank lines dropped.
func splitCommands(command string) []string {
	var out []string
	for _, line := range strings.Split(command, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// sandboxEnv points the usual home and cache locations at writable paths.
// The workspace ends up in the result archive; /tmp is the sandbox tmpfs.
func sandboxEnv() []string {
	cache := runtime.WorkspaceMount + "/.cache"
	return []string{
		"HOME=" + runtime.WorkspaceMount,
		"TMPDIR=/tmp",
		"XDG_CACHE_HOME=" + cache,
		"PIP_CACHE_DIR=" + cache + "/pip",
		"NPM_CONFIG_CACHE=" + cache + "/npm",
	}
}

// sandboxID names one command's sandbox. The random suffix keeps retries
// of the same job step from colliding with a leaked container.
func sandboxID(jobID string, index int) string {
	return fmt.Sprintf("%s-%d-%s", jobID, index, uuid.NewString()[:8])
}
