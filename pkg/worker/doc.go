// Package worker implements the agent that executes jobs on a host.
//
// The agent is the pull side of the platform. It never accepts inbound
// connections; everything flows through the dispatcher protocol:
//
//	          register ─────────▶
//	          heartbeat (10s) ──▶    host CPU/RAM + sandbox telemetry
//	agent     poll (5s) ────────▶    assigned job handoff, or nothing
//	          stream-output ────▶    live stdout/stderr chunks
//	          submit-result ────▶    exit code, logs, result archive ref
//	          check-cancel (2s) ▶    cooperative cancellation probe
//
// # Lifecycle
//
// Start waits for the dispatcher's /healthz to answer, registers with
// indefinite exponential backoff, then runs the heartbeat and poll loops
// until Stop. The worker id is minted once and persisted under the data
// directory, so restarts keep the same identity and the dispatcher sees
// a re-registration rather than a new worker. When a heartbeat comes
// back WorkerUnknown (a dispatcher that lost its state), the agent
// simply registers again.
//
// # Execution
//
// Up to maxParallel jobs run concurrently, each on its own goroutine
// with its own scratch workspace. A run fetches and validates the input
// bundle, extracts it, and executes the command sequence one sandbox per
// command, streaming output live. The job's timeoutMs bounds the whole
// sequence; exceeding it kills the sandbox and reports exit code 124
// with a [TIMEOUT] marker. A cancel observed by the ~2s probe kills the
// sandbox and reports 130 with [CANCELLED]; later commands do not run.
// A command that merely exits non-zero is logged and the sequence
// continues, the last executed command's code being the one reported.
//
// Whatever the outcome, the workspace plus a logs.txt goes into a result
// archive uploaded to the blob store, the result is submitted with three
// backoff retries, and the workspace is deleted. When no result can be
// produced at all the agent files a failure report instead, and the
// dispatcher decides between requeue and permanent failure.
package worker
