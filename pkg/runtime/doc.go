// Package runtime executes job commands in containerd sandboxes.
//
// Each execution is one container with one task. The OCI spec is
// locked down per the execution contract:
//
//	read-only rootfs        all capabilities dropped
//	no new privileges       no network (host-shared when configured)
//	memory / CPU / pids     tmpfs at /tmp
//	workspace bind-mounted read-write at /workspace
//
// Output streams straight to the caller's writers through the task's
// cio pipes, so chunks can be forwarded upstream while the command is
// still running. Run blocks until exit; cancelling its context
// SIGKILLs the whole sandbox process tree and returns the observed
// exit code with the context's error, leaving timeout/cancel
// attribution to the caller.
//
// Image pulls go through EnsureImage, a get-then-pull with a bounded
// timeout, so repeat executions of the same image skip the registry.
//
// Stats aggregates running-sandbox telemetry (count, CPU rate, memory)
// for the worker's heartbeat, handling cgroup v1 and v2 metric
// encodings.
//
// The Runtime interface exists so the worker's executor can be tested
// without a containerd daemon.
package runtime
