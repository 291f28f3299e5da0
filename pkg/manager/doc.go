/*
Package manager implements the dispatch core: every state transition a job
or worker record can take goes through a Manager method.

The manager sits between the API handlers and the storage tiers. Handlers
validate and decode; the manager owns the semantics: resource reservation
accounting, the retry budget, the failure penalty, cancellation, and the
cache/event/metric side effects that must stay consistent with the
authoritative store.

# Architecture

	┌────────────────────── DISPATCHER ──────────────────────────┐
	│                                                             │
	│  ┌───────────────────────────────────────────┐             │
	│  │          HTTP API (pkg/api)               │             │
	│  │  workers: register / heartbeat / poll /   │             │
	│  │           stream / submit / check-cancel  │             │
	│  │  users:   create / status / cancel / list │             │
	│  └──────────────────┬────────────────────────┘             │
	│                     │                                       │
	│  ┌──────────────────▼────────────────────────┐             │
	│  │              Manager                      │             │
	│  │  - job and worker state transitions       │             │
	│  │  - reservation accounting                 │             │
	│  │  - release protocol and retry budget      │             │
	│  │  - failure penalty (cooldown)             │             │
	│  │  - worker token minting                   │             │
	│  └───────┬──────────┬───────────┬────────────┘             │
	│          │          │           │                           │
	│  ┌───────▼───┐ ┌────▼─────┐ ┌───▼────────┐                 │
	│  │ Authorita-│ │  Cache   │ │  Events +  │                 │
	│  │ tive tier │ │  tier    │ │  Metrics   │                 │
	│  │ (BoltDB)  │ │ (Redis/  │ │            │                 │
	│  │           │ │  memory) │ │            │                 │
	│  └───────────┘ └──────────┘ └────────────┘                 │
	└─────────────────────────────────────────────────────────────┘

The scheduler (pkg/scheduler) is a peer of the API handlers: it plans
from listed snapshots and commits through the by-id transitions
(AssignJob, ReclaimTimedOut, MarkWorkerOffline, PinCooldown,
RecoverWorker). Each transition reloads its records and revalidates its
preconditions under the manager mutex, so a plan made from a stale
snapshot degrades to a no-op instead of a double assignment or a
resurrected job.

# Write discipline

Every mutating method takes the manager mutex, loads the records it needs,
mutates, and writes through to the authoritative tier before returning.
The cache tier is updated after the store; a cache failure is logged and
ignored, never surfaced, because the store remains correct and the cache
entries expire on their own.

Individual store operations are atomic per record. The mutex exists for
the read-modify-write sequences: two handlers racing on the same worker's
reservation, or a poll racing a cancel.

# Attempts and the retry budget

The attempts counter moves in two places:

  - PollJob, when the worker actually starts the run.
  - A counted release (ReleaseRequeueCounted), when a started run is lost
    to a timeout or a worker failure.

A release of a run that never started, because the worker went offline or
was replaced before polling, costs nothing. A job fails permanently when
attempts+1 would exceed maxRetries at evaluation time, so a job with
maxRetries=2 runs at most twice and finishes with attempts at most 3.

# Release protocol

Every path that detaches a job from its worker runs through a single
release routine with a fixed order: return the reservation, recompute the
worker's status, clear the assignment fields, then apply the outcome:

	requeue          back to the queue, attempts unchanged
	counted requeue  budget evaluation: requeue+1 or FAILED
	fail             permanently failed
	cancel           terminally cancelled

A job with cancelRequested set never re-enters the queue: any requeue
outcome is upgraded to cancel, so a user cancel cannot be undone by a
concurrent timeout or failure report. A result submitted for a
cancel-requested job keeps its output, exit code, and result archive but
finalizes CANCELLED, so cancellation stays distinguishable from an
ordinary completion.

# Failure penalty

When a worker reports a failure, the worker is marked UNHEALTHY with a
cooldown window (default 30s) during which the scheduler will not place
work on it, and every job it holds is released: started runs are charged
against their budgets, untouched assignments requeue for free.

# Usage

Creating a manager:

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	mgr := manager.NewManager(store, cacheTier, blobs,
		manager.NewTokenSigner(secret, 0), manager.Config{})
	defer mgr.Shutdown()

The worker protocol cycle:

	worker, token, err := mgr.RegisterWorker(ctx, req)
	...
	job, err := mgr.PollJob(ctx, workerID)   // nil job: no work
	...
	err = mgr.AppendOutput(ctx, chunk)
	...
	done, err := mgr.SubmitResult(ctx, result)

# Integration points

  - pkg/api: decodes requests, calls the operations, maps error kinds
  - pkg/scheduler: AssignJob, ReclaimTimedOut, worker health transitions
  - pkg/storage: authoritative job and worker records
  - pkg/cache: status views, cancel flags
  - pkg/blob: bundle and result archives (served through Blobs())
  - pkg/events: lifecycle events for subscribers
  - pkg/metrics: job and worker counters

# See Also

  - pkg/scheduler for placement and reclamation policy
  - pkg/worker for the agent side of the protocol
*/
package manager
