/*
Package scheduler places queued jobs on workers and keeps the fleet's
health state coherent.

The scheduler runs as a background loop around a single exclusive pass.
Each pass executes three phases in a fixed order, so every placement
decision is made against health state reconciled in the same pass:

	┌────────────────────────────────────────────────────────────┐
	│                     Scheduler Pass                         │
	│          (every 5 seconds, or on Trigger/RunOnce)          │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	                 ▼
	┌────────────────────────────────────────────────────────────┐
	│  Phase A  Worker health                                    │
	│    • cooldown active         → pin UNHEALTHY "cooldown"    │
	│    • heartbeat silent > 30s  → OFFLINE, requeue its jobs   │
	│    • recovered               → back to IDLE / BUSY         │
	├────────────────────────────────────────────────────────────┤
	│  Phase B  Timeout reclamation                              │
	│    • RUNNING past startedAt+timeout → counted requeue      │
	├────────────────────────────────────────────────────────────┤
	│  Phase C  Placement (queued jobs, oldest first)            │
	│    • filter eligible workers                               │
	│    • score, pick the lowest                                │
	│    • commit via manager.AssignJob                          │
	└────────────────────────────────────────────────────────────┘

# Eligibility and scoring

A worker is eligible for a job when it is IDLE or BUSY, not in a failure
cooldown, has the unreserved CPU and RAM the job asks for, and its live
CPU usage is at or under the ceiling (default 90%). Among eligible
workers the lowest score wins:

	0.6·cpuUsage
	+ 0.3·(reservedCpu/cpuCount)·100
	+ 0.1·(reservedRamMb/ramTotalMb)·100
	+ 5/availableCpu + 0.01/availableRamMb

The first three terms order workers by load; the reciprocal terms break
near-ties toward machines with more absolute headroom. Exact ties go to
the worker heard from most recently, then to the smaller worker id, so
placement is deterministic.

A job no worker can hold is skipped, not waited on. The queue keeps
draining behind it and the job is reconsidered every pass.

# Exclusivity

A pass never runs concurrently with another. The scheduler's mutex
serializes passes within one process; when several dispatcher instances
share a Redis cache tier, a TTL lease (cache.SchedulerLockKey) extends
the exclusion across instances. An instance that loses the lease race
simply skips its pass.

The pass itself works from listed snapshots and commits every mutation
through the manager's revalidating transitions, so decisions made
against a snapshot that has since changed degrade to no-ops.

# Usage

	sched := scheduler.NewScheduler(mgr, cacheTier, scheduler.Config{})
	sched.Start()
	defer sched.Stop()

	// After a mutation that may unblock placement:
	sched.Trigger()

	// When the caller needs the freshest assignments before reading:
	if err := sched.RunOnce(ctx); err != nil {
		...
	}

Trigger is non-blocking; triggers raised while a pass is pending
coalesce into a single trailing run.
*/
package scheduler
