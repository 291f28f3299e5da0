// Package cache provides the fast lookup tier in front of the persistent
// store: job status projections, cancellation flags, the scheduler lease,
// and fixed-window rate-limit counters.
//
// # Architecture
//
// The cache is deliberately lossy. Every entry carries a TTL and the
// system must behave correctly when an entry is missing: status reads
// fall back to the store, an absent cancel flag means "not cancelled as
// far as the cache knows", and a lost lease only costs an extra (idempotent)
// scheduling pass.
//
//	┌─────────────────────────────────────────────────────────┐
//	│                      Cache Interface                     │
//	│                                                          │
//	│   SetJobStatus / JobStatus      status projections       │
//	│   SetCancelFlag / CancelFlag    cancellation signals     │
//	│   AcquireLease / ReleaseLease   scheduler mutual excl.   │
//	│   IncrWindow                    rate-limit counters      │
//	└────────────┬───────────────────────────────┬────────────┘
//	             │                               │
//	      ┌──────▼──────┐                 ┌──────▼──────┐
//	      │   Memory    │                 │    Redis    │
//	      │ (in-process)│                 │  (shared)   │
//	      └─────────────┘                 └─────────────┘
//
// Memory serves single-node deployments and tests. Redis serves
// multi-replica deployments where status reads, cancel flags, the
// scheduler lease, and rate-limit windows must be shared across
// dispatcher processes.
//
// # TTL Policy
//
// Status entries for active jobs live 5 minutes; terminal entries live
// 1 hour, because terminal status is immutable and clients poll it long
// after the job finishes. Cancel flags live 2 minutes, long enough to
// cover the executing worker's next cancellation probe with wide margin.
//
// # Usage
//
//	c := cache.NewMemory()
//	_ = c.SetJobStatus(ctx, job.StatusView())
//
//	view, err := c.JobStatus(ctx, jobID)
//	if view == nil && err == nil {
//		// miss: read through to the store
//	}
//
// # Integration Points
//
//   - pkg/manager primes status and cancel entries on every transition
//   - pkg/scheduler serializes passes with AcquireLease(SchedulerLockKey)
//   - pkg/api serves status/check-cancel reads from the cache first and
//     throttles clients with IncrWindow
package cache
