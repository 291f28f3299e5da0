/*
Package types defines the core data structures used throughout Foreman.

This package contains the two top-level entities of the platform — Job and
Worker — together with their status enums, lifecycle helpers, and the wire
projections served by the dispatcher API. All other packages build on these
types for state management, scheduling decisions, and protocol encoding.

# Architecture

The types package is the foundation of Foreman's data model. It defines:

  - Job: one unit of work (command sequence + input bundle) and its
    lifecycle state, retry accounting, captured output, and timestamps
  - Worker: a connected agent with advertised capacity, reported load,
    reservation accounting, and health state
  - Wire projections: JobView, JobStatusView, JobHandoff, WorkerView
  - Protocol bodies: the request/response structs of the dispatcher API

All types are designed to be:
  - Serializable (JSON for both storage and the wire)
  - Mutated only through the registry (workers propose changes via the
    protocol, never write records)
  - Self-documenting (field names mirror the protocol)

# State Machine

Jobs follow a state machine:

	SUBMITTED → QUEUED → ASSIGNED → RUNNING → COMPLETED
	               ↑         │          │
	               │         │          ├──→ FAILED
	               │         │          └──→ CANCELLED
	               └─────────┴── release/requeue (retry budget permitting)

Valid transitions:
  - QUEUED → ASSIGNED (scheduler places the job on a worker)
  - ASSIGNED → RUNNING (worker polls; attempts increments here)
  - RUNNING → COMPLETED (worker submits a result)
  - RUNNING → FAILED (retry budget exhausted, or worker-reported failure)
  - QUEUED/ASSIGNED → CANCELLED (user cancel, no worker involvement)
  - ASSIGNED/RUNNING → QUEUED (release: worker offline or execution timeout)

COMPLETED, FAILED, and CANCELLED are terminal: absorbing except for the
explicit requeue path, which re-enters QUEUED and updates attempts.

Workers follow a simpler machine:

	IDLE ⇄ BUSY        (driven by assignment and release)
	  │      │
	  └──────┴──→ UNHEALTHY   (cooldown after a reported failure)
	  └──────┴──→ OFFLINE     (heartbeat timeout; jobs released first)

# Reservation Accounting

A worker's ReservedCPU and ReservedRAMMB always equal the sums of
RequiredCPU and RequiredRAMMB over its CurrentJobIDs. AddJob and RemoveJob
maintain this invariant; RemoveJob clamps at zero so a duplicate release
cannot corrupt the accounting.

# Timestamps

Records carry time.Time fields with the zero value meaning "unset". Wire
projections convert to milliseconds since epoch, with 0 for unset, so
clients never parse RFC 3339.

# Integration Points

This package integrates with:

  - pkg/storage: persists Job and Worker as JSON in bbolt
  - pkg/cache: stores JobStatusView projections with TTLs
  - pkg/manager: owns all record mutation
  - pkg/scheduler: reads capacity fields for placement decisions
  - pkg/api and pkg/client: encode the protocol structs
  - pkg/worker: consumes JobHandoff and produces result bodies
*/
package types
