/*
Package storage provides BoltDB-backed state persistence for Foreman.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID single-record transactions for the two
authoritative collections: jobs and workers. All data is serialized as JSON
and stored in separate buckets.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/foreman.db               │          │
	│  │  - Format: B+tree with MVCC                 │          │
	│  │  - Transactions: ACID with fsync            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  ┌────────────────────────────┐             │          │
	│  │  │ jobs       (keyed by jobId)│             │          │
	│  │  │ workers (keyed by workerId)│             │          │
	│  │  └────────────────────────────┘             │          │
	│  │  Values: JSON-encoded records               │          │
	│  └────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────┘

# Consistency Model

Each operation is atomic against a single record. Cross-record invariants
(job↔worker agreement) are the manager's responsibility and are
re-established by the scheduler on its next run, so brief divergence between
the two collections is permitted but bounded by the scheduler tick.

Updates delegate to Create: every write is an upsert of the full record.
Lookups for missing records return an error wrapping ErrNotFound; callers
distinguish a miss (errors.Is(err, ErrNotFound)) from a store failure.

# Usage

	store, err := storage.NewBoltStore("/var/lib/foreman")
	if err != nil {
		return err
	}
	defer store.Close()

	job, err := store.GetJob("job-123")
	if errors.Is(err, storage.ErrNotFound) {
		// unknown job
	}

	queued, err := store.ListJobsByStatus(types.JobQueued)

# Integration Points

  - pkg/manager: the only writer; reads fall back here on cache miss
  - pkg/scheduler: reads queued jobs and workers through the manager
  - pkg/metrics: the collector polls record counts by status
*/
package storage
