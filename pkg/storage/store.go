package storage

import (
	"github.com/cuemby/foreman/pkg/errors"
	"github.com/cuemby/foreman/pkg/types"
)

// ErrNotFound marks lookups for records that do not exist. Callers use
// errors.Is to distinguish a miss from a store failure.
var ErrNotFound = errors.New("record not found")

// Store defines the interface for the authoritative state tier.
// Implemented by BoltDB-backed storage; each operation is atomic against a
// single record, no cross-record transactions are assumed.
type Store interface {
	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	ListJobsByStatus(status types.JobStatus) ([]*types.Job, error)
	ListJobsByWorker(workerID string) ([]*types.Job, error)
	UpdateJob(job *types.Job) error
	DeleteJob(id string) error

	// Workers
	CreateWorker(worker *types.Worker) error
	GetWorker(id string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	UpdateWorker(worker *types.Worker) error
	DeleteWorker(id string) error

	// Utility
	Close() error
}
