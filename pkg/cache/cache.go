package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/foreman/pkg/types"
)

// TTL policy for the fast tier. Terminal statuses live longer because they
// never change again; the cancel flag is short-lived by design.
const (
	StatusTTLActive   = 300 * time.Second
	StatusTTLTerminal = 3600 * time.Second
	CancelFlagTTL     = 120 * time.Second
)

// SchedulerLockKey is the lease key guarding the scheduler's exclusive
// section across dispatcher instances.
const SchedulerLockKey = "scheduler:lock"

// SchedulerLockTTL bounds how long a crashed instance can hold the lease.
const SchedulerLockTTL = 5 * time.Second

// Cache is the fast tier over hot reads: status polls, the cancel flag,
// the scheduler lease, and rate-limit counters. Implementations are
// best-effort; callers fall back to the authoritative tier on miss or error.
type Cache interface {
	// SetJobStatus stores a status projection with the TTL policy for its
	// terminal/non-terminal state.
	SetJobStatus(ctx context.Context, view *types.JobStatusView) error

	// JobStatus returns the cached projection, or (nil, nil) on a miss.
	JobStatus(ctx context.Context, jobID string) (*types.JobStatusView, error)

	// SetCancelFlag stores the cancel flag for a job.
	SetCancelFlag(ctx context.Context, jobID string, cancelled bool) error

	// CancelFlag returns the cached flag; ok is false on a miss.
	CancelFlag(ctx context.Context, jobID string) (value bool, ok bool, err error)

	// Invalidate drops all cached entries for a job.
	Invalidate(ctx context.Context, jobID string) error

	// AcquireLease takes a TTL-bounded exclusive lease. Returns false when
	// another holder has it.
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ReleaseLease drops a lease before its TTL expires.
	ReleaseLease(ctx context.Context, key string) error

	// IncrWindow increments a fixed-window counter and returns the count
	// within the current window.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	Close() error
}

func statusKey(jobID string) string { return "foreman:status:" + jobID }
func cancelKey(jobID string) string { return "foreman:cancel:" + jobID }

func windowKey(key string, now time.Time, window time.Duration) string {
	bucket := now.UnixMilli() / window.Milliseconds()
	return fmt.Sprintf("foreman:rate:%s:%d", key, bucket)
}

func statusTTL(view *types.JobStatusView) time.Duration {
	if view.Status.Terminal() {
		return StatusTTLTerminal
	}
	return StatusTTLActive
}
