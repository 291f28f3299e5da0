package health

import (
	"context"
	"time"

	"github.com/cuemby/foreman/pkg/errors"
)

// Result is the outcome of a single reachability probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes a target once. Implementations must honor the context
// and return rather than block past its deadline.
type Checker interface {
	Check(ctx context.Context) Result
}

// Config tunes how probe outcomes are folded into a Status.
type Config struct {
	// Interval between probes when polling (see Wait).
	Interval time.Duration

	// Timeout for a single probe.
	Timeout time.Duration

	// Retries is the number of consecutive failures tolerated before
	// the status flips to unhealthy.
	Retries int

	// StartPeriod suppresses the unhealthy verdict right after startup,
	// giving the target time to come up.
	StartPeriod time.Duration
}

// DefaultConfig returns the probe settings used when a field is zero.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		Timeout:     5 * time.Second,
		Retries:     3,
		StartPeriod: 0,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Retries <= 0 {
		c.Retries = def.Retries
	}
	return c
}

// Status accumulates probe results and decides when a target counts as
// unreachable. A single failed probe does not flip it; the threshold is
// Config.Retries consecutive failures outside the start period.
//
// Status is not safe for concurrent use. Callers that probe from one
// goroutine and read from another must add their own locking.
type Status struct {
	Healthy              bool
	LastResult           Result
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	StartedAt            time.Time

	config Config
}

// NewStatus returns a Status that starts out healthy.
func NewStatus(cfg Config) *Status {
	return &Status{
		Healthy:   true,
		StartedAt: time.Now(),
		config:    cfg.withDefaults(),
	}
}

// Update folds one probe outcome into the status. It reports whether the
// healthy flag flipped, so callers can log transitions instead of every
// probe.
func (s *Status) Update(result Result) bool {
	was := s.Healthy
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return s.Healthy != was
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= s.config.Retries && !s.InStartPeriod() {
		s.Healthy = false
	}
	return s.Healthy != was
}

// InStartPeriod reports whether the grace window after startup is still
// open. Failures during this window never flip the status.
func (s *Status) InStartPeriod() bool {
	if s.config.StartPeriod <= 0 {
		return false
	}
	return time.Since(s.StartedAt) < s.config.StartPeriod
}

// Wait polls the checker until it reports healthy or the context ends.
// The first probe fires immediately; subsequent ones follow interval.
// On context expiry the returned error carries the last probe message.
func Wait(ctx context.Context, checker Checker, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}

	var last Result
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		last = checker.Check(ctx)
		if last.Healthy {
			return nil
		}
		select {
		case <-ctx.Done():
			if last.Message != "" {
				return errors.Wrapf(ctx.Err(), "target never became healthy: %s", last.Message)
			}
			return errors.Wrap(ctx.Err(), "target never became healthy")
		case <-ticker.C:
		}
	}
}
