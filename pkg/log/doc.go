/*
Package log provides structured logging for Foreman using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("scheduler")               │          │
	│  │  - WithJobID("job-abc123")                  │          │
	│  │  - WithWorkerID("worker-xyz")               │          │
	│  └────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────┘

# Usage

Initializing the Logger:

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("Dispatcher started")
	log.Warn("Worker heartbeat missed")
	log.Error("Failed to connect to containerd")

Structured Logging:

	log.Logger.Info().
		Str("job_id", "job-123").
		Str("worker_id", "worker-a").
		Msg("Job assigned")

Component Loggers:

	schedulerLog := log.WithComponent("scheduler")
	schedulerLog.Debug().Str("job_id", jobID).Msg("Evaluating candidates")

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"scheduler","job_id":"job-123","time":"2026-03-02T10:30:01Z","message":"Job assigned"}

Console Format (Development):

	2026-03-02T10:30:01Z INF Job assigned component=scheduler job_id=job-123

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data (job_id, worker_id)
  - Create component-specific loggers
  - Log errors with .Err() for stack traces

Don't:
  - Log token secrets or signed tokens
  - Use Debug level in production
  - Log full stdout/stderr payloads (sizes only)
*/
package log
