/*
Package events provides an in-memory event broker for dispatcher pub/sub
messaging.

The events package implements a lightweight event bus for broadcasting job
and worker lifecycle events to interested subscribers. It supports
asynchronous delivery with per-subscriber buffering, enabling loose coupling
between dispatcher components for state changes, notifications, and
monitoring.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                          │
	│  Publisher → Event Channel (buffer: 100)                 │
	│       ↓                                                  │
	│  Broadcast Loop                                          │
	│       ↓                                                  │
	│  Subscriber Channels (buffer: 50 each)                   │
	│                                                          │
	│  Job Events:                Worker Events:               │
	│    - job.queued               - worker.registered        │
	│    - job.assigned             - worker.offline           │
	│    - job.running              - worker.unhealthy         │
	│    - job.completed            - worker.recovered         │
	│    - job.failed               - worker.removed           │
	│    - job.cancelled                                       │
	└──────────────────────────────────────────────────────────┘

Publish is non-blocking: events go through a buffered channel and
subscribers with full buffers skip delivery. The broker trades guaranteed
delivery for never stalling the state machine that publishes.

# Usage

Creating and starting the broker:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Subscribing:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("[%s] %s: %s\n",
				event.Timestamp.Format("15:04:05"),
				event.Type,
				event.Message)
		}
	}()

Publishing:

	broker.Publish(events.JobEvent(events.EventJobQueued, job.ID, "Job queued"))
	broker.Publish(events.WorkerEvent(events.EventWorkerOffline, worker.ID,
		"Heartbeat timeout, jobs released"))

# Event Types Catalog

Job events carry a "jobId" metadata key:

	job.queued      job accepted or requeued for scheduling
	job.assigned    scheduler picked a worker
	job.running     worker collected the job
	job.completed   worker reported a result
	job.failed      retries exhausted or worker reported failure
	job.cancelled   user cancellation took effect

Worker events carry a "workerId" metadata key:

	worker.registered   worker joined or re-registered
	worker.offline      heartbeat timeout, jobs released
	worker.unhealthy    failure report put the worker in cooldown
	worker.recovered    heartbeat resumed after OFFLINE/UNHEALTHY
	worker.removed      operator deleted the worker

# Integration Points

This package integrates with:

  - pkg/manager: publishes every job and worker transition
  - pkg/scheduler: publishes assignment and reclamation events
  - pkg/api: streams events to clients
  - pkg/metrics: counts events for dashboards

# Limitations

Events are in-memory only: no persistence, no replay, best-effort
delivery. The store remains the source of truth; events are a monitoring
surface, never an input to state transitions.
*/
package events
