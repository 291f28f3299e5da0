/*
Package metrics provides Prometheus instrumentation and component health
reporting for the dispatcher.

# Architecture

Two collection styles coexist:

	┌────────────────────── METRICS ───────────────────────────┐
	│                                                          │
	│  Inline counters (incremented at the transition):        │
	│    foreman_jobs_submitted_total                          │
	│    foreman_jobs_assigned_total                           │
	│    foreman_jobs_completed_total / failed / cancelled     │
	│    foreman_jobs_requeued_total                           │
	│    foreman_workers_offline_total / penalized_total       │
	│    foreman_api_requests_total{route,status}              │
	│    foreman_stream_bytes_total{kind}                      │
	│    foreman_scheduler_runs_total                          │
	│                                                          │
	│  Collector gauges (polled from the store every 15s):     │
	│    foreman_jobs_total{status}                            │
	│    foreman_workers_total{status}                         │
	│    foreman_queue_depth                                   │
	│    foreman_reserved_cpu_cores / reserved_ram_megabytes   │
	└──────────────────────────────────────────────────────────┘

Counters capture rates and survive nothing; gauges are re-derived from the
store so a dispatcher restart cannot skew them.

# Health Endpoints

The package also carries the component health registry behind /healthz and
/readyz. Components (store, scheduler, api) register at startup and update
their state on failure; readiness requires every critical component.

# Usage

	metrics.JobsSubmitted.Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	metrics.RegisterComponent("store", true, "")

# Integration Points

  - pkg/manager increments job lifecycle counters
  - pkg/scheduler observes pass latency and assignment counts
  - pkg/api exports request counters and serves /metrics via Handler()
  - cmd/foreman starts the Collector and registers components
*/
package metrics
