/*
Package metrics provides Prometheus metrics collection and exposition for Harvest.

The metrics package defines and registers all Harvest metrics using the Prometheus
client library, providing observability into collection job progress, RTR session
health, cloud API latency, and data transfer volume. Metrics are exposed via an
optional HTTP endpoint for scraping by Prometheus servers.

# Architecture

Harvest's metrics system follows Prometheus conventions with instrumentation
at every stage of the collection pipeline:

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Jobs: Completed count, active, phase time  │          │
	│  │  Sessions: Live count, pulse failures       │          │
	│  │  Cloud API: Request count, duration         │          │
	│  │  Registry: Lookup hit/miss, cache size      │          │
	│  │  Transfer: Fetch bytes, upload bytes        │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Gauge Sampling Collector           │          │
	│  │  - Polls live components every 15s          │          │
	│  │  - Registry size, sessions, active jobs     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics (plus health endpoints)   │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Automatic collection of Go runtime metrics
  - Thread-safe for concurrent updates

Gauge Sampling Collector:
  - Samples instant values from live components on a 15s ticker
  - Sources supplied as small interfaces to avoid package cycles
  - Registry size, live session count, in-flight job count

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

Health Tracking:
  - Components report healthy/unhealthy with a message
  - Readiness requires the cloud API and object storage
  - JSON handlers for /healthz, /readyz, /livez

# Metrics Catalog

Job Metrics:

harvest_jobs_total{tool, outcome}:
  - Type: Counter
  - Description: Completed collection jobs by tool and outcome
  - Labels: tool (kape/uac/browser_history), outcome (success/failure)
  - Example: harvest_jobs_total{tool="kape",outcome="success"} 42

harvest_jobs_active:
  - Type: Gauge
  - Description: Collection jobs currently in flight
  - Example: harvest_jobs_active 12

harvest_job_phase_duration_seconds{phase}:
  - Type: Histogram
  - Description: Time spent in each collection phase
  - Labels: phase (PRECHECK/DEPLOY/RUN_MONITOR/FETCH/UPLOAD/...)
  - Buckets: exponential 1s .. ~9h (collection runs are long)

Session Metrics:

harvest_sessions_active:
  - Type: Gauge
  - Description: Live RTR sessions held by the session manager
  - Example: harvest_sessions_active 8

harvest_pulse_failures_total:
  - Type: Counter
  - Description: Failed session keep-alive pulses
  - Example: harvest_pulse_failures_total 3

Cloud API Metrics:

harvest_rtr_requests_total{endpoint, result}:
  - Type: Counter
  - Description: Cloud API requests by endpoint and result (ok/error)
  - Example: harvest_rtr_requests_total{endpoint="/real-time-response/entities/command/v1",result="ok"} 120

harvest_rtr_request_duration_seconds{endpoint}:
  - Type: Histogram
  - Description: Cloud API request duration
  - Buckets: Prometheus defaults (5ms .. 10s)

Host Registry Metrics:

harvest_registry_lookups_total{result}:
  - Type: Counter
  - Description: Host registry lookups by result (hit/miss)
  - Example: harvest_registry_lookups_total{result="hit"} 35

harvest_registry_entries:
  - Type: Gauge
  - Description: Hosts currently cached in the registry

Transfer Metrics:

harvest_fetch_bytes_total:
  - Type: Counter
  - Description: Bytes downloaded from remote hosts

harvest_upload_bytes_total:
  - Type: Counter
  - Description: Bytes uploaded to object storage

# Usage

Updating Counter Metrics:

	import "github.com/forensiq/harvest/pkg/metrics"

	// Increment by 1
	metrics.PulseFailures.Inc()

	// With labels
	metrics.JobsTotal.WithLabelValues("kape", "success").Inc()

	// Add arbitrary value
	metrics.UploadBytes.Add(float64(n))

Recording Histogram Observations:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.JobPhaseDuration, "FETCH")

Sampling Gauges:

	collector := metrics.NewCollector(registry, sessions, runner)
	collector.Start()
	defer collector.Stop()

Exposing the Endpoint:

	server := metrics.Serve(":9105")
	defer server.Shutdown(ctx)

# Integration Points

This package integrates with:

  - pkg/falcon: Instruments cloud API requests and registry lookups
  - pkg/session: Reports live sessions and pulse failures
  - pkg/collect: Records per-phase durations
  - pkg/batch: Reports job counts and outcomes
  - pkg/transfer: Counts fetched bytes
  - pkg/cloudstore: Counts uploaded bytes
  - Prometheus: Scrapes /metrics endpoint

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration
  - Ensures metrics available before main()

Label Discipline:
  - Cardinality-bounded labels only (tool, phase, outcome, endpoint)
  - Hostnames and job IDs never appear as label values
  - Endpoint labels use the path template, not expanded URLs

Gauge Sampling:
  - Instant values sampled by the Collector, never inc/dec'd inline
  - Counters and histograms observed at the point of occurrence
  - Collector sources are interfaces so metrics stays import-free

# Alerting Rules

Example Prometheus alerting rules:

	- alert: HarvestPulseFailures
	  expr: rate(harvest_pulse_failures_total[5m]) > 0.1
	  annotations:
	    summary: RTR keep-alive pulses failing

	- alert: HarvestJobFailureRate
	  expr: |
	    rate(harvest_jobs_total{outcome="failure"}[30m])
	      / rate(harvest_jobs_total[30m]) > 0.25
	  annotations:
	    summary: More than 25% of collection jobs failing

# See Also

  - pkg/batch: Fan-out runner that drives job metrics
  - pkg/collect: Per-host state machine with phase timing
  - Prometheus documentation: https://prometheus.io/docs/
*/
package metrics
