package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_jobs_total",
			Help: "Total number of completed collection jobs by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	JobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvest_jobs_active",
			Help: "Number of collection jobs currently in flight",
		},
	)

	JobPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvest_job_phase_duration_seconds",
			Help:    "Time spent in each collection phase in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
		[]string{"phase"},
	)

	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvest_sessions_active",
			Help: "Number of live RTR sessions",
		},
	)

	PulseFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_pulse_failures_total",
			Help: "Total number of failed session keep-alive pulses",
		},
	)

	// Cloud API metrics
	RTRRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_rtr_requests_total",
			Help: "Total number of cloud API requests by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)

	RTRRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvest_rtr_request_duration_seconds",
			Help:    "Cloud API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Host registry metrics
	RegistryLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_registry_lookups_total",
			Help: "Total number of host registry lookups by result (hit/miss)",
		},
		[]string{"result"},
	)

	RegistryEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvest_registry_entries",
			Help: "Number of hosts currently cached in the registry",
		},
	)

	// Transfer metrics
	FetchBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_fetch_bytes_total",
			Help: "Total bytes downloaded from remote hosts",
		},
	)

	UploadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_upload_bytes_total",
			Help: "Total bytes uploaded to object storage",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsActive)
	prometheus.MustRegister(JobPhaseDuration)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(PulseFailures)
	prometheus.MustRegister(RTRRequests)
	prometheus.MustRegister(RTRRequestDuration)
	prometheus.MustRegister(RegistryLookups)
	prometheus.MustRegister(RegistryEntries)
	prometheus.MustRegister(FetchBytes)
	prometheus.MustRegister(UploadBytes)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
