package metrics

import (
	"time"
)

// HostCache exposes the host registry size for sampling
type HostCache interface {
	Len() int
}

// SessionTracker exposes the number of live RTR sessions
type SessionTracker interface {
	Active() int
}

// JobTracker exposes the number of in-flight collection jobs
type JobTracker interface {
	Active() int
}

// Collector periodically samples gauge metrics from live components
type Collector struct {
	cache    HostCache
	sessions SessionTracker
	jobs     JobTracker
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector. Any source may be nil,
// in which case its gauges are not sampled.
func NewCollector(cache HostCache, sessions SessionTracker, jobs JobTracker) *Collector {
	return &Collector{
		cache:    cache,
		sessions: sessions,
		jobs:     jobs,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.cache != nil {
		RegistryEntries.Set(float64(c.cache.Len()))
	}

	if c.sessions != nil {
		SessionsActive.Set(float64(c.sessions.Active()))
	}

	if c.jobs != nil {
		JobsActive.Set(float64(c.jobs.Active()))
	}
}
