package metrics

import "time"

// Source is implemented by AllocatorCore and AgentCore to expose a
// point-in-time snapshot for gauge metrics that aren't naturally updated
// inline (counts by state rather than deltas).
type Source interface {
	// AgentCounts returns the number of agents keyed by "activated"/"deactivated".
	AgentCounts() map[string]int
	// FrameworkCounts returns the number of frameworks keyed by "active"/"inactive".
	FrameworkCounts() map[string]int
	// TaskCounts returns the number of tasks keyed by task state.
	TaskCounts() map[string]int
	// ExecutorCounts returns the number of executors keyed by executor state.
	ExecutorCounts() map[string]int
	// ActiveFilters returns the number of installed offer/inverse-offer filters.
	ActiveFilters() int
}

// Collector periodically snapshots a Source into the package-level gauges.
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over the given source.
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for status, count := range c.source.AgentCounts() {
		AgentsTotal.WithLabelValues(status).Set(float64(count))
	}
	for status, count := range c.source.FrameworkCounts() {
		FrameworksTotal.WithLabelValues(status).Set(float64(count))
	}
	for state, count := range c.source.TaskCounts() {
		TasksTotal.WithLabelValues(state).Set(float64(count))
	}
	for state, count := range c.source.ExecutorCounts() {
		ExecutorsTotal.WithLabelValues(state).Set(float64(count))
	}
	FiltersActive.Set(float64(c.source.ActiveFilters()))
}
