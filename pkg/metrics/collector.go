package metrics

import (
	"time"
)

// Source exposes the point-in-time values the collector samples
type Source interface {
	// SandboxState returns the session state and whether the sandbox is usable
	SandboxState() (state string, ready bool)
	TrackedProcesses() int
	CacheEntries() (int, error)
}

// Collector periodically samples a Source into gauges and component health
type Collector struct {
	source   Source
	states   []string
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector. states lists every session
// state so inactive ones are reported as 0.
func NewCollector(source Source, states []string, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		states:   states,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	state, ready := c.source.SandboxState()
	SetSessionState(state, c.states)
	if ready {
		UpdateComponent(ComponentSandbox, true, state)
	} else {
		UpdateComponent(ComponentSandbox, false, state)
	}

	TrackedProcesses.Set(float64(c.source.TrackedProcesses()))

	entries, err := c.source.CacheEntries()
	if err != nil {
		UpdateComponent(ComponentStore, false, err.Error())
		return
	}
	UpdateComponent(ComponentStore, true, "")
	CacheEntries.Set(float64(entries))
}
