package metrics

import (
	"context"
	"time"

	"github.com/sokovan/manager/pkg/registry"
)

// Collector polls a Registry at a fixed interval and refreshes the
// cluster-state gauges (AgentsTotal, SessionsTotal, KernelsTotal,
// EndpointsTotal, RoutingsTotal). Everything else in this package is
// updated inline by the component that produced the observation.
type Collector struct {
	registry registry.Registry
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector polling reg every 15 seconds.
func NewCollector(reg registry.Registry) *Collector {
	return &Collector{
		registry: reg,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins polling in a background goroutine.
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

// Stop halts polling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counts, err := c.registry.ClusterCounts(ctx)
	if err != nil {
		return
	}

	for status, n := range counts.AgentsByStatus {
		AgentsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
	for status, n := range counts.SessionsByStatus {
		SessionsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
	for status, n := range counts.KernelsByStatus {
		KernelsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
	for stage, n := range counts.EndpointsByStage {
		EndpointsTotal.WithLabelValues(string(stage)).Set(float64(n))
	}
	for status, n := range counts.RoutingsByStatus {
		RoutingsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}
