package metrics

import (
	"github.com/ESnark/ansible-database-mcp/pkg/registry"
)

// RegistryObserver translates registry lifecycle events into metrics.
type RegistryObserver struct {
	collector Collector
}

// NewRegistryObserver creates an observer feeding the given collector.
func NewRegistryObserver(collector Collector) *RegistryObserver {
	return &RegistryObserver{collector: collector}
}

// OnEvent implements registry.Observer.
func (o *RegistryObserver) OnEvent(e registry.Event) {
	o.collector.IncrementCounter("broker_registry_events_total",
		"kind", string(e.Kind), "database", e.Database)

	switch e.Kind {
	case registry.EventPoolCreated:
		o.collector.RecordGauge("broker_pool_up", 1, "database", e.Database)
	case registry.EventPoolClosed:
		o.collector.RecordGauge("broker_pool_up", 0, "database", e.Database)
	case registry.EventUnhealthy:
		o.collector.IncrementCounter("broker_health_check_failures_total", "database", e.Database)
	}
}

// PublishPoolStats exports the current pool statistics as gauges. Callers run
// it on their own schedule, typically alongside the registry monitor.
func PublishPoolStats(collector Collector, r *registry.Registry) {
	for _, info := range r.DatabaseList() {
		labels := []string{"database", info.Key}
		collector.RecordGauge("broker_pool_active_connections", float64(info.Stats.ActiveConnections), labels...)
		collector.RecordGauge("broker_pool_idle_connections", float64(info.Stats.IdleConnections), labels...)
		collector.RecordGauge("broker_pool_pending_acquisitions", float64(info.Stats.PendingAcquisitions), labels...)
		collector.RecordGauge("broker_pool_queries_total", float64(info.Stats.QueryCount), labels...)
	}
}
