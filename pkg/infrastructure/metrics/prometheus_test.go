package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ESnark/ansible-database-mcp/pkg/registry"
)

func TestPrometheusCollector_IncrementCounter(t *testing.T) {
	collector := NewPrometheusCollectorWith(prometheus.NewRegistry())
	collector.IncrementCounter("test_counter", "label1", "value1")
	collector.IncrementCounter("test_counter", "label1", "value1")

	counter := collector.counters["test_counter"]
	assert.NotNil(t, counter, "Counter should be created")

	value := testutil.ToFloat64(counter.WithLabelValues("value1"))
	assert.Equal(t, float64(2), value, "Counter should be incremented twice")
}

func TestPrometheusCollector_RecordHistogram(t *testing.T) {
	collector := NewPrometheusCollectorWith(prometheus.NewRegistry())
	collector.RecordHistogram("test_histogram", 42.0, "label1", "value1")

	histogram := collector.histograms["test_histogram"]
	assert.NotNil(t, histogram, "Histogram should be created")

	count := testutil.CollectAndCount(histogram)
	assert.Equal(t, 1, count, "Histogram should have one observation")
}

func TestPrometheusCollector_RecordGauge(t *testing.T) {
	collector := NewPrometheusCollectorWith(prometheus.NewRegistry())
	collector.RecordGauge("test_gauge", 42.0, "label1", "value1")

	gauge := collector.gauges["test_gauge"]
	assert.NotNil(t, gauge, "Gauge should be created")

	value := testutil.ToFloat64(gauge.WithLabelValues("value1"))
	assert.Equal(t, 42.0, value, "Gauge should be set to 42.0")
}

func TestPrometheusCollector_StartTimer(t *testing.T) {
	collector := NewPrometheusCollectorWith(prometheus.NewRegistry())
	timer := collector.StartTimer("test_timer")
	time.Sleep(10 * time.Millisecond)
	elapsed := timer.Stop()

	assert.Greater(t, elapsed, 0.0, "Timer should measure elapsed time")
}

func TestPrometheusCollector_ConcurrentAccess(t *testing.T) {
	collector := NewPrometheusCollectorWith(prometheus.NewRegistry())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.IncrementCounter("concurrent_counter", "worker", "w")
			collector.RecordGauge("concurrent_gauge", 1, "worker", "w")
		}()
	}
	wg.Wait()

	value := testutil.ToFloat64(collector.counters["concurrent_counter"].WithLabelValues("w"))
	assert.Equal(t, float64(16), value)
}

func TestParseLabelPairs(t *testing.T) {
	names, values := parseLabelPairs([]string{"a", "1", "b", "2"})
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Equal(t, []string{"1", "2"}, values)

	names, values = parseLabelPairs([]string{"a", "1", "dangling"})
	assert.Equal(t, []string{"a"}, names)
	assert.Equal(t, []string{"1"}, values)
}

func TestRegistryObserver(t *testing.T) {
	collector := NewPrometheusCollectorWith(prometheus.NewRegistry())
	observer := NewRegistryObserver(collector)

	observer.OnEvent(registry.Event{Kind: registry.EventPoolCreated, Database: "primary"})
	observer.OnEvent(registry.Event{Kind: registry.EventUnhealthy, Database: "primary"})
	observer.OnEvent(registry.Event{Kind: registry.EventPoolClosed, Database: "primary"})

	up := testutil.ToFloat64(collector.gauges["broker_pool_up"].WithLabelValues("primary"))
	assert.Equal(t, 0.0, up, "closed pool reports down")

	failures := testutil.ToFloat64(collector.counters["broker_health_check_failures_total"].WithLabelValues("primary"))
	assert.Equal(t, 1.0, failures)
}
