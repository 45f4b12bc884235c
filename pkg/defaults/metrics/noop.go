// Package metrics holds the MetricsExporter implementations: LogMetrics
// aggregates job counters and timers and logs them on flush, NoopMetrics
// is the default for lanes and distributors built without one.
package metrics

import (
	"time"

	"github.com/srvrs/srvrs/pkg/interfaces"
)

// NoopMetrics discards every sample.
type NoopMetrics struct{}

// NewNoopMetrics creates an exporter that records nothing.
func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

// Counter discards the sample.
func (n *NoopMetrics) Counter(name string, value int64, tags map[string]string) {}

// Gauge discards the sample.
func (n *NoopMetrics) Gauge(name string, value float64, tags map[string]string) {}

// Histogram discards the sample.
func (n *NoopMetrics) Histogram(name string, value float64, tags map[string]string) {}

// Timer discards the sample.
func (n *NoopMetrics) Timer(name string, duration time.Duration, tags map[string]string) {}

// Flush has nothing to send.
func (n *NoopMetrics) Flush() error {
	return nil
}

// Close does nothing.
func (n *NoopMetrics) Close() error {
	return nil
}

// Verify interface compliance.
var _ interfaces.MetricsExporter = (*NoopMetrics)(nil)
