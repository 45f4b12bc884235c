// Package interfaces declares the pluggable backends the dispatcher reports
// through.
package interfaces

import "time"

// MetricsExporter exports metrics to a monitoring backend.
type MetricsExporter interface {
	// Counter increments a counter metric.
	Counter(name string, value int64, tags map[string]string)

	// Gauge sets a gauge metric to the specified value.
	Gauge(name string, value float64, tags map[string]string)

	// Histogram records a value in a histogram.
	Histogram(name string, value float64, tags map[string]string)

	// Timer records a duration.
	Timer(name string, duration time.Duration, tags map[string]string)

	// Flush sends any buffered metrics to the backend.
	Flush() error

	// Close releases resources.
	Close() error
}

// Metric names emitted by activity lanes and the distributor.
const (
	// Job metrics
	MetricJobsAccepted  = "srvrs.jobs.accepted"
	MetricJobsRejected  = "srvrs.jobs.rejected"
	MetricJobsCompleted = "srvrs.jobs.completed"
	MetricJobsFailed    = "srvrs.jobs.failed"
	MetricJobDuration   = "srvrs.job.duration"
	MetricJobProgress   = "srvrs.job.progress_updates"

	// Accelerator metrics
	MetricGPUWait     = "srvrs.gpu.wait"
	MetricGPUTimeouts = "srvrs.gpu.timeouts"

	// Queue metrics
	MetricQueueDepth = "srvrs.queue.depth"

	// Delivery metrics
	MetricDeliveries       = "srvrs.distributor.deliveries"
	MetricDeliveryFailures = "srvrs.distributor.failures"
)

// Common tag names.
const (
	TagActivity = "activity"
	TagCategory = "category"
	TagCode     = "code"
	TagOwner    = "owner"
	TagBackend  = "backend"
)
