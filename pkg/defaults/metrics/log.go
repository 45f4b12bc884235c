package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srvrs/srvrs/pkg/interfaces"
)

// LogMetrics logs every sample at the sample level and keeps a running
// aggregate per metric name and tag set. Flush logs one summary line per
// series at Info and starts a new window.
type LogMetrics struct {
	mu     sync.Mutex
	logger *logrus.Entry
	level  logrus.Level
	series map[string]*series
}

type series struct {
	kind  string
	name  string
	tags  string
	count int64
	sum   float64
	max   float64
	last  float64
}

// LogMetricsOption configures LogMetrics.
type LogMetricsOption func(*LogMetrics)

// WithLogger sets the entry metrics are written to.
func WithLogger(logger *logrus.Entry) LogMetricsOption {
	return func(m *LogMetrics) {
		m.logger = logger
	}
}

// WithLevel sets the level individual samples are logged at.
func WithLevel(level logrus.Level) LogMetricsOption {
	return func(m *LogMetrics) {
		m.level = level
	}
}

func NewLogMetrics(opts ...LogMetricsOption) *LogMetrics {
	m := &LogMetrics{
		logger: logrus.NewEntry(logrus.StandardLogger()).WithField("component", "metrics"),
		level:  logrus.DebugLevel,
		series: make(map[string]*series),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *LogMetrics) Counter(name string, value int64, tags map[string]string) {
	m.record("counter", name, float64(value), fmt.Sprintf("%d", value), tags)
}

func (m *LogMetrics) Gauge(name string, value float64, tags map[string]string) {
	m.record("gauge", name, value, fmt.Sprintf("%.4f", value), tags)
}

func (m *LogMetrics) Histogram(name string, value float64, tags map[string]string) {
	m.record("histogram", name, value, fmt.Sprintf("%.4f", value), tags)
}

// Timer values are aggregated in seconds.
func (m *LogMetrics) Timer(name string, duration time.Duration, tags map[string]string) {
	m.record("timer", name, duration.Seconds(), duration.String(), tags)
}

// Flush logs the current window's summaries, sorted by series, and resets
// them.
func (m *LogMetrics) Flush() error {
	m.mu.Lock()
	window := m.series
	m.series = make(map[string]*series)
	m.mu.Unlock()

	keys := make([]string, 0, len(window))
	for k := range window {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		s := window[k]
		fields := logrus.Fields{"kind": s.kind, "count": s.count}
		switch s.kind {
		case "counter":
			fields["total"] = int64(s.sum)
		case "gauge":
			fields["last"] = s.last
		default:
			fields["mean"] = s.sum / float64(s.count)
			fields["max"] = s.max
		}
		m.logger.WithFields(fields).Info("summary " + s.name + s.tags)
	}
	return nil
}

// Close flushes the last window.
func (m *LogMetrics) Close() error {
	return m.Flush()
}

// Window returns the number of samples recorded for name since the last
// flush, across all tag sets.
func (m *LogMetrics) Window(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.series {
		if s.name == name {
			n += s.count
		}
	}
	return n
}

func (m *LogMetrics) record(kind, name string, value float64, display string, tags map[string]string) {
	formatted := formatTags(tags)
	key := kind + " " + name + formatted

	m.mu.Lock()
	s, ok := m.series[key]
	if !ok {
		s = &series{kind: kind, name: name, tags: formatted, max: value}
		m.series[key] = s
	}
	s.count++
	s.sum += value
	s.last = value
	if value > s.max {
		s.max = value
	}
	m.mu.Unlock()

	m.logger.Log(m.level, fmt.Sprintf("%s %s=%s%s", kind, name, display, formatted))
}

func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}

	// sorted for stable output
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + tags[k]
	}
	return " {" + strings.Join(parts, ", ") + "}"
}

var _ interfaces.MetricsExporter = (*LogMetrics)(nil)
