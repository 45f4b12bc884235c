package alerting

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srvrs/srvrs/pkg/interfaces"
)

// LogAlerter writes alerts to a logrus entry. Identical alerts (same title,
// source and tags) raised within the repeat interval are counted instead of
// logged; the count is reported on the next alert that gets through.
type LogAlerter struct {
	log      *logrus.Entry
	minLevel interfaces.AlertLevel
	repeat   time.Duration
	now      func() time.Time

	mu   sync.Mutex
	seen map[string]*occurrence
}

type occurrence struct {
	last       time.Time
	suppressed int
}

// LogAlerterOption configures LogAlerter.
type LogAlerterOption func(*LogAlerter)

func WithLogger(log *logrus.Entry) LogAlerterOption {
	return func(a *LogAlerter) {
		a.log = log
	}
}

// WithMinAlertLevel drops alerts below level.
func WithMinAlertLevel(level interfaces.AlertLevel) LogAlerterOption {
	return func(a *LogAlerter) {
		a.minLevel = level
	}
}

// WithRepeatInterval sets the suppression window. Zero logs every alert.
func WithRepeatInterval(d time.Duration) LogAlerterOption {
	return func(a *LogAlerter) {
		a.repeat = d
	}
}

func withClock(now func() time.Time) LogAlerterOption {
	return func(a *LogAlerter) {
		a.now = now
	}
}

func NewLogAlerter(opts ...LogAlerterOption) *LogAlerter {
	a := &LogAlerter{
		log:      logrus.NewEntry(logrus.StandardLogger()),
		minLevel: interfaces.AlertLevelInfo,
		now:      time.Now,
		seen:     make(map[string]*occurrence),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *LogAlerter) Alert(ctx context.Context, alert interfaces.Alert) error {
	if alert.Level < a.minLevel {
		return nil
	}

	suppressed, ok := a.admit(alert)
	if !ok {
		return nil
	}

	entry := a.log.WithFields(logrus.Fields{
		"alert":  alert.Level.String(),
		"source": alert.Source,
	})
	for k, v := range alert.Tags {
		entry = entry.WithField(k, v)
	}
	if suppressed > 0 {
		entry = entry.WithField("repeats", suppressed)
	}
	if alert.Error != nil {
		entry = entry.WithError(alert.Error)
	}

	msg := alert.Title
	if alert.Message != "" {
		msg += ": " + alert.Message
	}

	switch alert.Level {
	case interfaces.AlertLevelCritical, interfaces.AlertLevelError:
		entry.Error(msg)
	case interfaces.AlertLevelWarning:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
	return nil
}

// admit reports whether alert should be logged and how many identical
// alerts were held back since the last one that was.
func (a *LogAlerter) admit(alert interfaces.Alert) (int, bool) {
	if a.repeat <= 0 {
		return 0, true
	}

	key := alertKey(alert)
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.seen[key]
	if !ok {
		a.seen[key] = &occurrence{last: now}
		return 0, true
	}
	if now.Sub(o.last) < a.repeat {
		o.suppressed++
		return 0, false
	}
	n := o.suppressed
	o.last = now
	o.suppressed = 0
	return n, true
}

func alertKey(alert interfaces.Alert) string {
	keys := make([]string, 0, len(alert.Tags))
	for k := range alert.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(alert.Source)
	b.WriteByte('|')
	b.WriteString(alert.Title)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(alert.Tags[k])
	}
	return b.String()
}

func (a *LogAlerter) Close() error { return nil }

var _ interfaces.Alerter = (*LogAlerter)(nil)
