package distributor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/srvrs/srvrs/pkg/defaults/alerting"
	metricsdefaults "github.com/srvrs/srvrs/pkg/defaults/metrics"
	srvrserrors "github.com/srvrs/srvrs/pkg/errors"
	"github.com/srvrs/srvrs/pkg/interfaces"
	"github.com/srvrs/srvrs/pkg/layout"
)

// Distributor watches the hand-off directory of every activity.
type Distributor struct {
	dirs    map[string]string // hand-off dir -> activity
	mover   Mover
	metrics interfaces.MetricsExporter
	alerter interfaces.Alerter
	log     *logrus.Entry
	now     func() time.Time
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithMetrics sets the metrics exporter.
func WithMetrics(m interfaces.MetricsExporter) Option {
	return func(d *Distributor) {
		d.metrics = m
	}
}

// WithAlerter raises an alert for every delivery that could not be moved.
func WithAlerter(a interfaces.Alerter) Option {
	return func(d *Distributor) {
		d.alerter = a
	}
}

// WithLogger sets the log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(d *Distributor) {
		d.log = log
	}
}

// WithClock replaces the clock used for delivery names.
func WithClock(now func() time.Time) Option {
	return func(d *Distributor) {
		d.now = now
	}
}

// New creates a distributor for the given activities of l.
func New(l layout.Layout, activities []string, mover Mover, opts ...Option) *Distributor {
	d := &Distributor{
		dirs:    make(map[string]string, len(activities)),
		mover:   mover,
		metrics: metricsdefaults.NewNoopMetrics(),
		alerter: alerting.NewNoopAlerter(),
		log:     logrus.NewEntry(logrus.StandardLogger()),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, name := range activities {
		d.dirs[filepath.Clean(l.For(name).Delivery)] = name
	}
	return d
}

// DeliveryName is the directory name a delivery of activity gets at its
// destination.
func DeliveryName(activity string, at time.Time) string {
	return fmt.Sprintf("srvrs_%s_%d", activity, at.Unix())
}

// Run watches every hand-off directory until ctx ends. Entries already
// present are moved first.
func (d *Distributor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return srvrserrors.Wrap(err, srvrserrors.CodeWatchFailed, "failed to create watcher")
	}
	defer watcher.Close()

	for dir := range d.dirs {
		if err := watcher.Add(dir); err != nil {
			return srvrserrors.Wrapf(err, srvrserrors.CodeWatchFailed, "watching %s", dir)
		}
	}
	d.log.WithFields(logrus.Fields{
		"dirs":  len(d.dirs),
		"mover": d.mover.Name(),
	}).Info("distributor active")

	d.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return srvrserrors.New(srvrserrors.CodeWatchFailed, "notification stream closed")
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			activity, ok := d.dirs[filepath.Dir(event.Name)]
			if !ok {
				continue
			}
			d.deliver(ctx, activity, event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return srvrserrors.New(srvrserrors.CodeWatchFailed, "notification stream closed")
			}
			d.log.WithError(err).Warn("watch error")
		}
	}
}

// Sweep moves every delivery currently waiting and returns how many were
// moved.
func (d *Distributor) Sweep(ctx context.Context) int {
	dirs := make([]string, 0, len(d.dirs))
	for dir := range d.dirs {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	moved := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			d.log.WithError(err).WithField("dir", dir).Warn("could not list hand-off directory")
			continue
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				return moved
			}
			if d.deliver(ctx, d.dirs[dir], filepath.Join(dir, e.Name())) {
				moved++
			}
		}
	}
	return moved
}

func (d *Distributor) deliver(ctx context.Context, activity, path string) bool {
	info, err := os.Lstat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	owner := filepath.Base(path)
	tags := map[string]string{
		interfaces.TagActivity: activity,
		interfaces.TagOwner:    owner,
	}
	log := d.log.WithFields(logrus.Fields{"activity": activity, "owner": owner})

	dest, err := d.mover.Move(ctx, path, owner, DeliveryName(activity, d.now()))
	if err != nil {
		err = srvrserrors.Wrap(err, srvrserrors.CodeDeliveryFailed, "delivery failed")
		d.metrics.Counter(interfaces.MetricDeliveryFailures, 1, tags)
		log.WithError(err).Error("could not move results")
		if aerr := d.alerter.Alert(ctx, interfaces.DeliveryFailed(activity, owner, err)); aerr != nil {
			log.WithError(aerr).Warn("could not send alert")
		}
		return false
	}

	d.metrics.Counter(interfaces.MetricDeliveries, 1, tags)
	log.WithField("dest", dest).Info("results delivered")
	return true
}
