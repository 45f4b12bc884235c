package dispatch

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srvrs/srvrs/pkg/config"
	"github.com/srvrs/srvrs/pkg/defaults/alerting"
	metricsdefaults "github.com/srvrs/srvrs/pkg/defaults/metrics"
	srvrserrors "github.com/srvrs/srvrs/pkg/errors"
	"github.com/srvrs/srvrs/pkg/gpu"
	"github.com/srvrs/srvrs/pkg/interfaces"
	"github.com/srvrs/srvrs/pkg/lane"
	"github.com/srvrs/srvrs/pkg/runner"
	"github.com/srvrs/srvrs/pkg/status"
	"github.com/srvrs/srvrs/pkg/watch"
)

// SourceFactory opens the notification source of one inbox.
type SourceFactory func(dir string) (watch.Source, error)

// Dispatcher owns everything the lanes share: the arbiter, the runner and
// the metrics exporter.
type Dispatcher struct {
	cfg     *config.Config
	log     *logrus.Entry
	arbiter *gpu.Arbiter
	metrics interfaces.MetricsExporter
	alerter interfaces.Alerter
	lanes   []*lane.Lane
}

type options struct {
	log      *logrus.Entry
	metrics  interfaces.MetricsExporter
	alerter  interfaces.Alerter
	probe    gpu.Probe
	store    gpu.LeaseStore
	sources  SourceFactory
	runner   lane.JobRunner
	laneOpts []lane.Option
	onChange func(status.Record)
	identity *status.Identity
}

// Option configures Build.
type Option func(*options)

// WithLogger sets the root log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics sets the exporter shared by all lanes.
func WithMetrics(m interfaces.MetricsExporter) Option {
	return func(o *options) { o.metrics = m }
}

// WithAlerter receives an alert for every lane that stops on its own.
func WithAlerter(a interfaces.Alerter) Option {
	return func(o *options) { o.alerter = a }
}

// WithProbe replaces the configured occupancy backend.
func WithProbe(p gpu.Probe) Option {
	return func(o *options) { o.probe = p }
}

// WithLeaseStore replaces the configured lease table.
func WithLeaseStore(s gpu.LeaseStore) Option {
	return func(o *options) { o.store = s }
}

// WithSourceFactory replaces the configured notification backend.
func WithSourceFactory(f SourceFactory) Option {
	return func(o *options) { o.sources = f }
}

// WithRunner replaces the subprocess runner.
func WithRunner(r lane.JobRunner) Option {
	return func(o *options) { o.runner = r }
}

// WithLaneOptions appends options to every lane.
func WithLaneOptions(opts ...lane.Option) Option {
	return func(o *options) { o.laneOpts = append(o.laneOpts, opts...) }
}

// WithStatusHook is called after every status update of any lane.
func WithStatusHook(fn func(status.Record)) Option {
	return func(o *options) { o.onChange = fn }
}

// WithIdentity skips the service identity lookup.
func WithIdentity(id status.Identity) Option {
	return func(o *options) { o.identity = &id }
}

// Build assembles one lane per configured activity. The layout must
// already exist.
func Build(cfg *config.Config, opts ...Option) (*Dispatcher, error) {
	o := options{
		log:     logrus.NewEntry(logrus.StandardLogger()),
		metrics: metricsdefaults.NewNoopMetrics(),
		alerter: alerting.NewNoopAlerter(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sources == nil {
		o.sources = func(dir string) (watch.Source, error) {
			return watch.NewSource(cfg.Watch.Backend, dir, cfg.Watch.Settle)
		}
	}
	if o.runner == nil {
		o.runner = runner.New()
	}

	identity := resolveIdentity(cfg, o)

	arbiter, err := OpenArbiter(cfg, o.probe, o.store, o.log.WithField("component", "arbiter"))
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:     cfg,
		log:     o.log,
		arbiter: arbiter,
		metrics: o.metrics,
		alerter: o.alerter,
	}

	var opened []watch.Source
	l := cfg.Layout()
	for _, def := range cfg.Definitions() {
		paths := l.For(def.Name)

		src, err := o.sources(paths.Watch)
		if err != nil {
			for _, s := range opened {
				s.Close()
			}
			d.Close()
			return nil, srvrserrors.Wrapf(err, srvrserrors.CodeWatchFailed, "watch %s", paths.Watch)
		}
		opened = append(opened, src)

		reporterOpts := []status.Option{status.WithLogger(o.log.WithField("activity", def.Name))}
		if o.onChange != nil {
			reporterOpts = append(reporterOpts, status.WithOnChange(o.onChange))
		}
		reporter := status.NewReporter(status.Config{
			Activity:   def.Name,
			WatchDir:   paths.Watch,
			StatusPath: paths.Status,
			QueuePath:  paths.Queue,
			Owner:      identity,
		}, reporterOpts...)

		laneOpts := append([]lane.Option{
			lane.WithLogger(o.log),
			lane.WithMetrics(o.metrics),
		}, o.laneOpts...)

		d.lanes = append(d.lanes, lane.New(lane.Config{
			Activity: def,
			Paths:    paths,
			Source:   src,
			Arbiter:  arbiter,
			Runner:   o.runner,
			Reporter: reporter,
		}, laneOpts...))
	}

	return d, nil
}

// OpenArbiter builds the arbiter described by cfg. A non-nil probe or
// store replaces the configured backend.
func OpenArbiter(cfg *config.Config, probe gpu.Probe, store gpu.LeaseStore, log *logrus.Entry) (*gpu.Arbiter, error) {
	if probe == nil {
		p, err := gpu.NewProbe(cfg.GPU.Backend, cfg.GPU.SMIPath)
		if err != nil {
			return nil, err
		}
		probe = p
	}

	if store == nil {
		s, err := newLeaseStore(cfg)
		if err != nil {
			probe.Close()
			return nil, err
		}
		store = s
	}

	log.WithFields(logrus.Fields{
		"probe": probe.Name(),
		"lease": store.Name(),
	}).Info("accelerator arbiter ready")

	return gpu.NewArbiter(probe, store,
		gpu.WithPollInterval(cfg.GPU.PollInterval),
		gpu.WithTimeout(cfg.GPU.Timeout),
		gpu.WithLogger(log),
	), nil
}

func resolveIdentity(cfg *config.Config, o options) status.Identity {
	if o.identity != nil {
		return *o.identity
	}
	id, err := cfg.ResolveIdentity()
	if err != nil {
		o.log.WithError(err).WithFields(logrus.Fields{
			"user":  cfg.Service.User,
			"group": cfg.Service.Group,
		}).Warn("service identity unresolved; status files keep the dispatcher's ownership")
		return status.NoChown
	}
	return status.Identity{UID: id.UID, GID: id.GID}
}

func newLeaseStore(cfg *config.Config) (gpu.LeaseStore, error) {
	switch cfg.Lease.Backend {
	case "redis":
		rc := gpu.DefaultRedisConfig(cfg.Lease.Redis.Address)
		rc.Password = cfg.Lease.Redis.Password
		rc.Database = cfg.Lease.Redis.Database
		if cfg.Lease.Redis.Prefix != "" {
			rc.Prefix = cfg.Lease.Redis.Prefix
		}
		rc.TTL = cfg.Lease.Redis.TTL
		if cfg.Lease.Redis.Timeout > 0 {
			rc.Timeout = cfg.Lease.Redis.Timeout
		}
		store, err := gpu.NewRedisLeaseStore(rc)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory", "":
		return gpu.NewMemoryLeaseStore(), nil
	default:
		return nil, srvrserrors.Newf(srvrserrors.CodeConfigInvalid, "unknown lease backend %q", cfg.Lease.Backend)
	}
}

// Lanes returns the assembled lanes in activity order.
func (d *Dispatcher) Lanes() []*lane.Lane {
	return d.lanes
}

// Arbiter returns the shared accelerator arbiter.
func (d *Dispatcher) Arbiter() *gpu.Arbiter {
	return d.arbiter
}

// Run supervises every lane until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	runnables := make([]Runnable, len(d.lanes))
	for i, l := range d.lanes {
		runnables[i] = l
	}
	d.log.WithField("activities", len(d.lanes)).Info("dispatcher started")
	return NewSupervisor(runnables, d.log, WithSupervisorAlerter(d.alerter)).Run(ctx)
}

// Close releases the arbiter and flushes metrics. Lanes close their own
// sources when they stop.
func (d *Dispatcher) Close() error {
	var errs srvrserrors.MultiError
	if err := d.arbiter.Close(); err != nil {
		errs.Add(fmt.Errorf("arbiter: %w", err))
	}
	if err := d.metrics.Flush(); err != nil {
		errs.Add(fmt.Errorf("metrics: %w", err))
	}
	return errs.Combined()
}
