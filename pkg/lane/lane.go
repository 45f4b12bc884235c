// Package lane runs one activity: it watches the activity's inbox and turns
// every finished upload into a delivered job or a clean rejection.
//
// A lane handles one upload at a time. Every failure that concerns a single
// upload is absorbed here and surfaces only through the status file; Run
// returns only when its context ends or its notification source fails.
package lane

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/srvrs/srvrs/pkg/activity"
	metricsdefaults "github.com/srvrs/srvrs/pkg/defaults/metrics"
	srvrserrors "github.com/srvrs/srvrs/pkg/errors"
	"github.com/srvrs/srvrs/pkg/gpu"
	"github.com/srvrs/srvrs/pkg/interfaces"
	"github.com/srvrs/srvrs/pkg/layout"
	"github.com/srvrs/srvrs/pkg/runner"
	"github.com/srvrs/srvrs/pkg/sniff"
	"github.com/srvrs/srvrs/pkg/status"
	"github.com/srvrs/srvrs/pkg/util"
	"github.com/srvrs/srvrs/pkg/watch"
)

// Reserver hands out accelerators.
type Reserver interface {
	Reserve(ctx context.Context, count int, holder string) (*gpu.Lease, error)
}

// JobRunner executes an activity script.
type JobRunner interface {
	Run(ctx context.Context, req runner.Request) (runner.Result, error)
}

// Config binds a lane to its activity and collaborators.
type Config struct {
	Activity activity.Definition
	Paths    layout.Paths
	Source   watch.Source
	Arbiter  Reserver
	Runner   JobRunner
	Reporter *status.Reporter
}

// Lane is the running instance of one activity.
type Lane struct {
	def      activity.Definition
	paths    layout.Paths
	source   watch.Source
	arbiter  Reserver
	runner   JobRunner
	reporter *status.Reporter

	sniff   sniff.Func
	owner   func(path string) (string, error)
	metrics interfaces.MetricsExporter
	log     *logrus.Entry
	tracer  trace.Tracer
}

// Option configures a Lane.
type Option func(*Lane)

// WithSniffer replaces content sniffing.
func WithSniffer(fn sniff.Func) Option {
	return func(l *Lane) {
		l.sniff = fn
	}
}

// WithOwnerLookup replaces the file ownership lookup.
func WithOwnerLookup(fn func(path string) (string, error)) Option {
	return func(l *Lane) {
		l.owner = fn
	}
}

// WithMetrics sets the metrics exporter.
func WithMetrics(m interfaces.MetricsExporter) Option {
	return func(l *Lane) {
		l.metrics = m
	}
}

// WithLogger sets the parent log entry; the lane adds its activity field.
func WithLogger(log *logrus.Entry) Option {
	return func(l *Lane) {
		l.log = log
	}
}

// New creates a lane. The lane takes ownership of the notification source.
func New(cfg Config, opts ...Option) *Lane {
	l := &Lane{
		def:      cfg.Activity,
		paths:    cfg.Paths,
		source:   cfg.Source,
		arbiter:  cfg.Arbiter,
		runner:   cfg.Runner,
		reporter: cfg.Reporter,
		sniff:    sniff.Detect,
		owner:    util.Owner,
		metrics:  metricsdefaults.NewNoopMetrics(),
		log:      logrus.NewEntry(logrus.StandardLogger()),
		tracer:   otel.Tracer("github.com/srvrs/srvrs/pkg/lane"),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.WithField("activity", l.def.Name)
	return l
}

// Name returns the activity name.
func (l *Lane) Name() string {
	return l.def.Name
}

// Run watches the inbox until ctx ends or the notification source fails.
// Cancellation returns ctx.Err(); a source failure returns a fatal error.
func (l *Lane) Run(ctx context.Context) error {
	defer l.source.Close()

	l.reporter.SetStatus(status.PhaseIdle, fmt.Sprintf("Upload a file to %s to get started.", l.paths.Watch))
	l.refreshQueue()
	l.log.WithField("dir", l.paths.Watch).Info("watching for uploads")

	for {
		select {
		case <-ctx.Done():
			l.log.Info("lane stopped")
			return ctx.Err()

		case err := <-l.source.Errors():
			return srvrserrors.Wrapf(err, srvrserrors.CodeWatchFailed, "watching %s", l.paths.Watch)

		case ev, ok := <-l.source.Events():
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return srvrserrors.Newf(srvrserrors.CodeWatchFailed, "notification stream for %s closed", l.paths.Watch)
			}
			l.refreshQueue()
			l.Handle(ctx, ev)
		}
	}
}

func (l *Lane) refreshQueue() {
	if n := l.reporter.RefreshQueue(); n >= 0 {
		l.metrics.Gauge(interfaces.MetricQueueDepth, float64(n), l.tags())
	}
}

func (l *Lane) tags() map[string]string {
	return map[string]string{interfaces.TagActivity: l.def.Name}
}

// Handle processes one notification. Only write-close notifications start
// a job, and only their first path is considered.
func (l *Lane) Handle(ctx context.Context, ev watch.Event) {
	if !ev.WriteClosed() || len(ev.Paths) == 0 {
		return
	}
	if len(ev.Paths) > 1 {
		l.log.WithField("ignored", ev.Paths[1:]).Warn("notification carried several files; handling the first only")
	}

	path := ev.Paths[0]
	if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
		l.log.WithField("file", path).Info("upload vanished before it could be handled")
		return
	}

	j := &job{ID: uuid.NewString(), Source: path, Started: time.Now()}
	ctx, span := l.tracer.Start(ctx, "lane.job", trace.WithAttributes(
		attribute.String("activity", l.def.Name),
		attribute.String("job.id", j.ID),
		attribute.String("file", path),
	))
	defer span.End()

	if err := l.process(ctx, j); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(srvrserrors.GetCode(err)))
		l.fail(ctx, j, err)
		return
	}
	span.SetAttributes(attribute.String("owner", j.Owner), attribute.IntSlice("gpus", j.Devices))
}

// process runs one upload from validation through delivery.
func (l *Lane) process(ctx context.Context, j *job) error {
	log := l.log.WithFields(logrus.Fields{"job": j.ID, "file": j.Source})

	if err := l.validate(j); err != nil {
		return err
	}
	log = log.WithField("owner", j.Owner)
	l.metrics.Counter(interfaces.MetricJobsAccepted, 1, l.tags())

	lease, err := l.arbiter.Reserve(ctx, l.def.GPUs, j.ID)
	if err != nil {
		if ctx.Err() == nil && srvrserrors.IsCode(err, srvrserrors.CodeReserveTimeout) {
			l.metrics.Counter(interfaces.MetricGPUTimeouts, 1, l.tags())
			// the upload is parked in its work dir for the operator
			if stageErr := l.stage(j); stageErr != nil {
				log.WithError(stageErr).Error("could not park upload after reserve timeout")
			}
		}
		return err
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			log.WithError(err).Warn("could not release accelerators")
		}
	}()
	j.Devices = lease.IDs
	l.metrics.Timer(interfaces.MetricGPUWait, lease.Waited, l.tags())

	if err := l.stage(j); err != nil {
		return err
	}

	l.reporter.SetStatus(status.PhaseStarting, j.startDetail())
	res, err := l.runner.Run(ctx, runner.Request{
		Script:   l.def.Script,
		WorkFile: j.WorkFile,
		Devices:  j.Devices,
		Dir:      j.WorkDir,
		Pattern:  l.def.ProgressRegex,
		OnProgress: func(detail string) {
			l.reporter.SetStatus(status.PhaseRunning, detail)
		},
		Log: log,
	})
	l.metrics.Histogram(interfaces.MetricJobProgress, float64(res.Updates), l.tags())
	if err != nil {
		return err
	}

	l.reporter.SetStatus(status.PhaseCleanup, j.Name)
	if err := l.deliver(j); err != nil {
		return err
	}

	elapsed := time.Since(j.Started)
	l.metrics.Counter(interfaces.MetricJobsCompleted, 1, l.tags())
	l.metrics.Timer(interfaces.MetricJobDuration, elapsed, l.tags())
	log.WithFields(logrus.Fields{
		"delivered": j.Delivered,
		"elapsed":   elapsed.Round(time.Millisecond),
	}).Info("job delivered")

	l.reporter.SetStatus(status.PhaseIdle, "")
	return nil
}

// validate derives the job's identity and checks the content kind.
func (l *Lane) validate(j *job) error {
	name, err := util.FileName(j.Source)
	if err != nil {
		return srvrserrors.Wrap(err, srvrserrors.CodeInvalidName, "invalid file name")
	}
	stem, err := util.Prefix(j.Source)
	if err != nil {
		return srvrserrors.Wrap(err, srvrserrors.CodeInvalidName, "invalid file name")
	}
	j.Name, j.Stem = name, stem

	if err := regularFile(j.Source); err != nil {
		return err
	}

	owner, err := l.owner(j.Source)
	if err != nil {
		return srvrserrors.Wrap(err, srvrserrors.CodeOwnerLookup, "could not determine who uploaded the file")
	}
	j.Owner = owner

	if l.def.Wants.IsAny() {
		return nil
	}
	res, err := l.sniff(j.Source)
	if err != nil {
		return srvrserrors.Wrap(err, srvrserrors.CodeSniffFailed, "could not read file contents")
	}
	j.Kind = res.Kind
	if !l.def.Wants.Contains(res.Kind) {
		return srvrserrors.Newf(srvrserrors.CodeUnsupportedKind, "unsupported file kind %s", res.Kind).
			WithContext("accepted", l.def.Wants.String()).
			WithContext("mime", res.MIME)
	}
	return nil
}

// stage moves the upload into its private work directory. The directory
// must not exist yet.
func (l *Lane) stage(j *job) error {
	dir := l.paths.JobDir(j.Owner, j.Stem)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return srvrserrors.Newf(srvrserrors.CodeWorkDirExists, "work directory %s already exists", dir)
		}
		return srvrserrors.Wrapf(err, srvrserrors.CodeStagingFailed, "could not create work directory %s", dir)
	}

	dest := filepath.Join(dir, j.Name)
	if err := os.Rename(j.Source, dest); err != nil {
		l.removeWorkDir(dir)
		return srvrserrors.Wrapf(err, srvrserrors.CodeStagingFailed, "could not move upload into %s", dir)
	}
	// the upload may have been swapped in the inbox since validation
	if err := regularFile(dest); err != nil {
		if rmErr := os.Remove(dest); rmErr != nil {
			l.log.WithError(rmErr).WithField("file", dest).Warn("could not delete swapped upload")
		}
		l.removeWorkDir(dir)
		return err
	}
	j.WorkDir, j.WorkFile, j.Staged = dir, dest, true
	return nil
}

// removeWorkDir rolls back an empty work directory. One left behind makes
// every later upload with the same owner and stem collide.
func (l *Lane) removeWorkDir(dir string) {
	if err := os.Remove(dir); err != nil {
		l.log.WithError(err).WithField("work_dir", dir).Warn("could not remove work directory; uploads with this name will collide")
	}
}

// regularFile rejects symlinks, fifos, devices and directories.
func regularFile(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return srvrserrors.Wrap(err, srvrserrors.CodeInvalidName, "could not inspect upload")
	}
	if !info.Mode().IsRegular() {
		return srvrserrors.Newf(srvrserrors.CodeInvalidName, "not a regular file (%s)", info.Mode().Type())
	}
	return nil
}

// deliver hands the whole work directory to the distributor.
func (l *Lane) deliver(j *job) error {
	dest := l.paths.HandoffDir(j.Owner)
	if err := os.Rename(j.WorkDir, dest); err != nil {
		return srvrserrors.Wrapf(err, srvrserrors.CodeDeliveryFailed, "could not hand %s to the distributor", j.WorkDir)
	}
	j.Delivered = dest
	return nil
}

// fail reports a job that did not complete. An upload that never reached
// its work directory is deleted; a staged one stays for inspection.
func (l *Lane) fail(ctx context.Context, j *job, err error) {
	category := srvrserrors.CategoryOf(err)
	log := l.log.WithFields(logrus.Fields{
		"job":      j.ID,
		"file":     j.Source,
		"owner":    j.Owner,
		"code":     srvrserrors.GetCode(err),
		"category": category,
	})
	if j.WorkDir != "" {
		log = log.WithField("work_dir", j.WorkDir)
	}

	if ctx.Err() != nil && !j.Staged {
		log.WithError(err).Warn("interrupted before staging; upload left in inbox")
		return
	}
	log.WithError(err).Error("job failed")

	if !j.Staged {
		if rmErr := os.Remove(j.Source); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			log.WithError(rmErr).Warn("could not delete rejected upload")
		}
	}

	tags := l.tags()
	tags[interfaces.TagCategory] = string(category)
	tags[interfaces.TagCode] = string(srvrserrors.GetCode(err))
	if category == srvrserrors.CategoryInput {
		l.metrics.Counter(interfaces.MetricJobsRejected, 1, tags)
	} else {
		l.metrics.Counter(interfaces.MetricJobsFailed, 1, tags)
	}

	detail := srvrserrors.Detail(err)
	if j.Name != "" {
		detail = j.Name + ": " + detail
	}
	l.reporter.SetStatus(status.PhaseError, detail)
	l.refreshQueue()
}
