package gpu

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	srvrserrors "github.com/srvrs/srvrs/pkg/errors"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = time.Hour
)

// Lease is a set of accelerator indices held by one job.
type Lease struct {
	IDs    []int
	Holder string
	Waited time.Duration

	store LeaseStore
	once  sync.Once
}

// Release hands the indices back. It is safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.store == nil || len(l.IDs) == 0 {
		return nil
	}
	var err error
	l.once.Do(func() {
		err = l.store.Release(ctx, l.Holder, l.IDs)
	})
	return err
}

// Arbiter hands out accelerators to jobs.
type Arbiter struct {
	probe    Probe
	store    LeaseStore
	interval time.Duration
	timeout  time.Duration
	log      *logrus.Entry
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithPollInterval sets the wait between occupancy queries.
func WithPollInterval(d time.Duration) Option {
	return func(a *Arbiter) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithTimeout sets how long Reserve may wait in total.
func WithTimeout(d time.Duration) Option {
	return func(a *Arbiter) {
		a.timeout = d
	}
}

// WithLogger sets the log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(a *Arbiter) {
		a.log = log
	}
}

// NewArbiter combines an occupancy probe with a lease table. A nil store
// gets a fresh in-memory table.
func NewArbiter(probe Probe, store LeaseStore, opts ...Option) *Arbiter {
	if store == nil {
		store = NewMemoryLeaseStore()
	}
	a := &Arbiter{
		probe:    probe,
		store:    store,
		interval: DefaultPollInterval,
		timeout:  DefaultTimeout,
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Reserve blocks until count accelerators are idle and unleased, then leases
// the lowest indices. It polls every interval and gives up once the timeout
// has elapsed, also when the host has fewer than count devices. A zero
// count returns an empty lease immediately.
func (a *Arbiter) Reserve(ctx context.Context, count int, holder string) (*Lease, error) {
	if count <= 0 {
		return &Lease{Holder: holder}, nil
	}

	ctx, span := otel.Tracer("github.com/srvrs/srvrs/pkg/gpu").Start(ctx, "gpu.Reserve")
	defer span.End()
	span.SetAttributes(attribute.Int("count", count), attribute.String("holder", holder))

	started := time.Now()
	var deadline <-chan time.Time
	if a.timeout > 0 {
		timer := time.NewTimer(a.timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	var lastErr error
	warned := false
	for attempt := 1; ; attempt++ {
		ids, inventory, err := a.attempt(ctx, count, holder)
		if err == nil && inventory < count && !warned {
			warned = true
			a.log.WithFields(logrus.Fields{
				"holder":    holder,
				"requested": count,
				"devices":   inventory,
			}).Warn("request exceeds the accelerators on this host; waiting until the deadline")
		}
		switch {
		case err == nil && ids != nil:
			waited := time.Since(started)
			span.SetAttributes(attribute.IntSlice("ids", ids), attribute.Int("attempts", attempt))
			a.log.WithFields(logrus.Fields{
				"holder": holder,
				"ids":    ids,
				"waited": waited.Round(time.Millisecond),
			}).Debug("accelerators reserved")
			return &Lease{IDs: ids, Holder: holder, Waited: waited, store: a.store}, nil
		case err != nil:
			lastErr = err
			a.log.WithError(err).WithField("holder", holder).Warn("accelerator query failed; retrying")
		}

		if a.timeout <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			span.SetStatus(codes.Error, "cancelled")
			return nil, ctx.Err()
		case <-deadline:
			span.SetStatus(codes.Error, "timeout")
			return nil, a.timeoutError(count, lastErr)
		case <-ticker.C:
		}
	}

	span.SetStatus(codes.Error, "timeout")
	return nil, a.timeoutError(count, lastErr)
}

func (a *Arbiter) timeoutError(count int, cause error) error {
	msg := "could not reserve accelerators in time"
	var err *srvrserrors.SrvrsError
	if cause != nil {
		err = srvrserrors.Wrap(cause, srvrserrors.CodeReserveTimeout, msg)
	} else {
		err = srvrserrors.New(srvrserrors.CodeReserveTimeout, msg)
	}
	return err.WithContext("count", count).WithContext("timeout", a.timeout)
}

// attempt returns nil ids without error when the request cannot be served
// yet, along with the number of devices the probe reported.
func (a *Arbiter) attempt(ctx context.Context, count int, holder string) ([]int, int, error) {
	devices, err := a.probe.Devices(ctx)
	if err != nil {
		return nil, 0, err
	}
	idle := idleIndices(devices)
	if len(idle) < count {
		return nil, len(devices), nil
	}
	ids, err := a.store.Acquire(ctx, holder, idle, count)
	return ids, len(devices), err
}

// DeviceState is one row of an occupancy snapshot.
type DeviceState struct {
	Device
	Holder string
}

// Snapshot reports every device with its current lease holder, if any.
func (a *Arbiter) Snapshot(ctx context.Context) ([]DeviceState, error) {
	devices, err := a.probe.Devices(ctx)
	if err != nil {
		return nil, err
	}
	leases, err := a.store.Leases(ctx)
	if err != nil {
		return nil, err
	}
	states := make([]DeviceState, len(devices))
	for i, d := range devices {
		states[i] = DeviceState{Device: d, Holder: leases[d.Index]}
	}
	return states, nil
}

// Close releases the probe and the lease store.
func (a *Arbiter) Close() error {
	var m srvrserrors.MultiError
	m.Add(a.probe.Close())
	m.Add(a.store.Close())
	return m.Combined()
}
