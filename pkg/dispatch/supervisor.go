// Package dispatch builds one lane per configured activity and runs them
// side by side for the lifetime of the service.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/srvrs/srvrs/pkg/defaults/alerting"
	srvrserrors "github.com/srvrs/srvrs/pkg/errors"
	"github.com/srvrs/srvrs/pkg/interfaces"
)

// Runnable is a long-lived activity loop.
type Runnable interface {
	Name() string
	Run(ctx context.Context) error
}

// Supervisor runs lanes concurrently. Lanes are independent: a lane that
// stops with a fatal error is logged and the others keep running.
type Supervisor struct {
	lanes   []Runnable
	log     *logrus.Entry
	alerter interfaces.Alerter

	running atomic.Bool
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorAlerter raises an alert for every lane that stops with a
// fatal error.
func WithSupervisorAlerter(a interfaces.Alerter) SupervisorOption {
	return func(s *Supervisor) {
		s.alerter = a
	}
}

// NewSupervisor creates a supervisor over lanes.
func NewSupervisor(lanes []Runnable, log *logrus.Entry, opts ...SupervisorOption) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Supervisor{
		lanes:   lanes,
		log:     log,
		alerter: alerting.NewNoopAlerter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts every lane and waits until all of them have returned.
// Lanes that stop because ctx ended are not errors; the fatal errors of
// the others are combined into the result.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return srvrserrors.New(srvrserrors.CodeUnknown, "supervisor already running")
	}
	defer s.running.Store(false)

	if len(s.lanes) == 0 {
		return srvrserrors.New(srvrserrors.CodeConfigInvalid, "no activities to run")
	}

	var (
		mu   sync.Mutex
		errs srvrserrors.MultiError
	)

	// A plain group: one lane's failure must not cancel its siblings.
	var g errgroup.Group
	for _, l := range s.lanes {
		g.Go(func() error {
			err := l.Run(ctx)
			if err == nil || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
				return nil
			}
			s.log.WithError(err).WithField("activity", l.Name()).Error("lane stopped")
			s.raise(l.Name(), err)
			mu.Lock()
			errs.Add(fmt.Errorf("%s: %w", l.Name(), err))
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info("all lanes stopped")
	return errs.Combined()
}

func (s *Supervisor) raise(activity string, err error) {
	// The lane's context may already be gone; the alert must still go out.
	if aerr := s.alerter.Alert(context.Background(), interfaces.LaneStopped(activity, err)); aerr != nil {
		s.log.WithError(aerr).Warn("could not send alert")
	}
}
