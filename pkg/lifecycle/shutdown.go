// Package lifecycle provides signal-driven graceful shutdown.
// In-flight jobs get a drain period before registered services are closed.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	srvrserrors "github.com/srvrs/srvrs/pkg/errors"
)

// Closer interface for services that need cleanup.
type Closer interface {
	Close() error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }

// ShutdownConfig configures the shutdown manager.
type ShutdownConfig struct {
	// DrainTimeout is how long running work may take to stop after a signal
	DrainTimeout time.Duration

	// Signals trigger shutdown; SIGINT and SIGTERM when empty
	Signals []os.Signal

	// Logger receives shutdown progress
	Logger *logrus.Entry
}

// DefaultShutdownConfig returns sensible defaults.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		DrainTimeout: 30 * time.Second,
	}
}

// ShutdownManager runs the main function and tears services down after it.
type ShutdownManager struct {
	mu sync.Mutex

	drainTimeout time.Duration
	signals      []os.Signal
	log          *logrus.Entry

	draining bool
	closers  []namedCloser
}

type namedCloser struct {
	name string
	c    Closer
}

// NewShutdownManager creates a new shutdown manager.
func NewShutdownManager(cfg ShutdownConfig) *ShutdownManager {
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ShutdownManager{
		drainTimeout: cfg.DrainTimeout,
		signals:      cfg.Signals,
		log:          cfg.Logger,
	}
}

// RegisterCloser adds a service to be closed during shutdown. Services are
// closed in reverse registration order.
func (m *ShutdownManager) RegisterCloser(name string, c Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, namedCloser{name: name, c: c})
}

// IsDraining returns whether a shutdown is in progress.
func (m *ShutdownManager) IsDraining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

// Run calls fn with a context that ends on the first shutdown signal or
// when parent ends. After a signal fn gets the drain period to return.
// Registered services are closed once fn has returned or the drain period
// has run out.
func (m *ShutdownManager) Run(parent context.Context, fn func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(parent, m.signals...)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		errChan <- fn(ctx)
	}()

	var runErr error
	select {
	case runErr = <-errChan:
	case <-ctx.Done():
		m.mu.Lock()
		m.draining = true
		m.mu.Unlock()
		m.log.WithField("drain_timeout", m.drainTimeout).Info("shutdown requested; waiting for running jobs")

		select {
		case runErr = <-errChan:
		case <-time.After(m.drainTimeout):
			runErr = fmt.Errorf("shutdown timeout after %s", m.drainTimeout)
		}
	}

	if err := m.closeAll(); err != nil {
		m.log.WithError(err).Warn("errors while closing services")
	}
	return runErr
}

func (m *ShutdownManager) closeAll() error {
	m.mu.Lock()
	closers := m.closers
	m.closers = nil
	m.mu.Unlock()

	var errs srvrserrors.MultiError
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].c.Close(); err != nil {
			errs.Add(fmt.Errorf("%s: %w", closers[i].name, err))
		}
	}
	return errs.Combined()
}
