package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func newTestManager(drain time.Duration) *ShutdownManager {
	logger, _ := test.NewNullLogger()
	return NewShutdownManager(ShutdownConfig{DrainTimeout: drain, Logger: logrus.NewEntry(logger)})
}

func TestRun_ClosesInReverseOrder(t *testing.T) {
	m := newTestManager(time.Second)
	var order []string
	m.RegisterCloser("first", CloserFunc(func() error { order = append(order, "first"); return nil }))
	m.RegisterCloser("second", CloserFunc(func() error { order = append(order, "second"); return errors.New("boom") }))

	err := m.Run(context.Background(), func(context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestRun_ParentCancelDrains(t *testing.T) {
	m := newTestManager(time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	closed := false
	m.RegisterCloser("svc", CloserFunc(func() error { closed = true; return nil }))

	time.AfterFunc(20*time.Millisecond, cancel)
	err := m.Run(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, m.IsDraining())
	assert.True(t, closed)
}

func TestRun_DrainTimeout(t *testing.T) {
	m := newTestManager(30 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	release := make(chan struct{})
	defer close(release)
	err := m.Run(ctx, func(context.Context) error {
		<-release
		return nil
	})
	assert.ErrorContains(t, err, "shutdown timeout")
}
