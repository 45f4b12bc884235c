package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srvrs/srvrs/pkg/interfaces"
)

func TestLogAlerter_Levels(t *testing.T) {
	logger, hook := test.NewNullLogger()
	a := NewLogAlerter(WithLogger(logrus.NewEntry(logger)), WithMinAlertLevel(interfaces.AlertLevelWarning))

	require.NoError(t, a.Alert(context.Background(), interfaces.Alert{Level: interfaces.AlertLevelInfo, Title: "ignored"}))
	assert.Empty(t, hook.AllEntries())

	require.NoError(t, a.Alert(context.Background(), interfaces.LaneStopped("caption", errors.New("inotify gone"))))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "activity stopped: caption no longer accepts uploads", entry.Message)
	assert.Equal(t, "critical", entry.Data["alert"])
	assert.Equal(t, "caption", entry.Data[interfaces.TagActivity])
	assert.Equal(t, interfaces.AlertSourceLane, entry.Data["source"])
	assert.EqualError(t, entry.Data[logrus.ErrorKey].(error), "inotify gone")
}

func TestNoopAlerter(t *testing.T) {
	a := NewNoopAlerter()
	assert.NoError(t, a.Alert(context.Background(), interfaces.Alert{}))
	assert.NoError(t, a.Close())
}

func TestLogAlerter_DeliveryFailed(t *testing.T) {
	logger, hook := test.NewNullLogger()
	a := NewLogAlerter(WithLogger(logrus.NewEntry(logger)))

	require.NoError(t, a.Alert(context.Background(), interfaces.DeliveryFailed("upscale", "alice", errors.New("bucket gone"))))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "alice", entry.Data[interfaces.TagOwner])
	assert.Equal(t, "upscale", entry.Data[interfaces.TagActivity])
	assert.Equal(t, "error", entry.Data["alert"])
}

func TestLogAlerter_SuppressesRepeats(t *testing.T) {
	logger, hook := test.NewNullLogger()
	now := time.Unix(1700000000, 0)
	a := NewLogAlerter(
		WithLogger(logrus.NewEntry(logger)),
		WithRepeatInterval(time.Minute),
		withClock(func() time.Time { return now }),
	)
	ctx := context.Background()
	failed := interfaces.DeliveryFailed("upscale", "alice", errors.New("bucket gone"))

	require.NoError(t, a.Alert(ctx, failed))
	require.NoError(t, a.Alert(ctx, failed))
	require.NoError(t, a.Alert(ctx, failed))
	assert.Len(t, hook.AllEntries(), 1)

	// A different owner is a different alert.
	require.NoError(t, a.Alert(ctx, interfaces.DeliveryFailed("upscale", "bob", errors.New("bucket gone"))))
	assert.Len(t, hook.AllEntries(), 2)

	now = now.Add(2 * time.Minute)
	require.NoError(t, a.Alert(ctx, failed))
	require.Len(t, hook.AllEntries(), 3)
	assert.Equal(t, 2, hook.LastEntry().Data["repeats"])
	assert.Equal(t, "alice", hook.LastEntry().Data[interfaces.TagOwner])
}
