package status

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReporter(t *testing.T, opts ...Option) (*Reporter, Config) {
	t.Helper()
	base := t.TempDir()
	cfg := Config{
		Activity:   "caption",
		WatchDir:   filepath.Join(base, "caption"),
		StatusPath: filepath.Join(base, "status", "caption"),
		QueuePath:  filepath.Join(base, "queue", "caption"),
		Owner:      NoChown,
	}
	for _, dir := range []string{cfg.WatchDir, filepath.Dir(cfg.StatusPath), filepath.Dir(cfg.QueuePath)} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	return NewReporter(cfg, opts...), cfg
}

func TestReporter_SetStatusOverwrites(t *testing.T) {
	r, cfg := newTestReporter(t)

	r.SetStatus(PhaseStarting, "")
	r.SetStatus(PhaseRunning, "42%")

	data, err := os.ReadFile(cfg.StatusPath)
	require.NoError(t, err)
	assert.Equal(t, "caption - Running: 42%\n", string(data))

	info, err := os.Stat(cfg.StatusPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	r.SetStatus(PhaseCleanup, "")
	r.SetStatus(PhaseIdle, "")
	rec, err := ReadStatus(cfg.StatusPath)
	require.NoError(t, err)
	assert.Equal(t, Record{Activity: "caption", Phase: PhaseIdle}, rec)
	assert.Equal(t, PhaseIdle, r.Current().Phase)

	data, err = os.ReadFile(cfg.StatusPath)
	require.NoError(t, err)
	assert.Equal(t, "caption - Idle:\n", string(data))
}

func TestReporter_OnChangeSeesEveryUpdate(t *testing.T) {
	var seen []Phase
	r, _ := newTestReporter(t, WithOnChange(func(rec Record) {
		seen = append(seen, rec.Phase)
	}))

	for _, p := range []Phase{PhaseStarting, PhaseRunning, PhaseRunning, PhaseCleanup, PhaseIdle} {
		r.SetStatus(p, "")
	}
	assert.Equal(t, []Phase{PhaseStarting, PhaseRunning, PhaseRunning, PhaseCleanup, PhaseIdle}, seen)
}

func TestReporter_WriteFailureIsSwallowed(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r := NewReporter(Config{
		Activity:   "caption",
		StatusPath: filepath.Join(t.TempDir(), "missing-dir", "caption"),
		Owner:      NoChown,
	}, WithLogger(logrus.NewEntry(logger)))

	assert.NotPanics(t, func() { r.SetStatus(PhaseError, "boom") })
	assert.Equal(t, PhaseError, r.Current().Phase)
	require.NotEmpty(t, hook.Entries)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestReporter_InvalidTransitionIsLoggedNotRejected(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r, cfg := newTestReporter(t, WithLogger(logrus.NewEntry(logger)))

	r.SetStatus(PhaseCleanup, "")
	assert.Equal(t, PhaseCleanup, r.Current().Phase)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "unexpected status transition", hook.LastEntry().Message)

	rec, err := ReadStatus(cfg.StatusPath)
	require.NoError(t, err)
	assert.Equal(t, PhaseCleanup, rec.Phase)
}

func TestReporter_RefreshQueue(t *testing.T) {
	r, cfg := newTestReporter(t)
	for _, name := range []string{"b.mp4", "a.wav"} {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.WatchDir, name), []byte("x"), 0o644))
	}

	assert.Equal(t, 2, r.RefreshQueue())

	entries, err := ReadQueue(cfg.QueuePath)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(cfg.WatchDir, "a.wav"),
		filepath.Join(cfg.WatchDir, "b.mp4"),
	}, entries)

	require.NoError(t, os.Remove(filepath.Join(cfg.WatchDir, "a.wav")))
	require.NoError(t, os.Remove(filepath.Join(cfg.WatchDir, "b.mp4")))
	assert.Equal(t, 0, r.RefreshQueue())

	entries, err = ReadQueue(cfg.QueuePath)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestValidTransition(t *testing.T) {
	success := []Phase{PhaseIdle, PhaseStarting, PhaseRunning, PhaseRunning, PhaseCleanup, PhaseIdle}
	for i := 1; i < len(success); i++ {
		assert.True(t, ValidTransition(success[i-1], success[i]), "%s -> %s", success[i-1], success[i])
	}
	assert.True(t, ValidTransition(PhaseStarting, PhaseCleanup))
	assert.True(t, ValidTransition(PhaseRunning, PhaseError))
	assert.True(t, ValidTransition(PhaseError, PhaseStarting))
	assert.False(t, ValidTransition(PhaseIdle, PhaseRunning))
	assert.False(t, ValidTransition(PhaseCleanup, PhaseRunning))
}

func TestParseRecord(t *testing.T) {
	rec, err := ParseRecord("caption - Error: [E103] unsupported file kind Text\n")
	require.NoError(t, err)
	assert.Equal(t, PhaseError, rec.Phase)
	assert.Equal(t, "[E103] unsupported file kind Text", rec.Detail)

	_, err = ParseRecord("garbage")
	assert.Error(t, err)
}
