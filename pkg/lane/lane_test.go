package lane

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srvrs/srvrs/pkg/activity"
	srvrserrors "github.com/srvrs/srvrs/pkg/errors"
	"github.com/srvrs/srvrs/pkg/gpu"
	"github.com/srvrs/srvrs/pkg/layout"
	"github.com/srvrs/srvrs/pkg/runner"
	"github.com/srvrs/srvrs/pkg/sniff"
	"github.com/srvrs/srvrs/pkg/status"
	"github.com/srvrs/srvrs/pkg/watch"
)

var mp4 = append(append([]byte{0x00, 0x00, 0x00, 0x18}, []byte("ftypmp42\x00\x00\x00\x00mp42isom")...), make([]byte, 32)...)

type chanSource struct {
	events chan watch.Event
	errs   chan error
	once   sync.Once
	closed chan struct{}
}

func newChanSource() *chanSource {
	return &chanSource{
		events: make(chan watch.Event, 8),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *chanSource) Events() <-chan watch.Event { return s.events }
func (s *chanSource) Errors() <-chan error       { return s.errs }
func (s *chanSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type countingMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
}

func (m *countingMetrics) Counter(name string, value int64, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int64)
	}
	m.counters[name] += value
}
func (m *countingMetrics) Gauge(string, float64, map[string]string)       {}
func (m *countingMetrics) Histogram(string, float64, map[string]string)   {}
func (m *countingMetrics) Timer(string, time.Duration, map[string]string) {}
func (m *countingMetrics) Flush() error                                   { return nil }
func (m *countingMetrics) Close() error                                   { return nil }

func (m *countingMetrics) get(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

type fixture struct {
	base    string
	paths   layout.Paths
	source  *chanSource
	probe   *gpu.StaticProbe
	arbiter *gpu.Arbiter
	metrics *countingMetrics
	lane    *Lane

	mu      sync.Mutex
	history []status.Record
}

type fixtureOption func(*activity.Definition, *[]gpu.Option, *[]Option)

func newFixture(t *testing.T, script string, opts ...fixtureOption) *fixture {
	t.Helper()
	return newFixtureAt(t, t.TempDir(), script, opts...)
}

func newFixtureAt(t *testing.T, base, script string, opts ...fixtureOption) *fixture {
	t.Helper()

	l := layout.New(base)
	logger, _ := test.NewNullLogger()
	require.NoError(t, layout.Bootstrap(l, []string{"caption"}, -1, logrus.NewEntry(logger)))

	f := &fixture{
		base:    base,
		paths:   l.For("caption"),
		source:  newChanSource(),
		probe:   gpu.NewStaticProbe(2),
		metrics: &countingMetrics{},
	}
	require.NoError(t, os.WriteFile(f.paths.Script, []byte("#!/bin/sh\n"+script), 0o755))

	def := activity.Definition{
		Name:          "caption",
		Script:        f.paths.Script,
		Wants:         activity.KindSet{activity.KindAudio, activity.KindVideo},
		ProgressRegex: `(\d+%)`,
		GPUs:          1,
	}
	arbiterOpts := []gpu.Option{gpu.WithLogger(logrus.NewEntry(logger)), gpu.WithPollInterval(10 * time.Millisecond)}
	laneOpts := []Option{
		WithLogger(logrus.NewEntry(logger)),
		WithMetrics(f.metrics),
		WithOwnerLookup(func(string) (string, error) { return "alice", nil }),
	}
	for _, opt := range opts {
		opt(&def, &arbiterOpts, &laneOpts)
	}

	reporter := status.NewReporter(status.Config{
		Activity:   "caption",
		WatchDir:   f.paths.Watch,
		StatusPath: f.paths.Status,
		QueuePath:  f.paths.Queue,
		Owner:      status.NoChown,
	}, status.WithLogger(logrus.NewEntry(logger)), status.WithOnChange(func(r status.Record) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.history = append(f.history, r)
	}))

	f.arbiter = gpu.NewArbiter(f.probe, nil, arbiterOpts...)
	f.lane = New(Config{
		Activity: def,
		Paths:    f.paths,
		Source:   f.source,
		Arbiter:  f.arbiter,
		Runner:   runner.New(),
		Reporter: reporter,
	}, laneOpts...)
	return f
}

func (f *fixture) upload(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(f.paths.Watch, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func (f *fixture) phases() []status.Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	phases := make([]status.Phase, len(f.history))
	for i, r := range f.history {
		phases[i] = r.Phase
	}
	return phases
}

func (f *fixture) last() status.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.history) == 0 {
		return status.Record{}
	}
	return f.history[len(f.history)-1]
}

func writeClose(path string) watch.Event {
	return watch.Event{Op: watch.OpWriteClose, Paths: []string{path}}
}

func TestHandle_DeliversJob(t *testing.T) {
	f := newFixture(t, `echo "$1 $2" > args
echo "transcribing 50%"
echo "transcribing 100%"
`)
	src := f.upload(t, "clip.mp4", mp4)

	f.lane.Handle(context.Background(), writeClose(src))

	assert.Equal(t, []status.Phase{
		status.PhaseStarting,
		status.PhaseRunning,
		status.PhaseRunning,
		status.PhaseCleanup,
		status.PhaseIdle,
	}, f.phases())
	assert.Equal(t, "caption - Idle:", f.last().String())

	data, err := os.ReadFile(f.paths.Status)
	require.NoError(t, err)
	assert.Equal(t, "caption - Idle:\n", string(data))

	delivered := filepath.Join(f.base, "distributor", "caption", "alice")
	assert.FileExists(t, filepath.Join(delivered, "clip.mp4"))
	args, err := os.ReadFile(filepath.Join(delivered, "args"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.base, "work", "alice_clip", "clip.mp4")+" 0\n", string(args))

	assert.NoFileExists(t, src)
	assert.NoDirExists(t, filepath.Join(f.base, "work", "alice_clip"))
	assert.Equal(t, int64(1), f.metrics.get("srvrs.jobs.accepted"))
	assert.Equal(t, int64(1), f.metrics.get("srvrs.jobs.completed"))
}

func TestHandle_RelativeBaseDir(t *testing.T) {
	root := t.TempDir()
	t.Chdir(root)

	f := newFixtureAt(t, "srv", `echo "$1" > args
wc -c < "$1" > size
echo "50%"
`)
	src := f.upload(t, "clip.mp4", mp4)

	f.lane.Handle(context.Background(), writeClose(src))

	assert.Equal(t, []status.Phase{
		status.PhaseStarting,
		status.PhaseRunning,
		status.PhaseCleanup,
		status.PhaseIdle,
	}, f.phases())

	delivered := filepath.Join(root, "srv", "distributor", "caption", "alice")
	args, err := os.ReadFile(filepath.Join(delivered, "args"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "srv", "work", "alice_clip", "clip.mp4")+"\n", string(args))
	size, err := os.ReadFile(filepath.Join(delivered, "size"))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(len(mp4)), strings.TrimSpace(string(size)))
}

func TestHandle_ProgressDetail(t *testing.T) {
	f := newFixture(t, "echo 'epoch 3 loss 0.2 at 42%'\n")
	f.lane.Handle(context.Background(), writeClose(f.upload(t, "clip.mp4", mp4)))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.history, 4)
	assert.Equal(t, "clip.mp4 on GPU 0", f.history[0].Detail)
	assert.Equal(t, status.Record{Activity: "caption", Phase: status.PhaseRunning, Detail: "42%"}, f.history[1])
}

func TestHandle_RejectsUnsupportedKind(t *testing.T) {
	f := newFixture(t, "touch ran\n")
	src := f.upload(t, "notes.txt", []byte("meeting notes\nsecond line\n"))

	f.lane.Handle(context.Background(), writeClose(src))

	assert.NoFileExists(t, src)
	entries, err := os.ReadDir(filepath.Join(f.base, "work"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	rec, err := status.ReadStatus(f.paths.Status)
	require.NoError(t, err)
	assert.Equal(t, status.PhaseError, rec.Phase)
	assert.Contains(t, rec.Detail, "unsupported file kind Text")
	assert.Equal(t, []status.Phase{status.PhaseError}, f.phases())
	assert.Equal(t, int64(1), f.metrics.get("srvrs.jobs.rejected"))
}

func TestHandle_RejectsSymlink(t *testing.T) {
	f := newFixture(t, "cat \"$1\" > leaked\n")
	target := filepath.Join(t.TempDir(), "private.mp4")
	require.NoError(t, os.WriteFile(target, mp4, 0o600))
	link := filepath.Join(f.paths.Watch, "clip.mp4")
	require.NoError(t, os.Symlink(target, link))

	f.lane.Handle(context.Background(), writeClose(link))

	assert.Equal(t, []status.Phase{status.PhaseError}, f.phases())
	assert.Contains(t, f.last().Detail, "clip.mp4: not a regular file")
	_, err := os.Lstat(link)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.FileExists(t, target)

	entries, err := os.ReadDir(filepath.Join(f.base, "work"))
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoDirExists(t, filepath.Join(f.base, "distributor", "caption", "alice"))
	assert.Equal(t, int64(1), f.metrics.get("srvrs.jobs.rejected"))
}

func TestStage_RejectsSwappedUpload(t *testing.T) {
	f := newFixture(t, "true\n")
	target := filepath.Join(t.TempDir(), "private.mp4")
	require.NoError(t, os.WriteFile(target, mp4, 0o600))
	link := filepath.Join(f.paths.Watch, "clip.mp4")
	require.NoError(t, os.Symlink(target, link))

	j := &job{ID: "job", Source: link, Name: "clip.mp4", Stem: "clip", Owner: "alice"}
	err := f.lane.stage(j)
	require.Error(t, err)
	assert.True(t, srvrserrors.IsCode(err, srvrserrors.CodeInvalidName))
	assert.False(t, j.Staged)

	assert.NoDirExists(t, filepath.Join(f.base, "work", "alice_clip"))
	assert.FileExists(t, target)
}

func TestHandle_ScriptFailureLeavesWorkDir(t *testing.T) {
	f := newFixture(t, "echo 'halfway 50%'\necho partial > out.txt\nexit 2\n")
	src := f.upload(t, "clip.mp4", mp4)

	f.lane.Handle(context.Background(), writeClose(src))

	work := filepath.Join(f.base, "work", "alice_clip")
	assert.FileExists(t, filepath.Join(work, "clip.mp4"))
	assert.FileExists(t, filepath.Join(work, "out.txt"))
	assert.NoDirExists(t, filepath.Join(f.base, "distributor", "caption", "alice"))

	assert.Equal(t, []status.Phase{status.PhaseStarting, status.PhaseRunning, status.PhaseError}, f.phases())
	assert.Contains(t, f.last().Detail, "clip.mp4:")
	assert.Equal(t, int64(1), f.metrics.get("srvrs.jobs.failed"))

	// the accelerator is handed back even though the job failed
	states, err := f.arbiter.Snapshot(context.Background())
	require.NoError(t, err)
	for _, s := range states {
		assert.Empty(t, s.Holder, "gpu %d", s.Index)
	}
}

func TestHandle_WorkDirCollision(t *testing.T) {
	f := newFixture(t, "touch ran\n")
	require.NoError(t, os.Mkdir(filepath.Join(f.base, "work", "alice_clip"), 0o755))
	src := f.upload(t, "clip.mp4", mp4)

	f.lane.Handle(context.Background(), writeClose(src))

	assert.NoFileExists(t, src)
	entries, err := os.ReadDir(filepath.Join(f.base, "work", "alice_clip"))
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, status.PhaseError, f.last().Phase)
	assert.Contains(t, f.last().Detail, "already exists")
}

func TestHandle_ReserveTimeoutParksUpload(t *testing.T) {
	f := newFixture(t, "touch ran\n", func(_ *activity.Definition, g *[]gpu.Option, _ *[]Option) {
		*g = append(*g, gpu.WithTimeout(40*time.Millisecond))
	})
	f.probe.SetWorkloads(func(int) int { return 1 })
	src := f.upload(t, "clip.mp4", mp4)

	f.lane.Handle(context.Background(), writeClose(src))

	work := filepath.Join(f.base, "work", "alice_clip")
	assert.FileExists(t, filepath.Join(work, "clip.mp4"))
	assert.NoFileExists(t, filepath.Join(work, "ran"))
	assert.NoFileExists(t, src)
	assert.Equal(t, []status.Phase{status.PhaseError}, f.phases())
	assert.Contains(t, f.last().Detail, "could not reserve accelerators in time")
}

func TestHandle_AnySkipsSniffing(t *testing.T) {
	f := newFixture(t, "true\n", func(def *activity.Definition, _ *[]gpu.Option, l *[]Option) {
		def.Wants = activity.KindSet{activity.KindAny}
		def.GPUs = 0
		*l = append(*l, WithSniffer(func(string) (sniff.Result, error) {
			return sniff.Result{}, errors.New("sniffer must not be called")
		}))
	})
	src := f.upload(t, "notes.txt", []byte("anything goes"))

	f.lane.Handle(context.Background(), writeClose(src))

	assert.FileExists(t, filepath.Join(f.base, "distributor", "caption", "alice", "notes.txt"))
	assert.Equal(t, status.PhaseIdle, f.last().Phase)
	assert.Equal(t, "notes.txt", f.history[0].Detail)
}

func TestHandle_OwnerLookupFailure(t *testing.T) {
	f := newFixture(t, "true\n", func(_ *activity.Definition, _ *[]gpu.Option, l *[]Option) {
		*l = append(*l, WithOwnerLookup(func(string) (string, error) {
			return "", errors.New("uid 4242 unknown")
		}))
	})
	src := f.upload(t, "clip.mp4", mp4)

	f.lane.Handle(context.Background(), writeClose(src))

	assert.NoFileExists(t, src)
	assert.Equal(t, status.PhaseError, f.last().Phase)
	assert.Contains(t, f.last().Detail, "uid 4242 unknown")
}

func TestHandle_IgnoresNonQualifyingEvents(t *testing.T) {
	f := newFixture(t, "true\n")
	src := f.upload(t, "clip.mp4", mp4)

	f.lane.Handle(context.Background(), watch.Event{Op: watch.OpCreate, Paths: []string{src}})
	f.lane.Handle(context.Background(), watch.Event{Op: watch.OpWriteClose})
	f.lane.Handle(context.Background(), writeClose(filepath.Join(f.paths.Watch, "gone.mp4")))

	assert.Empty(t, f.phases())
	assert.FileExists(t, src)
}

func TestHandle_FirstPathOnly(t *testing.T) {
	f := newFixture(t, "true\n")
	first := f.upload(t, "clip.mp4", mp4)
	second := f.upload(t, "other.mp4", mp4)

	f.lane.Handle(context.Background(), watch.Event{Op: watch.OpWriteClose, Paths: []string{first, second}})

	assert.NoFileExists(t, first)
	assert.FileExists(t, second)
	assert.Equal(t, status.PhaseIdle, f.last().Phase)
}

func TestRun_ProcessesEventsUntilSourceFails(t *testing.T) {
	f := newFixture(t, "true\n")
	src := f.upload(t, "notes.txt", []byte("plain text\n"))

	done := make(chan error, 1)
	go func() { done <- f.lane.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		rec, err := status.ReadStatus(f.paths.Status)
		return err == nil && rec.Phase == status.PhaseIdle
	}, 5*time.Second, 10*time.Millisecond)
	rec, err := status.ReadStatus(f.paths.Status)
	require.NoError(t, err)
	assert.Equal(t, "Upload a file to "+f.paths.Watch+" to get started.", rec.Detail)

	require.Eventually(t, func() bool {
		queued, err := status.ReadQueue(f.paths.Queue)
		return err == nil && len(queued) == 1 && queued[0] == src
	}, 5*time.Second, 10*time.Millisecond)

	f.source.events <- writeClose(src)
	require.Eventually(t, func() bool {
		return f.last().Phase == status.PhaseError
	}, 5*time.Second, 10*time.Millisecond)

	f.source.errs <- errors.New("inotify queue broke")
	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, srvrserrors.IsFatal(err))
	case <-time.After(5 * time.Second):
		t.Fatal("lane did not stop")
	}

	queued, err := status.ReadQueue(f.paths.Queue)
	require.NoError(t, err)
	assert.Empty(t, queued)
	select {
	case <-f.source.closed:
	default:
		t.Fatal("source not closed")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, "true\n")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.lane.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("lane did not stop")
	}
}

func TestRemoveWorkDir_LogsFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := New(Config{Activity: activity.Definition{Name: "caption"}}, WithLogger(logrus.NewEntry(logger)))

	dir := filepath.Join(t.TempDir(), "alice_clip")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leftover"), nil, 0o644))

	l.removeWorkDir(dir)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, dir, entry.Data["work_dir"])
	assert.Contains(t, entry.Message, "will collide")

	empty := filepath.Join(t.TempDir(), "bob_clip")
	require.NoError(t, os.Mkdir(empty, 0o755))
	l.removeWorkDir(empty)
	assert.NoDirExists(t, empty)
	assert.Len(t, hook.AllEntries(), 1)
}
