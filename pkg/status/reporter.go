package status

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	srvrserrors "github.com/srvrs/srvrs/pkg/errors"
)

// Identity is the numeric owner applied to status and queue files.
// A negative id leaves that half of the ownership unchanged.
type Identity struct {
	UID int
	GID int
}

// NoChown keeps whatever ownership the writing process produces.
var NoChown = Identity{UID: -1, GID: -1}

// Config locates one activity's status and queue files.
type Config struct {
	Activity   string
	WatchDir   string
	StatusPath string
	QueuePath  string
	Owner      Identity
	Mode       os.FileMode
}

// Reporter overwrites an activity's status and queue files. Every write is
// best-effort: failures are logged and swallowed.
type Reporter struct {
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	current  Record
	onChange func(Record)
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithLogger sets the entry failures are reported to.
func WithLogger(log *logrus.Entry) Option {
	return func(r *Reporter) {
		r.log = log
	}
}

// WithOnChange registers a callback invoked after every status update with
// the record that was published, whether or not the write succeeded.
func WithOnChange(fn func(Record)) Option {
	return func(r *Reporter) {
		r.onChange = fn
	}
}

// NewReporter creates a reporter in the Idle phase without touching disk.
func NewReporter(cfg Config, opts ...Option) *Reporter {
	if cfg.Mode == 0 {
		cfg.Mode = 0o644
	}
	r := &Reporter{
		cfg:     cfg,
		log:     logrus.NewEntry(logrus.StandardLogger()),
		current: Record{Activity: cfg.Activity, Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Current returns the last published record.
func (r *Reporter) Current() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// SetStatus publishes a new phase and detail for the activity.
func (r *Reporter) SetStatus(phase Phase, detail string) {
	rec := Record{Activity: r.cfg.Activity, Phase: phase, Detail: detail}

	r.mu.Lock()
	prev := r.current.Phase
	r.current = rec
	cb := r.onChange
	r.mu.Unlock()

	if !ValidTransition(prev, phase) {
		r.log.WithFields(logrus.Fields{"from": prev, "to": phase}).Warn("unexpected status transition")
	}

	if err := r.write(r.cfg.StatusPath, rec.String()+"\n"); err != nil {
		r.log.WithError(srvrserrors.Wrap(err, srvrserrors.CodeStatusWrite, "could not update status")).Error("status write failed")
	}

	if cb != nil {
		cb(rec)
	}
}

// RefreshQueue snapshots the watch directory into the queue file, one path
// per line, and returns the number of pending entries (-1 when the
// directory could not be listed).
func (r *Reporter) RefreshQueue() int {
	entries, err := Pending(r.cfg.WatchDir)
	if err != nil {
		r.log.WithError(srvrserrors.Wrap(err, srvrserrors.CodeQueueWrite, "could not list watch dir")).Error("queue refresh failed")
		return -1
	}

	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e)
		sb.WriteByte('\n')
	}
	if err := r.write(r.cfg.QueuePath, sb.String()); err != nil {
		r.log.WithError(srvrserrors.Wrap(err, srvrserrors.CodeQueueWrite, "could not update queue")).Error("queue write failed")
	}
	return len(entries)
}

// Pending lists the entries currently present in dir as full paths,
// sorted by name.
func Pending(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// write replaces path with content via a sibling temp file so readers never
// observe a half-written record.
func (r *Reporter) write(path, content string) error {
	if path == "" {
		return fmt.Errorf("no path configured")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, r.cfg.Mode); err != nil {
		return err
	}
	if r.cfg.Owner.UID >= 0 || r.cfg.Owner.GID >= 0 {
		if err := os.Chown(tmpName, r.cfg.Owner.UID, r.cfg.Owner.GID); err != nil {
			// ownership is best-effort
			r.log.WithError(err).WithField("path", path).Warn("could not chown status file")
		}
	}
	return os.Rename(tmpName, path)
}
