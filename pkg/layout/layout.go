// Package layout resolves the dispatcher's directory tree under one base
// directory and can create it.
package layout

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Shared directory names under the base directory.
const (
	ScriptsDir     = "scripts"
	StatusDir      = "status"
	QueueDir       = "queue"
	WorkDir        = "work"
	DistributorDir = "distributor"
)

// Directory modes applied by Bootstrap.
const (
	PrivateMode = 0o700
	ReportMode  = 0o740
	InboxMode   = os.ModeSticky | 0o777
)

// Layout is the directory tree rooted at Base.
type Layout struct {
	Base string
}

// New returns the layout rooted at base.
func New(base string) Layout {
	return Layout{Base: filepath.Clean(base)}
}

func (l Layout) Scripts() string     { return filepath.Join(l.Base, ScriptsDir) }
func (l Layout) Status() string      { return filepath.Join(l.Base, StatusDir) }
func (l Layout) Queue() string       { return filepath.Join(l.Base, QueueDir) }
func (l Layout) Work() string        { return filepath.Join(l.Base, WorkDir) }
func (l Layout) Distributor() string { return filepath.Join(l.Base, DistributorDir) }

// Paths are the resolved locations one activity lane reads and writes.
type Paths struct {
	Watch    string
	WorkRoot string
	Status   string
	Queue    string
	Delivery string
	Script   string
}

// For resolves the paths of the named activity.
func (l Layout) For(activity string) Paths {
	return Paths{
		Watch:    filepath.Join(l.Base, activity),
		WorkRoot: l.Work(),
		Status:   filepath.Join(l.Status(), activity),
		Queue:    filepath.Join(l.Queue(), activity),
		Delivery: filepath.Join(l.Distributor(), activity),
		Script:   filepath.Join(l.Scripts(), activity),
	}
}

// JobDir is the private work directory of an upload.
func (p Paths) JobDir(owner, stem string) string {
	return filepath.Join(p.WorkRoot, owner+"_"+stem)
}

// HandoffDir is where a finished job of owner is delivered.
func (p Paths) HandoffDir(owner string) string {
	return filepath.Join(p.Delivery, owner)
}

// Bootstrap creates every directory of the layout for the given activities
// and applies their modes. The status and queue directories are handed to
// gid when it is not negative; a failed chown is logged, not returned.
func Bootstrap(l Layout, activities []string, gid int, log *logrus.Entry) error {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	type dir struct {
		path  string
		mode  os.FileMode
		group bool
	}
	dirs := []dir{
		{l.Scripts(), PrivateMode, false},
		{l.Work(), PrivateMode, false},
		{l.Distributor(), PrivateMode, false},
		{l.Status(), ReportMode, true},
		{l.Queue(), ReportMode, true},
	}
	for _, name := range activities {
		p := l.For(name)
		dirs = append(dirs,
			dir{p.Watch, InboxMode, false},
			dir{p.Delivery, PrivateMode, false},
		)
	}

	for _, d := range dirs {
		if err := os.MkdirAll(d.path, d.mode.Perm()); err != nil {
			return fmt.Errorf("create %s: %w", d.path, err)
		}
		if err := os.Chmod(d.path, d.mode); err != nil {
			return fmt.Errorf("chmod %s: %w", d.path, err)
		}
		if d.group && gid >= 0 {
			if err := os.Chown(d.path, -1, gid); err != nil {
				log.WithError(err).WithField("dir", d.path).Warn("could not hand directory to service group")
			}
		}
		log.WithField("dir", d.path).Debug("directory ready")
	}
	return nil
}
