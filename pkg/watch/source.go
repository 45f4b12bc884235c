// Package watch delivers filesystem change notifications for one inbox
// directory, distinguishing a file being created from a file whose writer
// has finished with it.
package watch

import (
	"fmt"
	"strings"
	"time"
)

// Op classifies a notification.
type Op int

const (
	OpOther Op = iota
	// OpCreate means a new entry appeared; its writer may still be busy.
	OpCreate
	// OpWriteClose means a writer closed the file after writing to it.
	OpWriteClose
	OpRemove
	OpRename
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpWriteClose:
		return "write-close"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "other"
	}
}

// Event is one notification. Paths are absolute; an overflow notification
// carries none.
type Event struct {
	Op    Op
	Paths []string
}

// WriteClosed reports whether the event means an upload has finished.
func (e Event) WriteClosed() bool {
	return e.Op == OpWriteClose
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s", e.Op, strings.Join(e.Paths, ","))
}

// Source is a stream of notifications for one directory. Errors on the
// error channel are unrecoverable; the source is unusable afterwards.
type Source interface {
	Events() <-chan Event
	Errors() <-chan error
	Close() error
}

// Backend names accepted by NewSource.
const (
	BackendInotify  = "inotify"
	BackendFSNotify = "fsnotify"
)

// DefaultSettle is how long the fsnotify backend waits after the last write
// before treating a file as complete.
const DefaultSettle = 2 * time.Second

// NewSource watches dir (non-recursively) with the named backend.
func NewSource(backend, dir string, settle time.Duration) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendInotify, "":
		src, err := NewInotifySource(dir)
		if err != nil {
			return nil, err
		}
		return src, nil
	case BackendFSNotify:
		src, err := NewFSNotifySource(dir, settle)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown watch backend %q", backend)
	}
}

// eventBuffer bounds how many notifications may queue while a lane is busy
// with a job.
const eventBuffer = 256
