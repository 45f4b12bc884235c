package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FSNotifySource is the portable backend. fsnotify does not report when a
// writer closes a file, so a file counts as complete once no write has been
// seen for the settle period and it is still a regular file. Symlinks and
// other special files never qualify.
type FSNotifySource struct {
	dir     string
	watcher *fsnotify.Watcher
	settle  time.Duration

	events chan Event
	errors chan error
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewFSNotifySource starts watching dir.
func NewFSNotifySource(dir string, settle time.Duration) (*FSNotifySource, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	if settle <= 0 {
		settle = DefaultSettle
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsWatcher.Add(abs); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	s := &FSNotifySource{
		dir:     abs,
		watcher: fsWatcher,
		settle:  settle,
		events:  make(chan Event, eventBuffer),
		errors:  make(chan error, 1),
		done:    make(chan struct{}),
		timers:  make(map[string]*time.Timer),
	}
	go s.run()
	return s, nil
}

// Events implements Source.
func (s *FSNotifySource) Events() <-chan Event { return s.events }

// Errors implements Source.
func (s *FSNotifySource) Errors() <-chan error { return s.errors }

// Close stops the source and any pending settle timers.
func (s *FSNotifySource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		for path, timer := range s.timers {
			timer.Stop()
			delete(s.timers, path)
		}
		s.mu.Unlock()
		err = s.watcher.Close()
	})
	return err
}

func (s *FSNotifySource) run() {
	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(event)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			select {
			case s.errors <- fmt.Errorf("fsnotify: %w", err):
			case <-s.done:
			}
			return
		}
	}
}

func (s *FSNotifySource) handle(event fsnotify.Event) {
	path := event.Name

	switch {
	case event.Has(fsnotify.Create):
		s.send(Event{Op: OpCreate, Paths: []string{path}})
		s.arm(path)
	case event.Has(fsnotify.Write):
		s.arm(path)
	case event.Has(fsnotify.Remove):
		s.disarm(path)
		s.send(Event{Op: OpRemove, Paths: []string{path}})
	case event.Has(fsnotify.Rename):
		s.disarm(path)
		s.send(Event{Op: OpRename, Paths: []string{path}})
	default:
		s.send(Event{Op: OpOther, Paths: []string{path}})
	}
}

// arm (re)starts the settle timer of path.
func (s *FSNotifySource) arm(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, exists := s.timers[path]; exists {
		timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(s.settle, func() {
		s.settled(path, timer)
	})
	s.timers[path] = timer
}

func (s *FSNotifySource) disarm(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, exists := s.timers[path]; exists {
		timer.Stop()
		delete(s.timers, path)
	}
}

func (s *FSNotifySource) settled(path string, timer *time.Timer) {
	s.mu.Lock()
	if s.timers[path] != timer {
		// re-armed by a later write
		s.mu.Unlock()
		return
	}
	delete(s.timers, path)
	s.mu.Unlock()

	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	s.send(Event{Op: OpWriteClose, Paths: []string{path}})
}

func (s *FSNotifySource) send(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
