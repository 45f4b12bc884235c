//go:build linux

package watch

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const inotifyMask = unix.IN_CLOSE_WRITE | unix.IN_CREATE | unix.IN_DELETE |
	unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_DELETE_SELF | unix.IN_MOVE_SELF | unix.IN_ONLYDIR

// InotifySource reports true write-close notifications from the kernel.
type InotifySource struct {
	dir    string
	file   *os.File
	events chan Event
	errors chan error
	done   chan struct{}
	once   sync.Once
}

// NewInotifySource starts watching dir.
func NewInotifySource(dir string) (*InotifySource, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("inotify init: %w", err)
	}
	if _, err := unix.InotifyAddWatch(fd, abs, inotifyMask); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to watch directory %s: %w", abs, err)
	}

	s := &InotifySource{
		dir:    abs,
		file:   os.NewFile(uintptr(fd), "inotify"),
		events: make(chan Event, eventBuffer),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
	go s.read()
	return s, nil
}

// Events implements Source.
func (s *InotifySource) Events() <-chan Event { return s.events }

// Errors implements Source.
func (s *InotifySource) Errors() <-chan error { return s.errors }

// Close stops the source. Pending reads return immediately.
func (s *InotifySource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.file.Close()
	})
	return err
}

func (s *InotifySource) read() {
	defer close(s.events)

	var buf [unix.SizeofInotifyEvent * 4096]byte
	for {
		n, err := s.file.Read(buf[:])
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return
			}
			s.fail(fmt.Errorf("inotify read: %w", err))
			return
		}

		var offset uint32
		for offset+unix.SizeofInotifyEvent <= uint32(n) {
			raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			mask := raw.Mask
			nameLen := raw.Len

			var name string
			if nameLen > 0 {
				b := buf[offset+unix.SizeofInotifyEvent : offset+unix.SizeofInotifyEvent+nameLen]
				name = string(bytes.TrimRight(b, "\x00"))
			}
			offset += unix.SizeofInotifyEvent + nameLen

			switch {
			case mask&unix.IN_Q_OVERFLOW != 0:
				if !s.send(Event{Op: OpOther}) {
					return
				}
				continue
			case mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF|unix.IN_IGNORED) != 0:
				s.fail(fmt.Errorf("watch directory %s went away", s.dir))
				return
			}

			ev := Event{Op: classify(mask)}
			if name != "" {
				ev.Paths = []string{filepath.Join(s.dir, name)}
			}
			if !s.send(ev) {
				return
			}
		}
	}
}

func classify(mask uint32) Op {
	switch {
	case mask&unix.IN_CLOSE_WRITE != 0:
		return OpWriteClose
	case mask&unix.IN_CREATE != 0:
		return OpCreate
	case mask&unix.IN_DELETE != 0:
		return OpRemove
	case mask&(unix.IN_MOVED_FROM|unix.IN_MOVED_TO) != 0:
		return OpRename
	default:
		return OpOther
	}
}

func (s *InotifySource) send(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *InotifySource) fail(err error) {
	select {
	case s.errors <- err:
	case <-s.done:
	}
}
