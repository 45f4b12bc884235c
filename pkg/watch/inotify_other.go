//go:build !linux

package watch

import "fmt"

// InotifySource is only available on Linux.
type InotifySource struct{ Source }

// NewInotifySource fails outside Linux; use the fsnotify backend.
func NewInotifySource(dir string) (*InotifySource, error) {
	return nil, fmt.Errorf("inotify backend is linux-only; use %q", BackendFSNotify)
}
