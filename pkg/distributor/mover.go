// Package distributor moves finished jobs out of the hand-off area and
// into their owner's destination.
//
// Lanes deliver a job by renaming its work directory to
// <base>/distributor/<activity>/<owner>. The distributor picks that
// directory up and hands it to a Mover under the name
// srvrs_<activity>_<unix seconds>.
package distributor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Mover transfers one delivered directory to its final place and removes
// it from the hand-off area.
type Mover interface {
	// Move transfers src for owner under name and returns where it went.
	Move(ctx context.Context, src, owner, name string) (string, error)

	// Name identifies the destination kind in logs.
	Name() string
}

// LocalMover renames deliveries into <dest>/<owner>/<name>.
type LocalMover struct {
	dest string
}

// NewLocalMover creates a mover rooted at dest.
func NewLocalMover(dest string) *LocalMover {
	return &LocalMover{dest: dest}
}

// Move implements Mover. The owner directory is created when missing and
// an existing target gets a numeric suffix.
func (m *LocalMover) Move(ctx context.Context, src, owner, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ownerDir := filepath.Join(m.dest, owner)
	if err := os.MkdirAll(ownerDir, 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", ownerDir, err)
	}

	target := filepath.Join(ownerDir, name)
	for i := 1; ; i++ {
		if _, err := os.Lstat(target); os.IsNotExist(err) {
			break
		}
		target = filepath.Join(ownerDir, name+"_"+strconv.Itoa(i))
	}

	if err := os.Rename(src, target); err != nil {
		return "", fmt.Errorf("move %s: %w", src, err)
	}
	return target, nil
}

// Name returns "local".
func (m *LocalMover) Name() string {
	return "local"
}
