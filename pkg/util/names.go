package util

import (
	"fmt"
	"path/filepath"
	"strings"
)

// FileName returns the last element of path, rejecting names that cannot be
// used to build a work directory.
func FileName(path string) (string, error) {
	name := filepath.Base(path)
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid file name in %q", path)
	}
	return name, nil
}

// Prefix returns the portion of the file name before its first non-leading
// dot: "clip.mp4" -> "clip", "take.tar.gz" -> "take", ".env.local" -> ".env".
func Prefix(path string) (string, error) {
	name, err := FileName(path)
	if err != nil {
		return "", err
	}

	start := 0
	if strings.HasPrefix(name, ".") {
		start = 1
	}
	if i := strings.IndexByte(name[start:], '.'); i >= 0 {
		name = name[:start+i]
	}
	if strings.TrimSpace(name) == "" || name == "." {
		return "", fmt.Errorf("invalid file prefix in %q", path)
	}
	return name, nil
}
