//go:build unix

package util

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// Owner returns the login name of the user owning path.
func Owner(path string) (string, error) {
	uid, err := OwnerUID(path)
	if err != nil {
		return "", err
	}

	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return "", fmt.Errorf("no user for uid %d owning %s: %w", uid, path, err)
	}
	return u.Username, nil
}

// OwnerUID returns the numeric owner of path.
func OwnerUID(path string) (uint32, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("no ownership information for %s", path)
	}
	return st.Uid, nil
}

// LookupIDs resolves a user and group name to numeric ids. An empty name
// resolves to -1, which callers treat as "leave unchanged".
func LookupIDs(userName, groupName string) (int, int, error) {
	uid, gid := -1, -1
	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			return -1, -1, fmt.Errorf("lookup user %q: %w", userName, err)
		}
		if uid, err = strconv.Atoi(u.Uid); err != nil {
			return -1, -1, fmt.Errorf("user %q: %w", userName, err)
		}
	}
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return uid, -1, fmt.Errorf("lookup group %q: %w", groupName, err)
		}
		if gid, err = strconv.Atoi(g.Gid); err != nil {
			return uid, -1, fmt.Errorf("group %q: %w", groupName, err)
		}
	}
	return uid, gid, nil
}
