//go:build !windows

package osutils

import "golang.org/x/sys/unix"

// IsElevated reports whether the process runs with an effective uid of root.
func IsElevated() bool {
	return unix.Geteuid() == 0
}
