// +build !windows

package util

import (
	"golang.org/x/sys/unix"
)

// Writable returns nil if the current process may create files in dir.
func Writable(dir string) error {
	return unix.Access(dir, unix.W_OK|unix.X_OK)
}
