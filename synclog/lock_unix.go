//go:build !windows

package synclog

import (
	"os"
	"syscall"
)

// lockFile takes a blocking exclusive lock on the open file. Released on
// close.
func lockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
}
