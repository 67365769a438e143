package synclog

import (
	"os"
)

// lockFile takes a blocking exclusive lock on the open file.
func lockFile(f *os.File) error {
	// todo: use LockFileEx on windows.
	return nil
}
