package syncio

// SyncDir opens a directory and syncs its contents to disk.
func SyncDir(log Logger, dir string) error {
	// todo: how to sync a directory on windows?
	return nil
}
