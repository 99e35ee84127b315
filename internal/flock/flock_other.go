//go:build !unix

package flock

import "os"

// Advisory locking is not available; the lock file only marks the directory.
func lockFile(*os.File, bool) error { return nil }

func unlockFile(*os.File) error { return nil }
