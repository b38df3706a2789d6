//go:build !unix

package disk

import "os"

// lockFile is a no-op where fcntl locks are unavailable; writers are then
// only serialised within one process.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
