//go:build !unix

package mbox

import "os"

// Advisory locking is only implemented on unix; elsewhere the archive is
// read without a lock.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
