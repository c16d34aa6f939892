//go:build !windows

package statestore

import (
	"os"

	"golang.org/x/sys/unix"
)

func lockExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

func lockShared(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_SH)
}

func unlockFile(f *os.File) {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// renameOver is a plain rename on POSIX: the kernel guarantees it is
// atomic with respect to concurrent readers of the destination path.
func renameOver(src, dst string) error {
	return os.Rename(src, dst)
}
