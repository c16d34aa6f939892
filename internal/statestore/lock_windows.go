//go:build windows

package statestore

import (
	"os"

	"golang.org/x/sys/windows"
)

// lockExclusive and lockShared take a whole-file advisory lock via
// LockFileEx. Windows has no direct flock equivalent; LockFileEx over the
// full byte range is the closest match and is what the rest of the
// ecosystem reaches for here.
func lockExclusive(f *os.File) error {
	return lockFileEx(f, windows.LOCKFILE_EXCLUSIVE_LOCK)
}

func lockShared(f *os.File) error {
	return lockFileEx(f, 0)
}

func lockFileEx(f *os.File, flags uint32) error {
	ol := new(windows.Overlapped)
	return windows.LockFileEx(windows.Handle(f.Fd()), flags, 0, ^uint32(0), ^uint32(0), ol)
}

func unlockFile(f *os.File) {
	ol := new(windows.Overlapped)
	windows.UnlockFileEx(windows.Handle(f.Fd()), 0, ^uint32(0), ^uint32(0), ol)
}

// renameOver uses MoveFileEx with MOVEFILE_REPLACE_EXISTING, since a plain
// os.Rename fails on Windows when the destination already exists.
func renameOver(src, dst string) error {
	srcPtr, err := windows.UTF16PtrFromString(src)
	if err != nil {
		return err
	}
	dstPtr, err := windows.UTF16PtrFromString(dst)
	if err != nil {
		return err
	}
	return windows.MoveFileEx(srcPtr, dstPtr, windows.MOVEFILE_REPLACE_EXISTING)
}
