//go:build windows

package sys

import (
	"os"
	"time"

	"golang.org/x/sys/windows"
)

// AcquireOSFileLock locks the first byte of lockPath with LockFileEx,
// retrying until timeout elapses. Release unlocks, closes and removes the file.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	h := windows.Handle(f.Fd())
	var ov windows.Overlapped
	deadline := time.Now().Add(timeout)
	for {
		err = windows.LockFileEx(h, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &ov)
		if err == nil {
			return func() error {
				_ = windows.UnlockFileEx(h, 0, 1, 0, &ov)
				cerr := f.Close()
				_ = os.Remove(lockPath)
				return cerr
			}, nil
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, err
		}
		time.Sleep(25 * time.Millisecond)
	}
}
