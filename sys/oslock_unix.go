//go:build unix

package sys

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// AcquireOSFileLock takes a non-blocking flock on lockPath, retrying until
// timeout elapses. Release removes the file before unlocking, so a lock is
// only valid while the path still names the locked inode.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, err
		}
		fd := int(f.Fd())
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil && sameFile(fd, lockPath) {
			return func() error {
				_ = os.Remove(lockPath)
				_ = unix.Flock(fd, unix.LOCK_UN)
				return f.Close()
			}, nil
		}
		if err == nil {
			// previous holder unlinked the path between our open and flock
			_ = unix.Flock(fd, unix.LOCK_UN)
			err = unix.EWOULDBLOCK
		}
		_ = f.Close()
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func sameFile(fd int, path string) bool {
	var held, named unix.Stat_t
	if err := unix.Fstat(fd, &held); err != nil {
		return false
	}
	if err := unix.Stat(path, &named); err != nil {
		return false
	}
	return held.Dev == named.Dev && held.Ino == named.Ino
}
