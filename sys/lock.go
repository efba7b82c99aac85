package sys

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrLockHeld is returned when the lock is still held by another writer after
// all retries are exhausted.
var ErrLockHeld = errors.New("lock is held by another process")

// ErrOSFileLockNotSupported makes AcquireFileLock fall back to O_EXCL lock files.
var ErrOSFileLockNotSupported = errors.New("OS file locking not supported on this platform")

// DefaultLockStaleTTL is used by callers that do not configure their own TTL.
var DefaultLockStaleTTL = 30 * time.Second

// lockStamp is the owner record written into a lock file: pid followed by a
// unix-nano timestamp, little endian.
type lockStamp struct {
	pid int
	ts  int64
}

func newLockStamp() lockStamp {
	return lockStamp{pid: os.Getpid(), ts: time.Now().UTC().UnixNano()}
}

func (s lockStamp) encode() []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(s.pid))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(s.ts))
	return buf
}

func readLockStamp(lockPath string) (lockStamp, bool) {
	b, err := os.ReadFile(lockPath)
	if err != nil || len(b) < 12 {
		return lockStamp{}, false
	}
	return lockStamp{
		pid: int(binary.LittleEndian.Uint32(b[0:4])),
		ts:  int64(binary.LittleEndian.Uint64(b[4:12])),
	}, true
}

// lockAge uses the recorded timestamp when readable, otherwise the file modtime.
func lockAge(lockPath string, info os.FileInfo) time.Duration {
	now := time.Now().UTC()
	if s, ok := readLockStamp(lockPath); ok && s.ts > 0 {
		return now.Sub(time.Unix(0, s.ts))
	}
	return now.Sub(info.ModTime())
}

// AcquireFileLock takes an exclusive advisory lock on path + ".lock". It
// prefers the platform lock (flock / LockFileEx), which the OS drops when the
// holder exits, so a lock file left by a crashed process is reclaimed at once.
// Without platform locking it falls back to an O_EXCL create; there a lock
// file older than staleTTL is treated as abandoned and removed, and
// staleTTL <= 0 disables stale breaking. The returned release function
// removes the lock file only while it still holds this caller's stamp.
func AcquireFileLock(path string, maxRetries int, retryInterval time.Duration, staleTTL time.Duration) (func() error, error) {
	lockPath := path + ".lock"
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		rel, err := AcquireOSFileLock(lockPath, 0)
		if err == nil {
			_ = os.WriteFile(lockPath, newLockStamp().encode(), 0644)
			return rel, nil
		}
		if !errors.Is(err, ErrOSFileLockNotSupported) {
			lastErr = ErrLockHeld
			if _, statErr := os.Stat(lockPath); statErr != nil && !os.IsNotExist(statErr) {
				lastErr = err
			}
			time.Sleep(retryInterval)
			continue
		}

		rel, err = acquireExclusiveFile(lockPath, staleTTL)
		if err == nil {
			return rel, nil
		}
		lastErr = err
		time.Sleep(retryInterval)
	}
	if lastErr == nil {
		lastErr = ErrLockHeld
	}
	return nil, fmt.Errorf("failed to acquire lock %s: %w", lockPath, lastErr)
}

// acquireExclusiveFile makes one O_EXCL attempt, breaking a lock file older
// than staleTTL first.
func acquireExclusiveFile(lockPath string, staleTTL time.Duration) (func() error, error) {
	if info, err := os.Stat(lockPath); err == nil {
		if staleTTL <= 0 || lockAge(lockPath, info) <= staleTTL {
			return nil, ErrLockHeld
		}
		_ = os.Remove(lockPath)
		time.Sleep(10 * time.Millisecond)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLockHeld
		}
		return nil, err
	}
	stamp := newLockStamp()
	_, _ = f.Write(stamp.encode())
	f.Close()
	return func() error {
		current, ok := readLockStamp(lockPath)
		if !ok {
			// missing or unreadable owner record; leave it for the stale breaker
			return nil
		}
		if current != stamp {
			return nil
		}
		return os.Remove(lockPath)
	}, nil
}
