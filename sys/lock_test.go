package sys

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeStamp(t *testing.T, lockPath string, pid int, ts time.Time) {
	t.Helper()
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(pid))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(ts.UTC().UnixNano()))
	if err := os.WriteFile(lockPath, buf, 0644); err != nil {
		t.Fatalf("failed to write lock stamp: %v", err)
	}
}

func TestAcquireFileLock_StaleBreak(t *testing.T) {
	base := filepath.Join(t.TempDir(), "manifest.json")
	lockPath := base + ".lock"
	writeStamp(t, lockPath, 99999, time.Now().Add(-2*time.Minute))

	release, err := AcquireFileLock(base, 5, 10*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("expected to acquire lock after breaking stale lock, got: %v", err)
	}
	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("lock file missing after acquire: %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Fatalf("lock file still exists after release")
	}
}

func osLockSupported(t *testing.T) bool {
	t.Helper()
	rel, err := AcquireOSFileLock(filepath.Join(t.TempDir(), "support.lock"), 0)
	if errors.Is(err, ErrOSFileLockNotSupported) {
		return false
	}
	if err != nil {
		t.Fatalf("OS lock on a fresh path failed: %v", err)
	}
	_ = rel()
	return true
}

func TestAcquireFileLock_HeldLockPreventsAcquisition(t *testing.T) {
	base := filepath.Join(t.TempDir(), "manifest.json")
	release, err := AcquireFileLock(base, 0, 10*time.Millisecond, time.Minute)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer release()

	_, err = AcquireFileLock(base, 3, 20*time.Millisecond, time.Minute)
	if err == nil {
		t.Fatalf("expected acquire to fail while the lock is held, but it succeeded")
	}
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got: %v", err)
	}
}

func TestAcquireFileLock_AbandonedFileIsReclaimed(t *testing.T) {
	if !osLockSupported(t) {
		t.Skip("no OS file locking on this platform")
	}
	base := filepath.Join(t.TempDir(), "manifest.json")
	// a fresh stamp from a holder that exited without releasing
	writeStamp(t, base+".lock", 99999, time.Now())

	start := time.Now()
	release, err := AcquireFileLock(base, 2, 10*time.Millisecond, 10*time.Minute)
	if err != nil {
		t.Fatalf("expected to reclaim an abandoned lock file, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("reclaiming took %v, want well under the stale TTL", elapsed)
	}
	if err := release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
}

func TestAcquireExclusiveFile_FreshStampBlocks(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "manifest.json.lock")
	writeStamp(t, lockPath, os.Getpid(), time.Now())

	if _, err := acquireExclusiveFile(lockPath, time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got: %v", err)
	}

	writeStamp(t, lockPath, 99999, time.Now().Add(-2*time.Minute))
	release, err := acquireExclusiveFile(lockPath, time.Minute)
	if err != nil {
		t.Fatalf("expected stale lock to be broken, got: %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Fatalf("lock file still exists after release")
	}
}

func TestAcquireFileLock_SerializesHolders(t *testing.T) {
	base := filepath.Join(t.TempDir(), "manifest.json")

	release, err := AcquireFileLock(base, 0, 10*time.Millisecond, time.Minute)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if _, err := AcquireFileLock(base, 2, 10*time.Millisecond, time.Minute); err == nil {
		t.Fatalf("second acquire succeeded while the first holder was active")
	}
	if err := release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	release2, err := AcquireFileLock(base, 2, 10*time.Millisecond, time.Minute)
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	_ = release2()
}
