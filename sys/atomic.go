package sys

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to a temporary file in the destination
// directory, syncs and closes it, then renames it over path. Readers observe
// either the old content or the new content, never a partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file %s: %w", tmpPath, err)
	}
	// Close before rename for Windows.
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename %s to %s: %w", tmpPath, path, err)
	}
	return nil
}

// CopyFileAtomic streams src into dst with the same temp-and-rename
// guarantee as WriteFileAtomic.
func CopyFileAtomic(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", dst, err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		return fail(fmt.Errorf("failed to copy %s: %w", src, err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync temp file %s: %w", tmpPath, err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s to %s: %w", tmpPath, dst, err)
	}
	return nil
}

// ReplaceSymlink points linkPath at target. The new link is created under a
// temporary name next to linkPath and renamed over it, so linkPath always
// resolves to either the old or the new target.
func ReplaceSymlink(target, linkPath string) error {
	dir := filepath.Dir(linkPath)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(linkPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to reserve temp name for %s: %w", linkPath, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	if err := os.Remove(tmpPath); err != nil {
		return fmt.Errorf("failed to release temp name %s: %w", tmpPath, err)
	}

	if err := os.Symlink(target, tmpPath); err != nil {
		return fmt.Errorf("failed to create symlink %s -> %s: %w", tmpPath, target, err)
	}
	if err := os.Rename(tmpPath, linkPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename symlink %s to %s: %w", tmpPath, linkPath, err)
	}
	return nil
}
