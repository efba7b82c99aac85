package backup

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/INLOpen/stackctl/internal"
)

var _ internal.PrivateBackupHelper = (*helperBackup)(nil)

// helperBackup is the real filesystem.
type helperBackup struct{}

func newHelperBackup() *helperBackup {
	return &helperBackup{}
}

func (h *helperBackup) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func (h *helperBackup) Lstat(name string) (os.FileInfo, error) {
	return os.Lstat(name)
}

func (h *helperBackup) ReadDir(name string) ([]os.DirEntry, error) {
	return os.ReadDir(name)
}

func (h *helperBackup) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (h *helperBackup) CreateTemp(dir, pattern string) (*os.File, error) {
	return os.CreateTemp(dir, pattern)
}

func (h *helperBackup) Open(name string) (*os.File, error) {
	return os.Open(name)
}

func (h *helperBackup) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (h *helperBackup) Remove(name string) error {
	return os.Remove(name)
}

func (h *helperBackup) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(name, mode)
}

func (h *helperBackup) WalkDir(root string, fn fs.WalkDirFunc) error {
	return filepath.WalkDir(root, fn)
}

// FreeBytes walks up to the nearest existing ancestor, since the backup
// directory itself may not exist yet.
func (h *helperBackup) FreeBytes(path string) (uint64, error) {
	p := path
	for {
		if _, err := os.Stat(p); err == nil {
			break
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	usage, err := disk.Usage(p)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
