package internal

import (
	"io/fs"
	"os"
)

// PrivateBackupHelper defines the file system operations used by the backup
// and restore engines, allowing them to be mocked in tests.
type PrivateBackupHelper interface {
	Stat(name string) (os.FileInfo, error)
	Lstat(name string) (os.FileInfo, error)
	ReadDir(name string) ([]os.DirEntry, error)
	MkdirAll(path string, perm os.FileMode) error
	CreateTemp(dir, pattern string) (*os.File, error)
	Open(name string) (*os.File, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
	Chmod(name string, mode os.FileMode) error
	WalkDir(root string, fn fs.WalkDirFunc) error
	// FreeBytes reports the space available to unprivileged users on the
	// volume holding path.
	FreeBytes(path string) (uint64, error)
}
