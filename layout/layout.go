// Package layout owns the on-disk shape of an installation root:
//
//	<root>/versions/<v>/{cli,artifact,build}
//	<root>/current -> versions/<v>
//	<root>/config, <root>/data, <root>/backups, <root>/bin
//	<root>/.stackctl-manifest.json
//
// Version directories never own configuration or data; those live at the
// root and survive every version switch.
package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/INLOpen/stackctl/core"
	"github.com/INLOpen/stackctl/sys"
)

const (
	VersionsDirName = "versions"
	CurrentLinkName = "current"
	ConfigDirName   = "config"
	DataDirName     = "data"
	BackupsDirName  = "backups"
	BinDirName      = "bin"
	ManifestName    = ".stackctl-manifest.json"

	CLIDirName      = "cli"
	VenvDirName     = "venv"
	ArtifactDirName = "artifact"
	BuildDirName    = "build"

	// LauncherName is the wrapper script placed in bin/.
	LauncherName = "stackctl-service"
)

// baseDirs are created by EnsureLayout relative to the root.
var baseDirs = []string{
	VersionsDirName,
	ConfigDirName,
	filepath.Join(ConfigDirName, "traefik"),
	DataDirName,
	filepath.Join(DataDirName, "traefik"),
	filepath.Join(DataDirName, "traefik", "config"),
	filepath.Join(DataDirName, "portainer"),
	filepath.Join(DataDirName, "cloudflared"),
	BinDirName,
	BackupsDirName,
}

// Layout resolves paths inside one installation root.
type Layout struct {
	Root string
}

func New(root string) *Layout {
	return &Layout{Root: root}
}

func (l *Layout) VersionsDir() string { return filepath.Join(l.Root, VersionsDirName) }

func (l *Layout) VersionDir(v string) string { return filepath.Join(l.Root, VersionsDirName, v) }

func (l *Layout) CLIDir(v string) string { return filepath.Join(l.VersionDir(v), CLIDirName) }

// VenvDir is the provisioning marker: a version is runnable once it exists.
func (l *Layout) VenvDir(v string) string { return filepath.Join(l.CLIDir(v), VenvDirName) }

func (l *Layout) ArtifactDir(v string) string { return filepath.Join(l.VersionDir(v), ArtifactDirName) }

func (l *Layout) BuildDir(v string) string { return filepath.Join(l.VersionDir(v), BuildDirName) }

func (l *Layout) CurrentLink() string { return filepath.Join(l.Root, CurrentLinkName) }

func (l *Layout) ConfigDir() string { return filepath.Join(l.Root, ConfigDirName) }

func (l *Layout) DataDir() string { return filepath.Join(l.Root, DataDirName) }

func (l *Layout) BackupsDir() string { return filepath.Join(l.Root, BackupsDirName) }

func (l *Layout) BinDir() string { return filepath.Join(l.Root, BinDirName) }

func (l *Layout) ManifestPath() string { return filepath.Join(l.Root, ManifestName) }

func (l *Layout) LauncherPath() string { return filepath.Join(l.BinDir(), LauncherName) }

// EnsureLayout creates the base skeleton and, when version is non-empty, the
// version's own subdirectories. It is idempotent.
func (l *Layout) EnsureLayout(version string) error {
	dirs := make([]string, 0, len(baseDirs)+3)
	for _, d := range baseDirs {
		dirs = append(dirs, filepath.Join(l.Root, d))
	}
	if version != "" {
		dirs = append(dirs, l.CLIDir(version), l.ArtifactDir(version), l.BuildDir(version))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}
	return nil
}

// UpdateCurrent switches the current pointer to versions/<v>. The link is
// relative so the root can be moved as a unit.
func (l *Layout) UpdateCurrent(v string) error {
	info, err := os.Stat(l.VersionDir(v))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("version directory for %s: %w", v, core.ErrNotFound)
		}
		return fmt.Errorf("failed to stat version directory for %s: %w", v, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("version path %s is not a directory", l.VersionDir(v))
	}
	if err := sys.ReplaceSymlink(filepath.Join(VersionsDirName, v), l.CurrentLink()); err != nil {
		return fmt.Errorf("failed to update current pointer to %s: %w", v, err)
	}
	return nil
}

// CurrentVersion returns the version the current pointer names, or
// core.ErrNotFound when the pointer is absent.
func (l *Layout) CurrentVersion() (string, error) {
	target, err := os.Readlink(l.CurrentLink())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("current pointer: %w", core.ErrNotFound)
		}
		return "", fmt.Errorf("failed to read current pointer: %w", err)
	}
	return filepath.Base(target), nil
}

// ActiveVersionDir resolves the current pointer to an absolute version directory.
func (l *Layout) ActiveVersionDir() (string, error) {
	v, err := l.CurrentVersion()
	if err != nil {
		return "", err
	}
	dir := l.VersionDir(v)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("current pointer names %s: %w", v, core.ErrNotFound)
		}
		return "", err
	}
	return dir, nil
}

// HasVersionDir reports whether versions/<v> exists.
func (l *Layout) HasVersionDir(v string) bool {
	info, err := os.Stat(l.VersionDir(v))
	return err == nil && info.IsDir()
}

// IsProvisioned reports whether the version's runtime environment exists.
func (l *Layout) IsProvisioned(v string) bool {
	info, err := os.Stat(l.VenvDir(v))
	return err == nil && info.IsDir()
}

// ListInstalledVersions returns the provisioned versions, newest first.
// Names that do not parse as versions sort as 0.0.0; ties keep name order.
func (l *Layout) ListInstalledVersions() ([]string, error) {
	entries, err := os.ReadDir(l.VersionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read versions directory: %w", err)
	}

	versions := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if !l.IsProvisioned(name) {
			continue
		}
		versions = append(versions, name)
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return core.CompareVersions(versions[i], versions[j]) > 0
	})
	return versions, nil
}

// WriteLauncher installs the bin/ wrapper that runs the active version's CLI
// through the current pointer, so it never needs rewriting on a switch.
func (l *Layout) WriteLauncher(command string) error {
	if err := os.MkdirAll(l.BinDir(), 0755); err != nil {
		return fmt.Errorf("failed to create bin directory: %w", err)
	}
	target := filepath.Join(l.CurrentLink(), CLIDirName, VenvDirName, "bin", command)
	script := fmt.Sprintf("#!/bin/sh\n# Managed by stackctl. Do not edit.\nexport STACKCTL_ROOT=%q\nexec %q \"$@\"\n", l.Root, target)
	if err := sys.WriteFileAtomic(l.LauncherPath(), []byte(script), 0755); err != nil {
		return fmt.Errorf("failed to write launcher: %w", err)
	}
	return nil
}
