// Package backup creates, lists, verifies, restores and prunes backup
// archives of an installation's configuration and data.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/stackctl/archive"
	"github.com/INLOpen/stackctl/core"
	"github.com/INLOpen/stackctl/hooks"
	"github.com/INLOpen/stackctl/internal"
	"github.com/INLOpen/stackctl/layout"
	"github.com/INLOpen/stackctl/manifest"
	"github.com/INLOpen/stackctl/provision"
)

// DefaultDataPaths are the data paths captured by a backup, relative to
// the installation root. Logs and caches under data/ are left out.
var DefaultDataPaths = []string{
	"data/traefik/acme.json",
	"data/traefik/traefik.yml",
	"data/traefik/config",
	"data/portainer",
	"data/cloudflared",
}

// Options configures an Engine.
type Options struct {
	Layout   *layout.Layout
	Manifest *manifest.Store
	// Provisioner rebuilds a version's runtime during restore when needed.
	Provisioner provision.Provisioner

	ManagerVersion string
	DataPaths      []string
	// MinFreeBytes must remain free on the backup volume after the archive
	// is written, estimated from the uncompressed input size.
	MinFreeBytes uint64
	// ProbeConcurrency bounds the parallel metadata reads in ListBackups.
	ProbeConcurrency int

	HookManager hooks.HookManager
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Clock       clock.Clock
}

// CreateOptions selects what CreateBackup writes.
type CreateOptions struct {
	// Version defaults to the active version.
	Version string
	Reason  string
	// Suffix selects "<v>-<n>.tar.gz"; nil selects the base name.
	Suffix *int
	Extra  map[string]string
	// OutputPath overrides the location under the backups directory.
	OutputPath string
}

// Info describes one backup found by ListBackups.
type Info struct {
	Path     string
	Filename string
	Version  string
	// Suffix is 0 for a base backup.
	Suffix    int
	Size      int64
	CreatedAt time.Time
	Reason    string
	// Metadata is nil when the archive could not be read.
	Metadata *Metadata
}

type Engine struct {
	layout         *layout.Layout
	manifest       *manifest.Store
	provisioner    provision.Provisioner
	managerVersion string
	dataPaths      []string
	minFreeBytes   uint64
	concurrency    int

	hookManager hooks.HookManager
	logger      *slog.Logger
	tracer      trace.Tracer
	clock       clock.Clock
	wrapper     internal.PrivateBackupHelper
}

func NewEngine(opts Options) *Engine {
	return NewEngineWithTesting(opts, nil)
}

// NewEngineWithTesting substitutes the filesystem helper.
func NewEngineWithTesting(opts Options, wrapper internal.PrivateBackupHelper) *Engine {
	if wrapper == nil {
		wrapper = newHelperBackup()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		layout:         opts.Layout,
		manifest:       opts.Manifest,
		provisioner:    opts.Provisioner,
		managerVersion: opts.ManagerVersion,
		dataPaths:      opts.DataPaths,
		minFreeBytes:   opts.MinFreeBytes,
		concurrency:    opts.ProbeConcurrency,
		hookManager:    opts.HookManager,
		logger:         logger.With("component", "BackupEngine"),
		tracer:         opts.Tracer,
		clock:          opts.Clock,
		wrapper:        wrapper,
	}
	if len(e.dataPaths) == 0 {
		e.dataPaths = DefaultDataPaths
	}
	if e.concurrency <= 0 {
		e.concurrency = 4
	}
	if e.hookManager == nil {
		e.hookManager = hooks.NewHookManager(logger)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/INLOpen/stackctl/backup")
	}
	if e.clock == nil {
		e.clock = clock.WallClock
	}
	return e
}

// BackupPath returns where a backup of version with the given suffix lives.
func (e *Engine) BackupPath(version string, suffix int) string {
	return filepath.Join(e.layout.BackupsDir(), Filename(version, suffix))
}

// captured is one member selected for a backup, in archive order.
type captured struct {
	member string
	dir    bool
	src    string
	mode   os.FileMode
	entry  archive.Entry
}

// collector gathers and hashes the files for one backup.
type collector struct {
	e     *Engine
	ctx   context.Context
	items []captured
	files int
	total int64
}

func (c *collector) entries() []archive.Entry {
	out := make([]archive.Entry, 0, c.files)
	for _, it := range c.items {
		if !it.dir {
			out = append(out, it.entry)
		}
	}
	return out
}

func (c *collector) addFile(member, src string, info os.FileInfo) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	size, sum, err := archive.HashFile(src)
	if err != nil {
		return err
	}
	c.items = append(c.items, captured{
		member: member,
		src:    src,
		mode:   info.Mode().Perm(),
		entry:  archive.Entry{Path: member, Size: size, SHA256: sum},
	})
	c.files++
	c.total += size
	return nil
}

// addTree captures every regular file under the root-relative path rel.
// Symlinks and other special files are skipped.
func (c *collector) addTree(rel string) error {
	src := filepath.Join(c.e.layout.Root, filepath.FromSlash(rel))
	info, err := c.e.wrapper.Lstat(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if info.Mode().IsRegular() {
		return c.addFile(rel, src, info)
	}
	if !info.IsDir() {
		return nil
	}
	return c.e.wrapper.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		r, err := filepath.Rel(c.e.layout.Root, p)
		if err != nil {
			return err
		}
		member := filepath.ToSlash(r)
		if d.IsDir() {
			c.items = append(c.items, captured{member: member, dir: true})
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return c.addFile(member, p, fi)
	})
}

func (c *collector) collect(version string) error {
	manifestPath := c.e.layout.ManifestPath()
	if info, err := c.e.wrapper.Stat(manifestPath); err == nil && info.Mode().IsRegular() {
		if err := c.addFile(ManifestMember, manifestPath, info); err != nil {
			return err
		}
	}
	if err := c.addTree(layout.ConfigDirName); err != nil {
		return err
	}
	for _, rel := range c.e.dataPaths {
		if err := c.addTree(path.Clean(filepath.ToSlash(rel))); err != nil {
			return err
		}
	}

	artifactDir := c.e.layout.ArtifactDir(version)
	entries, err := c.e.wrapper.ReadDir(artifactDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read artifact cache %s: %w", artifactDir, err)
	}
	for _, de := range entries {
		if !de.Type().IsRegular() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return err
		}
		member := layout.ArtifactDirName + "/" + de.Name()
		if err := c.addFile(member, filepath.Join(artifactDir, de.Name()), info); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) checkFreeSpace(dir string, need int64) error {
	free, err := e.wrapper.FreeBytes(dir)
	if err != nil {
		e.logger.Warn("Could not determine free disk space, continuing.", "dir", dir, "error", err)
		return nil
	}
	required := e.minFreeBytes + uint64(need)
	if free < required {
		return fmt.Errorf("%w: %d bytes free in %s, need %d", core.ErrInsufficientSpace, free, dir, required)
	}
	return nil
}

// CreateBackup writes a backup archive and returns its path. The archive is
// written under a temporary name and renamed into place once complete.
func (e *Engine) CreateBackup(ctx context.Context, opts CreateOptions) (backupPath string, err error) {
	ctx, span := e.tracer.Start(ctx, "BackupEngine.CreateBackup")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	version := opts.Version
	if version == "" {
		active, err := e.manifest.ActiveVersion()
		if err != nil {
			return "", fmt.Errorf("failed to read active version: %w", err)
		}
		if active == "" {
			return "", core.ErrNoActiveVersion
		}
		version = active
	}
	reason := opts.Reason
	if reason == "" {
		reason = ReasonManual
	}
	backupPath = opts.OutputPath
	if backupPath == "" {
		suffix := 0
		if opts.Suffix != nil {
			suffix = *opts.Suffix
		}
		backupPath = e.BackupPath(version, suffix)
	}
	extra := map[string]string{}
	for k, v := range opts.Extra {
		extra[k] = v
	}
	span.SetAttributes(
		attribute.String("backup.version", version),
		attribute.String("backup.reason", reason),
		attribute.String("backup.path", backupPath),
	)

	preEvent := hooks.NewPreCreateBackupEvent(hooks.PreCreateBackupPayload{
		Version:    version,
		Reason:     reason,
		OutputPath: backupPath,
		Extra:      extra,
	})
	if err := e.hookManager.Trigger(ctx, preEvent); err != nil {
		return "", fmt.Errorf("backup cancelled by pre-hook: %w", err)
	}

	c := &collector{e: e, ctx: ctx}
	if err := c.collect(version); err != nil {
		return "", fmt.Errorf("failed to collect backup contents: %w", err)
	}

	outDir := filepath.Dir(backupPath)
	if err := e.wrapper.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory %s: %w", outDir, err)
	}
	if err := e.checkFreeSpace(outDir, c.total); err != nil {
		return "", err
	}

	now := e.clock.Now().UTC()
	meta := Metadata{
		SchemaVersion:    MetadataSchemaVersion,
		CreatedAt:        now,
		Version:          version,
		ManagerVersion:   e.managerVersion,
		Reason:           reason,
		InstallationRoot: e.layout.Root,
		Extra:            extra,
	}
	meta.Files = c.entries()

	if err := e.writeArchive(backupPath, now, &meta, c); err != nil {
		return "", err
	}

	var size int64
	if info, statErr := e.wrapper.Stat(backupPath); statErr == nil {
		size = info.Size()
	}
	e.logger.Info("Backup created.", "path", backupPath, "version", version, "reason", reason, "files", c.files, "size", size)
	e.hookManager.Trigger(ctx, hooks.NewPostCreateBackupEvent(hooks.PostCreateBackupPayload{
		Version: version,
		Reason:  reason,
		Path:    backupPath,
		Size:    size,
	}))
	return backupPath, nil
}

func (e *Engine) writeArchive(backupPath string, now time.Time, meta *Metadata, c *collector) (err error) {
	tmp, err := e.wrapper.CreateTemp(filepath.Dir(backupPath), filepath.Base(backupPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary backup file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			e.wrapper.Remove(tmpName)
		}
	}()

	w, err := archive.NewWriter(tmp, now)
	if err != nil {
		return err
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode backup metadata: %w", err)
	}
	if err := w.AddBytes(MetadataMember, metaJSON, 0644); err != nil {
		return err
	}
	for _, it := range c.items {
		if err := c.ctx.Err(); err != nil {
			return err
		}
		if it.dir {
			err = w.AddDir(it.member, 0755)
		} else {
			err = w.AddFile(it.member, it.src, it.entry.Size, it.mode)
		}
		if err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync backup file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close backup file: %w", err)
	}
	// Backups carry certificates and tokens.
	if err := e.wrapper.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("failed to set backup permissions: %w", err)
	}
	if err := e.wrapper.Rename(tmpName, backupPath); err != nil {
		return fmt.Errorf("failed to move backup into place: %w", err)
	}
	return nil
}

// CreatePreUpgradeBackup captures the state of current before upgrading to
// target. An existing base backup of current is kept and created is false.
func (e *Engine) CreatePreUpgradeBackup(ctx context.Context, current, target string) (backupPath string, created bool, err error) {
	backupPath = e.BackupPath(current, 0)
	if _, statErr := e.wrapper.Stat(backupPath); statErr == nil {
		e.logger.Info("Pre-upgrade backup already exists, keeping it.", "path", backupPath)
		return backupPath, false, nil
	}
	p, err := e.CreateBackup(ctx, CreateOptions{
		Version:    current,
		Reason:     ReasonPreUpgrade,
		Extra:      map[string]string{ExtraUpgradedTo: target},
		OutputPath: backupPath,
	})
	if err != nil {
		return "", false, err
	}
	return p, true, nil
}

// CreatePostSetupBackup writes the next numbered backup of version.
func (e *Engine) CreatePostSetupBackup(ctx context.Context, version string) (string, error) {
	return e.createNumbered(ctx, version, ReasonPostSetup)
}

// CreateManualBackup writes the next numbered backup of version, or of the
// active version when version is empty.
func (e *Engine) CreateManualBackup(ctx context.Context, version string) (string, error) {
	if version == "" {
		active, err := e.manifest.ActiveVersion()
		if err != nil {
			return "", err
		}
		if active == "" {
			return "", core.ErrNoActiveVersion
		}
		version = active
	}
	return e.createNumbered(ctx, version, ReasonManual)
}

func (e *Engine) createNumbered(ctx context.Context, version, reason string) (string, error) {
	suffix, err := e.NextSuffix(version)
	if err != nil {
		return "", err
	}
	p := e.BackupPath(version, suffix)
	if _, err := e.wrapper.Stat(p); err == nil {
		return "", fmt.Errorf("backup %s already exists: %w", filepath.Base(p), os.ErrExist)
	}
	return e.CreateBackup(ctx, CreateOptions{Version: version, Reason: reason, Suffix: &suffix})
}

// NextSuffix returns one more than the highest suffix in use for version,
// or 1 when there is none. Gaps are not reused.
func (e *Engine) NextSuffix(version string) (int, error) {
	entries, err := e.wrapper.ReadDir(e.layout.BackupsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 1, nil
		}
		return 0, fmt.Errorf("failed to read backups directory: %w", err)
	}
	highest := 0
	for _, de := range entries {
		v, suffix, ok := ParseFilename(de.Name())
		if ok && v == version && suffix > highest {
			highest = suffix
		}
	}
	return highest + 1, nil
}

// GetBackupForRollback prefers the base backup of version and otherwise the
// highest numbered one.
func (e *Engine) GetBackupForRollback(version string) (string, error) {
	base := e.BackupPath(version, 0)
	if _, err := e.wrapper.Stat(base); err == nil {
		return base, nil
	}
	entries, err := e.wrapper.ReadDir(e.layout.BackupsDir())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read backups directory: %w", err)
	}
	best := 0
	for _, de := range entries {
		v, suffix, ok := ParseFilename(de.Name())
		if ok && v == version && suffix > best {
			best = suffix
		}
	}
	if best == 0 {
		return "", fmt.Errorf("backup for version %s: %w", version, core.ErrNotFound)
	}
	return e.BackupPath(version, best), nil
}

// sortInfos orders newest version first; within a version numbered backups
// come first, highest suffix first, and the base backup last.
func sortInfos(infos []Info) {
	sort.SliceStable(infos, func(i, j int) bool {
		if c := core.CompareVersions(infos[i].Version, infos[j].Version); c != 0 {
			return c > 0
		}
		return infos[i].Suffix > infos[j].Suffix
	})
}
