// Package updater chains release discovery, pre-upgrade backup, version
// installation and activation into a single staged update, and drives
// rollbacks from backup archives.
package updater

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/stackctl/backup"
	"github.com/INLOpen/stackctl/core"
	"github.com/INLOpen/stackctl/hooks"
	"github.com/INLOpen/stackctl/layout"
	"github.com/INLOpen/stackctl/manifest"
	"github.com/INLOpen/stackctl/release"
	"github.com/INLOpen/stackctl/versions"
)

// Fetcher downloads a URL to a local file.
type Fetcher interface {
	Download(ctx context.Context, rawURL, dest string) (int64, error)
}

// Confirmer asks the operator a yes/no question. A nil Confirmer answers no.
type Confirmer func(ctx context.Context, prompt string) (bool, error)

type Options struct {
	Layout      *layout.Layout
	Manifest    *manifest.Store
	Versions    *versions.Manager
	Backups     *backup.Engine
	Source      release.Source
	Fetcher     Fetcher
	Confirm     Confirmer
	HookManager hooks.HookManager
	// TempDir holds downloads until they are installed. Defaults to os.TempDir().
	TempDir string
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// Result describes a finished update.
type Result struct {
	OperationID   string
	Version       string
	Previous      string
	BackupPath    string
	BackupCreated bool
	// Skipped is set when the version was already installed and the
	// operator declined to reinstall it.
	Skipped bool
}

// CheckResult compares the active version with the newest release.
type CheckResult struct {
	Current         string
	Latest          string
	UpdateAvailable bool
	Notes           string
}

type Updater struct {
	layout      *layout.Layout
	manifest    *manifest.Store
	versions    *versions.Manager
	backups     *backup.Engine
	source      release.Source
	fetcher     Fetcher
	confirm     Confirmer
	hookManager hooks.HookManager
	tempDir     string
	logger      *slog.Logger
	tracer      trace.Tracer
}

func New(opts Options) *Updater {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	u := &Updater{
		layout:      opts.Layout,
		manifest:    opts.Manifest,
		versions:    opts.Versions,
		backups:     opts.Backups,
		source:      opts.Source,
		fetcher:     opts.Fetcher,
		confirm:     opts.Confirm,
		hookManager: opts.HookManager,
		tempDir:     opts.TempDir,
		logger:      logger.With("component", "Updater"),
		tracer:      opts.Tracer,
	}
	if u.hookManager == nil {
		u.hookManager = hooks.NewHookManager(logger)
	}
	if u.tracer == nil {
		u.tracer = otel.Tracer("github.com/INLOpen/stackctl/updater")
	}
	return u
}

// update carries the state of one DownloadAndInstall call between stages.
type update struct {
	u       *Updater
	ctx     context.Context
	logger  *slog.Logger
	force   bool
	release *release.Descriptor
	result  *Result
	workDir string
}

// DownloadAndInstall fetches version (the latest release when empty), backs up
// the active version, installs and activates the release. Errors are
// *core.StageError naming the stage that failed. A failed pre-upgrade backup
// is logged and does not stop the update.
func (u *Updater) DownloadAndInstall(ctx context.Context, version string, force bool) (*Result, error) {
	opID := uuid.NewString()
	ctx, span := u.tracer.Start(ctx, "Updater.DownloadAndInstall")
	defer span.End()
	span.SetAttributes(
		attribute.String("update.operation_id", opID),
		attribute.String("update.requested_version", version),
		attribute.Bool("update.force", force),
	)

	up := &update{
		u:      u,
		ctx:    ctx,
		logger: u.logger.With("operation_id", opID),
		force:  force,
		result: &Result{OperationID: opID},
	}
	defer up.cleanup()

	err := up.run(version)
	if err != nil {
		span.RecordError(err)
		stage, _ := core.FailedStage(err)
		up.logger.Error("Update failed.", "stage", stage, "version", up.result.Version, "error", err)
		u.hookManager.Trigger(ctx, hooks.NewPostUpdateFailEvent(hooks.PostUpdateFailPayload{
			Version: up.result.Version,
			Stage:   string(stage),
			Err:     err,
		}))
		return nil, err
	}
	span.SetAttributes(attribute.String("update.version", up.result.Version), attribute.Bool("update.skipped", up.result.Skipped))
	return up.result, nil
}

func (up *update) run(version string) error {
	if err := up.fetch(version); err != nil {
		return core.NewStageError(core.StageFetch, err)
	}
	up.backup()

	proceed, err := up.prepareTarget()
	if err != nil {
		return core.NewStageError(core.StageInstall, err)
	}
	if !proceed {
		up.result.Skipped = true
		up.logger.Info("Version already installed, skipping.", "version", up.result.Version)
		return nil
	}

	artifact, template, err := up.download()
	if err != nil {
		return core.NewStageError(core.StageDownload, err)
	}
	if err := up.u.versions.Install(up.ctx, up.result.Version, artifact, template); err != nil {
		return core.NewStageError(core.StageInstall, err)
	}
	if err := up.u.versions.Activate(up.ctx, up.result.Version); err != nil {
		return core.NewStageError(core.StageActivate, err)
	}
	up.logger.Info("Update complete.", "from", up.result.Previous, "to", up.result.Version)
	return nil
}

func (up *update) fetch(version string) error {
	current, err := up.u.manifest.ActiveVersion()
	if err != nil {
		return err
	}
	up.result.Previous = current

	var desc *release.Descriptor
	if version == "" {
		up.logger.Info("Fetching latest release.")
		desc, err = up.u.source.Latest(up.ctx)
	} else {
		version = core.StripV(version)
		up.logger.Info("Fetching release.", "version", version)
		desc, err = up.u.source.ByTag(up.ctx, version)
	}
	if err != nil {
		return err
	}
	if _, err := core.ParseVersion(desc.Version); err != nil {
		return fmt.Errorf("release %s: %w", desc.Tag, err)
	}
	if desc.ArtifactURL == "" {
		return fmt.Errorf("release %s has no runtime artifact: %w", desc.Version, core.ErrNotFound)
	}
	up.release = desc
	up.result.Version = desc.Version
	return nil
}

func (up *update) backup() {
	current, target := up.result.Previous, up.result.Version
	if current == "" || current == target {
		up.logger.Info("No existing version to back up.")
		return
	}
	p, created, err := up.u.backups.CreatePreUpgradeBackup(up.ctx, current, target)
	if err != nil {
		up.logger.Warn("Could not create pre-upgrade backup, continuing.", "version", current, "error", core.NewStageError(core.StageBackup, err))
		return
	}
	up.result.BackupPath = p
	up.result.BackupCreated = created
	if !created {
		up.logger.Info("Pre-upgrade backup already exists.", "path", p)
	}
}

// prepareTarget clears an existing directory for the target version when the
// update is forced or the operator confirms. It reports whether to proceed.
func (up *update) prepareTarget() (bool, error) {
	v := up.result.Version
	if !up.u.layout.HasVersionDir(v) {
		return true, nil
	}
	if !up.force {
		ok := false
		if up.u.confirm != nil {
			var err error
			ok, err = up.u.confirm(up.ctx, fmt.Sprintf("Version %s is already installed. Reinstall?", v))
			if err != nil {
				return false, err
			}
		}
		if !ok {
			return false, nil
		}
	}
	if err := os.RemoveAll(up.u.layout.VersionDir(v)); err != nil {
		return false, fmt.Errorf("failed to remove existing version %s: %w", v, err)
	}
	return true, nil
}

// download returns the artifact path and, when the release ships one, the
// config template path. A template that fails to download is left out.
func (up *update) download() (artifact, template string, err error) {
	if up.u.tempDir != "" {
		if err := os.MkdirAll(up.u.tempDir, 0755); err != nil {
			return "", "", fmt.Errorf("failed to create download directory: %w", err)
		}
	}
	dir, err := os.MkdirTemp(up.u.tempDir, "stackctl-update-*")
	if err != nil {
		return "", "", fmt.Errorf("failed to create download directory: %w", err)
	}
	up.workDir = dir

	artifact = filepath.Join(dir, filepath.Base(up.release.ArtifactName))
	if _, err := up.u.fetcher.Download(up.ctx, up.release.ArtifactURL, artifact); err != nil {
		return "", "", fmt.Errorf("failed to download %s: %w", up.release.ArtifactName, err)
	}
	if up.release.ConfigTemplateURL == "" {
		return artifact, "", nil
	}
	template = filepath.Join(dir, versions.ConfigTemplateName)
	if _, err := up.u.fetcher.Download(up.ctx, up.release.ConfigTemplateURL, template); err != nil {
		if errors.Is(err, context.Canceled) {
			return "", "", err
		}
		up.logger.Warn("Could not download config template, continuing without it.", "error", err)
		return artifact, "", nil
	}
	return artifact, template, nil
}

func (up *update) cleanup() {
	if up.workDir != "" {
		os.RemoveAll(up.workDir)
	}
}

// RollbackToBackup restores the backup selected for version into the
// installation root and rewrites the launcher.
func (u *Updater) RollbackToBackup(ctx context.Context, version string) (*backup.RestoreResult, error) {
	ctx, span := u.tracer.Start(ctx, "Updater.RollbackToBackup")
	defer span.End()
	version = core.StripV(version)
	span.SetAttributes(attribute.String("version", version))

	p, err := u.backups.GetBackupForRollback(version)
	if err != nil {
		span.RecordError(err)
		return nil, core.NewStageError(core.StageRestore, err)
	}
	u.logger.Info("Rolling back from backup.", "version", version, "backup", filepath.Base(p))

	res, err := u.backups.RestoreFromBackup(ctx, p, u.layout.Root)
	if err != nil {
		span.RecordError(err)
		return nil, core.NewStageError(core.StageRestore, err)
	}
	if err := u.versions.RefreshLauncher(); err != nil {
		span.RecordError(err)
		return nil, core.NewStageError(core.StageRestore, err)
	}
	return res, nil
}

// Check reports whether the newest release is newer than the active version.
func (u *Updater) Check(ctx context.Context) (*CheckResult, error) {
	ctx, span := u.tracer.Start(ctx, "Updater.Check")
	defer span.End()

	current, err := u.manifest.ActiveVersion()
	if err != nil {
		return nil, err
	}
	latest, err := u.source.Latest(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to fetch latest release: %w", err)
	}
	res := &CheckResult{
		Current: current,
		Latest:  latest.Version,
		Notes:   latest.Notes,
	}
	res.UpdateAvailable = current == "" || core.CompareVersions(latest.Version, current) > 0
	span.SetAttributes(attribute.Bool("update.available", res.UpdateAvailable))
	return res, nil
}
