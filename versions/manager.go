// Package versions installs, activates and retires version directories and
// keeps the manifest in step with them.
package versions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/stackctl/core"
	"github.com/INLOpen/stackctl/hooks"
	"github.com/INLOpen/stackctl/layout"
	"github.com/INLOpen/stackctl/manifest"
	"github.com/INLOpen/stackctl/provision"
	"github.com/INLOpen/stackctl/sys"
)

// ConfigTemplateName is the release config template kept in a version's build/ dir.
const ConfigTemplateName = "config.yaml"

type Options struct {
	Layout      *layout.Layout
	Manifest    *manifest.Store
	Provisioner provision.Provisioner
	HookManager hooks.HookManager
	// LauncherCommand is the executable inside the runtime that the
	// bin/ launcher execs. Defaults to "stack".
	LauncherCommand string
	Clock           clock.Clock
	Logger          *slog.Logger
	Tracer          trace.Tracer
}

// Status summarizes one installed version.
type Status struct {
	Version     string
	Active      bool
	Provisioned bool
	InstalledAt time.Time
}

type Manager struct {
	layout          *layout.Layout
	manifest        *manifest.Store
	provisioner     provision.Provisioner
	hookManager     hooks.HookManager
	launcherCommand string
	clock           clock.Clock
	logger          *slog.Logger
	tracer          trace.Tracer
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Manager{
		layout:          opts.Layout,
		manifest:        opts.Manifest,
		provisioner:     opts.Provisioner,
		hookManager:     opts.HookManager,
		launcherCommand: opts.LauncherCommand,
		clock:           opts.Clock,
		logger:          logger.With("component", "VersionManager"),
		tracer:          opts.Tracer,
	}
	if m.hookManager == nil {
		m.hookManager = hooks.NewHookManager(logger)
	}
	if m.clock == nil {
		m.clock = clock.WallClock
	}
	if m.launcherCommand == "" {
		m.launcherCommand = "stack"
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer("github.com/INLOpen/stackctl/versions")
	}
	return m
}

// Install creates versions/<v>, caches the artifact under artifact/ and the
// optional config template under build/, provisions the runtime and records
// the version as available. An already active entry keeps its status.
func (m *Manager) Install(ctx context.Context, version, artifactPath, configTemplatePath string) (err error) {
	ctx, span := m.tracer.Start(ctx, "VersionManager.Install")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("version", version))

	if _, err := core.ParseVersion(version); err != nil {
		return err
	}
	if err := m.layout.EnsureLayout(version); err != nil {
		return err
	}

	cached := filepath.Join(m.layout.ArtifactDir(version), filepath.Base(artifactPath))
	if filepath.Clean(artifactPath) != filepath.Clean(cached) {
		if err := sys.CopyFileAtomic(artifactPath, cached, 0644); err != nil {
			return fmt.Errorf("failed to cache artifact: %w", err)
		}
	}
	if configTemplatePath != "" {
		dst := filepath.Join(m.layout.BuildDir(version), ConfigTemplateName)
		if err := sys.CopyFileAtomic(configTemplatePath, dst, 0644); err != nil {
			return fmt.Errorf("failed to cache config template: %w", err)
		}
	}

	if !m.layout.IsProvisioned(version) {
		if m.provisioner == nil {
			return fmt.Errorf("no provisioner configured: %w", core.ErrProvisionFailed)
		}
		if err := m.provisioner.Provision(ctx, m.layout.VersionDir(version), cached); err != nil {
			return fmt.Errorf("failed to install version %s: %w", version, err)
		}
	}

	if _, err := m.manifest.Update(ctx, func(mf *manifest.Manifest) error {
		if _, ok := mf.Versions[version]; !ok {
			mf.AddVersion(version, manifest.StatusAvailable, m.clock.Now())
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to record version %s: %w", version, err)
	}

	m.logger.Info("Version installed.", "version", version, "artifact", filepath.Base(artifactPath))
	m.hookManager.Trigger(ctx, hooks.NewPostInstallEvent(hooks.PostInstallPayload{
		Version:    version,
		VersionDir: m.layout.VersionDir(version),
	}))
	return nil
}

// Uninstall removes versions/<v> and its manifest entry. The active version
// cannot be uninstalled.
func (m *Manager) Uninstall(ctx context.Context, version string) (err error) {
	ctx, span := m.tracer.Start(ctx, "VersionManager.Uninstall")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("version", version))

	active, err := m.manifest.ActiveVersion()
	if err != nil {
		return err
	}
	if version == active {
		return fmt.Errorf("cannot uninstall %s: %w", version, core.ErrVersionActive)
	}
	if !m.layout.HasVersionDir(version) {
		return fmt.Errorf("version %s: %w", version, core.ErrNotFound)
	}
	if err := m.hookManager.Trigger(ctx, hooks.NewPreUninstallEvent(hooks.PreUninstallPayload{Version: version})); err != nil {
		return fmt.Errorf("uninstall cancelled by pre-hook: %w", err)
	}
	if err := os.RemoveAll(m.layout.VersionDir(version)); err != nil {
		return fmt.Errorf("failed to remove version %s: %w", version, err)
	}
	if err := m.manifest.RemoveVersion(ctx, version); err != nil {
		return err
	}
	m.logger.Info("Version uninstalled.", "version", version)
	m.hookManager.Trigger(ctx, hooks.NewPostUninstallEvent(hooks.PostUninstallPayload{Version: version}))
	return nil
}

// Activate switches the current pointer to v, refreshes the launcher and
// records v as active. Every failure matches core.ErrActivationFailed.
func (m *Manager) Activate(ctx context.Context, version string) (err error) {
	ctx, span := m.tracer.Start(ctx, "VersionManager.Activate")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("version", version))

	if !m.layout.HasVersionDir(version) {
		return fmt.Errorf("%w: version %s: %w", core.ErrActivationFailed, version, core.ErrNotFound)
	}
	if !m.layout.IsProvisioned(version) {
		return fmt.Errorf("%w: version %s: %w", core.ErrActivationFailed, version, core.ErrNotProvisioned)
	}

	from, err := m.manifest.ActiveVersion()
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrActivationFailed, err)
	}
	if err := m.hookManager.Trigger(ctx, hooks.NewPreActivateEvent(hooks.PreActivatePayload{From: from, To: version})); err != nil {
		return fmt.Errorf("%w: cancelled by pre-hook: %w", core.ErrActivationFailed, err)
	}

	if err := m.layout.UpdateCurrent(version); err != nil {
		return fmt.Errorf("%w: %w", core.ErrActivationFailed, err)
	}
	if err := m.RefreshLauncher(); err != nil {
		return fmt.Errorf("%w: %w", core.ErrActivationFailed, err)
	}
	if err := m.manifest.SetActiveVersion(ctx, version); err != nil {
		return fmt.Errorf("%w: %w", core.ErrActivationFailed, err)
	}

	m.logger.Info("Version activated.", "from", from, "to", version)
	m.hookManager.Trigger(ctx, hooks.NewPostActivateEvent(hooks.PostActivatePayload{From: from, To: version}))
	return nil
}

// RefreshLauncher rewrites the bin/ launcher. Restores call it after the
// current pointer has been replaced underneath the manager.
func (m *Manager) RefreshLauncher() error {
	return m.layout.WriteLauncher(m.launcherCommand)
}

// PreviousVersion returns the newest installed version that is not active,
// or core.ErrNotFound.
func (m *Manager) PreviousVersion() (string, error) {
	active, err := m.manifest.ActiveVersion()
	if err != nil {
		return "", err
	}
	installed, err := m.layout.ListInstalledVersions()
	if err != nil {
		return "", err
	}
	for _, v := range installed {
		if v != active {
			return v, nil
		}
	}
	return "", fmt.Errorf("previous version: %w", core.ErrNotFound)
}

// List returns the installed versions, newest first.
func (m *Manager) List() ([]Status, error) {
	installed, err := m.layout.ListInstalledVersions()
	if err != nil {
		return nil, err
	}
	mf, err := m.manifest.Read()
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}
	out := make([]Status, 0, len(installed))
	for _, v := range installed {
		st := Status{Version: v, Provisioned: true}
		if mf != nil {
			st.Active = mf.ActiveVersion == v
			if info, ok := mf.Versions[v]; ok {
				st.InstalledAt = info.InstalledAt
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// CleanupOldVersions keeps the keep newest installed versions, the active
// version always among them and counted toward keep, and uninstalls the
// rest. It returns the versions removed, or the ones that would be removed
// when dryRun is set.
func (m *Manager) CleanupOldVersions(ctx context.Context, keep int, dryRun bool) ([]string, error) {
	ctx, span := m.tracer.Start(ctx, "VersionManager.CleanupOldVersions")
	defer span.End()
	span.SetAttributes(attribute.Int("versions.keep", keep), attribute.Bool("versions.dry_run", dryRun))

	if keep < 1 {
		return nil, &core.ValidationError{Field: "keep", Value: fmt.Sprint(keep), Message: "must be at least 1"}
	}
	installed, err := m.layout.ListInstalledVersions()
	if err != nil {
		return nil, err
	}
	active, err := m.manifest.ActiveVersion()
	if err != nil {
		return nil, err
	}
	if len(installed) <= keep {
		return []string{}, nil
	}

	slots := keep
	if active != "" {
		slots--
	}
	var doomed []string
	for _, v := range installed {
		if v == active {
			continue
		}
		if slots > 0 {
			slots--
			continue
		}
		doomed = append(doomed, v)
	}
	if dryRun {
		return doomed, nil
	}

	removed := []string{}
	var firstErr error
	for _, v := range doomed {
		if err := m.Uninstall(ctx, v); err != nil {
			m.logger.Error("Failed to remove old version.", "version", v, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed = append(removed, v)
	}
	m.hookManager.Trigger(ctx, hooks.NewPostCleanupEvent(hooks.PostCleanupPayload{Removed: removed, DryRun: dryRun}))
	if firstErr != nil {
		span.RecordError(firstErr)
	}
	return removed, firstErr
}
