package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/INLOpen/stackctl/archive"
	"github.com/INLOpen/stackctl/core"
	"github.com/INLOpen/stackctl/hooks"
	"github.com/INLOpen/stackctl/layout"
	"github.com/INLOpen/stackctl/manifest"
)

// RestoreResult reports what RestoreFromBackup did.
type RestoreResult struct {
	Version     string
	TargetRoot  string
	Files       int
	Provisioned bool
}

type restorer struct {
	e           *Engine
	ctx         context.Context
	archivePath string
	targetRoot  string
	layout      *layout.Layout
	store       *manifest.Store
	meta        *Metadata
	result      RestoreResult
	logger      *slog.Logger
}

// RestoreFromBackup restores the archive into targetRoot, or into the
// installation root recorded in the archive when targetRoot is empty. The
// archive is checked in full before anything is written: only the metadata,
// the manifest snapshot, config/, data/ and artifact/<file> members are
// accepted, and any other member fails the restore with
// core.ErrUnexpectedMember.
func (e *Engine) RestoreFromBackup(ctx context.Context, archivePath, targetRoot string) (*RestoreResult, error) {
	ctx, span := e.tracer.Start(ctx, "BackupEngine.RestoreFromBackup")
	defer span.End()
	span.SetAttributes(attribute.String("backup.path", archivePath))

	r := &restorer{
		e:           e,
		ctx:         ctx,
		archivePath: archivePath,
		targetRoot:  targetRoot,
		logger:      e.logger.With("archive", archivePath),
	}
	if err := r.run(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("backup.version", r.result.Version),
		attribute.String("backup.target_root", r.result.TargetRoot),
	)
	return &r.result, nil
}

func (r *restorer) run() error {
	if _, err := r.e.wrapper.Stat(r.archivePath); err != nil {
		return fmt.Errorf("backup %s: %w", r.archivePath, core.ErrNotFound)
	}
	if err := r.scan(); err != nil {
		return err
	}
	if err := r.resolveTarget(); err != nil {
		return err
	}

	if err := r.e.hookManager.Trigger(r.ctx, hooks.NewPreRestoreEvent(hooks.PreRestorePayload{
		ArchivePath: r.archivePath,
		TargetRoot:  r.targetRoot,
		Version:     r.meta.Version,
	})); err != nil {
		return fmt.Errorf("restore cancelled by pre-hook: %w", err)
	}

	r.logger.Info("Starting restore.", "version", r.meta.Version, "target_root", r.targetRoot)
	if err := r.layout.EnsureLayout(r.meta.Version); err != nil {
		return fmt.Errorf("failed to recreate installation layout: %w", err)
	}
	if err := r.extract(); err != nil {
		return err
	}
	if err := r.provisionIfNeeded(); err != nil {
		return err
	}
	if err := r.layout.UpdateCurrent(r.meta.Version); err != nil {
		return fmt.Errorf("failed to point current at %s: %w", r.meta.Version, err)
	}
	if err := r.store.SetActiveVersion(r.ctx, r.meta.Version); err != nil {
		return err
	}

	r.e.hookManager.Trigger(r.ctx, hooks.NewPostRestoreEvent(hooks.PostRestorePayload{
		ArchivePath: r.archivePath,
		TargetRoot:  r.targetRoot,
		Version:     r.meta.Version,
		Provisioned: r.result.Provisioned,
	}))
	r.logger.Info("Restore complete.", "version", r.meta.Version, "files", r.result.Files, "provisioned", r.result.Provisioned)
	return nil
}

// memberTarget classifies a cleaned member name. rel is the destination
// relative to the installation root, or "" for members that are skipped.
func memberTarget(name, version string) (rel string, err error) {
	switch {
	case name == MetadataMember:
		return "", nil
	case name == ManifestMember:
		return layout.ManifestName, nil
	case name == layout.ConfigDirName || strings.HasPrefix(name, layout.ConfigDirName+"/"):
		return name, nil
	case name == layout.DataDirName || strings.HasPrefix(name, layout.DataDirName+"/"):
		return name, nil
	case strings.HasPrefix(name, layout.ArtifactDirName+"/"):
		file := strings.TrimPrefix(name, layout.ArtifactDirName+"/")
		if file == "" || strings.Contains(file, "/") {
			return "", fmt.Errorf("%w: %s", core.ErrUnexpectedMember, name)
		}
		return path.Join(layout.VersionsDirName, version, layout.ArtifactDirName, file), nil
	}
	return "", fmt.Errorf("%w: %s", core.ErrUnexpectedMember, name)
}

// scan reads the metadata and validates every member name and type.
func (r *restorer) scan() error {
	meta, err := readMetadata(r.archivePath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(meta.Version) == "" {
		return fmt.Errorf("backup %s: %w", r.archivePath, core.ErrMissingVersion)
	}
	if !core.IsValidVersion(meta.Version) {
		return fmt.Errorf("%w: invalid version %q in metadata", core.ErrInvalidBackup, meta.Version)
	}
	r.meta = meta

	return r.walk(func(hdr *tar.Header, name, rel string, _ io.Reader) error { return nil })
}

// walk iterates over the archive, validating each member before calling fn
// for members that are restored.
func (r *restorer) walk(fn func(hdr *tar.Header, name, rel string, body io.Reader) error) error {
	f, err := r.e.wrapper.Open(r.archivePath)
	if err != nil {
		return fmt.Errorf("failed to open backup %s: %w", r.archivePath, err)
	}
	defer f.Close()
	ar, err := archive.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidBackup, err)
	}
	defer ar.Close()

	for {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		hdr, err := ar.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrInvalidBackup, err)
		}
		name, err := archive.CleanName(strings.TrimSuffix(hdr.Name, "/"))
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrInvalidBackup, err)
		}
		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeDir:
		default:
			return fmt.Errorf("%w: member %s has unsupported type %q", core.ErrInvalidBackup, name, hdr.Typeflag)
		}
		rel, err := memberTarget(name, r.meta.Version)
		if err != nil {
			return err
		}
		if rel == "" {
			continue
		}
		if err := fn(hdr, name, rel, ar); err != nil {
			return err
		}
	}
}

func (r *restorer) resolveTarget() error {
	if r.targetRoot == "" {
		r.targetRoot = r.meta.InstallationRoot
	}
	if r.targetRoot == "" {
		return fmt.Errorf("%w: no target root given and none recorded", core.ErrInvalidBackup)
	}
	abs, err := filepath.Abs(r.targetRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve target root %s: %w", r.targetRoot, err)
	}
	r.targetRoot = abs
	r.layout = layout.New(abs)
	r.store = r.e.storeFor(r.layout)
	r.result.Version = r.meta.Version
	r.result.TargetRoot = abs
	return nil
}

// storeFor returns the engine's own manifest store when l is its root.
func (e *Engine) storeFor(l *layout.Layout) *manifest.Store {
	if e.manifest != nil && filepath.Clean(e.manifest.Path()) == filepath.Clean(l.ManifestPath()) {
		return e.manifest
	}
	return manifest.NewStore(manifest.StoreOptions{
		Path:        l.ManifestPath(),
		InstallRoot: l.Root,
		Logger:      e.logger,
		Tracer:      e.tracer,
		Clock:       e.clock,
	})
}

// restoredMode returns the permissions given to a restored file.
func restoredMode(name string) os.FileMode {
	base := path.Base(name)
	ext := path.Ext(base)
	switch {
	case base == "acme.json" || ext == ".key" || ext == ".pem":
		return 0600
	case ext == ".sh" || ext == "":
		return 0755
	}
	return 0644
}

func (r *restorer) extract() error {
	return r.walk(func(hdr *tar.Header, name, rel string, body io.Reader) error {
		dest := filepath.Join(r.targetRoot, filepath.FromSlash(rel))
		if hdr.Typeflag == tar.TypeDir {
			if err := r.e.wrapper.MkdirAll(dest, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dest, err)
			}
			return nil
		}
		if name == ManifestMember {
			return r.restoreManifest(body)
		}
		if err := r.writeFile(dest, body, restoredMode(name)); err != nil {
			return err
		}
		r.result.Files++
		return nil
	})
}

func (r *restorer) writeFile(dest string, body io.Reader, mode os.FileMode) (err error) {
	dir := filepath.Dir(dest)
	if err := r.e.wrapper.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := r.e.wrapper.CreateTemp(dir, "."+filepath.Base(dest)+".restore-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %s: %w", dest, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			r.e.wrapper.Remove(tmpName)
		}
	}()
	if _, err = io.Copy(tmp, body); err != nil {
		return fmt.Errorf("failed to extract %s: %w", dest, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dest, err)
	}
	if err = r.e.wrapper.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", dest, err)
	}
	if err = r.e.wrapper.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", dest, err)
	}
	return nil
}

// restoreManifest writes the snapshotted manifest through the target store
// so its revision keeps increasing.
func (r *restorer) restoreManifest(body io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(body, maxMetadataSize))
	if err != nil {
		return fmt.Errorf("failed to read manifest snapshot: %w", err)
	}
	m, err := manifest.Decode(data)
	if err != nil {
		return fmt.Errorf("%w: manifest snapshot: %v", core.ErrInvalidBackup, err)
	}
	m.InstallPath = r.targetRoot
	if err := r.store.Write(m); err != nil {
		return fmt.Errorf("failed to restore manifest: %w", err)
	}
	r.result.Files++
	return nil
}

// provisionIfNeeded rebuilds the runtime from the restored artifact when the
// version's runtime is missing.
func (r *restorer) provisionIfNeeded() error {
	v := r.meta.Version
	if r.layout.IsProvisioned(v) {
		return nil
	}
	artifact, err := r.findArtifact()
	if err != nil {
		return err
	}
	if r.e.provisioner == nil {
		return fmt.Errorf("no provisioner configured for version %s: %w", v, core.ErrProvisionFailed)
	}
	r.logger.Info("Runtime missing, provisioning from restored artifact.", "version", v, "artifact", filepath.Base(artifact))
	if err := r.e.provisioner.Provision(r.ctx, r.layout.VersionDir(v), artifact); err != nil {
		return fmt.Errorf("failed to provision version %s: %w", v, err)
	}
	r.result.Provisioned = true
	return nil
}

// findArtifact prefers a wheel and otherwise the first cached file by name.
func (r *restorer) findArtifact() (string, error) {
	dir := r.layout.ArtifactDir(r.meta.Version)
	entries, err := r.e.wrapper.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read artifact cache %s: %w", dir, err)
	}
	var names []string
	for _, de := range entries {
		if de.Type().IsRegular() && !strings.HasPrefix(de.Name(), ".") {
			names = append(names, de.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("version %s has no runtime and the backup has no artifact: %w", r.meta.Version, core.ErrProvisionFailed)
	}
	sort.SliceStable(names, func(i, j int) bool {
		wi, wj := strings.HasSuffix(names[i], ".whl"), strings.HasSuffix(names[j], ".whl")
		if wi != wj {
			return wi
		}
		return names[i] < names[j]
	})
	return filepath.Join(dir, names[0]), nil
}
