package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/juju/collections/set"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/stackctl/archive"
	"github.com/INLOpen/stackctl/core"
)

// ListBackups returns every backup in the backups directory whose name
// matches the naming scheme. Archives whose metadata cannot be read are
// still listed, with Reason "unknown".
func (e *Engine) ListBackups(ctx context.Context) ([]Info, error) {
	ctx, span := e.tracer.Start(ctx, "BackupEngine.ListBackups")
	defer span.End()

	dir := e.layout.BackupsDir()
	entries, err := e.wrapper.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Info{}, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read backups directory %s: %w", dir, err)
	}

	var candidates []Info
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		v, suffix, ok := ParseFilename(de.Name())
		if !ok {
			continue
		}
		candidates = append(candidates, Info{
			Path:     filepath.Join(dir, de.Name()),
			Filename: de.Name(),
			Version:  v,
			Suffix:   suffix,
		})
	}

	results := make([]*Info, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range candidates {
		info := candidates[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = e.probe(info)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	infos := make([]Info, 0, len(results))
	for _, r := range results {
		if r != nil {
			infos = append(infos, *r)
		}
	}
	sortInfos(infos)
	span.SetAttributes(attribute.Int("backup.count", len(infos)))
	return infos, nil
}

// probe fills size and metadata. It returns nil when the file vanished.
func (e *Engine) probe(info Info) *Info {
	st, err := e.wrapper.Stat(info.Path)
	if err != nil {
		e.logger.Debug("Skipping backup that disappeared during listing.", "path", info.Path, "error", err)
		return nil
	}
	info.Size = st.Size()
	meta, err := readMetadata(info.Path)
	if err != nil {
		e.logger.Warn("Could not read backup metadata.", "path", info.Path, "error", err)
		info.Reason = ReasonUnknown
		return &info
	}
	info.Metadata = meta
	info.CreatedAt = meta.CreatedAt
	info.Reason = meta.Reason
	if info.Reason == "" {
		info.Reason = ReasonUnknown
	}
	return &info
}

// ListBackupVersions returns the distinct versions that have backups, newest first.
func (e *Engine) ListBackupVersions(ctx context.Context) ([]string, error) {
	infos, err := e.ListBackups(ctx)
	if err != nil {
		return nil, err
	}
	return distinctVersions(infos), nil
}

// distinctVersions keeps the order of infos, which is newest first.
func distinctVersions(infos []Info) []string {
	seen := set.NewStrings()
	var out []string
	for _, info := range infos {
		if seen.Contains(info.Version) {
			continue
		}
		seen.Add(info.Version)
		out = append(out, info.Version)
	}
	return out
}

// Verify re-reads the archive at p and checks every member against the
// checksums recorded in its metadata. Mismatched, missing or unlisted
// members yield core.ErrCorrupt.
func (e *Engine) Verify(ctx context.Context, p string) (*Metadata, error) {
	ctx, span := e.tracer.Start(ctx, "BackupEngine.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("backup.path", p))

	f, err := e.wrapper.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup %s: %w", p, err)
	}
	defer f.Close()

	r, err := archive.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidBackup, err)
	}
	defer r.Close()

	var (
		meta     *Metadata
		expected map[string]archive.Entry
		seen     = set.NewStrings()
	)
	for first := true; ; first = false {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrCorrupt, p, err)
		}
		name := path.Clean(hdr.Name)
		if first {
			if name != MetadataMember {
				return nil, fmt.Errorf("%w: first member is %q, not %s", core.ErrInvalidBackup, hdr.Name, MetadataMember)
			}
			data, err := io.ReadAll(io.LimitReader(r, maxMetadataSize))
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", core.ErrCorrupt, p, err)
			}
			meta = &Metadata{}
			if err := json.Unmarshal(data, meta); err != nil {
				return nil, fmt.Errorf("%w: unparsable metadata: %v", core.ErrInvalidBackup, err)
			}
			expected = make(map[string]archive.Entry, len(meta.Files))
			for _, fe := range meta.Files {
				expected[fe.Path] = fe
			}
			continue
		}
		if !hdr.FileInfo().Mode().IsRegular() {
			continue
		}
		want, ok := expected[name]
		if !ok {
			return nil, fmt.Errorf("%w: member %s is not listed in metadata", core.ErrCorrupt, name)
		}
		h := sha256.New()
		n, err := io.Copy(h, r)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrCorrupt, name, err)
		}
		if n != want.Size || hex.EncodeToString(h.Sum(nil)) != want.SHA256 {
			return nil, fmt.Errorf("%w: member %s does not match its recorded checksum", core.ErrCorrupt, name)
		}
		seen.Add(name)
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: empty archive", core.ErrInvalidBackup)
	}
	for name := range expected {
		if !seen.Contains(name) {
			return nil, fmt.Errorf("%w: member %s is missing", core.ErrCorrupt, name)
		}
	}
	e.logger.Info("Backup verified.", "path", p, "files", seen.Size())
	return meta, nil
}
