package backup

import (
	"context"
	"fmt"

	"github.com/juju/collections/set"
	"go.opentelemetry.io/otel/attribute"

	"github.com/INLOpen/stackctl/core"
	"github.com/INLOpen/stackctl/hooks"
)

// CleanupOldBackups keeps every backup of the keepVersions newest backed-up
// versions and deletes the rest. It returns the paths deleted, or the paths
// that would be deleted when dryRun is set.
func (e *Engine) CleanupOldBackups(ctx context.Context, keepVersions int, dryRun bool) ([]string, error) {
	ctx, span := e.tracer.Start(ctx, "BackupEngine.CleanupOldBackups")
	defer span.End()
	span.SetAttributes(attribute.Int("backup.keep_versions", keepVersions), attribute.Bool("backup.dry_run", dryRun))

	if keepVersions < 1 {
		return nil, &core.ValidationError{Field: "keep_versions", Value: fmt.Sprint(keepVersions), Message: "must be at least 1"}
	}

	infos, err := e.ListBackups(ctx)
	if err != nil {
		return nil, err
	}
	versions := distinctVersions(infos)
	if len(versions) <= keepVersions {
		return []string{}, nil
	}
	keep := set.NewStrings(versions[:keepVersions]...)

	var doomed []string
	for _, info := range infos {
		if !keep.Contains(info.Version) {
			doomed = append(doomed, info.Path)
		}
	}
	if dryRun {
		return doomed, nil
	}

	deleted, firstErr := e.deleteBackups(doomed)
	e.hookManager.Trigger(ctx, hooks.NewPostPruneBackupsEvent(hooks.PostPruneBackupsPayload{
		Deleted: deleted,
		DryRun:  dryRun,
	}))
	if firstErr != nil {
		span.RecordError(firstErr)
	}
	return deleted, firstErr
}

// deleteBackups removes every path, continuing past failures, and returns
// the first error encountered.
func (e *Engine) deleteBackups(paths []string) (deleted []string, firstErr error) {
	deleted = []string{}
	for _, p := range paths {
		e.logger.Info("Deleting old backup.", "path", p)
		if err := e.wrapper.Remove(p); err != nil {
			e.logger.Error("Failed to delete old backup.", "path", p, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to remove backup %s: %w", p, err)
			}
			continue
		}
		deleted = append(deleted, p)
	}
	return deleted, firstErr
}
