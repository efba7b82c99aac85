package listeners

import (
	"context"
	"io"
	"log/slog"

	"github.com/INLOpen/stackctl/core"
	"github.com/INLOpen/stackctl/hooks"
)

// BackupPruner is implemented by backup.Engine.
type BackupPruner interface {
	CleanupOldBackups(ctx context.Context, keepVersions int, dryRun bool) ([]string, error)
}

// BackupPruneListener applies backup retention after an upgrade activates.
// Rollbacks and first activations leave backups alone.
type BackupPruneListener struct {
	pruner BackupPruner
	keep   int
	logger *slog.Logger
}

func NewBackupPruneListener(pruner BackupPruner, keepVersions int, logger *slog.Logger) *BackupPruneListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BackupPruneListener{
		pruner: pruner,
		keep:   keepVersions,
		logger: logger.With("component", "BackupPruneListener"),
	}
}

func (l *BackupPruneListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostActivate {
		return nil
	}
	payload, ok := event.Payload().(hooks.PostActivatePayload)
	if !ok || payload.From == "" || core.CompareVersions(payload.To, payload.From) <= 0 {
		return nil
	}
	deleted, err := l.pruner.CleanupOldBackups(ctx, l.keep, false)
	if err != nil {
		return err
	}
	if len(deleted) > 0 {
		l.logger.Info("Pruned old backups after upgrade.", "deleted", len(deleted), "keep_versions", l.keep)
	}
	return nil
}

func (l *BackupPruneListener) Priority() int { return 50 }

func (l *BackupPruneListener) IsAsync() bool { return false }
