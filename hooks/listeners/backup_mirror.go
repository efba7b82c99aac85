package listeners

import (
	"context"
	"io"
	"log/slog"

	"github.com/INLOpen/stackctl/hooks"
)

// Uploader is implemented by mirror.Mirror.
type Uploader interface {
	Upload(ctx context.Context, archivePath string) (string, error)
}

// BackupMirrorListener copies each new backup archive off the host.
type BackupMirrorListener struct {
	uploader Uploader
	logger   *slog.Logger
}

func NewBackupMirrorListener(uploader Uploader, logger *slog.Logger) *BackupMirrorListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BackupMirrorListener{
		uploader: uploader,
		logger:   logger.With("component", "BackupMirrorListener"),
	}
}

func (l *BackupMirrorListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostCreateBackup {
		return nil
	}
	payload, ok := event.Payload().(hooks.PostCreateBackupPayload)
	if !ok {
		return nil
	}
	key, err := l.uploader.Upload(ctx, payload.Path)
	if err != nil {
		return err
	}
	l.logger.Debug("Backup mirrored.", "path", payload.Path, "key", key)
	return nil
}

func (l *BackupMirrorListener) Priority() int { return 200 }

// IsAsync lets the upload run while the caller continues; HookManager.Stop
// waits for it.
func (l *BackupMirrorListener) IsAsync() bool { return true }
