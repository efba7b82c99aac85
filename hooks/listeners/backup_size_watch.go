package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/INLOpen/stackctl/hooks"
)

// SizeThresholds bounds the expected archive size in bytes. A zero Max
// disables the upper bound.
type SizeThresholds struct {
	Min int64
	Max int64
}

// BackupSizeWatchListener warns when a new backup archive is suspiciously
// small or large for its reason, which usually means data paths were missed
// or logs leaked into the capture.
type BackupSizeWatchListener struct {
	logger *slog.Logger
	rules  map[string]SizeThresholds // keyed by backup reason; "" applies to all
}

func NewBackupSizeWatchListener(logger *slog.Logger, rules map[string]SizeThresholds) *BackupSizeWatchListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	copied := make(map[string]SizeThresholds, len(rules))
	for reason, th := range rules {
		copied[reason] = th
	}
	return &BackupSizeWatchListener{
		logger: logger.With("component", "BackupSizeWatchListener"),
		rules:  copied,
	}
}

// OnEvent handles PostCreateBackup. It never fails the backup.
func (l *BackupSizeWatchListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostCreateBackup {
		return nil
	}
	payload, ok := event.Payload().(hooks.PostCreateBackupPayload)
	if !ok {
		l.logger.Error("Received PostCreateBackup event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	th, ok := l.rules[payload.Reason]
	if !ok {
		if th, ok = l.rules[""]; !ok {
			return nil
		}
	}
	if payload.Size < th.Min || (th.Max > 0 && payload.Size > th.Max) {
		l.logger.Warn("Backup size outside expected range",
			"path", payload.Path,
			"reason", payload.Reason,
			"size", humanize.IBytes(uint64(payload.Size)),
			"min", humanize.IBytes(uint64(th.Min)),
			"max", humanize.IBytes(uint64(th.Max)),
		)
	}
	return nil
}

func (l *BackupSizeWatchListener) Priority() int { return 100 }

func (l *BackupSizeWatchListener) IsAsync() bool { return true }
