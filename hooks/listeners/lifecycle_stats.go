package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/stackctl/hooks"
)

var (
	statsOnce       sync.Once
	backupsCreated  *expvar.Int
	backupBytes     *expvar.Int
	backupsPruned   *expvar.Int
	activations     *expvar.Int
	restores        *expvar.Int
	updateFailures  *expvar.Map
	versionsRetired *expvar.Int
)

func initStats() {
	statsOnce.Do(func() {
		backupsCreated = expvar.NewInt("stackctl_backups_created_total")
		backupBytes = expvar.NewInt("stackctl_backup_bytes_total")
		backupsPruned = expvar.NewInt("stackctl_backups_pruned_total")
		activations = expvar.NewInt("stackctl_activations_total")
		restores = expvar.NewInt("stackctl_restores_total")
		updateFailures = expvar.NewMap("stackctl_update_failures_by_stage")
		versionsRetired = expvar.NewInt("stackctl_versions_retired_total")
		expvar.Publish("stackctl_backup_bytes_avg", expvar.Func(func() interface{} {
			n := backupsCreated.Value()
			if n == 0 {
				return 0.0
			}
			return float64(backupBytes.Value()) / float64(n)
		}))
	})
}

// LifecycleStatsListener counts lifecycle events into expvar.
type LifecycleStatsListener struct {
	logger *slog.Logger
}

// NewLifecycleStatsListener is idempotent; every listener shares the same counters.
func NewLifecycleStatsListener(logger *slog.Logger) *LifecycleStatsListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initStats()
	return &LifecycleStatsListener{logger: logger.With("component", "LifecycleStatsListener")}
}

// Events lists what Register should subscribe this listener to.
func (l *LifecycleStatsListener) Events() []hooks.EventType {
	return []hooks.EventType{
		hooks.EventPostCreateBackup,
		hooks.EventPostPruneBackups,
		hooks.EventPostActivate,
		hooks.EventPostRestore,
		hooks.EventPostUpdateFail,
		hooks.EventPostCleanup,
	}
}

func (l *LifecycleStatsListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch p := event.Payload().(type) {
	case hooks.PostCreateBackupPayload:
		backupsCreated.Add(1)
		backupBytes.Add(p.Size)
	case hooks.PostPruneBackupsPayload:
		if !p.DryRun {
			backupsPruned.Add(int64(len(p.Deleted)))
		}
	case hooks.PostActivatePayload:
		activations.Add(1)
	case hooks.PostRestorePayload:
		restores.Add(1)
	case hooks.PostUpdateFailPayload:
		updateFailures.Add(p.Stage, 1)
	case hooks.PostCleanupPayload:
		if !p.DryRun {
			versionsRetired.Add(int64(len(p.Removed)))
		}
	default:
		l.logger.Debug("Ignoring event", "event", event.Type())
	}
	return nil
}

func (l *LifecycleStatsListener) Priority() int { return 1000 }

func (l *LifecycleStatsListener) IsAsync() bool { return false }
