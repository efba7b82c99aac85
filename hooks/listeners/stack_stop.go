package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/stackctl/hooks"
	"github.com/INLOpen/stackctl/stack"
)

// StackStopListener stops the running containers before a restore rewrites
// their configuration and data, and optionally starts them again afterwards.
// A failed stop cancels the restore.
type StackStopListener struct {
	controller stack.Controller
	restart    bool
	logger     *slog.Logger
}

func NewStackStopListener(controller stack.Controller, restart bool, logger *slog.Logger) *StackStopListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &StackStopListener{
		controller: controller,
		restart:    restart,
		logger:     logger.With("component", "StackStopListener"),
	}
}

func (l *StackStopListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch event.Type() {
	case hooks.EventPreRestore:
		payload, _ := event.Payload().(hooks.PreRestorePayload)
		l.logger.Info("Stopping stack before restore.", "version", payload.Version, "target", payload.TargetRoot)
		if err := l.controller.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop stack: %w", err)
		}
	case hooks.EventPostRestore:
		if !l.restart {
			return nil
		}
		l.logger.Info("Starting stack after restore.")
		if err := l.controller.Start(ctx); err != nil {
			return fmt.Errorf("failed to start stack: %w", err)
		}
	}
	return nil
}

// Priority runs the stop ahead of other restore listeners.
func (l *StackStopListener) Priority() int { return 10 }

func (l *StackStopListener) IsAsync() bool { return false }
