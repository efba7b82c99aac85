package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/stackctl/hooks"
)

// UpdateFailAlerterListener logs an operator-facing message naming the stage
// an update stopped at and how to resume.
type UpdateFailAlerterListener struct {
	logger *slog.Logger
}

func NewUpdateFailAlerterListener(logger *slog.Logger) *UpdateFailAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &UpdateFailAlerterListener{
		logger: logger.With("component", "UpdateFailAlerterListener"),
	}
}

// OnEvent handles the PostUpdateFail event.
func (l *UpdateFailAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostUpdateFail {
		return nil
	}

	payload, ok := event.Payload().(hooks.PostUpdateFailPayload)
	if !ok {
		l.logger.Error("Received PostUpdateFail event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	hint := "rerun the update"
	switch payload.Stage {
	case "install", "activate":
		hint = "rerun the update with --force, or roll back from the pre-upgrade backup"
	case "fetch":
		hint = "check the release source and network access"
	}
	l.logger.Warn("Update did not complete",
		"version", payload.Version,
		"stage", payload.Stage,
		"error", payload.Err,
		"hint", hint,
	)
	return nil
}

func (l *UpdateFailAlerterListener) Priority() int { return 100 }

func (l *UpdateFailAlerterListener) IsAsync() bool { return false }
