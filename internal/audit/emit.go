package audit

import (
	"context"
	"log/slog"
)

// Emit records e and logs, rather than returns, a write failure. A nil
// Recorder is a no-op.
func Emit(ctx context.Context, r Recorder, logger *slog.Logger, e Event) {
	if r == nil {
		return
	}
	if err := r.Record(context.WithoutCancel(ctx), e); err != nil && logger != nil {
		logger.Error("audit write failed", "action", e.Action, "actor", e.Actor, "error", err)
	}
}
