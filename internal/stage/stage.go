package stage

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/pgmflow/internal/history"
	"github.com/loykin/pgmflow/internal/store"
)

// Stage is one independently schedulable pass over the lifecycle store.
// Run processes every eligible record sequentially; one record's failure is
// logged and never aborts the rest of the pass. Coordination between stages
// happens only through the store.
type Stage interface {
	Name() string
	Run(ctx context.Context) error
}

// emitTransition sends a status-transition event to the sink when one is
// configured. Sink failures are logged and swallowed: history is an export,
// not part of the state machine.
func emitTransition(ctx context.Context, sink history.Sink, logger *slog.Logger, draftID string, from, to store.Status, next store.NextTask) {
	if sink == nil {
		return
	}
	e := history.Event{
		Type:       history.EventTransition,
		OccurredAt: time.Now().UTC(),
		DraftID:    draftID,
		FromStatus: string(from),
		ToStatus:   string(to),
		NextTask:   string(next),
	}
	if err := sink.Send(ctx, e); err != nil {
		logger.Warn("history sink send failed", "draft", draftID, "error", err)
	}
}

// emitAlarm sends an alarm event to the sink when one is configured.
func emitAlarm(ctx context.Context, sink history.Sink, logger *slog.Logger, draftID string, level store.TATLevel, msg string) {
	if sink == nil {
		return
	}
	e := history.Event{
		Type:       history.EventAlarm,
		OccurredAt: time.Now().UTC(),
		DraftID:    draftID,
		Level:      level.String(),
		Message:    msg,
	}
	if err := sink.Send(ctx, e); err != nil {
		logger.Warn("history sink send failed", "draft", draftID, "error", err)
	}
}
