package stage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/pgmflow/internal/applytarget"
	"github.com/loykin/pgmflow/internal/history"
	"github.com/loykin/pgmflow/internal/metrics"
	"github.com/loykin/pgmflow/internal/store"
)

// Apply pushes verified drafts to the production target. Only records at
// VERIFIED with the human-set apply flag are eligible; the flag is the
// single safety gate against unattended production changes. A failed push
// leaves the record unchanged for the next pass.
type Apply struct {
	st     store.Store
	target applytarget.Target
	sink   history.Sink
	logger *slog.Logger
}

func NewApply(st store.Store, target applytarget.Target, sink history.Sink, logger *slog.Logger) *Apply {
	if logger == nil {
		logger = slog.Default()
	}
	return &Apply{st: st, target: target, sink: sink, logger: logger}
}

func (s *Apply) Name() string { return "apply" }

func (s *Apply) Run(ctx context.Context) error {
	recs, err := s.st.ReadyFor(ctx, store.TaskApply)
	if err != nil {
		return fmt.Errorf("apply: ready query: %w", err)
	}
	for _, rec := range recs {
		// the store query already gates on flag+status; re-check anyway
		if rec.Status != store.StatusVerified || !rec.ApplyFlag {
			continue
		}
		if err := s.process(ctx, rec); err != nil {
			s.logger.Error("apply failed for draft", "draft", rec.DraftID, "error", err)
		}
	}
	return nil
}

func (s *Apply) process(ctx context.Context, rec store.Program) error {
	if err := s.target.Push(ctx, rec.LocalPath, rec.DraftID); err != nil {
		// record stays at VERIFIED/APPLY for retry
		return fmt.Errorf("push to target: %w", err)
	}
	now := time.Now().UTC()
	upd := store.ProgramUpdate{
		Status:   store.StatusApplied,
		NextTask: store.TaskMonitor,
		ApplyAt:  &now,
	}
	if err := s.st.Advance(ctx, rec.DraftID, store.StatusVerified, upd); err != nil {
		return fmt.Errorf("advance to applied: %w", err)
	}
	metrics.RecordAdvanced(s.Name())
	emitTransition(ctx, s.sink, s.logger, rec.DraftID, store.StatusVerified, store.StatusApplied, store.TaskMonitor)
	s.logger.Info("draft applied to production", "draft", rec.DraftID)
	return nil
}
