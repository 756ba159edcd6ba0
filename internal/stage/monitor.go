package stage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loykin/pgmflow/internal/history"
	"github.com/loykin/pgmflow/internal/metrics"
	"github.com/loykin/pgmflow/internal/store"
)

// LabelFinalApproval marks the stage entry that closes a draft. Intake keeps
// ingesting stage events for applied records, so Monitor only has to look at
// what is already in the store.
const LabelFinalApproval = "final approval"

// Monitor closes applied drafts once the vendor workflow reaches final
// approval.
type Monitor struct {
	st    store.Store
	label string
	sink  history.Sink
	log   *slog.Logger
}

func NewMonitor(st store.Store, sink history.Sink, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{st: st, label: LabelFinalApproval, sink: sink, log: logger}
}

func (s *Monitor) Name() string { return "monitor" }

func (s *Monitor) Run(ctx context.Context) error {
	recs, err := s.st.ReadyFor(ctx, store.TaskMonitor)
	if err != nil {
		return fmt.Errorf("monitor: ready query: %w", err)
	}
	for _, rec := range recs {
		if rec.Status != store.StatusApplied {
			continue
		}
		closed, err := s.process(ctx, rec)
		if err != nil {
			s.log.Error("monitor failed for draft", "draft", rec.DraftID, "error", err)
			continue
		}
		if closed {
			s.log.Info("draft reached final approval", "draft", rec.DraftID)
		}
	}
	return nil
}

func (s *Monitor) process(ctx context.Context, rec store.Program) (bool, error) {
	events, err := s.st.StageEvents(ctx, rec.DraftID)
	if err != nil {
		return false, fmt.Errorf("stage events: %w", err)
	}
	approved := false
	for _, ev := range events {
		if strings.Contains(strings.ToLower(ev.StageLabel), s.label) {
			approved = true
			break
		}
	}
	if !approved {
		return false, nil
	}
	upd := store.ProgramUpdate{Status: store.StatusMonitored, NextTask: store.TaskNone}
	if err := s.st.Advance(ctx, rec.DraftID, store.StatusApplied, upd); err != nil {
		return false, fmt.Errorf("advance to monitored: %w", err)
	}
	metrics.RecordAdvanced(s.Name())
	emitTransition(ctx, s.sink, s.log, rec.DraftID, store.StatusApplied, store.StatusMonitored, store.TaskNone)
	return true, nil
}
