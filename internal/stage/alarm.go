package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/pgmflow/internal/history"
	"github.com/loykin/pgmflow/internal/metrics"
	"github.com/loykin/pgmflow/internal/store"
)

// TATThresholds maps elapsed turnaround time to alarm tiers. Zero values
// fall back to the defaults.
type TATThresholds struct {
	Notice  time.Duration
	Warning time.Duration
	Alarm   time.Duration
}

func DefaultTATThresholds() TATThresholds {
	return TATThresholds{
		Notice:  24 * time.Hour,
		Warning: 48 * time.Hour,
		Alarm:   72 * time.Hour,
	}
}

// TAT recomputes elapsed turnaround time for every non-terminal record and
// raises tiered alarms. Escalation candidates come from the store's overdue
// query (older than the notice threshold, marking below the top tier); the
// remaining in-flight records only get their hours refreshed. A record's
// stored level only moves upward; the open alarm unique constraint in the
// store keeps scans from duplicating rows at the same tier.
type TAT struct {
	st     store.Store
	th     TATThresholds
	sink   history.Sink
	logger *slog.Logger
	now    func() time.Time
}

func NewTAT(st store.Store, th TATThresholds, sink history.Sink, logger *slog.Logger) *TAT {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultTATThresholds()
	if th.Notice <= 0 {
		th.Notice = def.Notice
	}
	if th.Warning <= 0 {
		th.Warning = def.Warning
	}
	if th.Alarm <= 0 {
		th.Alarm = def.Alarm
	}
	return &TAT{st: st, th: th, sink: sink, logger: logger, now: time.Now}
}

func (s *TAT) Name() string { return "tat" }

func (s *TAT) Run(ctx context.Context) error {
	now := s.now().UTC()

	overdue, err := s.st.TATOverdue(ctx, s.th.Notice, now)
	if err != nil {
		return fmt.Errorf("tat: overdue query: %w", err)
	}
	seen := make(map[string]struct{}, len(overdue))
	for _, rec := range overdue {
		seen[rec.DraftID] = struct{}{}
		if err := s.process(ctx, rec, now); err != nil {
			s.logger.Error("tat scan failed for draft", "draft", rec.DraftID, "error", err)
		}
	}

	recs, err := s.st.NonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("tat: non-terminal query: %w", err)
	}
	for _, rec := range recs {
		if _, ok := seen[rec.DraftID]; ok {
			continue
		}
		if err := s.refresh(ctx, rec, now); err != nil {
			s.logger.Error("tat refresh failed for draft", "draft", rec.DraftID, "error", err)
		}
	}
	return nil
}

// refresh updates the elapsed hours without touching the stored level.
func (s *TAT) refresh(ctx context.Context, rec store.Program, now time.Time) error {
	elapsed := now.Sub(rec.CreatedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if err := s.st.SetTAT(ctx, rec.DraftID, elapsed.Hours(), rec.TATLevel); err != nil {
		return fmt.Errorf("update tat hours: %w", err)
	}
	return nil
}

func (s *TAT) process(ctx context.Context, rec store.Program, now time.Time) error {
	elapsed := now.Sub(rec.CreatedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	hours := elapsed.Hours()
	level := s.levelFor(elapsed)

	// stored level never moves back down
	if level <= rec.TATLevel {
		if err := s.st.SetTAT(ctx, rec.DraftID, hours, rec.TATLevel); err != nil {
			return fmt.Errorf("update tat hours: %w", err)
		}
		return nil
	}

	if err := s.st.SetTAT(ctx, rec.DraftID, hours, level); err != nil {
		return fmt.Errorf("update tat level: %w", err)
	}
	msg := fmt.Sprintf("turnaround %.1fh exceeds %s threshold (status %s)", hours, level, rec.Status)
	alarm := store.Alarm{
		DraftID:  rec.DraftID,
		Level:    level,
		Message:  msg,
		RaisedAt: now,
	}
	if err := s.st.InsertAlarm(ctx, alarm); err != nil {
		if errors.Is(err, store.ErrOpenAlarm) {
			return nil
		}
		return fmt.Errorf("insert alarm: %w", err)
	}
	metrics.AlarmRaised(level.String())
	emitAlarm(ctx, s.sink, s.logger, rec.DraftID, level, msg)
	s.logger.Warn("turnaround alarm raised", "draft", rec.DraftID, "level", level, "hours", hours)
	return nil
}

func (s *TAT) levelFor(elapsed time.Duration) store.TATLevel {
	switch {
	case elapsed >= s.th.Alarm:
		return store.TATAlarm
	case elapsed >= s.th.Warning:
		return store.TATWarning
	case elapsed >= s.th.Notice:
		return store.TATNotice
	default:
		return store.TATNone
	}
}
