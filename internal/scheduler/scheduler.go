// Package scheduler runs pipeline stages on fixed intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loykin/pgmflow/internal/metrics"
	"github.com/loykin/pgmflow/internal/stage"
)

// Entry binds one stage to a schedule.
// Schedule supports only the form "@every <duration>" (e.g., "@every 30s"),
// or empty for a manual-only stage that never ticks but stays reachable
// through RunOnce.
// Non-overlap: if the previous pass of the same stage is still running, the
// tick is skipped.
type Entry struct {
	Stage    stage.Stage
	Schedule string

	// internal (guarded via atomic)
	running atomic.Bool
}

// parseEvery parses schedules of the form "@every <duration>".
func parseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	durStr := strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
	d, err := time.ParseDuration(durStr)
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("@every duration must be > 0")
	}
	return d, nil
}

// Scheduler ticks each registered stage on its own interval. Use Start to
// launch the background tickers and Stop to cancel them.
type Scheduler struct {
	entries []*Entry
	logger  *slog.Logger
	cancel  context.CancelFunc
	quit    chan struct{}
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

func (s *Scheduler) Add(st stage.Stage, schedule string) error {
	if st == nil {
		return errors.New("scheduler entry requires a stage")
	}
	if _, err := parseEvery(schedule); err != nil {
		return fmt.Errorf("stage %s: %w", st.Name(), err)
	}
	s.entries = append(s.entries, &Entry{Stage: st, Schedule: schedule})
	return nil
}

// AddManual registers a stage without a schedule. It is skipped by Start's
// tick loops and runs only through RunOnce.
func (s *Scheduler) AddManual(st stage.Stage) error {
	if st == nil {
		return errors.New("scheduler entry requires a stage")
	}
	s.entries = append(s.entries, &Entry{Stage: st})
	return nil
}

// Start launches all stage loops. Call Stop to cancel.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.quit != nil {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.quit = make(chan struct{})
	for _, e := range s.entries {
		if e.Schedule == "" {
			continue
		}
		d, err := parseEvery(e.Schedule)
		if err != nil {
			return err
		}
		go s.runEntry(ctx, e, d)
	}
	return nil
}

func (s *Scheduler) runEntry(ctx context.Context, e *Entry, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			// skip the tick when the previous pass is still active
			if !e.running.CompareAndSwap(false, true) {
				s.logger.Debug("stage pass still running, tick skipped", "stage", e.Stage.Name())
				continue
			}
			go func(e *Entry) {
				defer e.running.Store(false)
				s.runOnce(ctx, e.Stage)
			}(e)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, st stage.Stage) {
	start := time.Now()
	err := st.Run(ctx)
	metrics.StagePass(st.Name(), time.Since(start).Seconds(), err != nil)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("stage pass failed", "stage", st.Name(), "error", err)
	}
}

// RunOnce executes a single pass of the named stage outside the tick loop.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	for _, e := range s.entries {
		if e.Stage.Name() == name {
			s.runOnce(ctx, e.Stage)
			return nil
		}
	}
	return fmt.Errorf("unknown stage: %s", name)
}

// Stop cancels all stage loops.
func (s *Scheduler) Stop() {
	if s.quit == nil {
		return
	}
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	if s.cancel != nil {
		s.cancel()
	}
}
