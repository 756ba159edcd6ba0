package stage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/pgmflow/internal/store"
)

// Retention deletes terminal records that have been idle longer than the
// keep window. Stage events, details and alarms go with the record.
type Retention struct {
	st      store.Store
	keepFor time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewRetention(st store.Store, keepFor time.Duration, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	if keepFor <= 0 {
		keepFor = 90 * 24 * time.Hour
	}
	return &Retention{st: st, keepFor: keepFor, logger: logger, now: time.Now}
}

func (s *Retention) Name() string { return "retention" }

func (s *Retention) Run(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-s.keepFor)
	n, err := s.st.PurgeTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("retention: purge: %w", err)
	}
	if n > 0 {
		s.logger.Info("purged terminal records", "count", n, "cutoff", cutoff)
	}
	return nil
}
