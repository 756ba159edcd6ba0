package stage

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/pgmflow/internal/store"
)

func TestTATEscalatesThroughTiers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	created := time.Now().UTC().Add(-time.Hour)
	seedProgram(t, st, "D-700", store.StatusNew, store.TaskDownload, func(p *store.Program) {
		p.CreatedAt = created
	})

	sink := &captureSink{}
	s := NewTAT(st, DefaultTATThresholds(), sink, nil)

	for _, step := range []struct {
		elapsed time.Duration
		level   store.TATLevel
		alarms  int
	}{
		{elapsed: 2 * time.Hour, level: store.TATNone, alarms: 0},
		{elapsed: 30 * time.Hour, level: store.TATNotice, alarms: 1},
		{elapsed: 50 * time.Hour, level: store.TATWarning, alarms: 2},
		{elapsed: 80 * time.Hour, level: store.TATAlarm, alarms: 3},
		// repeat scans never duplicate or regress
		{elapsed: 90 * time.Hour, level: store.TATAlarm, alarms: 3},
	} {
		s.now = func() time.Time { return created.Add(step.elapsed) }
		if err := s.Run(ctx); err != nil {
			t.Fatalf("run at %v: %v", step.elapsed, err)
		}
		p := mustGet(t, st, "D-700")
		if p.TATLevel != step.level {
			t.Fatalf("at %v: level %v want %v", step.elapsed, p.TATLevel, step.level)
		}
		alarms, err := st.Alarms(ctx, "D-700")
		if err != nil {
			t.Fatalf("alarms: %v", err)
		}
		if len(alarms) != step.alarms {
			t.Fatalf("at %v: %d alarm rows want %d", step.elapsed, len(alarms), step.alarms)
		}
	}

	if got := len(sink.byType("alarm")); got != 3 {
		t.Fatalf("expected 3 alarm events, got %d", got)
	}
}

func TestTATUpdatesHoursWithoutEscalation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	created := time.Now().UTC()
	seedProgram(t, st, "D-701", store.StatusNew, store.TaskDownload, func(p *store.Program) {
		p.CreatedAt = created
	})

	s := NewTAT(st, DefaultTATThresholds(), nil, nil)
	s.now = func() time.Time { return created.Add(5 * time.Hour) }
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	p := mustGet(t, st, "D-701")
	if p.TATHours < 4.9 || p.TATHours > 5.1 {
		t.Fatalf("hours not tracked: %v", p.TATHours)
	}
	if p.TATLevel != store.TATNone {
		t.Fatalf("unexpected level %v", p.TATLevel)
	}
}

func TestTATSplitsEscalationFromRefresh(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedProgram(t, st, "D-703", store.StatusNew, store.TaskDownload, func(p *store.Program) {
		p.CreatedAt = now.Add(-30 * time.Hour)
	})
	seedProgram(t, st, "D-704", store.StatusDownloaded, store.TaskVerify, func(p *store.Program) {
		p.CreatedAt = now.Add(-3 * time.Hour)
	})

	s := NewTAT(st, DefaultTATThresholds(), nil, nil)
	s.now = func() time.Time { return now }
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	over := mustGet(t, st, "D-703")
	if over.TATLevel != store.TATNotice {
		t.Fatalf("overdue record not escalated: %v", over.TATLevel)
	}
	alarms, err := st.Alarms(ctx, "D-703")
	if err != nil {
		t.Fatalf("alarms: %v", err)
	}
	if len(alarms) != 1 {
		t.Fatalf("expected one alarm row, got %d", len(alarms))
	}

	fresh := mustGet(t, st, "D-704")
	if fresh.TATLevel != store.TATNone {
		t.Fatalf("fresh record escalated: %v", fresh.TATLevel)
	}
	if fresh.TATHours < 2.9 || fresh.TATHours > 3.1 {
		t.Fatalf("fresh record hours not refreshed: %v", fresh.TATHours)
	}
	if alarms, _ := st.Alarms(ctx, "D-704"); len(alarms) != 0 {
		t.Fatalf("fresh record alarmed: %+v", alarms)
	}
}

func TestTATIgnoresTerminalRecords(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedProgram(t, st, "D-702", store.StatusVerifyFailed, store.TaskNone, func(p *store.Program) {
		p.CreatedAt = time.Now().Add(-500 * time.Hour)
	})

	s := NewTAT(st, DefaultTATThresholds(), nil, nil)
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	alarms, err := st.Alarms(ctx, "D-702")
	if err != nil {
		t.Fatalf("alarms: %v", err)
	}
	if len(alarms) != 0 {
		t.Fatalf("terminal record alarmed: %+v", alarms)
	}
}

func TestCustomThresholds(t *testing.T) {
	s := NewTAT(nil, TATThresholds{Notice: time.Hour, Warning: 2 * time.Hour, Alarm: 3 * time.Hour}, nil, nil)
	if got := s.levelFor(90 * time.Minute); got != store.TATNotice {
		t.Fatalf("expected notice, got %v", got)
	}
	if got := s.levelFor(10 * time.Hour); got != store.TATAlarm {
		t.Fatalf("expected alarm, got %v", got)
	}
	if got := s.levelFor(30 * time.Minute); got != store.TATNone {
		t.Fatalf("expected none, got %v", got)
	}
}
