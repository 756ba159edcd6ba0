package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/pgmflow/internal/history"
)

func TestSinkWritesRows(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	events := []history.Event{
		{Type: history.EventTransition, OccurredAt: time.Now(), DraftID: "D-1", FromStatus: "NEW", ToStatus: "DOWNLOADED", NextTask: "VERIFY"},
		{Type: history.EventAlarm, OccurredAt: time.Now(), DraftID: "D-1", Level: "WARNING", Message: "overdue"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	var count int
	if err := sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pgm_history`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}

	var typ, level string
	err = sink.db.QueryRowContext(ctx,
		`SELECT type, level FROM pgm_history WHERE type = ?`, string(history.EventAlarm)).Scan(&typ, &level)
	if err != nil {
		t.Fatalf("select alarm row: %v", err)
	}
	if typ != "alarm" || level != "WARNING" {
		t.Fatalf("alarm row: type=%q level=%q", typ, level)
	}
}

func TestSinkDSNPrefix(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	if err != nil {
		t.Fatalf("open with scheme prefix: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if err := sink.Send(context.Background(), history.Event{Type: history.EventTransition, DraftID: "D-9", OccurredAt: time.Now()}); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestSinkEmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
