package factory

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/pgmflow/internal/history"
	"github.com/loykin/pgmflow/internal/history/opensearch"
	"github.com/loykin/pgmflow/internal/history/sqlite"
)

func TestNewSinkFromDSN(t *testing.T) {
	if _, err := NewSinkFromDSN("   "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
	if _, err := NewSinkFromDSN("redis://localhost:6379"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}

	s, err := NewSinkFromDSN("sqlite://:memory:")
	if err != nil {
		t.Fatalf("sqlite scheme: %v", err)
	}
	if _, ok := s.(*sqlite.Sink); !ok {
		t.Fatalf("expected sqlite sink, got %T", s)
	}
	err = s.Send(context.Background(), history.Event{Type: history.EventTransition, DraftID: "D-1", OccurredAt: time.Now()})
	if err != nil {
		t.Fatalf("send through sqlite sink: %v", err)
	}
	_ = s.(*sqlite.Sink).Close()

	s, err = NewSinkFromDSN(":memory:")
	if err != nil {
		t.Fatalf("bare path: %v", err)
	}
	if _, ok := s.(*sqlite.Sink); !ok {
		t.Fatalf("expected sqlite sink for bare path, got %T", s)
	}
	_ = s.(*sqlite.Sink).Close()

	// opensearch construction does not dial
	s, err = NewSinkFromDSN("opensearch://search.local:9200/flow-events")
	if err != nil {
		t.Fatalf("opensearch scheme: %v", err)
	}
	if _, ok := s.(*opensearch.Sink); !ok {
		t.Fatalf("expected opensearch sink, got %T", s)
	}
}
