package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/loykin/pgmflow/internal/history"
)

// startPostgresContainer starts a PostgreSQL container and returns its DSN.
// It skips the test if Docker is unavailable.
func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	dsn = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}
	return dsn, terminate
}

func newReadySink(t *testing.T, dsn string) *Sink {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for {
		sink, err := New(dsn)
		if err == nil {
			return sink
		}
		if time.Now().After(deadline) {
			t.Fatalf("postgres never became ready: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresSinkRoundTrip(t *testing.T) {
	dsn, terminate := startPostgresContainer(t)
	defer terminate()

	sink := newReadySink(t, dsn)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	events := []history.Event{
		{Type: history.EventTransition, OccurredAt: time.Now().UTC(), DraftID: "D-1", FromStatus: "NEW", ToStatus: "DOWNLOADED", NextTask: "VERIFY"},
		{Type: history.EventAlarm, OccurredAt: time.Now().UTC(), DraftID: "D-1", Level: "NOTICE", Message: "overdue"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	var count int
	err := sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pgm_history WHERE draft_id = 'D-1'`).Scan(&count)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}

	var level string
	err = sink.db.QueryRowContext(ctx, `SELECT level FROM pgm_history WHERE type = 'alarm'`).Scan(&level)
	if err != nil {
		t.Fatalf("select alarm: %v", err)
	}
	if level != "NOTICE" {
		t.Fatalf("alarm level: %q", level)
	}
}

func TestPostgresSinkEmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
