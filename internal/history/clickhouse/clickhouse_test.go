package clickhouse

import (
	"context"
	"testing"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcclickhouse "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/pgmflow/internal/history"
)

// startClickHouseContainer starts a ClickHouse container and returns its
// native-protocol address. It skips the test if Docker is unavailable.
func startClickHouseContainer(t *testing.T) (addr string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := tcclickhouse.Run(ctx, "clickhouse/clickhouse-server:24-alpine",
		tcclickhouse.WithUsername("default"),
		tcclickhouse.WithPassword(""),
		tcclickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start ClickHouse container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}
	port, err := container.MappedPort(ctx, "9000/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}
	return host + ":" + port.Port(), terminate
}

func createHistoryTable(t *testing.T, addr string) {
	t.Helper()
	conn, err := ch.Open(&ch.Options{
		Addr: []string{addr},
		Auth: ch.Auth{Database: "default", Username: "default", Password: ""},
	})
	if err != nil {
		t.Fatalf("open clickhouse: %v", err)
	}
	defer func() { _ = conn.Close() }()

	err = conn.Exec(context.Background(), `
		CREATE TABLE IF NOT EXISTS pgm_history (
			type String,
			occurred_at DateTime,
			draft_id String,
			from_status String,
			to_status String,
			next_task String,
			level String,
			message String
		) ENGINE = MergeTree ORDER BY occurred_at`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
}

func TestClickHouseSinkRoundTrip(t *testing.T) {
	addr, terminate := startClickHouseContainer(t)
	defer terminate()
	createHistoryTable(t, addr)

	sink, err := New(addr, "pgm_history")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	events := []history.Event{
		{Type: history.EventTransition, OccurredAt: time.Now().UTC(), DraftID: "D-1", FromStatus: "NEW", ToStatus: "DOWNLOADED", NextTask: "VERIFY"},
		{Type: history.EventAlarm, OccurredAt: time.Now().UTC(), DraftID: "D-1", Level: "NOTICE", Message: "overdue"},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	var count uint64
	row := sink.conn.QueryRow(ctx, `SELECT COUNT(*) FROM pgm_history WHERE draft_id = 'D-1'`)
	require.NoError(t, row.Scan(&count))
	require.EqualValues(t, 2, count)
}

func TestClickHouseSinkUnreachable(t *testing.T) {
	if _, err := New("127.0.0.1:1", "pgm_history"); err == nil {
		t.Fatalf("expected error for unreachable server")
	}
}
