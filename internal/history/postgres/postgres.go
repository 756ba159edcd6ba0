package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/pgmflow/internal/history"
)

// Sink writes lifecycle events to a PostgreSQL database.
type Sink struct {
	db *sql.DB
}

// New creates a PostgreSQL history sink from a postgres:// DSN.
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty PostgreSQL DSN")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS pgm_history(
		occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		type TEXT NOT NULL,
		draft_id TEXT NOT NULL,
		from_status TEXT,
		to_status TEXT,
		next_task TEXT,
		level TEXT,
		message TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pgm_history(occurred_at, type, draft_id, from_status, to_status, next_task, level, message)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8);`,
		e.OccurredAt.UTC(), string(e.Type), e.DraftID, e.FromStatus, e.ToStatus, e.NextTask, e.Level, e.Message)
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
