package stage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loykin/pgmflow/internal/history"
	"github.com/loykin/pgmflow/internal/store"
	"github.com/loykin/pgmflow/internal/store/sqlite"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func seedProgram(t *testing.T, st store.Store, draftID string, status store.Status, task store.NextTask, mut func(*store.Program)) store.Program {
	t.Helper()
	p, err := store.NewProgram(draftID, store.PgmTypeAT, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("new program: %v", err)
	}
	p.Status = status
	p.NextTask = task
	if mut != nil {
		mut(&p)
	}
	if err := st.UpsertProgram(context.Background(), p); err != nil {
		t.Fatalf("seed %s: %v", draftID, err)
	}
	return p
}

func mustGet(t *testing.T, st store.Store, draftID string) store.Program {
	t.Helper()
	p, err := st.GetProgram(context.Background(), draftID)
	if err != nil {
		t.Fatalf("get %s: %v", draftID, err)
	}
	return p
}

// captureSink records every history event it receives.
type captureSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (c *captureSink) Send(_ context.Context, e history.Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) byType(typ history.EventType) []history.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]history.Event, 0)
	for _, e := range c.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
