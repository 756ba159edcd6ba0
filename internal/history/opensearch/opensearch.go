package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/pgmflow/internal/history"
)

// Sink indexes lifecycle events into OpenSearch via HTTP. Documents land at
// baseURL + "/" + index + "/_doc/" + docID(e) as JSON.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

// Send indexes one event under a deterministic document id, so a stage
// retrying after a sink failure overwrites its own document instead of
// duplicating it.
func (s *Sink) Send(ctx context.Context, e history.Event) error {
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, s.index, docID(e))
	b, _ := json.Marshal(e)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch sink: draft %s: %w", e.DraftID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink: draft %s: status %d", e.DraftID, resp.StatusCode)
	}
	return nil
}

// docID keys a document by what the event reached. A record passes each
// status once and raises at most one alarm per tier, so replays collide on
// purpose.
func docID(e history.Event) string {
	if e.Type == history.EventAlarm {
		return fmt.Sprintf("%s-alarm-%s", e.DraftID, e.Level)
	}
	return fmt.Sprintf("%s-%s-%s", e.DraftID, e.Type, e.ToStatus)
}
