package oms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// fakeVendor is an httptest stand-in for the vendor portal: /login plus the
// distribution endpoints, with programmable failures.
type fakeVendor struct {
	t        *testing.T
	logins   atomic.Int32
	listHits atomic.Int32

	// failures to serve before succeeding, per endpoint
	listFailures atomic.Int32
	failStatus   int

	rejectToken atomic.Bool
	drafts      []Draft
}

func (f *fakeVendor) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		f.logins.Add(1)
		f.rejectToken.Store(false)
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok", "expiresIn": 3600})
	})
	mux.HandleFunc("/dist/status", func(w http.ResponseWriter, r *http.Request) {
		f.listHits.Add(1)
		if f.rejectToken.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.listFailures.Load() > 0 {
			f.listFailures.Add(-1)
			w.WriteHeader(f.failStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(f.drafts)
	})
	mux.HandleFunc("/dist/file", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="pgm_a.bin"`)
		_, _ = w.Write([]byte("program-bytes"))
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeVendor) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	session := NewSession(SessionConfig{BaseURL: srv.URL, Username: "u", Password: "p"})
	return New(Config{
		BaseURL:       srv.URL,
		RetryInterval: 10 * time.Millisecond,
		CacheTTL:      time.Minute,
	}, session)
}

func TestListDraftsRetriesTransientFailures(t *testing.T) {
	f := &fakeVendor{t: t, failStatus: http.StatusBadGateway,
		drafts: []Draft{{DraftID: "D-1", StageLabel: "drafting"}}}
	f.listFailures.Store(2)
	c := newTestClient(t, f)

	drafts, err := c.ListDrafts(context.Background(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("list drafts: %v", err)
	}
	if len(drafts) != 1 || drafts[0].DraftID != "D-1" {
		t.Fatalf("unexpected drafts %+v", drafts)
	}
	if hits := f.listHits.Load(); hits != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits)
	}
}

func TestListDraftsPermanentFailure(t *testing.T) {
	f := &fakeVendor{t: t, failStatus: http.StatusNotFound}
	f.listFailures.Store(1)
	c := newTestClient(t, f)

	_, err := c.ListDrafts(context.Background(), time.Time{}, time.Time{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Fatalf("unexpected status %d", apiErr.Status)
	}
	// a 4xx must not be retried
	if hits := f.listHits.Load(); hits != 1 {
		t.Fatalf("expected 1 attempt, got %d", hits)
	}
}

func TestAuthFailureTriggersSingleRelogin(t *testing.T) {
	f := &fakeVendor{t: t, drafts: []Draft{{DraftID: "D-2"}}}
	c := newTestClient(t, f)

	// Prime the session, then have the vendor reject the cached token once.
	if _, err := c.ListDrafts(context.Background(), time.Time{}, time.Time{}); err != nil {
		t.Fatalf("prime: %v", err)
	}
	f.rejectToken.Store(true)
	c.cache = newResultCache(time.Minute) // bypass the primed cache entry

	if _, err := c.ListDrafts(context.Background(), time.Time{}, time.Time{}); err != nil {
		t.Fatalf("list after token rejection: %v", err)
	}
	if n := f.logins.Load(); n != 2 {
		t.Fatalf("expected exactly one re-login, got %d logins total", n)
	}
}

func TestListDraftsServedFromCache(t *testing.T) {
	f := &fakeVendor{t: t, drafts: []Draft{{DraftID: "D-3"}}}
	c := newTestClient(t, f)
	ctx := context.Background()

	begin := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := begin.Add(24 * time.Hour)
	if _, err := c.ListDrafts(ctx, begin, end); err != nil {
		t.Fatalf("first list: %v", err)
	}
	if _, err := c.ListDrafts(ctx, begin, end); err != nil {
		t.Fatalf("second list: %v", err)
	}
	if hits := f.listHits.Load(); hits != 1 {
		t.Fatalf("expected cached second call, got %d hits", hits)
	}
}

func TestDownloadFile(t *testing.T) {
	f := &fakeVendor{t: t}
	c := newTestClient(t, f)
	dir := t.TempDir()

	path, err := c.DownloadFile(context.Background(), "F-1", "P-1", 1, dir, "fallback.bin")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if filepath.Base(path) != "pgm_a.bin" {
		t.Fatalf("expected disposition filename, got %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "program-bytes" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestDownloadShortFileRemoved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok", "expiresIn": 3600})
			return
		}
		// declare more bytes than are sent
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("short"))
	}))
	defer srv.Close()

	session := NewSession(SessionConfig{BaseURL: srv.URL, Username: "u", Password: "p"})
	c := New(Config{BaseURL: srv.URL, MaxRetries: 1, RetryInterval: 10 * time.Millisecond}, session)
	dir := t.TempDir()

	_, err := c.DownloadFile(context.Background(), "F-2", "P-1", 1, dir, "f.bin")
	if err == nil {
		t.Fatalf("expected short-download error")
	}
	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		t.Fatalf("readdir: %v", readErr)
	}
	if len(entries) != 0 {
		t.Fatalf("partial file left behind: %v", entries)
	}
}

func TestResultCacheExpiry(t *testing.T) {
	c := newResultCache(10 * time.Millisecond)
	c.put("k", []byte("v"))
	if _, ok := c.get("k"); !ok {
		t.Fatalf("expected fresh entry")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.get("k"); ok {
		t.Fatalf("expected entry to age out")
	}
}
