package stage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/pgmflow/internal/oms"
	"github.com/loykin/pgmflow/internal/store"
)

type fakeDistServer struct {
	details   []oms.ProgramDetail
	fileHits  atomic.Int32
	failFiles atomic.Bool
}

func (f *fakeDistServer) start(t *testing.T) *oms.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok", "expiresIn": 3600})
	})
	mux.HandleFunc("/dist/detail", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(f.details)
	})
	mux.HandleFunc("/dist/file", func(w http.ResponseWriter, r *http.Request) {
		f.fileHits.Add(1)
		if f.failFiles.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="main.pat"`)
		_, _ = w.Write([]byte("pattern-data"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	session := oms.NewSession(oms.SessionConfig{BaseURL: srv.URL, Username: "u", Password: "p"})
	return oms.New(oms.Config{
		BaseURL: srv.URL, CacheTTL: time.Nanosecond,
		MaxRetries: 1, RetryInterval: time.Millisecond,
	}, session)
}

func TestDownloadFetchesAndAdvances(t *testing.T) {
	st := newTestStore(t)
	f := &fakeDistServer{details: []oms.ProgramDetail{{
		Path: `PGM\MAIN.PAT`, Die: "D1",
		Files: []oms.AttachedFile{{FileID: "F-1", Name: "main.pat", Size: 12}},
	}}}
	api := f.start(t)
	root := t.TempDir()
	sink := &captureSink{}

	seedProgram(t, st, "D-400", store.StatusNew, store.TaskDownload, func(p *store.Program) {
		p.ProcessID = "P-4"
		p.WorkSeq = 1
	})

	dl := NewDownload(st, api, root, sink, nil)
	if err := dl.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	p := mustGet(t, st, "D-400")
	if p.Status != store.StatusDownloaded || p.NextTask != store.TaskVerify {
		t.Fatalf("record not advanced: %+v", p)
	}
	if p.LocalPath != filepath.Join(root, "D-400") {
		t.Fatalf("unexpected local path %q", p.LocalPath)
	}
	data, err := os.ReadFile(filepath.Join(p.LocalPath, "main.pat"))
	if err != nil {
		t.Fatalf("downloaded file: %v", err)
	}
	if string(data) != "pattern-data" {
		t.Fatalf("unexpected content %q", data)
	}

	rows, err := st.Details(context.Background(), "D-400", store.PgmTypeAT)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if len(rows) != 1 || rows[0].Path != `PGM\MAIN.PAT` {
		t.Fatalf("details not stored: %+v", rows)
	}
	if len(sink.byType("transition")) != 1 {
		t.Fatalf("expected one transition event")
	}
}

func TestDownloadSkipsPopulatedDirectory(t *testing.T) {
	st := newTestStore(t)
	f := &fakeDistServer{}
	api := f.start(t)
	root := t.TempDir()

	dir := filepath.Join(root, "D-401")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "already.pat"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	seedProgram(t, st, "D-401", store.StatusNew, store.TaskDownload, func(p *store.Program) {
		p.ProcessID = "P-4"
	})

	dl := NewDownload(st, api, root, nil, nil)
	if err := dl.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	p := mustGet(t, st, "D-401")
	if p.Status != store.StatusDownloaded {
		t.Fatalf("pre-populated draft not advanced: %+v", p)
	}
	if hits := f.fileHits.Load(); hits != 0 {
		t.Fatalf("network touched for populated draft: %d hits", hits)
	}
}

func TestDownloadLeavesDraftOnTotalFailure(t *testing.T) {
	st := newTestStore(t)
	f := &fakeDistServer{details: []oms.ProgramDetail{{
		Path:  `PGM\MAIN.PAT`,
		Files: []oms.AttachedFile{{FileID: "F-2", Name: "main.pat"}},
	}}}
	f.failFiles.Store(true)
	api := f.start(t)

	seedProgram(t, st, "D-402", store.StatusNew, store.TaskDownload, func(p *store.Program) {
		p.ProcessID = "P-4"
	})

	dl := NewDownload(st, api, t.TempDir(), nil, nil)
	if err := dl.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	p := mustGet(t, st, "D-402")
	if p.Status != store.StatusNew || p.NextTask != store.TaskDownload {
		t.Fatalf("draft with zero downloads must stay put: %+v", p)
	}
}
