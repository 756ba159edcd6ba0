package stage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loykin/pgmflow/internal/history"
	"github.com/loykin/pgmflow/internal/metrics"
	"github.com/loykin/pgmflow/internal/oms"
	"github.com/loykin/pgmflow/internal/store"
)

// Download fetches the declared attachments of every record waiting at
// DOWNLOAD into a per-draft directory under Root. A draft whose directory
// already holds content is treated as downloaded and advanced without
// touching the network. A draft with zero successful downloads stays at
// DOWNLOAD for the next pass; partial downloads advance (best effort).
type Download struct {
	st     store.Store
	api    *oms.Client
	root   string
	sink   history.Sink
	logger *slog.Logger
}

func NewDownload(st store.Store, api *oms.Client, root string, sink history.Sink, logger *slog.Logger) *Download {
	if logger == nil {
		logger = slog.Default()
	}
	return &Download{st: st, api: api, root: root, sink: sink, logger: logger}
}

func (s *Download) Name() string { return "download" }

func (s *Download) Run(ctx context.Context) error {
	recs, err := s.st.ReadyFor(ctx, store.TaskDownload)
	if err != nil {
		return fmt.Errorf("download: ready query: %w", err)
	}
	for _, rec := range recs {
		if err := s.process(ctx, rec); err != nil {
			s.logger.Error("download failed for draft", "draft", rec.DraftID, "error", err)
		}
	}
	return nil
}

func (s *Download) process(ctx context.Context, rec store.Program) error {
	dir := filepath.Join(s.root, rec.DraftID)
	if dirHasContent(dir) {
		s.logger.Info("draft directory already populated, skipping fetch", "draft", rec.DraftID)
		return s.markDownloaded(ctx, rec, dir)
	}

	processID, workSeq := rec.ProcessID, rec.WorkSeq
	if ev, err := s.st.LatestStageEvent(ctx, rec.DraftID); err == nil && ev.ProcessID != "" {
		processID, workSeq = ev.ProcessID, ev.WorkSeq
	}
	if processID == "" {
		return fmt.Errorf("no process id known for draft %s", rec.DraftID)
	}

	var ok, failed int
	for _, pt := range pgmTypes(rec.PgmType) {
		details, err := s.api.GetProgramDetail(ctx, processID, workSeq, string(pt))
		if err != nil {
			s.logger.Error("program detail fetch failed", "draft", rec.DraftID, "type", string(pt), "error", err)
			failed++
			continue
		}
		if err := s.st.ReplaceDetails(ctx, rec.DraftID, pt, detailRows(rec.DraftID, pt, details)); err != nil {
			return fmt.Errorf("replace details: %w", err)
		}
		for _, d := range details {
			for _, f := range d.Files {
				path, err := s.api.DownloadFile(ctx, f.FileID, processID, workSeq, dir, f.Name)
				if err != nil {
					failed++
					s.logger.Error("attachment download failed", "draft", rec.DraftID, "file", f.Name, "error", err)
					continue
				}
				ok++
				metrics.DownloadedFile(fileSize(path))
			}
		}
	}

	if ok == 0 {
		// left at DOWNLOAD; the next scheduled pass retries the whole draft
		s.logger.Warn("no files downloaded, draft left for retry", "draft", rec.DraftID, "failed", failed)
		return nil
	}
	s.logger.Info("draft downloaded", "draft", rec.DraftID, "files", ok, "failed", failed)
	return s.markDownloaded(ctx, rec, dir)
}

func (s *Download) markDownloaded(ctx context.Context, rec store.Program, dir string) error {
	upd := store.ProgramUpdate{
		Status:    store.StatusDownloaded,
		NextTask:  store.TaskVerify,
		LocalPath: &dir,
	}
	if err := s.st.Advance(ctx, rec.DraftID, store.StatusNew, upd); err != nil {
		return fmt.Errorf("advance to downloaded: %w", err)
	}
	metrics.RecordAdvanced(s.Name())
	emitTransition(ctx, s.sink, s.logger, rec.DraftID, store.StatusNew, store.StatusDownloaded, store.TaskVerify)
	return nil
}

// pgmTypes expands BOTH into the two concrete vendor detail variants.
func pgmTypes(pt store.PgmType) []store.PgmType {
	if pt == store.PgmTypeBoth {
		return []store.PgmType{store.PgmTypeET, store.PgmTypeAT}
	}
	return []store.PgmType{pt}
}

func detailRows(draftID string, pt store.PgmType, details []oms.ProgramDetail) []store.DetailRow {
	rows := make([]store.DetailRow, 0, len(details))
	for _, d := range details {
		rows = append(rows, store.DetailRow{
			DraftID:    draftID,
			PgmType:    pt,
			Path:       d.Path,
			Die:        orWildcard(d.Die),
			Module:     orWildcard(d.Module),
			Tech:       orWildcard(d.Tech),
			Grade:      orWildcard(d.Grade),
			Controller: d.Controller,
			Board:      d.Board,
		})
	}
	return rows
}

func orWildcard(v string) string {
	if v == "" {
		return store.Wildcard
	}
	return v
}

func dirHasContent(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
