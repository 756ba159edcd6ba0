package stage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/loykin/pgmflow/internal/history"
	"github.com/loykin/pgmflow/internal/metrics"
	"github.com/loykin/pgmflow/internal/store"
	"github.com/loykin/pgmflow/internal/verify"
)

// Verify runs the verification engine over every record waiting at VERIFY.
// Acceptance advances to VERIFIED/APPLY; rejection is terminal
// (VERIFY_FAILED/NONE) and waits for a human. There is no automatic
// re-verify.
type Verify struct {
	st     store.Store
	engine *verify.Engine
	atExts []string
	sink   history.Sink
	logger *slog.Logger
}

func NewVerify(st store.Store, engine *verify.Engine, sink history.Sink, logger *slog.Logger) *Verify {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verify{
		st:     st,
		engine: engine,
		atExts: verify.DefaultConfig().ATExtensions,
		sink:   sink,
		logger: logger,
	}
}

func (s *Verify) Name() string { return "verify" }

func (s *Verify) Run(ctx context.Context) error {
	recs, err := s.st.ReadyFor(ctx, store.TaskVerify)
	if err != nil {
		return fmt.Errorf("verify: ready query: %w", err)
	}
	for _, rec := range recs {
		if err := s.process(ctx, rec); err != nil {
			s.logger.Error("verification failed for draft", "draft", rec.DraftID, "error", err)
		}
	}
	return nil
}

func (s *Verify) process(ctx context.Context, rec store.Program) error {
	local, archiveErr := s.gatherLocal(rec.LocalPath)

	var result verify.Result
	if archiveErr != nil {
		// corrupt/empty archive: rejected before path comparison
		result = s.engine.RejectArchive(archiveErr)
	} else {
		canonAT, err := s.canonicalPaths(ctx, rec.DraftID, store.PgmTypeAT)
		if err != nil {
			return err
		}
		canonET, err := s.canonicalPaths(ctx, rec.DraftID, store.PgmTypeET)
		if err != nil {
			return err
		}
		result = s.engine.Evaluate(local, canonAT, canonET)
	}

	code := result.Code.String()
	desc := result.Description
	metrics.VerificationResult(result.Accepted)

	if result.Accepted {
		upd := store.ProgramUpdate{
			Status:     store.StatusVerified,
			NextTask:   store.TaskApply,
			VerifyCode: &code,
			VerifyDesc: &desc,
		}
		if err := s.st.Advance(ctx, rec.DraftID, store.StatusDownloaded, upd); err != nil {
			return fmt.Errorf("advance to verified: %w", err)
		}
		metrics.RecordAdvanced(s.Name())
		emitTransition(ctx, s.sink, s.logger, rec.DraftID, store.StatusDownloaded, store.StatusVerified, store.TaskApply)
		s.logger.Info("draft verified", "draft", rec.DraftID, "code", code)
		return nil
	}

	upd := store.ProgramUpdate{
		Status:     store.StatusVerifyFailed,
		NextTask:   store.TaskNone,
		VerifyCode: &code,
		VerifyDesc: &desc,
	}
	if err := s.st.Advance(ctx, rec.DraftID, store.StatusDownloaded, upd); err != nil {
		return fmt.Errorf("advance to verify_failed: %w", err)
	}
	emitTransition(ctx, s.sink, s.logger, rec.DraftID, store.StatusDownloaded, store.StatusVerifyFailed, store.TaskNone)
	s.logger.Warn("draft rejected by verification", "draft", rec.DraftID, "code", code, "desc", desc)
	return nil
}

// gatherLocal walks the draft directory and returns the full local file
// set. AT archives are validated on the way: their entry names join the
// local set, and a single invalid archive fails the whole draft.
func (s *Verify) gatherLocal(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	var files []string
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // unreadable entries are treated as absent
		}
		files = append(files, path)
		return nil
	})
	if walkErr != nil {
		return nil, nil
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f)
		if strings.EqualFold(filepath.Ext(f), ".zip") {
			entries, err := verify.ValidateArchive(f, s.atExts)
			if err != nil {
				return nil, err
			}
			out = append(out, entries...)
		}
	}
	return out, nil
}

func (s *Verify) canonicalPaths(ctx context.Context, draftID string, pt store.PgmType) ([]string, error) {
	rows, err := s.st.Details(ctx, draftID, pt)
	if err != nil {
		return nil, fmt.Errorf("details for %s/%s: %w", draftID, pt, err)
	}
	paths := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.Path != "" {
			paths = append(paths, r.Path)
		}
	}
	return paths, nil
}
