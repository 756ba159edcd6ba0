package stage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/pgmflow/internal/oms"
	"github.com/loykin/pgmflow/internal/store"
)

// Vendor workflow stage labels with intake side effects. Matching is by
// substring on the lower-cased label, since the portal decorates labels with
// numbering and localized suffixes.
const (
	LabelDrafting     = "drafting"
	LabelSubconResult = "subcontractor result"
)

// Intake polls the vendor API for drafts changed since the store's
// high-water mark, upserts the vendor-history snapshots and creates or
// advances program records. Re-running over an already-seen window is a
// no-op: stage events upsert on their composite key and records never move
// backward.
type Intake struct {
	st     store.Store
	api    *oms.Client
	logger *slog.Logger
}

func NewIntake(st store.Store, api *oms.Client, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{st: st, api: api, logger: logger}
}

func (s *Intake) Name() string { return "intake" }

func (s *Intake) Run(ctx context.Context) error {
	mark, err := s.st.MaxStageStart(ctx)
	if err != nil {
		return fmt.Errorf("intake: high-water mark: %w", err)
	}
	// zero mark falls back to the client's default catch-up window
	drafts, err := s.api.ListDrafts(ctx, mark, time.Time{})
	if err != nil {
		return fmt.Errorf("intake: list drafts: %w", err)
	}

	var failed int
	for _, d := range drafts {
		if err := s.ingest(ctx, d); err != nil {
			failed++
			s.logger.Error("intake failed for draft", "draft", d.DraftID, "stage", d.StageLabel, "error", err)
		}
	}
	s.logger.Info("intake pass complete", "drafts", len(drafts), "failed", failed)
	return nil
}

func (s *Intake) ingest(ctx context.Context, d oms.Draft) error {
	ev, err := store.NewStageEvent(d.DraftID, d.StageLabel)
	if err != nil {
		return err
	}
	ev.StageSeq = d.StageSeq
	ev.ProcessID = d.ProcessID
	ev.WorkSeq = d.WorkSeq
	ev.Actor = d.Actor
	ev.Org = d.Org
	ev.StartedAt = d.StartedAt
	if err := s.st.UpsertStageEvent(ctx, ev); err != nil {
		return fmt.Errorf("upsert stage event: %w", err)
	}

	_, err = s.st.GetProgram(ctx, d.DraftID)
	switch {
	case err == nil:
		return s.advance(ctx, d)
	case err == store.ErrNotFound:
		return s.create(ctx, d)
	default:
		return fmt.Errorf("get program: %w", err)
	}
}

func (s *Intake) create(ctx context.Context, d oms.Draft) error {
	pt := store.InferPgmType(d.ProcessType)
	if !strings.Contains(strings.ToUpper(d.ProcessType), "ET") &&
		!strings.Contains(strings.ToUpper(d.ProcessType), "AT") {
		s.logger.Warn("process type unrecognized, defaulting to ET",
			"draft", d.DraftID, "process_type", d.ProcessType)
	}
	p, err := store.NewProgram(d.DraftID, pt, d.StartedAt)
	if err != nil {
		return err
	}
	p.ProcessID = d.ProcessID
	p.WorkSeq = d.WorkSeq
	p.CurrentStep = d.StageSeq
	applyDescriptors(&p, d)
	applyStageEffects(&p, d)
	if err := s.st.UpsertProgram(ctx, p); err != nil {
		return fmt.Errorf("create program: %w", err)
	}
	s.logger.Info("new draft ingested", "draft", d.DraftID, "type", string(pt), "stage", d.StageLabel)
	return nil
}

func (s *Intake) advance(ctx context.Context, d oms.Draft) error {
	// Intake writes only the columns it owns; the other stages and the
	// operator API keep racing freely on status, next_task and the apply
	// flag. The store guards with current_step so stale stage rows from
	// catch-up windows never regress the record.
	upd := intakeUpdate(d)
	if err := s.st.ApplyIntake(ctx, d.DraftID, upd); err != nil {
		return fmt.Errorf("advance program: %w", err)
	}
	return nil
}

// intakeUpdate maps a vendor draft row onto the intake-owned record fields.
func intakeUpdate(d oms.Draft) store.IntakeUpdate {
	upd := store.IntakeUpdate{CurrentStep: d.StageSeq}
	if d.ProcessID != "" {
		upd.ProcessID = &d.ProcessID
		upd.WorkSeq = &d.WorkSeq
	}
	set := func(dst **string, v *string) {
		if *v != "" {
			*dst = v
		}
	}
	set(&upd.Fab, &d.Fab)
	set(&upd.Tech, &d.Tech)
	set(&upd.ModuleType, &d.ModuleType)
	set(&upd.Grade, &d.Grade)
	set(&upd.Package, &d.Package)
	set(&upd.Density, &d.Density)
	label := strings.ToLower(d.StageLabel)
	switch {
	case strings.Contains(label, LabelDrafting):
		if !d.StartedAt.IsZero() {
			t := d.StartedAt.UTC()
			upd.CreatedAt = &t
		}
		set(&upd.SubmitUser, &d.Actor)
	case strings.Contains(label, LabelSubconResult):
		set(&upd.ReceiveUser, &d.Actor)
	}
	return upd
}

// applyStageEffects seeds the stage-specific fields: drafting carries the
// submission time and user, subcontractor result the receiving user.
func applyStageEffects(p *store.Program, d oms.Draft) {
	label := strings.ToLower(d.StageLabel)
	switch {
	case strings.Contains(label, LabelDrafting):
		if !d.StartedAt.IsZero() {
			p.CreatedAt = d.StartedAt.UTC()
		}
		if d.Actor != "" {
			p.SubmitUser = d.Actor
		}
	case strings.Contains(label, LabelSubconResult):
		if d.Actor != "" {
			p.ReceiveUser = d.Actor
		}
	}
}

// applyDescriptors copies product descriptors when the vendor filled them.
func applyDescriptors(p *store.Program, d oms.Draft) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&p.Fab, d.Fab)
	set(&p.Tech, d.Tech)
	set(&p.ModuleType, d.ModuleType)
	set(&p.Grade, d.Grade)
	set(&p.Package, d.Package)
	set(&p.Density, d.Density)
}
