package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/pgmflow/internal/store"
)

// DB implements store.Store for PostgreSQL via the pgx stdlib driver.

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pgm_record(
			draft_id TEXT PRIMARY KEY,
			process_id TEXT NOT NULL DEFAULT '',
			work_seq INTEGER NOT NULL DEFAULT 0,
			pgm_type TEXT NOT NULL,
			status TEXT NOT NULL,
			next_task TEXT NOT NULL,
			current_step INTEGER NOT NULL DEFAULT 0,
			local_path TEXT NOT NULL DEFAULT '',
			submit_user TEXT NOT NULL DEFAULT '',
			receive_user TEXT NOT NULL DEFAULT '',
			verify_code TEXT NOT NULL DEFAULT '',
			verify_desc TEXT NOT NULL DEFAULT '',
			apply_flag BOOLEAN NOT NULL DEFAULT FALSE,
			apply_at TIMESTAMPTZ NULL,
			tat_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
			tat_level INTEGER NOT NULL DEFAULT 0,
			fab TEXT NOT NULL DEFAULT '*',
			tech TEXT NOT NULL DEFAULT '*',
			module_type TEXT NOT NULL DEFAULT '*',
			grade TEXT NOT NULL DEFAULT '*',
			package TEXT NOT NULL DEFAULT '*',
			density TEXT NOT NULL DEFAULT '*',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pgm_record_next_task ON pgm_record(next_task, status);`,
		`CREATE INDEX IF NOT EXISTS idx_pgm_record_status ON pgm_record(status);`,
		`CREATE TABLE IF NOT EXISTS stage_event(
			draft_id TEXT NOT NULL,
			stage_label TEXT NOT NULL,
			stage_seq INTEGER NOT NULL DEFAULT 0,
			process_id TEXT NOT NULL DEFAULT '',
			work_seq INTEGER NOT NULL DEFAULT 0,
			actor TEXT NOT NULL DEFAULT '',
			org TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY(draft_id, stage_label)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stage_event_started ON stage_event(started_at);`,
		`CREATE TABLE IF NOT EXISTS pgm_detail(
			id BIGSERIAL PRIMARY KEY,
			draft_id TEXT NOT NULL,
			pgm_type TEXT NOT NULL,
			path TEXT NOT NULL,
			die TEXT NOT NULL DEFAULT '*',
			module TEXT NOT NULL DEFAULT '*',
			tech TEXT NOT NULL DEFAULT '*',
			grade TEXT NOT NULL DEFAULT '*',
			controller TEXT NOT NULL DEFAULT '',
			board TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pgm_detail_draft ON pgm_detail(draft_id, pgm_type);`,
		`CREATE TABLE IF NOT EXISTS tat_alarm(
			id BIGSERIAL PRIMARY KEY,
			draft_id TEXT NOT NULL,
			level INTEGER NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			raised_at TIMESTAMPTZ NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			resolved_at TIMESTAMPTZ NULL,
			resolved_by TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tat_alarm_open ON tat_alarm(draft_id, level) WHERE NOT resolved;`,
		`CREATE INDEX IF NOT EXISTS idx_tat_alarm_draft ON tat_alarm(draft_id);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *DB) Close() error { return p.db.Close() }

const programColumns = `draft_id, process_id, work_seq, pgm_type, status, next_task, current_step,
	local_path, submit_user, receive_user, verify_code, verify_desc,
	apply_flag, apply_at, tat_hours, tat_level,
	fab, tech, module_type, grade, package, density, created_at, updated_at`

func (p *DB) UpsertProgram(ctx context.Context, rec store.Program) error {
	rec.UpdatedAt = time.Now().UTC()
	applyAt := interface{}(nil)
	if rec.ApplyAt.Valid {
		applyAt = rec.ApplyAt.Time.UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pgm_record(`+programColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT(draft_id) DO UPDATE SET
			process_id=excluded.process_id,
			work_seq=excluded.work_seq,
			pgm_type=excluded.pgm_type,
			status=excluded.status,
			next_task=excluded.next_task,
			current_step=excluded.current_step,
			local_path=excluded.local_path,
			submit_user=excluded.submit_user,
			receive_user=excluded.receive_user,
			verify_code=excluded.verify_code,
			verify_desc=excluded.verify_desc,
			apply_flag=excluded.apply_flag,
			apply_at=excluded.apply_at,
			tat_hours=excluded.tat_hours,
			tat_level=excluded.tat_level,
			fab=excluded.fab,
			tech=excluded.tech,
			module_type=excluded.module_type,
			grade=excluded.grade,
			package=excluded.package,
			density=excluded.density,
			created_at=excluded.created_at,
			updated_at=excluded.updated_at;`,
		rec.DraftID, rec.ProcessID, rec.WorkSeq, string(rec.PgmType), string(rec.Status), string(rec.NextTask), rec.CurrentStep,
		rec.LocalPath, rec.SubmitUser, rec.ReceiveUser, rec.VerifyCode, rec.VerifyDesc,
		rec.ApplyFlag, applyAt, rec.TATHours, int(rec.TATLevel),
		rec.Fab, rec.Tech, rec.ModuleType, rec.Grade, rec.Package, rec.Density, rec.CreatedAt.UTC(), rec.UpdatedAt)
	return err
}

func (p *DB) GetProgram(ctx context.Context, draftID string) (store.Program, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+programColumns+` FROM pgm_record WHERE draft_id=$1;`, draftID)
	return scanProgram(row)
}

func (p *DB) ListPrograms(ctx context.Context, f store.ProgramFilter) ([]store.Program, error) {
	q := `SELECT ` + programColumns + ` FROM pgm_record`
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status=$%d", string(f.Status))
	}
	if f.NextTask != "" {
		add("next_task=$%d", string(f.NextTask))
	}
	if f.PgmType != "" {
		add("pgm_type=$%d", string(f.PgmType))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since.UTC())
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := p.db.QueryContext(ctx, q+`;`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPrograms(rows)
}

func (p *DB) ReadyFor(ctx context.Context, task store.NextTask) ([]store.Program, error) {
	want, ok := task.Precondition()
	if !ok {
		return nil, errors.New("task has no precondition: " + string(task))
	}
	q := `SELECT ` + programColumns + ` FROM pgm_record WHERE next_task=$1 AND status=$2`
	if task == store.TaskApply {
		q += ` AND apply_flag`
	}
	q += ` ORDER BY created_at ASC;`
	rows, err := p.db.QueryContext(ctx, q, string(task), string(want))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPrograms(rows)
}

func (p *DB) Advance(ctx context.Context, draftID string, from store.Status, upd store.ProgramUpdate) error {
	set := []string{"status=$1", "next_task=$2", "updated_at=$3"}
	args := []any{string(upd.Status), string(upd.NextTask), time.Now().UTC()}
	n := 3
	add := func(col string, v any) {
		n++
		set = append(set, fmt.Sprintf("%s=$%d", col, n))
		args = append(args, v)
	}
	if upd.LocalPath != nil {
		add("local_path", *upd.LocalPath)
	}
	if upd.VerifyCode != nil {
		add("verify_code", *upd.VerifyCode)
	}
	if upd.VerifyDesc != nil {
		add("verify_desc", *upd.VerifyDesc)
	}
	if upd.ApplyAt != nil {
		add("apply_at", upd.ApplyAt.UTC())
	}
	args = append(args, draftID, string(from))
	q := fmt.Sprintf(`UPDATE pgm_record SET %s WHERE draft_id=$%d AND status=$%d;`,
		strings.Join(set, ", "), n+1, n+2)
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := p.GetProgram(ctx, draftID); err != nil {
			return err
		}
		return store.ErrConflict
	}
	return nil
}

func (p *DB) ApplyIntake(ctx context.Context, draftID string, upd store.IntakeUpdate) error {
	set := []string{"current_step=$1", "updated_at=$2"}
	args := []any{upd.CurrentStep, time.Now().UTC()}
	n := 2
	add := func(col string, v any) {
		n++
		set = append(set, fmt.Sprintf("%s=$%d", col, n))
		args = append(args, v)
	}
	addStr := func(col string, v *string) {
		if v != nil {
			add(col, *v)
		}
	}
	addStr("process_id", upd.ProcessID)
	if upd.WorkSeq != nil {
		add("work_seq", *upd.WorkSeq)
	}
	addStr("submit_user", upd.SubmitUser)
	addStr("receive_user", upd.ReceiveUser)
	if upd.CreatedAt != nil {
		add("created_at", upd.CreatedAt.UTC())
	}
	addStr("fab", upd.Fab)
	addStr("tech", upd.Tech)
	addStr("module_type", upd.ModuleType)
	addStr("grade", upd.Grade)
	addStr("package", upd.Package)
	addStr("density", upd.Density)
	args = append(args, draftID, upd.CurrentStep)
	q := fmt.Sprintf(`UPDATE pgm_record SET %s WHERE draft_id=$%d AND current_step<=$%d;`,
		strings.Join(set, ", "), n+1, n+2)
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := p.GetProgram(ctx, draftID); err != nil {
			return err
		}
		// stale replay of an older stage event, nothing to write
		return nil
	}
	return nil
}

func (p *DB) SetApplyFlag(ctx context.Context, draftID string, flag bool) error {
	return p.execOne(ctx, `UPDATE pgm_record SET apply_flag=$1, updated_at=$2 WHERE draft_id=$3;`,
		flag, time.Now().UTC(), draftID)
}

func (p *DB) SetTAT(ctx context.Context, draftID string, hours float64, level store.TATLevel) error {
	return p.execOne(ctx, `UPDATE pgm_record SET tat_hours=$1, tat_level=$2, updated_at=$3 WHERE draft_id=$4;`,
		hours, int(level), time.Now().UTC(), draftID)
}

func (p *DB) NonTerminal(ctx context.Context) ([]store.Program, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+programColumns+` FROM pgm_record
		WHERE status NOT IN ($1, $2)
		ORDER BY created_at ASC;`,
		string(store.StatusMonitored), string(store.StatusVerifyFailed))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPrograms(rows)
}

func (p *DB) TATOverdue(ctx context.Context, threshold time.Duration, now time.Time) ([]store.Program, error) {
	cutoff := now.UTC().Add(-threshold)
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+programColumns+` FROM pgm_record
		WHERE status NOT IN ($1, $2) AND tat_level < $3 AND created_at < $4
		ORDER BY created_at ASC;`,
		string(store.StatusMonitored), string(store.StatusVerifyFailed), int(store.TATAlarm), cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPrograms(rows)
}

func (p *DB) PurgeTerminalOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	args := []any{string(store.StatusMonitored), string(store.StatusVerifyFailed), olderThan.UTC()}
	sub := `SELECT draft_id FROM pgm_record WHERE status IN ($1, $2) AND updated_at < $3`
	for _, tbl := range []string{"stage_event", "pgm_detail", "tat_alarm"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+tbl+` WHERE draft_id IN (`+sub+`);`, args...); err != nil {
			return 0, err
		}
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM pgm_record
		WHERE status IN ($1, $2) AND updated_at < $3;`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (p *DB) UpsertStageEvent(ctx context.Context, e store.StageEvent) error {
	e.UpdatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO stage_event(draft_id, stage_label, stage_seq, process_id, work_seq, actor, org, started_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT(draft_id, stage_label) DO UPDATE SET
			stage_seq=excluded.stage_seq,
			process_id=excluded.process_id,
			work_seq=excluded.work_seq,
			actor=excluded.actor,
			org=excluded.org,
			started_at=excluded.started_at,
			updated_at=excluded.updated_at;`,
		e.DraftID, e.StageLabel, e.StageSeq, e.ProcessID, e.WorkSeq, e.Actor, e.Org, e.StartedAt.UTC(), e.UpdatedAt)
	return err
}

func (p *DB) StageEvents(ctx context.Context, draftID string) ([]store.StageEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT draft_id, stage_label, stage_seq, process_id, work_seq, actor, org, started_at, updated_at
		FROM stage_event WHERE draft_id=$1 ORDER BY stage_seq ASC, started_at ASC;`, draftID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.StageEvent, 0)
	for rows.Next() {
		var e store.StageEvent
		if err := rows.Scan(&e.DraftID, &e.StageLabel, &e.StageSeq, &e.ProcessID, &e.WorkSeq, &e.Actor, &e.Org, &e.StartedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *DB) LatestStageEvent(ctx context.Context, draftID string) (store.StageEvent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT draft_id, stage_label, stage_seq, process_id, work_seq, actor, org, started_at, updated_at
		FROM stage_event WHERE draft_id=$1
		ORDER BY stage_seq DESC, started_at DESC LIMIT 1;`, draftID)
	var e store.StageEvent
	err := row.Scan(&e.DraftID, &e.StageLabel, &e.StageSeq, &e.ProcessID, &e.WorkSeq, &e.Actor, &e.Org, &e.StartedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.StageEvent{}, store.ErrNotFound
	}
	return e, err
}

func (p *DB) MaxStageStart(ctx context.Context) (time.Time, error) {
	var t sql.NullTime
	err := p.db.QueryRowContext(ctx, `SELECT MAX(started_at) FROM stage_event;`).Scan(&t)
	if err != nil {
		return time.Time{}, err
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

func (p *DB) ReplaceDetails(ctx context.Context, draftID string, pt store.PgmType, rows []store.DetailRow) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM pgm_detail WHERE draft_id=$1 AND pgm_type=$2;`,
		draftID, string(pt)); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pgm_detail(draft_id, pgm_type, path, die, module, tech, grade, controller, board, updated_at)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);`,
			draftID, string(pt), r.Path, r.Die, r.Module, r.Tech, r.Grade, r.Controller, r.Board, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *DB) Details(ctx context.Context, draftID string, pt store.PgmType) ([]store.DetailRow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, draft_id, pgm_type, path, die, module, tech, grade, controller, board, updated_at
		FROM pgm_detail WHERE draft_id=$1 AND pgm_type=$2 ORDER BY id ASC;`, draftID, string(pt))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.DetailRow, 0)
	for rows.Next() {
		var r store.DetailRow
		var pts string
		if err := rows.Scan(&r.ID, &r.DraftID, &pts, &r.Path, &r.Die, &r.Module, &r.Tech, &r.Grade, &r.Controller, &r.Board, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.PgmType = store.PgmType(pts)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *DB) InsertAlarm(ctx context.Context, a store.Alarm) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tat_alarm(draft_id, level, message, raised_at, resolved, resolved_at, resolved_by)
		VALUES($1,$2,$3,$4,FALSE,NULL,'');`,
		a.DraftID, int(a.Level), a.Message, a.RaisedAt.UTC())
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return store.ErrOpenAlarm
	}
	return err
}

func (p *DB) Alarms(ctx context.Context, draftID string) ([]store.Alarm, error) {
	return p.queryAlarms(ctx, `
		SELECT id, draft_id, level, message, raised_at, resolved, resolved_at, resolved_by
		FROM tat_alarm WHERE draft_id=$1 ORDER BY raised_at ASC;`, draftID)
}

func (p *DB) OpenAlarms(ctx context.Context, draftID string) ([]store.Alarm, error) {
	return p.queryAlarms(ctx, `
		SELECT id, draft_id, level, message, raised_at, resolved, resolved_at, resolved_by
		FROM tat_alarm WHERE draft_id=$1 AND NOT resolved ORDER BY raised_at ASC;`, draftID)
}

func (p *DB) AllOpenAlarms(ctx context.Context) ([]store.Alarm, error) {
	return p.queryAlarms(ctx, `
		SELECT id, draft_id, level, message, raised_at, resolved, resolved_at, resolved_by
		FROM tat_alarm WHERE NOT resolved ORDER BY raised_at ASC;`)
}

func (p *DB) ResolveAlarm(ctx context.Context, id int64, by string, at time.Time) error {
	return p.execOne(ctx, `
		UPDATE tat_alarm SET resolved=TRUE, resolved_at=$1, resolved_by=$2 WHERE id=$3 AND NOT resolved;`,
		at.UTC(), by, id)
}

func (p *DB) execOne(ctx context.Context, q string, args ...any) error {
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *DB) queryAlarms(ctx context.Context, q string, args ...any) ([]store.Alarm, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Alarm, 0)
	for rows.Next() {
		var a store.Alarm
		var level int
		if err := rows.Scan(&a.ID, &a.DraftID, &level, &a.Message, &a.RaisedAt, &a.Resolved, &a.ResolvedAt, &a.ResolvedBy); err != nil {
			return nil, err
		}
		a.Level = store.TATLevel(level)
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProgram(row rowScanner) (store.Program, error) {
	var p store.Program
	var pt, st, nt string
	var level int
	err := row.Scan(&p.DraftID, &p.ProcessID, &p.WorkSeq, &pt, &st, &nt, &p.CurrentStep,
		&p.LocalPath, &p.SubmitUser, &p.ReceiveUser, &p.VerifyCode, &p.VerifyDesc,
		&p.ApplyFlag, &p.ApplyAt, &p.TATHours, &level,
		&p.Fab, &p.Tech, &p.ModuleType, &p.Grade, &p.Package, &p.Density, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Program{}, store.ErrNotFound
	}
	if err != nil {
		return store.Program{}, err
	}
	p.PgmType = store.PgmType(pt)
	p.Status = store.Status(st)
	p.NextTask = store.NextTask(nt)
	p.TATLevel = store.TATLevel(level)
	return p, nil
}

func scanPrograms(rows *sql.Rows) ([]store.Program, error) {
	out := make([]store.Program, 0)
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
