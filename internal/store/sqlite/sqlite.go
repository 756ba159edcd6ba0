package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/pgmflow/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
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
			apply_flag BOOLEAN NOT NULL DEFAULT 0,
			apply_at TIMESTAMP NULL,
			tat_hours REAL NOT NULL DEFAULT 0,
			tat_level INTEGER NOT NULL DEFAULT 0,
			fab TEXT NOT NULL DEFAULT '*',
			tech TEXT NOT NULL DEFAULT '*',
			module_type TEXT NOT NULL DEFAULT '*',
			grade TEXT NOT NULL DEFAULT '*',
			package TEXT NOT NULL DEFAULT '*',
			density TEXT NOT NULL DEFAULT '*',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
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
			started_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY(draft_id, stage_label)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stage_event_started ON stage_event(started_at);`,
		`CREATE TABLE IF NOT EXISTS pgm_detail(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			draft_id TEXT NOT NULL,
			pgm_type TEXT NOT NULL,
			path TEXT NOT NULL,
			die TEXT NOT NULL DEFAULT '*',
			module TEXT NOT NULL DEFAULT '*',
			tech TEXT NOT NULL DEFAULT '*',
			grade TEXT NOT NULL DEFAULT '*',
			controller TEXT NOT NULL DEFAULT '',
			board TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pgm_detail_draft ON pgm_detail(draft_id, pgm_type);`,
		`CREATE TABLE IF NOT EXISTS tat_alarm(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			draft_id TEXT NOT NULL,
			level INTEGER NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			raised_at TIMESTAMP NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT 0,
			resolved_at TIMESTAMP NULL,
			resolved_by TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tat_alarm_open ON tat_alarm(draft_id, level) WHERE resolved=0;`,
		`CREATE INDEX IF NOT EXISTS idx_tat_alarm_draft ON tat_alarm(draft_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *DB) Close() error { return s.db.Close() }

const programColumns = `draft_id, process_id, work_seq, pgm_type, status, next_task, current_step,
	local_path, submit_user, receive_user, verify_code, verify_desc,
	apply_flag, apply_at, tat_hours, tat_level,
	fab, tech, module_type, grade, package, density, created_at, updated_at`

func (s *DB) UpsertProgram(ctx context.Context, p store.Program) error {
	p.UpdatedAt = time.Now().UTC()
	applyAt := interface{}(nil)
	if p.ApplyAt.Valid {
		applyAt = p.ApplyAt.Time.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pgm_record(`+programColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		p.DraftID, p.ProcessID, p.WorkSeq, string(p.PgmType), string(p.Status), string(p.NextTask), p.CurrentStep,
		p.LocalPath, p.SubmitUser, p.ReceiveUser, p.VerifyCode, p.VerifyDesc,
		p.ApplyFlag, applyAt, p.TATHours, int(p.TATLevel),
		p.Fab, p.Tech, p.ModuleType, p.Grade, p.Package, p.Density, p.CreatedAt.UTC(), p.UpdatedAt)
	return err
}

func (s *DB) GetProgram(ctx context.Context, draftID string) (store.Program, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+programColumns+` FROM pgm_record WHERE draft_id=?;`, draftID)
	return scanProgram(row)
}

func (s *DB) ListPrograms(ctx context.Context, f store.ProgramFilter) ([]store.Program, error) {
	q := `SELECT ` + programColumns + ` FROM pgm_record`
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if f.NextTask != "" {
		where = append(where, "next_task=?")
		args = append(args, string(f.NextTask))
	}
	if f.PgmType != "" {
		where = append(where, "pgm_type=?")
		args = append(args, string(f.PgmType))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q+`;`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPrograms(rows)
}

func (s *DB) ReadyFor(ctx context.Context, task store.NextTask) ([]store.Program, error) {
	want, ok := task.Precondition()
	if !ok {
		return nil, errors.New("task has no precondition: " + string(task))
	}
	q := `SELECT ` + programColumns + ` FROM pgm_record WHERE next_task=? AND status=?`
	if task == store.TaskApply {
		q += ` AND apply_flag=1`
	}
	q += ` ORDER BY created_at ASC;`
	rows, err := s.db.QueryContext(ctx, q, string(task), string(want))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPrograms(rows)
}

func (s *DB) Advance(ctx context.Context, draftID string, from store.Status, upd store.ProgramUpdate) error {
	set := []string{"status=?", "next_task=?", "updated_at=?"}
	args := []any{string(upd.Status), string(upd.NextTask), time.Now().UTC()}
	if upd.LocalPath != nil {
		set = append(set, "local_path=?")
		args = append(args, *upd.LocalPath)
	}
	if upd.VerifyCode != nil {
		set = append(set, "verify_code=?")
		args = append(args, *upd.VerifyCode)
	}
	if upd.VerifyDesc != nil {
		set = append(set, "verify_desc=?")
		args = append(args, *upd.VerifyDesc)
	}
	if upd.ApplyAt != nil {
		set = append(set, "apply_at=?")
		args = append(args, upd.ApplyAt.UTC())
	}
	args = append(args, draftID, string(from))
	res, err := s.db.ExecContext(ctx,
		`UPDATE pgm_record SET `+strings.Join(set, ", ")+` WHERE draft_id=? AND status=?;`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetProgram(ctx, draftID); err != nil {
			return err
		}
		return store.ErrConflict
	}
	return nil
}

func (s *DB) ApplyIntake(ctx context.Context, draftID string, upd store.IntakeUpdate) error {
	set := []string{"current_step=?", "updated_at=?"}
	args := []any{upd.CurrentStep, time.Now().UTC()}
	appendStr := func(col string, v *string) {
		if v != nil {
			set = append(set, col+"=?")
			args = append(args, *v)
		}
	}
	appendStr("process_id", upd.ProcessID)
	if upd.WorkSeq != nil {
		set = append(set, "work_seq=?")
		args = append(args, *upd.WorkSeq)
	}
	appendStr("submit_user", upd.SubmitUser)
	appendStr("receive_user", upd.ReceiveUser)
	if upd.CreatedAt != nil {
		set = append(set, "created_at=?")
		args = append(args, upd.CreatedAt.UTC())
	}
	appendStr("fab", upd.Fab)
	appendStr("tech", upd.Tech)
	appendStr("module_type", upd.ModuleType)
	appendStr("grade", upd.Grade)
	appendStr("package", upd.Package)
	appendStr("density", upd.Density)
	args = append(args, draftID, upd.CurrentStep)
	res, err := s.db.ExecContext(ctx,
		`UPDATE pgm_record SET `+strings.Join(set, ", ")+` WHERE draft_id=? AND current_step<=?;`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetProgram(ctx, draftID); err != nil {
			return err
		}
		// stale replay of an older stage event, nothing to write
		return nil
	}
	return nil
}

func (s *DB) SetApplyFlag(ctx context.Context, draftID string, flag bool) error {
	return s.execOne(ctx, `UPDATE pgm_record SET apply_flag=?, updated_at=? WHERE draft_id=?;`,
		flag, time.Now().UTC(), draftID)
}

func (s *DB) SetTAT(ctx context.Context, draftID string, hours float64, level store.TATLevel) error {
	return s.execOne(ctx, `UPDATE pgm_record SET tat_hours=?, tat_level=?, updated_at=? WHERE draft_id=?;`,
		hours, int(level), time.Now().UTC(), draftID)
}

func (s *DB) NonTerminal(ctx context.Context) ([]store.Program, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+programColumns+` FROM pgm_record
		WHERE status NOT IN (?, ?)
		ORDER BY created_at ASC;`,
		string(store.StatusMonitored), string(store.StatusVerifyFailed))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPrograms(rows)
}

func (s *DB) TATOverdue(ctx context.Context, threshold time.Duration, now time.Time) ([]store.Program, error) {
	cutoff := now.UTC().Add(-threshold)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+programColumns+` FROM pgm_record
		WHERE status NOT IN (?, ?) AND tat_level < ? AND created_at < ?
		ORDER BY created_at ASC;`,
		string(store.StatusMonitored), string(store.StatusVerifyFailed), int(store.TATAlarm), cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPrograms(rows)
}

func (s *DB) PurgeTerminalOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	args := []any{string(store.StatusMonitored), string(store.StatusVerifyFailed), olderThan.UTC()}
	sub := `SELECT draft_id FROM pgm_record WHERE status IN (?, ?) AND updated_at < ?`
	for _, tbl := range []string{"stage_event", "pgm_detail", "tat_alarm"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+tbl+` WHERE draft_id IN (`+sub+`);`, args...); err != nil {
			return 0, err
		}
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM pgm_record
		WHERE status IN (?, ?) AND updated_at < ?;`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (s *DB) UpsertStageEvent(ctx context.Context, e store.StageEvent) error {
	e.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_event(draft_id, stage_label, stage_seq, process_id, work_seq, actor, org, started_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
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

func (s *DB) StageEvents(ctx context.Context, draftID string) ([]store.StageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT draft_id, stage_label, stage_seq, process_id, work_seq, actor, org, started_at, updated_at
		FROM stage_event WHERE draft_id=? ORDER BY stage_seq ASC, started_at ASC;`, draftID)
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

func (s *DB) LatestStageEvent(ctx context.Context, draftID string) (store.StageEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT draft_id, stage_label, stage_seq, process_id, work_seq, actor, org, started_at, updated_at
		FROM stage_event WHERE draft_id=?
		ORDER BY stage_seq DESC, started_at DESC LIMIT 1;`, draftID)
	var e store.StageEvent
	err := row.Scan(&e.DraftID, &e.StageLabel, &e.StageSeq, &e.ProcessID, &e.WorkSeq, &e.Actor, &e.Org, &e.StartedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.StageEvent{}, store.ErrNotFound
	}
	return e, err
}

func (s *DB) MaxStageStart(ctx context.Context) (time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT MAX(started_at) FROM stage_event;`).Scan(&t)
	if err != nil {
		return time.Time{}, err
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

func (s *DB) ReplaceDetails(ctx context.Context, draftID string, pt store.PgmType, rows []store.DetailRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM pgm_detail WHERE draft_id=? AND pgm_type=?;`,
		draftID, string(pt)); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pgm_detail(draft_id, pgm_type, path, die, module, tech, grade, controller, board, updated_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			draftID, string(pt), r.Path, r.Die, r.Module, r.Tech, r.Grade, r.Controller, r.Board, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *DB) Details(ctx context.Context, draftID string, pt store.PgmType) ([]store.DetailRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, draft_id, pgm_type, path, die, module, tech, grade, controller, board, updated_at
		FROM pgm_detail WHERE draft_id=? AND pgm_type=? ORDER BY id ASC;`, draftID, string(pt))
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

func (s *DB) InsertAlarm(ctx context.Context, a store.Alarm) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tat_alarm(draft_id, level, message, raised_at, resolved, resolved_at, resolved_by)
		VALUES(?, ?, ?, ?, 0, NULL, '');`,
		a.DraftID, int(a.Level), a.Message, a.RaisedAt.UTC())
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return store.ErrOpenAlarm
	}
	return err
}

func (s *DB) Alarms(ctx context.Context, draftID string) ([]store.Alarm, error) {
	return s.queryAlarms(ctx, `
		SELECT id, draft_id, level, message, raised_at, resolved, resolved_at, resolved_by
		FROM tat_alarm WHERE draft_id=? ORDER BY raised_at ASC;`, draftID)
}

func (s *DB) OpenAlarms(ctx context.Context, draftID string) ([]store.Alarm, error) {
	return s.queryAlarms(ctx, `
		SELECT id, draft_id, level, message, raised_at, resolved, resolved_at, resolved_by
		FROM tat_alarm WHERE draft_id=? AND resolved=0 ORDER BY raised_at ASC;`, draftID)
}

func (s *DB) AllOpenAlarms(ctx context.Context) ([]store.Alarm, error) {
	return s.queryAlarms(ctx, `
		SELECT id, draft_id, level, message, raised_at, resolved, resolved_at, resolved_by
		FROM tat_alarm WHERE resolved=0 ORDER BY raised_at ASC;`)
}

func (s *DB) ResolveAlarm(ctx context.Context, id int64, by string, at time.Time) error {
	return s.execOne(ctx, `
		UPDATE tat_alarm SET resolved=1, resolved_at=?, resolved_by=? WHERE id=? AND resolved=0;`,
		at.UTC(), by, id)
}

func (s *DB) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
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

func (s *DB) queryAlarms(ctx context.Context, q string, args ...any) ([]store.Alarm, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
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
