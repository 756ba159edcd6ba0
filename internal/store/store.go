package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned by Advance when the record exists but its status
// no longer matches the expected precondition (another pass got there first,
// or a human moved it).
var ErrConflict = errors.New("store: status precondition failed")

// ErrOpenAlarm is returned by InsertAlarm when an open alarm already exists
// for the same (draft, level).
var ErrOpenAlarm = errors.New("store: open alarm exists for level")

// Store is the lifecycle store shared by all stages. Stages coordinate only
// through it: each pass reads records by next_task and writes the new state
// back before touching the next record.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Programs.
	UpsertProgram(ctx context.Context, p Program) error
	GetProgram(ctx context.Context, draftID string) (Program, error)
	// ListPrograms returns records matching the filter, newest first.
	ListPrograms(ctx context.Context, f ProgramFilter) ([]Program, error)
	// ReadyFor returns records whose next_task equals task and whose status
	// satisfies the task's precondition, oldest first.
	ReadyFor(ctx context.Context, task NextTask) ([]Program, error)
	// Advance atomically moves one record from the expected status to the
	// new state in upd. It is a single statement: either the whole update
	// lands or the record is untouched. ErrConflict when the status check
	// fails, ErrNotFound when the draft does not exist.
	Advance(ctx context.Context, draftID string, from Status, upd ProgramUpdate) error
	// ApplyIntake writes only the intake-owned columns of upd, guarded by
	// `current_step <= upd.CurrentStep` so a stale replay is a silent no-op.
	// It never touches status, next_task or the apply flag, so it cannot
	// revert a concurrent stage or operator write. ErrNotFound when the
	// draft does not exist.
	ApplyIntake(ctx context.Context, draftID string, upd IntakeUpdate) error
	SetApplyFlag(ctx context.Context, draftID string, flag bool) error
	SetTAT(ctx context.Context, draftID string, hours float64, level TATLevel) error
	NonTerminal(ctx context.Context) ([]Program, error)
	// TATOverdue returns non-terminal records older than threshold whose
	// stored marking is still below ALARM tier.
	TATOverdue(ctx context.Context, threshold time.Duration, now time.Time) ([]Program, error)
	PurgeTerminalOlderThan(ctx context.Context, olderThan time.Time) (int64, error)

	// Vendor workflow history.
	UpsertStageEvent(ctx context.Context, e StageEvent) error
	StageEvents(ctx context.Context, draftID string) ([]StageEvent, error)
	LatestStageEvent(ctx context.Context, draftID string) (StageEvent, error)
	// MaxStageStart is the intake high-water mark: the newest stage start
	// time seen so far, zero when the store is empty.
	MaxStageStart(ctx context.Context) (time.Time, error)

	// Canonical program details.
	ReplaceDetails(ctx context.Context, draftID string, pt PgmType, rows []DetailRow) error
	Details(ctx context.Context, draftID string, pt PgmType) ([]DetailRow, error)

	// Alarms.
	InsertAlarm(ctx context.Context, a Alarm) error
	Alarms(ctx context.Context, draftID string) ([]Alarm, error)
	OpenAlarms(ctx context.Context, draftID string) ([]Alarm, error)
	AllOpenAlarms(ctx context.Context) ([]Alarm, error)
	ResolveAlarm(ctx context.Context, id int64, by string, at time.Time) error
}
