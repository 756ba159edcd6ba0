package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PgmType classifies which test-stage category a draft ships programs for.
type PgmType string

const (
	PgmTypeET   PgmType = "ET"
	PgmTypeAT   PgmType = "AT"
	PgmTypeBoth PgmType = "BOTH"
)

// InferPgmType derives the program type from the vendor's free-form
// process-type description. Descriptions naming both categories map to BOTH;
// descriptions naming neither default to ET (callers should log the raw
// description when that happens).
func InferPgmType(desc string) PgmType {
	u := strings.ToUpper(desc)
	hasAT := strings.Contains(u, "AT")
	hasET := strings.Contains(u, "ET")
	switch {
	case hasAT && hasET:
		return PgmTypeBoth
	case hasAT:
		return PgmTypeAT
	default:
		return PgmTypeET
	}
}

// Status is the lifecycle state of a program record.
type Status string

const (
	StatusNew          Status = "NEW"
	StatusDownloaded   Status = "DOWNLOADED"
	StatusVerified     Status = "VERIFIED"
	StatusVerifyFailed Status = "VERIFY_FAILED"
	StatusApplied      Status = "APPLIED"
	StatusMonitored    Status = "MONITORED"
)

// Terminal reports whether no stage will ever pick the record up again.
func (s Status) Terminal() bool {
	return s == StatusMonitored || s == StatusVerifyFailed
}

// NextTask marks which stage should process a record next.
type NextTask string

const (
	TaskDownload NextTask = "DOWNLOAD"
	TaskVerify   NextTask = "VERIFY"
	TaskApply    NextTask = "APPLY"
	TaskMonitor  NextTask = "MONITOR"
	TaskNone     NextTask = "NONE"
)

// Precondition returns the status a record must hold before the given task
// may process it. next_task and status move together, so a record whose
// status disagrees with its task marker is skipped rather than processed.
func (t NextTask) Precondition() (Status, bool) {
	switch t {
	case TaskDownload:
		return StatusNew, true
	case TaskVerify:
		return StatusDownloaded, true
	case TaskApply:
		return StatusVerified, true
	case TaskMonitor:
		return StatusApplied, true
	default:
		return "", false
	}
}

// TATLevel is the escalation tier for turn-around-time alarms.
// Levels only ever move upward on a record.
type TATLevel int

const (
	TATNone TATLevel = iota
	TATNotice
	TATWarning
	TATAlarm
)

func (l TATLevel) String() string {
	switch l {
	case TATNotice:
		return "NOTICE"
	case TATWarning:
		return "WARNING"
	case TATAlarm:
		return "ALARM"
	default:
		return "NONE"
	}
}

// Wildcard is the placeholder for product descriptors the vendor did not fill.
const Wildcard = "*"

// Program is the primary lifecycle record, keyed by the vendor draft id.
// CreatedAt is the first-seen drafting time from the vendor, not the local
// insert time; TAT is measured from it.
type Program struct {
	DraftID     string
	ProcessID   string
	WorkSeq     int
	PgmType     PgmType
	Status      Status
	NextTask    NextTask
	CurrentStep int
	LocalPath   string
	SubmitUser  string
	ReceiveUser string
	VerifyCode  string
	VerifyDesc  string
	ApplyFlag   bool
	ApplyAt     sql.NullTime
	TATHours    float64
	TATLevel    TATLevel
	Fab         string
	Tech        string
	ModuleType  string
	Grade       string
	Package     string
	Density     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewProgram builds a fresh record in NEW/DOWNLOAD with wildcard descriptors.
func NewProgram(draftID string, pt PgmType, firstSeen time.Time) (Program, error) {
	if strings.TrimSpace(draftID) == "" {
		return Program{}, errors.New("program requires a draft id")
	}
	switch pt {
	case PgmTypeET, PgmTypeAT, PgmTypeBoth:
	default:
		return Program{}, fmt.Errorf("unknown program type %q", pt)
	}
	return Program{
		DraftID:    draftID,
		PgmType:    pt,
		Status:     StatusNew,
		NextTask:   TaskDownload,
		Fab:        Wildcard,
		Tech:       Wildcard,
		ModuleType: Wildcard,
		Grade:      Wildcard,
		Package:    Wildcard,
		Density:    Wildcard,
		CreatedAt:  firstSeen.UTC(),
	}, nil
}

// ProgramFilter narrows ListPrograms. Zero-value fields match everything;
// Limit<=0 means no limit.
type ProgramFilter struct {
	Status   Status
	NextTask NextTask
	PgmType  PgmType
	Since    time.Time
	Limit    int
}

// ProgramUpdate carries the fields a stage writes when advancing a record.
// Status and NextTask always move together; pointer fields are written only
// when non-nil so a stage never clobbers another stage's columns.
type ProgramUpdate struct {
	Status     Status
	NextTask   NextTask
	LocalPath  *string
	VerifyCode *string
	VerifyDesc *string
	ApplyAt    *time.Time
}

// IntakeUpdate carries the intake-owned fields for an existing record:
// workflow step, actors and product descriptors. Pointer fields are written
// only when non-nil. Columns owned by other writers (status, next_task,
// local_path, verify results, the apply flag) are never part of it, so an
// intake pass can run concurrently with the other stages and the operator
// API without clobbering their writes.
type IntakeUpdate struct {
	CurrentStep int
	ProcessID   *string
	WorkSeq     *int
	SubmitUser  *string
	ReceiveUser *string
	CreatedAt   *time.Time
	Fab         *string
	Tech        *string
	ModuleType  *string
	Grade       *string
	Package     *string
	Density     *string
}

// StageEvent is one snapshot of a vendor workflow stage for a draft.
// The composite key is (DraftID, StageLabel); re-fetching the same stage
// refreshes fields instead of adding a row.
type StageEvent struct {
	DraftID    string
	StageLabel string
	StageSeq   int
	ProcessID  string
	WorkSeq    int
	Actor      string
	Org        string
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// NewStageEvent validates the composite key up front.
func NewStageEvent(draftID, stageLabel string) (StageEvent, error) {
	if strings.TrimSpace(draftID) == "" {
		return StageEvent{}, errors.New("stage event requires a draft id")
	}
	if strings.TrimSpace(stageLabel) == "" {
		return StageEvent{}, errors.New("stage event requires a stage label")
	}
	return StageEvent{DraftID: draftID, StageLabel: stageLabel}, nil
}

// DetailRow is one declared program unit from the vendor's canonical
// AT/ET detail response. Rows for a draft are replaced wholesale on each
// detail fetch. Controller/Board are AT-only.
type DetailRow struct {
	ID         int64
	DraftID    string
	PgmType    PgmType
	Path       string
	Die        string
	Module     string
	Tech       string
	Grade      string
	Controller string
	Board      string
	UpdatedAt  time.Time
}

// Alarm is one raised TAT escalation. At most one open alarm may exist per
// (draft, level); resolution is append-only and done by humans.
type Alarm struct {
	ID         int64
	DraftID    string
	Level      TATLevel
	Message    string
	RaisedAt   time.Time
	Resolved   bool
	ResolvedAt sql.NullTime
	ResolvedBy string
}
