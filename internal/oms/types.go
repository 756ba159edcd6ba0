package oms

import (
	"fmt"
	"time"
)

// Draft is one row of the vendor's distribution-status listing: a draft
// observed at a particular workflow stage. The same draft appears once per
// stage it has reached inside the query window.
type Draft struct {
	DraftID     string    `json:"draftId"`
	ProcessID   string    `json:"processId"`
	WorkSeq     int       `json:"workSeq"`
	ProcessType string    `json:"processType"`
	StageLabel  string    `json:"stageLabel"`
	StageSeq    int       `json:"stageSeq"`
	Actor       string    `json:"actor"`
	Org         string    `json:"org"`
	StartedAt   time.Time `json:"startedAt"`
	Fab         string    `json:"fab"`
	Tech        string    `json:"tech"`
	ModuleType  string    `json:"moduleType"`
	Grade       string    `json:"grade"`
	Package     string    `json:"package"`
	Density     string    `json:"density"`
}

// ProgramDetail is one canonical program unit declared by the vendor for a
// draft/program-type pair. Controller and Board are only set for AT.
type ProgramDetail struct {
	Path       string         `json:"path"`
	Die        string         `json:"die"`
	Module     string         `json:"module"`
	Tech       string         `json:"tech"`
	Grade      string         `json:"grade"`
	Controller string         `json:"controller"`
	Board      string         `json:"board"`
	Files      []AttachedFile `json:"files"`
}

// AttachedFile is the download handle for one declared attachment.
type AttachedFile struct {
	FileID string `json:"fileId"`
	Name   string `json:"fileName"`
	Size   int64  `json:"fileSize"`
}

// APIError preserves the HTTP status of a failed vendor call so callers can
// distinguish auth, transient and permanent failures.
type APIError struct {
	Op     string
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("oms %s: HTTP %d: %s", e.Op, e.Status, e.Msg)
	}
	return fmt.Sprintf("oms %s: HTTP %d", e.Op, e.Status)
}

// Temporary reports whether the vendor response is worth retrying.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == 429 || e.Status == 408
}

// Auth reports whether the response indicates an expired or rejected token.
func (e *APIError) Auth() bool {
	return e.Status == 401 || e.Status == 403
}
