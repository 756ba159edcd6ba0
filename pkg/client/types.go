package client

import "time"

// Record mirrors the lifecycle record the API returns.
type Record struct {
	DraftID     string    `json:"DraftID"`
	ProcessID   string    `json:"ProcessID"`
	WorkSeq     int       `json:"WorkSeq"`
	PgmType     string    `json:"PgmType"`
	Status      string    `json:"Status"`
	NextTask    string    `json:"NextTask"`
	CurrentStep int       `json:"CurrentStep"`
	LocalPath   string    `json:"LocalPath"`
	SubmitUser  string    `json:"SubmitUser"`
	ReceiveUser string    `json:"ReceiveUser"`
	VerifyCode  string    `json:"VerifyCode"`
	VerifyDesc  string    `json:"VerifyDesc"`
	ApplyFlag   bool      `json:"ApplyFlag"`
	TATHours    float64   `json:"TATHours"`
	TATLevel    int       `json:"TATLevel"`
	Fab         string    `json:"Fab"`
	Tech        string    `json:"Tech"`
	CreatedAt   time.Time `json:"CreatedAt"`
	UpdatedAt   time.Time `json:"UpdatedAt"`
}

// StageEvent is one vendor workflow stage snapshot.
type StageEvent struct {
	DraftID    string    `json:"DraftID"`
	StageLabel string    `json:"StageLabel"`
	StageSeq   int       `json:"StageSeq"`
	Actor      string    `json:"Actor"`
	Org        string    `json:"Org"`
	StartedAt  time.Time `json:"StartedAt"`
}

// Alarm is one turnaround alarm row.
type Alarm struct {
	ID       int64     `json:"ID"`
	DraftID  string    `json:"DraftID"`
	Level    int       `json:"Level"`
	Message  string    `json:"Message"`
	RaisedAt time.Time `json:"RaisedAt"`
	Resolved bool      `json:"Resolved"`
}

// RecordDetail is the full view of one draft.
type RecordDetail struct {
	Record      Record       `json:"record"`
	StageEvents []StageEvent `json:"stage_events"`
	Alarms      []Alarm      `json:"alarms,omitempty"`
}

// ListFilter narrows ListRecords.
type ListFilter struct {
	Status string
	Task   string
	Type   string
	Limit  int
}

// Token is the bearer token returned by Login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

type loginResponse struct {
	Token Token `json:"token"`
}

// ErrorResponse is the JSON error body the API returns on failure.
type ErrorResponse struct {
	Error string `json:"error"`
}
