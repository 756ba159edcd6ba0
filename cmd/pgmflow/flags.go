package main

import "time"

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags holds daemon connection flags for remote commands.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Token      string
}

// RecordsFlags holds filters for the records command.
type RecordsFlags struct {
	API    APIFlags
	Status string
	Task   string
	Type   string
	Limit  int
}

// DraftFlags holds flags for commands addressing one draft.
type DraftFlags struct {
	API     APIFlags
	DraftID string
}

// ResolveFlags holds flags for the alarms resolve command.
type ResolveFlags struct {
	API        APIFlags
	AlarmID    int64
	ResolvedBy string
}

// LoginFlags holds flags for the login command.
type LoginFlags struct {
	API      APIFlags
	Username string
	Password string
}

// UserFlags holds flags for the user subcommands.
type UserFlags struct {
	Username string
	Password string
	Role     string
}

// RunFlags holds flags for the run command.
type RunFlags struct {
	Stage string
}
