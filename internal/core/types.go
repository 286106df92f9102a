package core

import (
	"encoding/json"
	"time"
)

// ScheduleEntry is one persisted trigger. Exactly one of Cron and ExecuteAt
// is set. ExecuteAt keeps the submitted ISO-8601 text so one-shot entries
// can be matched on (Task, ExecuteAt) when they are removed.
type ScheduleEntry struct {
	Task      string `json:"task"`
	Cron      string `json:"cron,omitempty"`
	ExecuteAt string `json:"executeAt,omitempty"`
}

// IsOneShot reports whether the entry fires once at ExecuteAt.
func (e ScheduleEntry) IsOneShot() bool {
	return e.ExecuteAt != "" && e.Cron == ""
}

// FailureRecord groups repeated failures of one task with one error type.
type FailureRecord struct {
	ID           string         `json:"id"`
	TaskName     string         `json:"taskName"`
	ErrorType    string         `json:"errorType"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Context      map[string]any `json:"context"`
	Timestamp    time.Time      `json:"timestamp"`
	LastSeen     time.Time      `json:"lastSeen"`
	Count        int            `json:"count"`
	Dismissed    bool           `json:"dismissed"`
}

// Trigger tells what started a run.
type Trigger string

const (
	TriggerCron   Trigger = "cron"
	TriggerOnce   Trigger = "once"
	TriggerManual Trigger = "manual"
)

// RunStatus describes the state of an individual execution.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run captures a single execution of a task process.
type Run struct {
	ID        string
	TaskName  string
	Trigger   Trigger
	Status    RunStatus
	ExitCode  *int
	ErrorType *string
	Error     *string
	StartedAt time.Time
	EndedAt   *time.Time
}

// DataMeta describes where a COMPLETED_WITH_DATA payload came from.
type DataMeta struct {
	RunID     string
	TaskName  string
	Timestamp time.Time
}

// TaskData is a stored COMPLETED_WITH_DATA payload.
type TaskData struct {
	ID        string          `json:"id"`
	RunID     string          `json:"runId"`
	TaskName  string          `json:"taskName"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}
