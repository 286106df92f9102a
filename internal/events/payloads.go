package events

import "time"

// TaskStatus is the payload of taskStarted, taskCompleted and taskFailed.
type TaskStatus struct {
	TaskName     string         `json:"taskName"`
	RunID        string         `json:"runId,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Data         any            `json:"data,omitempty"`
	ErrorType    string         `json:"errorType,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	ErrorContext map[string]any `json:"errorContext,omitempty"`
}

// LogLine is the payload of taskLog.
type LogLine struct {
	TaskName string `json:"taskName"`
	RunID    string `json:"runId,omitempty"`
	Stream   string `json:"stream"`
	Line     string `json:"line"`
}
