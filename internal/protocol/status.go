package protocol

import "time"

// Status is the lifecycle discriminant carried by a stdout marker.
type Status string

const (
	StatusStarted           Status = "STARTED"
	StatusCompleted         Status = "COMPLETED"
	StatusCompletedWithData Status = "COMPLETED_WITH_DATA"
	StatusFailed            Status = "FAILED"
)

// Valid reports whether s belongs to the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusStarted, StatusCompleted, StatusCompletedWithData, StatusFailed:
		return true
	default:
		return false
	}
}

// StartedPayload is the body of a STARTED marker.
type StartedPayload struct {
	TaskName  string    `json:"taskName"`
	Timestamp time.Time `json:"timestamp"`
}

// CompletedPayload is the body of COMPLETED and COMPLETED_WITH_DATA markers.
type CompletedPayload struct {
	TaskName  string    `json:"taskName"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// FailedPayload is the body of a FAILED marker.
type FailedPayload struct {
	TaskName     string         `json:"taskName"`
	ErrorType    string         `json:"errorType"`
	ErrorMessage string         `json:"errorMessage"`
	ErrorContext map[string]any `json:"errorContext,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}
