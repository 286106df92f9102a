package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Prefix opens every status marker. The wire form is
// "[TASK_STATUS:<STATUS>]<json-or-empty>" on a single line.
const Prefix = "[TASK_STATUS:"

const closer = "]"

// Marker is a decoded status line.
type Marker struct {
	Status Status
	Data   map[string]any

	body string
}

// Encode renders a marker line without a trailing newline. A nil data value
// produces an empty body.
func Encode(status Status, data any) (string, error) {
	if !status.Valid() {
		return "", fmt.Errorf("unknown task status %q", status)
	}
	if data == nil {
		return Prefix + string(status) + closer, nil
	}
	body, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", status, err)
	}
	return Prefix + string(status) + closer + string(body), nil
}

// Decode extracts a marker from line. The prefix may appear anywhere in the
// line. Unknown statuses are rejected; a missing or malformed body yields the
// status with an empty data map.
func Decode(line string) (Marker, bool) {
	start := strings.Index(line, Prefix)
	if start < 0 {
		return Marker{}, false
	}
	rest := line[start+len(Prefix):]
	end := strings.Index(rest, closer)
	if end < 0 {
		return Marker{}, false
	}
	status := Status(rest[:end])
	if !status.Valid() {
		return Marker{}, false
	}

	m := Marker{Status: status, Data: map[string]any{}}
	body := strings.TrimSpace(rest[end+len(closer):])
	if body == "" || !gjson.Valid(body) {
		return m, true
	}
	parsed := gjson.Parse(body)
	if !parsed.IsObject() {
		return m, true
	}
	if data, ok := parsed.Value().(map[string]any); ok {
		m.Data = data
		m.body = body
	}
	return m, true
}

// TaskName returns the taskName field, or "" if absent.
func (m Marker) TaskName() string {
	return m.str("taskName")
}

// Timestamp returns the timestamp field, or the zero time when it is absent
// or not RFC 3339.
func (m Marker) Timestamp() time.Time {
	t, err := time.Parse(time.RFC3339Nano, m.str("timestamp"))
	if err != nil {
		return time.Time{}
	}
	return t
}

// ErrorType returns the errorType field of a FAILED marker.
func (m Marker) ErrorType() string {
	return m.str("errorType")
}

// ErrorMessage returns the errorMessage field of a FAILED marker.
func (m Marker) ErrorMessage() string {
	return m.str("errorMessage")
}

// ErrorContext returns the errorContext object, or an empty map.
func (m Marker) ErrorContext() map[string]any {
	if m.body == "" {
		return map[string]any{}
	}
	res := gjson.Get(m.body, "errorContext")
	if !res.IsObject() {
		return map[string]any{}
	}
	if ctx, ok := res.Value().(map[string]any); ok {
		return ctx
	}
	return map[string]any{}
}

// Payload returns the data field of a COMPLETED_WITH_DATA marker as raw JSON.
func (m Marker) Payload() json.RawMessage {
	if m.body == "" {
		return nil
	}
	res := gjson.Get(m.body, "data")
	if !res.Exists() {
		return nil
	}
	return json.RawMessage(res.Raw)
}

func (m Marker) str(key string) string {
	if m.body == "" {
		return ""
	}
	res := gjson.Get(m.body, key)
	if res.Type != gjson.String {
		return ""
	}
	return res.Str
}
