// Package taskerr defines the closed set of structured task failures.
//
// Every failure a task can report is one of the variants below. The
// ErrorType discriminant is stable and is what the failure store groups on.
package taskerr

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Kind is the stable discriminant of a task error.
type Kind string

const (
	KindElementNotFound   Kind = "element_not_found"
	KindNavigationFailure Kind = "navigation_failure"
	KindTimeout           Kind = "timeout"
	KindUnknown           Kind = "unknown"
)

// Error is implemented only by the variants in this package.
type Error interface {
	error
	ErrorType() Kind
	// Context returns the variant fields as a JSON-friendly map.
	Context() map[string]any
	sealed()
}

// ElementNotFoundError reports a selector that never appeared.
type ElementNotFoundError struct {
	Selector string
	Timeout  time.Duration
	PageURL  string
}

func (e *ElementNotFoundError) Error() string {
	msg := fmt.Sprintf("element not found: %q (timeout: %dms)", e.Selector, e.Timeout.Milliseconds())
	if e.PageURL != "" {
		msg += " on " + e.PageURL
	}
	return msg
}

func (e *ElementNotFoundError) ErrorType() Kind { return KindElementNotFound }

func (e *ElementNotFoundError) Context() map[string]any {
	ctx := map[string]any{
		"selector": e.Selector,
		"timeout":  e.Timeout.Milliseconds(),
	}
	if e.PageURL != "" {
		ctx["pageUrl"] = e.PageURL
	}
	return ctx
}

func (*ElementNotFoundError) sealed() {}

// NavigationFailureError reports a failed page load. ResponseStatus is zero
// when no HTTP response was received.
type NavigationFailureError struct {
	URL            string
	Details        string
	ResponseStatus int
}

func (e *NavigationFailureError) Error() string {
	msg := "navigation to " + e.URL + " failed"
	if e.ResponseStatus != 0 {
		msg += " (HTTP " + strconv.Itoa(e.ResponseStatus) + ")"
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

func (e *NavigationFailureError) ErrorType() Kind { return KindNavigationFailure }

func (e *NavigationFailureError) Context() map[string]any {
	ctx := map[string]any{"url": e.URL}
	if e.Details != "" {
		ctx["details"] = e.Details
	}
	if e.ResponseStatus != 0 {
		ctx["responseStatus"] = e.ResponseStatus
	}
	return ctx
}

func (*NavigationFailureError) sealed() {}

// TaskTimeoutError reports a task that exceeded its time budget.
type TaskTimeoutError struct {
	Timeout int64
	Unit    string
}

// NewTimeout builds a TaskTimeoutError expressed in milliseconds.
func NewTimeout(d time.Duration) *TaskTimeoutError {
	return &TaskTimeoutError{Timeout: d.Milliseconds(), Unit: "ms"}
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task timed out after %d%s", e.Timeout, e.Unit)
}

func (e *TaskTimeoutError) ErrorType() Kind { return KindTimeout }

func (e *TaskTimeoutError) Context() map[string]any {
	return map[string]any{"timeout": e.Timeout, "unit": e.Unit}
}

func (*TaskTimeoutError) sealed() {}

// UnknownError wraps anything outside the taxonomy.
type UnknownError struct {
	Err   error
	Stack string
}

func (e *UnknownError) Error() string {
	if e.Err == nil {
		return "unknown error"
	}
	return e.Err.Error()
}

func (e *UnknownError) Unwrap() error { return e.Err }

func (e *UnknownError) ErrorType() Kind { return KindUnknown }

func (e *UnknownError) Context() map[string]any {
	ctx := map[string]any{}
	if e.Err != nil {
		ctx["message"] = e.Err.Error()
	}
	if e.Stack != "" {
		ctx["stack"] = e.Stack
	}
	return ctx
}

func (*UnknownError) sealed() {}

// Classify returns err itself when it already is (or wraps) a taxonomy error,
// otherwise an UnknownError around it. Classify(nil) is nil.
func Classify(err error) Error {
	if err == nil {
		return nil
	}
	var te Error
	if errors.As(err, &te) {
		return te
	}
	return &UnknownError{Err: err}
}

// Is reports whether err carries a taxonomy error of the given kind.
func Is(err error, kind Kind) bool {
	var te Error
	return errors.As(err, &te) && te.ErrorType() == kind
}

// FromContext rebuilds a variant from its serialized form. Unknown kinds and
// missing fields degrade to UnknownError carrying message.
func FromContext(kind Kind, message string, ctx map[string]any) Error {
	switch kind {
	case KindElementNotFound:
		return &ElementNotFoundError{
			Selector: stringField(ctx, "selector"),
			Timeout:  time.Duration(intField(ctx, "timeout")) * time.Millisecond,
			PageURL:  stringField(ctx, "pageUrl"),
		}
	case KindNavigationFailure:
		return &NavigationFailureError{
			URL:            stringField(ctx, "url"),
			Details:        stringField(ctx, "details"),
			ResponseStatus: int(intField(ctx, "responseStatus")),
		}
	case KindTimeout:
		unit := stringField(ctx, "unit")
		if unit == "" {
			unit = "ms"
		}
		return &TaskTimeoutError{Timeout: intField(ctx, "timeout"), Unit: unit}
	default:
		if message == "" {
			message = stringField(ctx, "message")
		}
		return &UnknownError{Err: errors.New(message), Stack: stringField(ctx, "stack")}
	}
}

func stringField(ctx map[string]any, key string) string {
	if v, ok := ctx[key].(string); ok {
		return v
	}
	return ""
}

func intField(ctx map[string]any, key string) int64 {
	switch v := ctx[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}
