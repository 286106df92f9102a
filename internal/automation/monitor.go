// Package automation guards the page operations of the external browser
// engine so that environment drift surfaces as taxonomy errors.
package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskpilot/internal/taskerr"
)

// Page is the subset of the automation engine used by tasks.
type Page interface {
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	// Goto navigates and returns the main response, which may be nil.
	Goto(ctx context.Context, url string) (Response, error)
	URL() (string, error)
}

// Response is the main document response of a navigation.
type Response interface {
	Status() int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTimeoutMatcher overrides how engine timeouts are recognized.
func WithTimeoutMatcher(fn func(error) bool) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.isTimeout = fn
		}
	}
}

// WithDefaultTimeout sets the selector timeout used when callers pass zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// Monitor wraps a Page.
type Monitor struct {
	page           Page
	isTimeout      func(error) bool
	defaultTimeout time.Duration
}

// NewMonitor wraps page.
func NewMonitor(page Page, opts ...Option) *Monitor {
	m := &Monitor{
		page:           page,
		isTimeout:      IsTimeout,
		defaultTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Page returns the wrapped page for operations the monitor does not guard.
func (m *Monitor) Page() Page {
	return m.page
}

// WaitForSelector waits for selector and converts an engine timeout into
// an ElementNotFoundError carrying the current page URL.
func (m *Monitor) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	err := m.page.WaitForSelector(ctx, selector, timeout)
	if err == nil {
		return nil
	}
	var te taskerr.Error
	if errors.As(err, &te) {
		return err
	}
	if !m.isTimeout(err) {
		return err
	}
	return &taskerr.ElementNotFoundError{
		Selector: selector,
		Timeout:  timeout,
		PageURL:  m.currentURL(),
	}
}

// Goto navigates to url. Transport errors become NavigationFailureError, as
// does any response with status >= 400.
func (m *Monitor) Goto(ctx context.Context, url string) (Response, error) {
	resp, err := m.page.Goto(ctx, url)
	if err != nil {
		var te taskerr.Error
		if errors.As(err, &te) {
			return resp, err
		}
		return resp, &taskerr.NavigationFailureError{URL: url, Details: err.Error()}
	}
	if resp != nil && resp.Status() >= 400 {
		return resp, &taskerr.NavigationFailureError{
			URL:            url,
			Details:        fmt.Sprintf("server responded with status %d", resp.Status()),
			ResponseStatus: resp.Status(),
		}
	}
	return resp, nil
}

// currentURL never fails: a broken engine must not mask the error being
// reported.
func (m *Monitor) currentURL() (url string) {
	defer func() {
		if recover() != nil {
			url = ""
		}
	}()
	u, err := m.page.URL()
	if err != nil {
		return ""
	}
	return u
}

// TimeoutError is implemented by engine errors that know they are timeouts.
type TimeoutError interface {
	Timeout() bool
}

// IsTimeout is the default timeout matcher: context deadlines and errors
// exposing Timeout() bool.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te TimeoutError
	return errors.As(err, &te) && te.Timeout()
}
