package automation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taskpilot/internal/taskerr"
)

type fakeResponse int

func (r fakeResponse) Status() int { return int(r) }

type fakePage struct {
	waitErr error
	gotoErr error
	status  int
	url     string
	urlErr  error
	panicky bool
}

func (p *fakePage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return p.waitErr
}

func (p *fakePage) Goto(ctx context.Context, url string) (Response, error) {
	if p.gotoErr != nil {
		return nil, p.gotoErr
	}
	return fakeResponse(p.status), nil
}

func (p *fakePage) URL() (string, error) {
	if p.panicky {
		panic("page closed")
	}
	return p.url, p.urlErr
}

type engineTimeout struct{}

func (engineTimeout) Error() string { return "Timeout 30000ms exceeded" }
func (engineTimeout) Timeout() bool { return true }

func TestWaitForSelectorTimeout(t *testing.T) {
	t.Parallel()
	page := &fakePage{waitErr: engineTimeout{}, url: "https://shop.test/cart"}
	err := NewMonitor(page).WaitForSelector(context.Background(), "#checkout", 5*time.Second)

	var enf *taskerr.ElementNotFoundError
	if !errors.As(err, &enf) {
		t.Fatalf("expected ElementNotFoundError, got %v", err)
	}
	if enf.Selector != "#checkout" || enf.Timeout != 5*time.Second || enf.PageURL != "https://shop.test/cart" {
		t.Fatalf("unexpected error fields %+v", enf)
	}
}

func TestWaitForSelectorURLFailureDoesNotMask(t *testing.T) {
	t.Parallel()
	for _, page := range []*fakePage{
		{waitErr: context.DeadlineExceeded, urlErr: errors.New("target closed")},
		{waitErr: context.DeadlineExceeded, panicky: true},
	} {
		err := NewMonitor(page).WaitForSelector(context.Background(), ".item", 0)
		var enf *taskerr.ElementNotFoundError
		if !errors.As(err, &enf) {
			t.Fatalf("expected ElementNotFoundError, got %v", err)
		}
		if enf.PageURL != "" {
			t.Fatalf("PageURL = %q, want empty", enf.PageURL)
		}
		if enf.Timeout != 30*time.Second {
			t.Fatalf("default timeout not applied: %v", enf.Timeout)
		}
	}
}

func TestWaitForSelectorOtherErrors(t *testing.T) {
	t.Parallel()
	plain := errors.New("detached frame")
	if err := NewMonitor(&fakePage{waitErr: plain}).WaitForSelector(context.Background(), "a", time.Second); err != plain {
		t.Fatalf("non-timeout error should pass through, got %v", err)
	}

	classified := taskerr.NewTimeout(time.Minute)
	err := NewMonitor(&fakePage{waitErr: classified}).WaitForSelector(context.Background(), "a", time.Second)
	if err != classified {
		t.Fatalf("taxonomy error should pass through, got %v", err)
	}
}

func TestGoto(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	if _, err := NewMonitor(&fakePage{status: 200}).Goto(ctx, "https://a.test"); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	_, err := NewMonitor(&fakePage{status: 404}).Goto(ctx, "https://a.test/missing")
	var nav *taskerr.NavigationFailureError
	if !errors.As(err, &nav) || nav.ResponseStatus != 404 || nav.URL != "https://a.test/missing" {
		t.Fatalf("expected navigation failure with status 404, got %v", err)
	}

	_, err = NewMonitor(&fakePage{gotoErr: errors.New("net::ERR_CONNECTION_REFUSED")}).Goto(ctx, "https://down.test")
	if !errors.As(err, &nav) || nav.Details != "net::ERR_CONNECTION_REFUSED" || nav.ResponseStatus != 0 {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}

	inner := &taskerr.ElementNotFoundError{Selector: "body"}
	_, err = NewMonitor(&fakePage{gotoErr: fmt.Errorf("hook: %w", inner)}).Goto(ctx, "https://a.test")
	if !errors.Is(err, inner) || taskerr.Is(err, taskerr.KindNavigationFailure) {
		t.Fatalf("taxonomy error was re-wrapped: %v", err)
	}
}

func TestHTTPPageThroughMonitor(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			http.Error(w, "gone", http.StatusGone)
			return
		}
		_, _ = w.Write([]byte(`<html><div id="status">ok</div></html>`))
	}))
	defer srv.Close()

	page := NewHTTPPage(srv.Client())
	page.pollTick = 10 * time.Millisecond
	mon := NewMonitor(page)
	ctx := context.Background()

	if _, err := mon.Goto(ctx, srv.URL+"/"); err != nil {
		t.Fatalf("Goto: %v", err)
	}
	if err := mon.WaitForSelector(ctx, `id="status"`, time.Second); err != nil {
		t.Fatalf("WaitForSelector: %v", err)
	}
	err := mon.WaitForSelector(ctx, `id="missing"`, 50*time.Millisecond)
	if !taskerr.Is(err, taskerr.KindElementNotFound) {
		t.Fatalf("expected element_not_found, got %v", err)
	}
	if _, err := mon.Goto(ctx, srv.URL+"/gone"); !taskerr.Is(err, taskerr.KindNavigationFailure) {
		t.Fatalf("expected navigation_failure, got %v", err)
	}
}
