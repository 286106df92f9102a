package taskerr

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyPassesThroughTaxonomy(t *testing.T) {
	t.Parallel()
	orig := &ElementNotFoundError{Selector: "#login", Timeout: 5 * time.Second, PageURL: "https://a.test"}
	wrapped := fmt.Errorf("step 3: %w", orig)

	got := Classify(wrapped)
	if got != orig {
		t.Fatalf("Classify returned %#v, want the original error", got)
	}
	if Classify(got) != orig {
		t.Fatal("Classify is not idempotent")
	}
}

func TestClassifyUnknown(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	got := Classify(base)
	if got.ErrorType() != KindUnknown {
		t.Fatalf("ErrorType = %s, want %s", got.ErrorType(), KindUnknown)
	}
	if !errors.Is(got, base) {
		t.Fatal("UnknownError should unwrap to the original error")
	}
	if Classify(nil) != nil {
		t.Fatal("Classify(nil) should be nil")
	}
}

func TestErrorTypes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  Error
		kind Kind
		msg  string
	}{
		{
			err:  &ElementNotFoundError{Selector: ".btn", Timeout: 30 * time.Second},
			kind: KindElementNotFound,
			msg:  `element not found: ".btn" (timeout: 30000ms)`,
		},
		{
			err:  &NavigationFailureError{URL: "https://a.test", ResponseStatus: 503},
			kind: KindNavigationFailure,
			msg:  "navigation to https://a.test failed (HTTP 503)",
		},
		{
			err:  NewTimeout(30 * time.Second),
			kind: KindTimeout,
			msg:  "task timed out after 30000ms",
		},
		{
			err:  &UnknownError{Err: errors.New("kaput")},
			kind: KindUnknown,
			msg:  "kaput",
		},
	}
	for _, tt := range tests {
		if tt.err.ErrorType() != tt.kind {
			t.Fatalf("%T ErrorType = %s, want %s", tt.err, tt.err.ErrorType(), tt.kind)
		}
		if tt.err.Error() != tt.msg {
			t.Fatalf("%T Error() = %q, want %q", tt.err, tt.err.Error(), tt.msg)
		}
	}
}

func TestFromContextReproducesMessage(t *testing.T) {
	t.Parallel()
	orig := &NavigationFailureError{URL: "https://a.test/login", Details: "net::ERR_NAME_NOT_RESOLVED"}

	// Numbers arrive as float64 after a JSON round trip.
	ctx := orig.Context()
	rebuilt := FromContext(orig.ErrorType(), orig.Error(), ctx)
	if rebuilt.Error() != orig.Error() {
		t.Fatalf("rebuilt message %q, want %q", rebuilt.Error(), orig.Error())
	}

	timeout := FromContext(KindTimeout, "", map[string]any{"timeout": float64(30000), "unit": "ms"})
	if timeout.Error() != "task timed out after 30000ms" {
		t.Fatalf("timeout message = %q", timeout.Error())
	}

	unknown := FromContext(Kind("bogus"), "something broke", nil)
	if unknown.ErrorType() != KindUnknown || unknown.Error() != "something broke" {
		t.Fatalf("unexpected fallback %#v", unknown)
	}
}

func TestIs(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("wrap: %w", NewTimeout(time.Second))
	if !Is(err, KindTimeout) {
		t.Fatal("expected timeout kind")
	}
	if Is(err, KindNavigationFailure) {
		t.Fatal("unexpected navigation kind")
	}
}
