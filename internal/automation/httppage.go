package automation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPPage is a minimal Page backed by plain HTTP fetches. Selectors are
// matched as literal substrings of the last fetched document, which is
// enough for health-check style tasks that need no browser.
type HTTPPage struct {
	client   *http.Client
	pollTick time.Duration

	mu   sync.Mutex
	url  string
	body string
}

// NewHTTPPage returns a page using client, or a 30s-timeout client if nil.
func NewHTTPPage(client *http.Client) *HTTPPage {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPPage{client: client, pollTick: 500 * time.Millisecond}
}

type httpResponse struct {
	status int
}

func (r httpResponse) Status() int { return r.status }

// Goto fetches url and keeps the body for later selector checks.
func (p *HTTPPage) Goto(ctx context.Context, url string) (Response, error) {
	status, body, err := p.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.url = url
	p.body = body
	p.mu.Unlock()
	return httpResponse{status: status}, nil
}

// WaitForSelector re-fetches the current URL until selector appears or the
// timeout elapses, in which case context.DeadlineExceeded is returned.
func (p *HTTPPage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.mu.Lock()
	url, body := p.url, p.body
	p.mu.Unlock()
	if url == "" {
		return errors.New("no page loaded")
	}

	ticker := time.NewTicker(p.pollTick)
	defer ticker.Stop()
	for {
		if strings.Contains(body, selector) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		_, fresh, err := p.fetch(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		body = fresh
		p.mu.Lock()
		p.body = fresh
		p.mu.Unlock()
	}
}

// URL returns the last navigated URL.
func (p *HTTPPage) URL() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.url == "" {
		return "", errors.New("no page loaded")
	}
	return p.url, nil
}

func (p *HTTPPage) fetch(ctx context.Context, url string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, string(data), nil
}
