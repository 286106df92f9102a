// Command taskpilot-ping is an example task. It loads a page, waits for a
// selector and reports the status and latency as task data.
//
// Build it into <tasks dir>/bin/ping so the daemon can schedule it as "ping".
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"taskpilot/internal/automation"
	"taskpilot/internal/taskkit"
)

func main() {
	url := flag.String("url", envOr("PING_URL", "https://example.com"), "page to load")
	selector := flag.String("selector", envOr("PING_SELECTOR", "<title"), "text that must appear on the page")
	wait := flag.Duration("wait", 10*time.Second, "how long to wait for the selector")
	timeout := flag.Duration("timeout", 30*time.Second, "overall task timeout")
	flag.Parse()

	name := envOr("TASKPILOT_TASK", "ping")
	taskkit.Main(name, func(ctx context.Context) (any, error) {
		monitor := automation.NewMonitor(automation.NewHTTPPage(nil))

		start := time.Now()
		resp, err := monitor.Goto(ctx, *url)
		if err != nil {
			return nil, err
		}
		if err := monitor.WaitForSelector(ctx, *selector, *wait); err != nil {
			return nil, err
		}

		status := 0
		if resp != nil {
			status = resp.Status()
		}
		return map[string]any{
			"url":       *url,
			"status":    status,
			"latencyMs": time.Since(start).Milliseconds(),
		}, nil
	}, taskkit.WithTimeout(*timeout))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
