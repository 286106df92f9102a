package notify

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
)

// LimitedNotifier drops notifications beyond a token bucket so a burst of
// fresh failures cannot flood the downstream service.
type LimitedNotifier struct {
	next    Notifier
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewLimitedNotifier allows perMinute notifications per minute with a burst
// of the same size. perMinute <= 0 disables the limit.
func NewLimitedNotifier(next Notifier, perMinute int, logger *slog.Logger) *LimitedNotifier {
	limit := rate.Inf
	burst := 1
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60)
		burst = perMinute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LimitedNotifier{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// ErrRateLimited is returned when a notification was dropped.
var ErrRateLimited = fmt.Errorf("notification rate limit exceeded")

func (l *LimitedNotifier) Send(ctx context.Context, title, body string) error {
	if !l.limiter.Allow() {
		l.logger.Warn("notification dropped", "title", title)
		return ErrRateLimited
	}
	return l.next.Send(ctx, title, body)
}
