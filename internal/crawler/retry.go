package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"
)

// NavigationRetryPolicy decides whether a failed navigation is worth a second
// attempt. Only transient network errors reported by the browser
// ("net::ERR_...") qualify; timeouts and cancellations never do.
type NavigationRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewNavigationRetryPolicy allows one retry after a short jittered pause.
func NewNavigationRetryPolicy() *NavigationRetryPolicy {
	return &NavigationRetryPolicy{
		maxAttempts: 2,
		baseDelay:   250 * time.Millisecond,
		maxDelay:    2 * time.Second,
	}
}

// NoNavigationRetry returns a policy that never retries.
func NoNavigationRetry() *NavigationRetryPolicy {
	return &NavigationRetryPolicy{maxAttempts: 1}
}

// ShouldRetry reports whether attempt (1-based) may be followed by another.
func (p *NavigationRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if p == nil || err == nil || attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || IsFatal(err) {
		return false
	}
	return strings.Contains(err.Error(), "net::ERR")
}

// Navigate loads url in sess, retrying the attempts the policy allows. It
// returns the last navigation error, or nil once a load succeeds. A nil
// policy makes a single attempt.
func (p *NavigationRetryPolicy) Navigate(ctx context.Context, sess Session, url string, timeout time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for attempt := 1; ; attempt++ {
		err := sess.Navigate(ctx, url, timeout)
		if err == nil || !p.ShouldRetry(err, attempt) || ctx.Err() != nil {
			return err
		}
		wait := p.Backoff(attempt)
		logger.Info("retrying navigation",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// Backoff returns the wait duration before the next attempt.
func (p *NavigationRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
