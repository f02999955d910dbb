package bus

import (
	"context"
	"fmt"
	"time"

	"library-workers/internal/common/config"
)

// ReconnectPolicy bounds how long the connection keeps retrying the broker.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// ReconnectPolicyFromConfig converts the millisecond settings of bus.reconnect.
func ReconnectPolicyFromConfig(cfg config.ReconnectConfig) ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   config.GetDuration(cfg.BaseDelay),
		MaxDelay:    config.GetDuration(cfg.MaxDelay),
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := p.BaseDelay * time.Duration(1<<uint(attempt))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Retry calls fn until it succeeds, the attempts are exhausted or ctx is done.
func (p ReconnectPolicy) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}

		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}
