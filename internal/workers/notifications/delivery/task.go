// Package delivery sends persisted notifications through their channel and
// records every attempt.
package delivery

import (
	"context"
	"fmt"
	"time"

	"library-workers/internal/common/config"
)

const (
	TaskType   = "notification-delivery"
	Queue      = "notification_delivery"
	RoutingKey = "notification.deliver"
)

// Task asks for one delivery attempt of a notification. Attempt starts at 1.
type Task struct {
	NotificationID int64 `json:"notification_id"`
	Attempt        int   `json:"attempt"`
}

// Enqueuer is satisfied by *bus.Connection.
type Enqueuer interface {
	Send(ctx context.Context, queue, routingKey string, body interface{}) error
}

// Enqueue schedules the first delivery attempt of a notification.
func Enqueue(ctx context.Context, q Enqueuer, notificationID int64) error {
	return EnqueueAttempt(ctx, q, notificationID, 1)
}

// EnqueueAttempt schedules attempt number attempt right away.
func EnqueueAttempt(ctx context.Context, q Enqueuer, notificationID int64, attempt int) error {
	if err := q.Send(ctx, Queue, RoutingKey, Task{NotificationID: notificationID, Attempt: attempt}); err != nil {
		return fmt.Errorf("enqueue notification %d: %w", notificationID, err)
	}
	return nil
}

type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	// Backoff overrides the exponential schedule, mainly in tests.
	Backoff func(retry int) time.Duration
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BaseBackoff: 60 * time.Second}
}

func LoadConfig(cfg config.NotificationConfig) Config {
	c := DefaultConfig()
	if cfg.MaxAttempts > 0 {
		c.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseBackoff > 0 {
		c.BaseBackoff = time.Duration(cfg.BaseBackoff) * time.Second
	}
	return c
}

// Delay returns the wait before retry number retry (0-based): base * 2^retry.
func (c Config) Delay(retry int) time.Duration {
	if c.Backoff != nil {
		return c.Backoff(retry)
	}
	if retry < 0 {
		retry = 0
	}
	return c.BaseBackoff << uint(retry)
}

// InFlightWindow is how long a PENDING notification can sit untouched while
// its next attempt is still scheduled: the longest backoff plus one base
// interval for the attempt itself.
func (c Config) InFlightWindow() time.Duration {
	return c.Delay(c.MaxAttempts-2) + c.BaseBackoff
}
