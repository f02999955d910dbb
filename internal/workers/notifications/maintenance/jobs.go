// Package maintenance holds the periodic notification jobs and the scheduler
// that runs them alongside the overdue scan.
package maintenance

import (
	"context"
	"errors"
	"time"

	"library-workers/internal/common/config"
	"library-workers/internal/common/logger"
	"library-workers/internal/common/metrics"
	"library-workers/internal/models"
	"library-workers/internal/workers/notifications/delivery"
)

// Job is one unit of periodic work. Run returns the number of items touched.
type Job interface {
	Name() string
	Run(ctx context.Context) (int, error)
}

// Store is satisfied by *store.Store.
type Store interface {
	Pending(ctx context.Context, limit int, idleSince time.Time) ([]models.Notification, error)
	ResetFailed(ctx context.Context, since time.Time) ([]models.Notification, error)
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Policy struct {
	PendingBatchSize int
	RetryMaxAge      time.Duration
	LogRetention     time.Duration
	SentRetention    time.Duration
	Now              func() time.Time

	// PendingIdle keeps the sweep away from notifications whose next
	// delivery attempt is still scheduled.
	PendingIdle time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		PendingBatchSize: 100,
		PendingIdle:      delivery.DefaultConfig().InFlightWindow(),
		RetryMaxAge:      24 * time.Hour,
		LogRetention:     30 * 24 * time.Hour,
		SentRetention:    90 * 24 * time.Hour,
		Now:              time.Now,
	}
}

func PolicyFromConfig(cfg config.MaintenanceConfig, deliveryCfg delivery.Config) Policy {
	p := DefaultPolicy()
	p.PendingIdle = deliveryCfg.InFlightWindow()
	if cfg.PendingBatchSize > 0 {
		p.PendingBatchSize = cfg.PendingBatchSize
	}
	if cfg.RetryMaxAgeHours > 0 {
		p.RetryMaxAge = time.Duration(cfg.RetryMaxAgeHours) * time.Hour
	}
	if cfg.LogRetentionDays > 0 {
		p.LogRetention = time.Duration(cfg.LogRetentionDays) * 24 * time.Hour
	}
	if cfg.SentRetentionDays > 0 {
		p.SentRetention = time.Duration(cfg.SentRetentionDays) * 24 * time.Hour
	}
	return p
}

// Jobs builds the notification jobs over one store.
type Jobs struct {
	store  Store
	queue  delivery.Enqueuer
	policy Policy
	logger logger.Logger
}

func NewJobs(store Store, queue delivery.Enqueuer, policy Policy, log logger.Logger) *Jobs {
	if policy.Now == nil {
		policy.Now = time.Now
	}
	if policy.PendingBatchSize <= 0 {
		policy.PendingBatchSize = DefaultPolicy().PendingBatchSize
	}
	if policy.PendingIdle <= 0 {
		policy.PendingIdle = DefaultPolicy().PendingIdle
	}
	return &Jobs{
		store:  store,
		queue:  queue,
		policy: policy,
		logger: log.WithFields(map[string]interface{}{"worker": "notification-maintenance"}),
	}
}

// All returns every notification job.
func (j *Jobs) All() []Job {
	return []Job{j.ProcessPending(), j.RetryFailed(), j.CleanupLogs(), j.CleanupNotifications()}
}

// ProcessPending queues the oldest PENDING notifications that have no attempt
// in flight, continuing from their stored attempt count.
func (j *Jobs) ProcessPending() Job {
	return jobFunc{name: "process-pending", run: func(ctx context.Context) (int, error) {
		idleSince := j.policy.Now().Add(-j.policy.PendingIdle)
		pending, err := j.store.Pending(ctx, j.policy.PendingBatchSize, idleSince)
		if err != nil {
			return 0, err
		}
		return j.enqueue(ctx, pending)
	}}
}

// RetryFailed moves recent FAILED notifications back to PENDING and queues
// them again.
func (j *Jobs) RetryFailed() Job {
	return jobFunc{name: "retry-failed", run: func(ctx context.Context) (int, error) {
		reset, err := j.store.ResetFailed(ctx, j.policy.Now().Add(-j.policy.RetryMaxAge))
		if err != nil {
			return 0, err
		}
		return j.enqueue(ctx, reset)
	}}
}

// CleanupLogs deletes delivery logs past their retention.
func (j *Jobs) CleanupLogs() Job {
	return jobFunc{name: "cleanup-logs", run: func(ctx context.Context) (int, error) {
		n, err := j.store.DeleteLogsBefore(ctx, j.policy.Now().Add(-j.policy.LogRetention))
		return int(n), err
	}}
}

// CleanupNotifications deletes SENT notifications past their retention.
func (j *Jobs) CleanupNotifications() Job {
	return jobFunc{name: "cleanup-notifications", run: func(ctx context.Context) (int, error) {
		n, err := j.store.DeleteSentBefore(ctx, j.policy.Now().Add(-j.policy.SentRetention))
		return int(n), err
	}}
}

// enqueue queues what it can and reports every failure.
func (j *Jobs) enqueue(ctx context.Context, ns []models.Notification) (int, error) {
	var (
		queued int
		errs   []error
	)
	for _, n := range ns {
		if err := delivery.EnqueueAttempt(ctx, j.queue, n.ID, n.Attempts+1); err != nil {
			j.logger.Warn("failed to queue notification", map[string]interface{}{
				"notificationId": n.ID,
				"error":          err.Error(),
			})
			errs = append(errs, err)
			continue
		}
		queued++
	}
	return queued, errors.Join(errs...)
}

type jobFunc struct {
	name string
	run  func(ctx context.Context) (int, error)
}

func (f jobFunc) Name() string { return f.name }

func (f jobFunc) Run(ctx context.Context) (int, error) {
	n, err := f.run(ctx)
	if n > 0 {
		metrics.MaintenanceRuns.WithLabelValues(f.name).Add(float64(n))
	}
	return n, err
}
