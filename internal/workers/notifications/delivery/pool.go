package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"library-workers/internal/common/bus"
	"library-workers/internal/common/logger"
	"library-workers/internal/common/metrics"
)

// Broker is satisfied by *bus.Connection.
type Broker interface {
	Consume(ctx context.Context, queue string, opts bus.ConsumeOptions, handler bus.Handler) error
	SendDelayed(ctx context.Context, queue, routingKey string, body interface{}, delay time.Duration) error
}

// Deliverer is satisfied by *Runner.
type Deliverer interface {
	Deliver(ctx context.Context, task Task) Outcome
}

// Pool runs delivery workers over Queue and owns the retry loop: a
// RetryableFailure is rescheduled on the delayed queue, everything else ends
// the task.
type Pool struct {
	broker  Broker
	runner  Deliverer
	workers int
	opts    bus.ConsumeOptions
	timeout time.Duration
	logger  logger.Logger
}

func NewPool(broker Broker, runner Deliverer, workers int, opts bus.ConsumeOptions, timeout time.Duration, log logger.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Pool{
		broker:  broker,
		runner:  runner,
		workers: workers,
		opts:    opts,
		timeout: timeout,
		logger:  log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}
}

// Run blocks until ctx is cancelled or a worker loses the broker for good.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting delivery pool", map[string]interface{}{"workers": p.workers})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for i := 0; i < p.workers; i++ {
		opts := p.opts
		if opts.Consumer != "" {
			opts.Consumer = fmt.Sprintf("%s-%d", opts.Consumer, i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.broker.Consume(ctx, Queue, opts, p.Handle); err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}()
	}
	wg.Wait()

	p.logger.Info("delivery pool stopped", nil)
	return firstErr
}

// Handle is a bus.Handler for delivery tasks.
func (p *Pool) Handle(ctx context.Context, d *bus.Delivery) {
	log := logger.WithTrace(ctx, p.logger).WithFields(map[string]interface{}{"messageId": d.ID})
	start := time.Now()

	var task Task
	if err := d.Decode(&task); err != nil || task.NotificationID <= 0 {
		log.Error("dropping malformed delivery task", map[string]interface{}{"body": string(d.Body)})
		metrics.WorkerJobsFailed.WithLabelValues(TaskType, "MESSAGE_MALFORMED").Inc()
		p.settle(ctx, d, log, d.Reject)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, p.timeout)
	outcome := p.runner.Deliver(opCtx, task)
	cancel()

	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(start).Seconds())
	log.Info("delivery finished", map[string]interface{}{
		"notificationId": task.NotificationID,
		"outcome":        outcome.String(),
	})

	if retry, ok := outcome.(RetryableFailure); ok {
		next := Task{NotificationID: task.NotificationID, Attempt: retry.Attempt + 1}
		if err := p.broker.SendDelayed(ctx, Queue, RoutingKey, next, retry.Delay); err != nil {
			log.Error("failed to schedule retry", map[string]interface{}{"error": err.Error()})
			p.settle(ctx, d, log, func(ctx context.Context) error { return d.Nack(ctx, true) })
			return
		}
	}

	switch outcome.(type) {
	case TerminalFailure:
		metrics.WorkerJobsFailed.WithLabelValues(TaskType, "NOTIFICATION_FAILED").Inc()
	default:
		metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	}
	p.settle(ctx, d, log, d.Ack)
}

func (p *Pool) settle(ctx context.Context, d *bus.Delivery, log logger.Logger, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		log.Error("failed to settle delivery task", map[string]interface{}{"error": err.Error()})
	}
}
