// cmd/worker-manager/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"library-workers/internal/api"
	"library-workers/internal/clients/books"
	"library-workers/internal/clients/identity"
	awsclient "library-workers/internal/common/aws"
	"library-workers/internal/common/bus"
	"library-workers/internal/common/config"
	"library-workers/internal/common/database"
	"library-workers/internal/common/idempotency"
	"library-workers/internal/common/logger"
	"library-workers/internal/common/observability"
	"library-workers/internal/common/resolver"
	"library-workers/internal/models"
	"library-workers/pkg/registry"

	"library-workers/internal/workers/audit/indexer"
	"library-workers/internal/workers/loans/consumer"
	"library-workers/internal/workers/loans/engine"
	"library-workers/internal/workers/loans/overdue"
	"library-workers/internal/workers/loans/publisher"
	"library-workers/internal/workers/notifications/delivery"
	"library-workers/internal/workers/notifications/dispatcher"
	"library-workers/internal/workers/notifications/maintenance"
	"library-workers/internal/workers/notifications/store"
)

const maintenanceTask = "maintenance"

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New("info", "console")
		boot.Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()

	// Wrap zap logger with our logger interface
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting worker manager...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Elasticsearch with retry ---
	var esClient *database.ElasticsearchClient
	err = retryWithBackoff(func() error {
		var err error
		esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			return err
		}
		if err := esClient.Ping(ctx); err != nil {
			return err
		}
		return esClient.EnsureIndex(ctx, cfg.Database.Elasticsearch.AuditIndex, indexer.Mapping)
	}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
	if err != nil {
		zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
	}
	zapLog.Info("Elasticsearch connected successfully")

	// --- Init Redis with retry ---
	var rdb *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return rdb.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rdb.Close()
	zapLog.Info("Redis connected successfully")

	// --- Event bus ---
	busOpts := bus.OptionsFromConfig(cfg.Bus)
	busOpts.Observability = obs
	conn := bus.NewConnection(rdb.Client, busOpts, log)
	if err := conn.Connect(ctx); err != nil {
		zapLog.Fatal("event bus unreachable", zap.Error(err))
	}

	queues := map[string][]string{
		consumer.Queue:   consumer.BindingKeys,
		dispatcher.Queue: dispatcher.BindingKeys,
		indexer.Queue:    indexer.BindingKeys,
		delivery.Queue:   nil,
	}
	for queue, keys := range queues {
		if err := conn.DeclareQueue(ctx, queue, keys...); err != nil {
			zapLog.Fatal("queue declaration failed", zap.String("queue", queue), zap.Error(err))
		}
	}

	// --- Collaborators ---
	res, err := resolver.FromConfig(cfg.Resolver, rdb.Client, log)
	if err != nil {
		zapLog.Fatal("resolver configuration invalid", zap.Error(err))
	}
	timeout := config.GetDuration(cfg.Collaborators.Timeout)
	bookClient := books.NewClient(res, timeout, log)
	userClient := identity.NewClient(res, timeout, log)

	// --- Loans ---
	loanEngine := engine.NewEngine(engine.LoadConfig(cfg.Loans), pg, bookClient, userClient, log)
	events := publisher.NewPublisher(conn, bookClient, userClient, log)

	// --- Notifications ---
	notificationStore := store.New(pg)
	if reg, err := registry.LoadRegistry(cfg.Template.RegistryPath); err != nil {
		zapLog.Warn("template registry not loaded", zap.String("path", cfg.Template.RegistryPath), zap.Error(err))
	} else if n, err := registry.Seed(ctx, notificationStore, reg, log); err != nil {
		zapLog.Fatal("template seeding failed", zap.Error(err))
	} else {
		zapLog.Info("notification templates seeded", zap.Int("created", n), zap.Int("total", len(reg.Templates)))
	}

	notifier := dispatcher.New(notificationStore, conn, cfg.Notifications.DisplayDateFormat, log)

	senders, err := buildSenders(ctx, cfg)
	if err != nil {
		zapLog.Fatal("notification senders failed", zap.Error(err))
	}
	if len(senders) == 0 {
		zapLog.Warn("no notification channel enabled, deliveries will fail")
	}
	runner := delivery.NewRunner(notificationStore, userClient, senders, delivery.LoadConfig(cfg.Notifications), log)

	// --- START: Register workers ---
	var wg sync.WaitGroup

	if wcfg := config.GetWorkerConfig(cfg, consumer.TaskType); wcfg.Enabled {
		guard := idempotency.NewStore(rdb.Client, "loan-requests",
			config.GetDuration(wcfg.Timeout),
			time.Duration(cfg.Loans.RequestKeyTTL)*time.Second,
		)
		handler := consumer.NewHandler(loanEngine, events, guard, config.GetDuration(wcfg.Timeout), log)
		startConsumer(ctx, &wg, conn, consumer.TaskType, consumer.Queue, wcfg, cfg.Bus, handler.Handle, zapLog)
	}

	if wcfg := config.GetWorkerConfig(cfg, dispatcher.TaskType); wcfg.Enabled {
		startConsumer(ctx, &wg, conn, dispatcher.TaskType, dispatcher.Queue, wcfg, cfg.Bus, notifier.Handle, zapLog)
	}

	if wcfg := config.GetWorkerConfig(cfg, indexer.TaskType); wcfg.Enabled {
		idx := indexer.New(esClient.Client, cfg.Database.Elasticsearch.AuditIndex, config.GetDuration(wcfg.Timeout), log)
		startConsumer(ctx, &wg, conn, indexer.TaskType, indexer.Queue, wcfg, cfg.Bus, idx.Handle, zapLog)
	}

	if wcfg := config.GetWorkerConfig(cfg, delivery.TaskType); wcfg.Enabled {
		pool := delivery.NewPool(conn, runner, wcfg.MaxJobsActive,
			consumeOptions(delivery.TaskType, cfg.Bus),
			config.GetDuration(wcfg.Timeout), log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pool.Run(ctx); err != nil {
				zapLog.Error("delivery pool stopped", zap.Error(err))
				stop()
			}
		}()
	}

	// --- Periodic jobs ---
	sched := maintenance.NewScheduler(config.GetDuration(config.GetWorkerConfig(cfg, maintenanceTask).Timeout), log)
	seconds := func(n int) time.Duration { return time.Duration(n) * time.Second }

	if config.IsWorkerEnabled(cfg, maintenanceTask) {
		jobs := maintenance.NewJobs(notificationStore, conn, maintenance.PolicyFromConfig(cfg.Maintenance, delivery.LoadConfig(cfg.Notifications)), log)
		sched.Every(seconds(cfg.Maintenance.PendingInterval), jobs.ProcessPending())
		sched.Every(seconds(cfg.Maintenance.RetryInterval), jobs.RetryFailed())
		sched.Every(seconds(cfg.Maintenance.CleanupInterval), jobs.CleanupLogs())
		sched.Every(seconds(cfg.Maintenance.CleanupInterval), jobs.CleanupNotifications())
	}
	if config.IsWorkerEnabled(cfg, overdue.TaskType) {
		scanner := overdue.NewScanner(loanEngine, events, cfg.Maintenance.PendingBatchSize, log)
		sched.Every(seconds(cfg.Maintenance.OverdueInterval), scanner)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	// --- HTTP API ---
	server := api.NewServer(loanEngine, events, notifier, notificationStore, api.Options{
		AuthEnabled: cfg.API.AuthEnabled,
		Tokens:      userClient,
		Ready: map[string]api.Check{
			"postgres":      pg.Ping,
			"redis":         rdb.Ping,
			"elasticsearch": esClient.Ping,
		},
	}, log)

	go func() {
		if err := server.Start(cfg.API.Address); err != nil {
			zapLog.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	zapLog.Info("All workers registered successfully")

	// --- Graceful Shutdown ---
	<-ctx.Done()
	zapLog.Info("Shutdown signal received, stopping workers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error stopping http server", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		zapLog.Warn("workers did not stop in time")
	}

	zapLog.Info("Worker manager stopped")
}

// buildSenders picks one sender per channel: SES before SMTP for email and
// SNS for SMS.
func buildSenders(ctx context.Context, cfg *config.Config) (map[models.NotificationType]delivery.Sender, error) {
	senders := make(map[models.NotificationType]delivery.Sender)
	aws := cfg.Integrations.AWS

	switch {
	case aws.SES.Enabled:
		ses, err := awsclient.NewSESClient(ctx, aws.Region, aws.SES.FromEmail)
		if err != nil {
			return nil, fmt.Errorf("ses: %w", err)
		}
		senders[models.NotificationEmail] = delivery.NewSESSender(ses)
	case cfg.Integrations.SMTP.Enabled:
		smtp, err := delivery.NewSMTPSender(delivery.SMTPConfigFrom(cfg.Integrations))
		if err != nil {
			return nil, fmt.Errorf("smtp: %w", err)
		}
		senders[models.NotificationEmail] = smtp
	}

	if aws.SNS.Enabled {
		sns, err := awsclient.NewSNSClient(ctx, aws.Region, aws.SNS.DefaultSMSSenderID)
		if err != nil {
			return nil, fmt.Errorf("sns: %w", err)
		}
		senders[models.NotificationSMS] = delivery.NewSNSSender(sns)
	}
	return senders, nil
}

func consumeOptions(taskType string, bcfg config.BusConfig) bus.ConsumeOptions {
	host, _ := os.Hostname()
	return bus.ConsumeOptions{
		Consumer: fmt.Sprintf("%s-%s", host, taskType),
		Prefetch: int64(bcfg.Prefetch),
		Block:    config.GetDuration(bcfg.BlockTimeout),
	}
}

// startConsumer runs wcfg.MaxJobsActive consumer loops on queue.
func startConsumer(ctx context.Context, wg *sync.WaitGroup, conn *bus.Connection, taskType, queue string, wcfg config.WorkerConfig, bcfg config.BusConfig, handler bus.Handler, log *zap.Logger) {
	opts := consumeOptions(taskType, bcfg)
	for i := 0; i < wcfg.MaxJobsActive; i++ {
		loopOpts := opts
		loopOpts.Consumer = fmt.Sprintf("%s-%d", opts.Consumer, i)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := conn.Consume(ctx, queue, loopOpts, handler); err != nil {
				log.Error("consumer stopped", zap.String("taskType", taskType), zap.Error(err))
			}
		}()
	}

	log.Info("worker started",
		zap.String("taskType", taskType),
		zap.String("queue", queue),
		zap.Int("maxJobsActive", wcfg.MaxJobsActive),
		zap.Int("timeout", wcfg.Timeout),
	)
}
