package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"library-workers/internal/common/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

// Handler processes one delivery and must settle it. A delivery left
// unsettled is requeued.
type Handler func(ctx context.Context, d *Delivery)

// ConsumeOptions tunes one consumer loop.
type ConsumeOptions struct {
	// Consumer names this loop inside the queue's consumer group.
	Consumer string
	// Prefetch is the number of messages fetched per read.
	Prefetch int64
	// Block is how long a read waits for messages. Zero or less polls with
	// PollInterval instead of blocking.
	Block        time.Duration
	PollInterval time.Duration
	// ClaimIdle is how long a message may sit unacknowledged with a dead
	// consumer before another consumer takes it over.
	ClaimIdle time.Duration
}

func (o *ConsumeOptions) setDefaults() {
	if o.Consumer == "" {
		host, _ := os.Hostname()
		o.Consumer = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if o.Prefetch <= 0 {
		o.Prefetch = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Millisecond
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = 5 * time.Minute
	}
}

// Consume runs the consumer loop for queue until ctx is cancelled. It returns
// nil on cancellation and an error only when the broker stays unreachable
// past the reconnect policy.
func (c *Connection) Consume(ctx context.Context, queue string, opts ConsumeOptions, handler Handler) error {
	opts.setDefaults()
	log := c.logger.WithFields(map[string]interface{}{"queue": queue, "consumer": opts.Consumer})

	block := time.Duration(-1)
	if opts.Block > 0 {
		block = opts.Block
	}

	lastClaim := time.Time{}
	for {
		if ctx.Err() != nil {
			return nil
		}

		if _, err := c.PromoteDue(ctx, queue, time.Now()); err != nil && ctx.Err() == nil {
			log.Warn("delayed promotion failed", map[string]interface{}{"error": err.Error()})
		}

		if time.Since(lastClaim) > opts.ClaimIdle/2 {
			c.claimStale(ctx, queue, opts, handler, log)
			lastClaim = time.Now()
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: opts.Consumer,
			Streams:  []string{QueueKey(queue), ">"},
			Count:    opts.Prefetch,
			Block:    block,
		}).Result()

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, redis.Nil):
			if block < 0 {
				sleep(ctx, opts.PollInterval)
			}
			continue
		case err != nil && strings.HasPrefix(err.Error(), "NOGROUP"):
			if err := c.DeclareQueue(ctx, queue); err != nil {
				log.Error("failed to redeclare queue", map[string]interface{}{"error": err.Error()})
			}
			continue
		case err != nil:
			log.Warn("bus read failed, reconnecting", map[string]interface{}{"error": err.Error()})
			if err := c.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("consume %s: %w", queue, err)
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				c.dispatch(ctx, queue, entry, handler, log)
			}
		}
	}
}

// claimStale takes over messages left pending by consumers that stopped
// without settling them.
func (c *Connection) claimStale(ctx context.Context, queue string, opts ConsumeOptions, handler Handler, log logger.Logger) {
	entries, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   QueueKey(queue),
		Group:    consumerGroup,
		Consumer: opts.Consumer,
		MinIdle:  opts.ClaimIdle,
		Start:    "0-0",
		Count:    opts.Prefetch,
	}).Result()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
			log.Debug("stale claim skipped", map[string]interface{}{"error": err.Error()})
		}
		return
	}

	for _, entry := range entries {
		log.Warn("recovered unacknowledged message", map[string]interface{}{"streamId": entry.ID})
		c.dispatch(ctx, queue, entry, handler, log)
	}
}

func (c *Connection) dispatch(ctx context.Context, queue string, entry redis.XMessage, handler Handler, log logger.Logger) {
	d := NewDelivery(queue, parseMessage(entry.Values), c)
	d.streamID = entry.ID

	start := time.Now()
	spanCtx, end := c.obs.StartSpan(ctx, "bus.consume "+queue,
		attribute.String("messaging.destination", queue),
		attribute.String("messaging.routing_key", d.RoutingKey),
		attribute.String("messaging.message_id", d.ID),
		attribute.Int("messaging.attempt", d.Attempt),
	)

	var handlerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				handlerErr = fmt.Errorf("handler panic: %v", r)
				logger.WithTrace(spanCtx, log).Error("handler panicked", map[string]interface{}{
					"messageId": d.ID,
					"panic":     fmt.Sprint(r),
				})
			}
		}()
		handler(spanCtx, d)
	}()

	if d.Settled() == SettlementNone {
		if err := d.Nack(ctx, true); err != nil {
			handlerErr = err
			log.Error("failed to requeue unsettled delivery", map[string]interface{}{"messageId": d.ID, "error": err.Error()})
		}
	}

	status := string(d.Settled())
	c.obs.RecordJobProcessed(ctx, queue, status)
	c.obs.RecordJobDuration(ctx, queue, time.Since(start), status)
	end(handlerErr)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
