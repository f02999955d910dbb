// Package bus is a topic-routed event bus over Redis Streams.
//
// Every queue is a stream consumed through one consumer group. Bindings of
// queues to topic patterns live in a Redis set per exchange, so Publish fans a
// message out to every queue whose pattern matches the routing key.
package bus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"library-workers/internal/common/config"
	"library-workers/internal/common/logger"
	"library-workers/internal/common/metrics"
	"library-workers/internal/common/observability"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	consumerGroup = "workers"

	fieldRoutingKey  = "routing_key"
	fieldBody        = "body"
	fieldMessageID   = "message_id"
	fieldPublishedAt = "published_at"
	fieldAttempt     = "attempt"
	fieldReason      = "dead_letter_reason"
)

// Options configures a Connection.
type Options struct {
	Exchange      string
	MaxDeliveries int
	MaxLen        int64
	Reconnect     ReconnectPolicy
	Observability *observability.Observability
}

// OptionsFromConfig builds Options from the bus config section.
func OptionsFromConfig(cfg config.BusConfig) Options {
	return Options{
		Exchange:      cfg.Exchange,
		MaxDeliveries: cfg.MaxDeliveries,
		MaxLen:        cfg.MaxLen,
		Reconnect:     ReconnectPolicyFromConfig(cfg.Reconnect),
	}
}

// Connection is an explicitly constructed handle to the bus. It is safe for
// concurrent use.
type Connection struct {
	client *redis.Client
	opts   Options
	logger logger.Logger
	obs    *observability.Observability
}

func NewConnection(client *redis.Client, opts Options, log logger.Logger) *Connection {
	if opts.Exchange == "" {
		opts.Exchange = "library_events"
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	obs := opts.Observability
	if obs == nil {
		obs = observability.NewNoop()
	}
	return &Connection{
		client: client,
		opts:   opts,
		logger: log.WithFields(map[string]interface{}{"component": "bus", "exchange": opts.Exchange}),
		obs:    obs,
	}
}

// Connect waits until the broker answers, following the reconnect policy.
func (c *Connection) Connect(ctx context.Context) error {
	return c.opts.Reconnect.Retry(ctx, func(ctx context.Context) error {
		err := c.client.Ping(ctx).Err()
		if err != nil {
			c.logger.Warn("bus not reachable, retrying", map[string]interface{}{"error": err.Error()})
		}
		return err
	})
}

func QueueKey(queue string) string      { return "bus:queue:" + queue }
func DeadLetterKey(queue string) string { return "bus:dlq:" + queue }
func DelayedKey(queue string) string    { return "bus:delayed:" + queue }

func (c *Connection) bindingsKey() string {
	return "bus:bindings:" + c.opts.Exchange
}

// DeclareQueue creates the queue's stream and consumer group (idempotent) and
// binds it to each topic pattern.
func (c *Connection) DeclareQueue(ctx context.Context, queue string, patterns ...string) error {
	err := c.client.XGroupCreateMkStream(ctx, QueueKey(queue), consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	if len(patterns) == 0 {
		return nil
	}
	members := make([]interface{}, 0, len(patterns))
	for _, p := range patterns {
		members = append(members, queue+"|"+p)
	}
	if err := c.client.SAdd(ctx, c.bindingsKey(), members...).Err(); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}
	return nil
}

// Publish routes body to every queue bound to a pattern matching routingKey and
// returns the number of queues it reached. body is JSON encoded unless it is
// already a []byte.
func (c *Connection) Publish(ctx context.Context, routingKey string, body interface{}) (int, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return 0, err
	}

	bindings, err := c.client.SMembers(ctx, c.bindingsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("load bindings: %w", err)
	}

	queues := make(map[string]struct{})
	for _, b := range bindings {
		queue, pattern, ok := strings.Cut(b, "|")
		if ok && MatchTopic(pattern, routingKey) {
			queues[queue] = struct{}{}
		}
	}

	if len(queues) == 0 {
		c.logger.Debug("message unroutable", map[string]interface{}{"routingKey": routingKey})
		return 0, nil
	}

	msg := Message{
		ID:          uuid.NewString(),
		RoutingKey:  routingKey,
		Body:        payload,
		PublishedAt: time.Now().UTC(),
		Attempt:     1,
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for queue := range queues {
			pipe.XAdd(ctx, c.xaddArgs(QueueKey(queue), msg, ""))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", routingKey, err)
	}

	return len(queues), nil
}

// Send delivers body straight to one queue, bypassing bindings.
func (c *Connection) Send(ctx context.Context, queue, routingKey string, body interface{}) error {
	payload, err := encodeBody(body)
	if err != nil {
		return err
	}

	msg := Message{
		ID:          uuid.NewString(),
		RoutingKey:  routingKey,
		Body:        payload,
		PublishedAt: time.Now().UTC(),
		Attempt:     1,
	}
	if err := c.client.XAdd(ctx, c.xaddArgs(QueueKey(queue), msg, "")).Err(); err != nil {
		return fmt.Errorf("send to %s: %w", queue, err)
	}
	return nil
}

// SendDelayed schedules body for queue once delay has elapsed. Due messages are
// moved into the queue by the consumers of that queue.
func (c *Connection) SendDelayed(ctx context.Context, queue, routingKey string, body interface{}, delay time.Duration) error {
	if delay <= 0 {
		return c.Send(ctx, queue, routingKey, body)
	}

	payload, err := encodeBody(body)
	if err != nil {
		return err
	}

	msg := Message{
		ID:          uuid.NewString(),
		RoutingKey:  routingKey,
		Body:        payload,
		PublishedAt: time.Now().UTC(),
		Attempt:     1,
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode delayed message: %w", err)
	}

	due := time.Now().Add(delay).UnixMilli()
	if err := c.client.ZAdd(ctx, DelayedKey(queue), redis.Z{Score: float64(due), Member: encoded}).Err(); err != nil {
		return fmt.Errorf("schedule for %s: %w", queue, err)
	}
	return nil
}

// PromoteDue moves delayed messages whose time has come into queue.
func (c *Connection) PromoteDue(ctx context.Context, queue string, now time.Time) (int, error) {
	key := DelayedKey(queue)
	due, err := c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("load delayed messages: %w", err)
	}

	promoted := 0
	for _, member := range due {
		// ZREM decides which consumer owns the promotion
		removed, err := c.client.ZRem(ctx, key, member).Result()
		if err != nil {
			return promoted, fmt.Errorf("claim delayed message: %w", err)
		}
		if removed == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			c.logger.Error("dropping undecodable delayed message", map[string]interface{}{"queue": queue, "error": err.Error()})
			continue
		}
		if err := c.client.XAdd(ctx, c.xaddArgs(QueueKey(queue), msg, "")).Err(); err != nil {
			return promoted, fmt.Errorf("promote delayed message: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// DeadLetters returns the messages dead-lettered from queue, oldest first.
func (c *Connection) DeadLetters(ctx context.Context, queue string, count int64) ([]Message, error) {
	entries, err := c.client.XRangeN(ctx, DeadLetterKey(queue), "-", "+", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, parseMessage(e.Values))
	}
	return out, nil
}

// Ack implements Acknowledger.
func (c *Connection) Ack(ctx context.Context, d *Delivery) error {
	if err := c.client.XAck(ctx, QueueKey(d.Queue), consumerGroup, d.streamID).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	metrics.BusMessages.WithLabelValues(d.Queue, string(SettlementAck)).Inc()
	return nil
}

// Requeue implements Acknowledger. The message goes back to the tail of its
// queue with the attempt counter raised, or to the dead-letter stream once the
// delivery limit is reached.
func (c *Connection) Requeue(ctx context.Context, d *Delivery) error {
	if d.Attempt >= c.opts.MaxDeliveries {
		c.logger.Warn("delivery limit reached, dead-lettering", map[string]interface{}{
			"queue":     d.Queue,
			"messageId": d.ID,
			"attempt":   d.Attempt,
		})
		return c.DeadLetter(ctx, d, fmt.Sprintf("max deliveries (%d) exceeded", c.opts.MaxDeliveries))
	}

	next := d.Message
	next.Attempt++

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, c.xaddArgs(QueueKey(d.Queue), next, ""))
		pipe.XAck(ctx, QueueKey(d.Queue), consumerGroup, d.streamID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue %s: %w", d.ID, err)
	}
	metrics.BusMessages.WithLabelValues(d.Queue, string(SettlementRequeue)).Inc()
	return nil
}

// DeadLetter implements Acknowledger.
func (c *Connection) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, c.xaddArgs(DeadLetterKey(d.Queue), d.Message, reason))
		pipe.XAck(ctx, QueueKey(d.Queue), consumerGroup, d.streamID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", d.ID, err)
	}
	metrics.BusMessages.WithLabelValues(d.Queue, string(SettlementReject)).Inc()
	return nil
}

func (c *Connection) xaddArgs(stream string, msg Message, reason string) *redis.XAddArgs {
	values := map[string]interface{}{
		fieldRoutingKey:  msg.RoutingKey,
		fieldBody:        string(msg.Body),
		fieldMessageID:   msg.ID,
		fieldPublishedAt: msg.PublishedAt.Format(time.RFC3339Nano),
		fieldAttempt:     msg.Attempt,
	}
	if reason != "" {
		values[fieldReason] = reason
	}

	args := &redis.XAddArgs{Stream: stream, Values: values}
	if c.opts.MaxLen > 0 {
		args.MaxLen = c.opts.MaxLen
		args.Approx = true
	}
	return args
}

func parseMessage(values map[string]interface{}) Message {
	str := func(k string) string {
		if v, ok := values[k].(string); ok {
			return v
		}
		return ""
	}

	msg := Message{
		ID:         str(fieldMessageID),
		RoutingKey: str(fieldRoutingKey),
		Body:       []byte(str(fieldBody)),
		Attempt:    1,
	}
	if t, err := time.Parse(time.RFC3339Nano, str(fieldPublishedAt)); err == nil {
		msg.PublishedAt = t
	}
	if n, err := strconv.Atoi(str(fieldAttempt)); err == nil && n > 0 {
		msg.Attempt = n
	}
	return msg
}

func encodeBody(body interface{}) ([]byte, error) {
	switch b := body.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode message body: %w", err)
		}
		return payload, nil
	}
}
