package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"library-workers/internal/common/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBus(t *testing.T, maxDeliveries int) (*Connection, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	conn := NewConnection(client, Options{
		Exchange:      "test_events",
		MaxDeliveries: maxDeliveries,
		Reconnect:     ReconnectPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, logger.NewTestLogger(t))
	return conn, mr
}

// consumeUntil runs Consume until n deliveries were handled.
func consumeUntil(t *testing.T, conn *Connection, queue string, n int, handler Handler) []*Delivery {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var seen []*Delivery
	done := make(chan error, 1)

	go func() {
		done <- conn.Consume(ctx, queue, ConsumeOptions{Consumer: "test", PollInterval: time.Millisecond}, func(ctx context.Context, d *Delivery) {
			defer func() {
				mu.Lock()
				seen = append(seen, d)
				if len(seen) == n {
					cancel()
				}
				mu.Unlock()
			}()
			handler(ctx, d)
		})
	}()

	require.NoError(t, <-done)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, n, "timed out waiting for deliveries")
	return seen
}

// ==========================
// Publish / routing
// ==========================

func TestPublish_FansOutToMatchingQueues(t *testing.T) {
	conn, mr := setupBus(t, 5)
	ctx := context.Background()

	require.NoError(t, conn.DeclareQueue(ctx, "audit", "loan.#"))
	require.NoError(t, conn.DeclareQueue(ctx, "notify", "notification.email.*"))
	require.NoError(t, conn.DeclareQueue(ctx, "both", "loan.created", "loan.*"))

	n, err := conn.Publish(ctx, "loan.created", map[string]interface{}{"loan_id": 7})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = conn.Publish(ctx, "notification.email.loan_created", map[string]interface{}{"loan_id": 7})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = conn.Publish(ctx, "book.created", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	audit, err := mr.Stream(QueueKey("audit"))
	require.NoError(t, err)
	assert.Len(t, audit, 1)

	both, err := mr.Stream(QueueKey("both"))
	require.NoError(t, err)
	assert.Len(t, both, 1, "a queue matching twice still receives one copy")

	notify, err := mr.Stream(QueueKey("notify"))
	require.NoError(t, err)
	assert.Len(t, notify, 1)
}

func TestConsume_AckRemovesFromPending(t *testing.T) {
	conn, _ := setupBus(t, 5)
	ctx := context.Background()

	require.NoError(t, conn.DeclareQueue(ctx, "audit", "loan.#"))
	_, err := conn.Publish(ctx, "loan.returned", map[string]interface{}{"loan_id": 9, "days_overdue": 7})
	require.NoError(t, err)

	seen := consumeUntil(t, conn, "audit", 1, func(ctx context.Context, d *Delivery) {
		assert.NoError(t, d.Ack(ctx))
	})

	var body struct {
		LoanID      int `json:"loan_id"`
		DaysOverdue int `json:"days_overdue"`
	}
	require.NoError(t, seen[0].Decode(&body))
	assert.Equal(t, 9, body.LoanID)
	assert.Equal(t, 7, body.DaysOverdue)
	assert.Equal(t, "loan.returned", seen[0].RoutingKey)
	assert.Equal(t, 1, seen[0].Attempt)
	assert.NotEmpty(t, seen[0].ID)

	pending, err := conn.client.XPending(ctx, QueueKey("audit"), consumerGroup).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, pending.Count)
}

// ==========================
// Redelivery / dead-lettering
// ==========================

func TestConsume_RequeueIsBoundedThenDeadLettered(t *testing.T) {
	conn, _ := setupBus(t, 3)
	ctx := context.Background()

	require.NoError(t, conn.DeclareQueue(ctx, "loans", "loan.create_request"))
	_, err := conn.Publish(ctx, "loan.create_request", map[string]interface{}{"user_id": 1})
	require.NoError(t, err)

	seen := consumeUntil(t, conn, "loans", 3, func(ctx context.Context, d *Delivery) {
		assert.NoError(t, d.Nack(ctx, true))
	})

	assert.Equal(t, 1, seen[0].Attempt)
	assert.Equal(t, 2, seen[1].Attempt)
	assert.Equal(t, 3, seen[2].Attempt)
	assert.Equal(t, seen[0].ID, seen[2].ID, "message id survives redelivery")

	dead, err := conn.DeadLetters(ctx, "loans", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, seen[0].ID, dead[0].ID)
	assert.Equal(t, "loan.create_request", dead[0].RoutingKey)
}

func TestConsume_RejectDeadLettersImmediately(t *testing.T) {
	conn, _ := setupBus(t, 5)
	ctx := context.Background()

	require.NoError(t, conn.DeclareQueue(ctx, "notify", "notification.email.*"))
	_, err := conn.Publish(ctx, "notification.email.loan_created", []byte("not json"))
	require.NoError(t, err)

	consumeUntil(t, conn, "notify", 1, func(ctx context.Context, d *Delivery) {
		assert.NoError(t, d.Reject(ctx))
		assert.Error(t, d.Ack(ctx), "a settled delivery cannot be settled twice")
	})

	dead, err := conn.DeadLetters(ctx, "notify", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "not json", string(dead[0].Body))
}

func TestConsume_UnsettledAndPanickingHandlersRequeue(t *testing.T) {
	conn, _ := setupBus(t, 5)
	ctx := context.Background()

	require.NoError(t, conn.DeclareQueue(ctx, "q"))
	require.NoError(t, conn.Send(ctx, "q", "direct", map[string]string{"k": "v"}))

	calls := 0
	seen := consumeUntil(t, conn, "q", 3, func(ctx context.Context, d *Delivery) {
		calls++
		switch calls {
		case 1:
			// forgets to settle
		case 2:
			panic(errors.New("boom"))
		default:
			assert.NoError(t, d.Ack(ctx))
		}
	})

	assert.Equal(t, 3, seen[2].Attempt)
}

// ==========================
// Delayed delivery
// ==========================

func TestSendDelayed_PromotedWhenDue(t *testing.T) {
	conn, mr := setupBus(t, 5)
	ctx := context.Background()

	require.NoError(t, conn.DeclareQueue(ctx, "delivery"))
	require.NoError(t, conn.SendDelayed(ctx, "delivery", "notification.deliver", map[string]int{"notification_id": 4}, time.Minute))

	n, err := conn.PromoteDue(ctx, "delivery", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = conn.PromoteDue(ctx, "delivery", time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := mr.Stream(QueueKey("delivery"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	n, err = conn.PromoteDue(ctx, "delivery", time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "promotion happens once")
}

func TestConnect_GivesUpWhenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()

	conn := NewConnection(client, Options{
		Reconnect: ReconnectPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}, logger.NewNoOpLogger())

	err := conn.Connect(context.Background())
	assert.ErrorContains(t, err, "gave up after 2 attempts")
}
