package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Message is one routed bus message.
type Message struct {
	ID          string    `json:"message_id"`
	RoutingKey  string    `json:"routing_key"`
	Body        []byte    `json:"body"`
	PublishedAt time.Time `json:"published_at"`
	// Attempt is 1 on first delivery and grows with every requeue.
	Attempt int `json:"attempt"`
}

// Acknowledger settles a delivery with the broker.
type Acknowledger interface {
	Ack(ctx context.Context, d *Delivery) error
	Requeue(ctx context.Context, d *Delivery) error
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
}

// Settlement records how a delivery was finished.
type Settlement string

const (
	SettlementNone    Settlement = ""
	SettlementAck     Settlement = "ack"
	SettlementRequeue Settlement = "requeue"
	SettlementReject  Settlement = "reject"
)

// Delivery is a message handed to a consumer. It must be settled exactly once
// with Ack, Nack or Reject.
type Delivery struct {
	Message
	Queue string

	streamID string
	acker    Acknowledger

	mu      sync.Mutex
	settled Settlement
}

// NewDelivery builds a delivery settled through acker.
func NewDelivery(queue string, msg Message, acker Acknowledger) *Delivery {
	return &Delivery{Message: msg, Queue: queue, acker: acker}
}

// Decode unmarshals the JSON body into v.
func (d *Delivery) Decode(v interface{}) error {
	return json.Unmarshal(d.Body, v)
}

// Ack removes the message from the queue.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.settle(SettlementAck, func() error { return d.acker.Ack(ctx, d) })
}

// Nack hands the message back. With requeue it is redelivered until the
// connection's delivery limit, after which it is dead-lettered; without
// requeue it is dead-lettered immediately.
func (d *Delivery) Nack(ctx context.Context, requeue bool) error {
	if !requeue {
		return d.Reject(ctx)
	}
	return d.settle(SettlementRequeue, func() error { return d.acker.Requeue(ctx, d) })
}

// Reject dead-letters the message without redelivery.
func (d *Delivery) Reject(ctx context.Context) error {
	return d.settle(SettlementReject, func() error { return d.acker.DeadLetter(ctx, d, "rejected") })
}

// Settled returns how the delivery was settled, if it was.
func (d *Delivery) Settled() Settlement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

func (d *Delivery) settle(s Settlement, fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.settled != SettlementNone {
		return fmt.Errorf("delivery %s already settled (%s)", d.ID, d.settled)
	}
	if err := fn(); err != nil {
		return err
	}
	d.settled = s
	return nil
}
