// Package bustest provides an in-memory Acknowledger for handler tests.
package bustest

import (
	"context"
	"sync"
	"time"

	"library-workers/internal/common/bus"

	"github.com/google/uuid"
)

// Recorder records how deliveries were settled.
type Recorder struct {
	mu          sync.Mutex
	Acked       []string
	Requeued    []string
	DeadLetters map[string]string
	Err         error
}

func NewRecorder() *Recorder {
	return &Recorder{DeadLetters: make(map[string]string)}
}

func (r *Recorder) Ack(ctx context.Context, d *bus.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Acked = append(r.Acked, d.ID)
	return nil
}

func (r *Recorder) Requeue(ctx context.Context, d *bus.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Requeued = append(r.Requeued, d.ID)
	return nil
}

func (r *Recorder) DeadLetter(ctx context.Context, d *bus.Delivery, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.DeadLetters[d.ID] = reason
	return nil
}

// Delivery builds a first-attempt delivery of body on queue.
func (r *Recorder) Delivery(queue, routingKey string, body []byte) *bus.Delivery {
	return bus.NewDelivery(queue, bus.Message{
		ID:          uuid.NewString(),
		RoutingKey:  routingKey,
		Body:        body,
		PublishedAt: time.Now().UTC(),
		Attempt:     1,
	}, r)
}
