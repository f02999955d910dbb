// Package idempotency guards message handlers against redelivered requests.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stateProcessing = "processing"
	stateDone       = "done"
)

// State of a key after Acquire.
type State int

const (
	// Acquired means the caller owns the key and must Complete or Release it.
	Acquired State = iota
	// Duplicate means the request was already processed.
	Duplicate
	// InProgress means another worker holds the key right now.
	InProgress
)

func (s State) String() string {
	switch s {
	case Acquired:
		return "acquired"
	case Duplicate:
		return "duplicate"
	case InProgress:
		return "in_progress"
	}
	return "unknown"
}

// Store keeps idempotency keys in Redis. A key is held with a short lock TTL
// while processing so a crashed worker does not block redelivery forever, and
// kept for the long TTL once completed.
type Store struct {
	client  redis.Cmdable
	prefix  string
	lockTTL time.Duration
	doneTTL time.Duration
}

func NewStore(client redis.Cmdable, prefix string, lockTTL, doneTTL time.Duration) *Store {
	return &Store{client: client, prefix: prefix, lockTTL: lockTTL, doneTTL: doneTTL}
}

func (s *Store) key(k string) string {
	return s.prefix + ":" + k
}

// Acquire tries to take ownership of key.
func (s *Store) Acquire(ctx context.Context, key string) (State, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), stateProcessing, s.lockTTL).Result()
	if err != nil {
		return InProgress, fmt.Errorf("idempotency acquire %s: %w", key, err)
	}
	if ok {
		return Acquired, nil
	}

	val, err := s.client.Get(ctx, s.key(key)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// expired between the two calls
		return s.Acquire(ctx, key)
	case err != nil:
		return InProgress, fmt.Errorf("idempotency lookup %s: %w", key, err)
	case val == stateDone:
		return Duplicate, nil
	default:
		return InProgress, nil
	}
}

// Complete marks key as processed.
func (s *Store) Complete(ctx context.Context, key string) error {
	if err := s.client.Set(ctx, s.key(key), stateDone, s.doneTTL).Err(); err != nil {
		return fmt.Errorf("idempotency complete %s: %w", key, err)
	}
	return nil
}

// Release drops key so a redelivery can process the request again.
func (s *Store) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("idempotency release %s: %w", key, err)
	}
	return nil
}
