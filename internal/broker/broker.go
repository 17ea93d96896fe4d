// Package broker implements the primitive operations the queue API composes
// into job lifecycle semantics: list push/pop, hash read/write with TTL,
// sorted-set membership for active-job tracking, and pub/sub for event
// fan-out. The Redis-backed implementation is grounded on the redis queue
// repository pattern (TxPipeline writes, BRPopLPush for blocking dequeue,
// ZRangeByScoreWithScores for scheduled work); a pure in-memory
// implementation backs unit tests the way the teacher favors hand-written
// fakes over a live dependency in worker tests.
package broker

import (
	"context"
	"time"
)

// Message is a single published/consumed pub/sub payload.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription.
type Subscription interface {
	// Channel returns the receive channel for incoming messages. It is
	// closed when the subscription is closed.
	Channel() <-chan Message
	Close() error
}

// Broker is the set of primitives the queue API is built from.
type Broker interface {
	// RPush appends value to the list at key.
	RPush(ctx context.Context, key string, value string) error

	// BLPop blocks until an element is available on one of keys or the
	// timeout elapses, returning the key popped from and its value. A zero
	// duration means block indefinitely (bounded by ctx).
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) (key, value string, ok bool, err error)

	// HSetMany writes multiple fields to the hash at key and refreshes its
	// TTL in the same round-trip.
	HSetMany(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	// HGetAll reads every field of the hash at key. ok is false if the key
	// does not exist (e.g. expired).
	HGetAll(ctx context.Context, key string) (fields map[string]string, ok bool, err error)

	// Expire refreshes the TTL on key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// ZAdd adds member to the sorted set at key with the given score.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRem removes member from the sorted set at key.
	ZRem(ctx context.Context, key string, member string) error

	// ZRangeByScore returns members of the sorted set at key scored between
	// min and max, inclusive.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)

	// Publish sends payload to every subscriber of channel.
	Publish(ctx context.Context, channel string, payload string) error

	// Subscribe opens a subscription to channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}
