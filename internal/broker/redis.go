package broker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker over a github.com/redis/go-redis/v9 client.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker builds a RedisBroker from a connection URL such as
// "redis://localhost:6379/0".
func NewRedisBroker(redisURL string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{client: redis.NewClient(opts)}, nil
}

// Close releases the underlying connection pool.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// Ping verifies connectivity. The gateway's /healthz probe does not call it.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) RPush(ctx context.Context, key string, value string) error {
	return b.client.RPush(ctx, key, value).Err()
}

func (b *RedisBroker) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, bool, error) {
	res, err := b.client.BLPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	// BLPop returns [key, value].
	if len(res) != 2 {
		return "", "", false, nil
	}
	return res[0], res[1], true, nil
}

func (b *RedisBroker) HSetMany(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key, values)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBroker) HGetAll(ctx context.Context, key string) (map[string]string, bool, error) {
	fields, err := b.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	return fields, true, nil
}

func (b *RedisBroker) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.client.Expire(ctx, key, ttl).Err()
}

func (b *RedisBroker) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *RedisBroker) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return b.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (b *RedisBroker) ZRem(ctx context.Context, key string, member string) error {
	return b.client.ZRem(ctx, key, member).Err()
}

func (b *RedisBroker) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatFloat(min, 'f', -1, 64),
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}).Result()
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload string) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}
	return &redisSubscription{pubsub: pubsub, ch: translate(pubsub)}, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     <-chan Message
}

func (s *redisSubscription) Channel() <-chan Message {
	return s.ch
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

func translate(pubsub *redis.PubSub) <-chan Message {
	out := make(chan Message)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- Message{Channel: msg.Channel, Payload: msg.Payload}
		}
	}()
	return out
}
